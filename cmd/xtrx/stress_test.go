package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-trxcore/server/conf"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/manager"
)

func TestRunStress(t *testing.T) {
	stressTrxCount, stressRecords, stressLocksPerTx, stressWorkers = 200, 8, 3, 8

	cfg := conf.NewCfg()
	cfg.DataDir = t.TempDir()

	var out bytes.Buffer
	require.NoError(t, runStress(&out, cfg))
	assert.Contains(t, out.String(), "committed:")
	assert.Contains(t, out.String(), "failed:       0")

	// 压测结束后没有遗留的活跃事务
	status, err := manager.OpenTrxStatusFile(cfg.TrxStatusFilePath())
	require.NoError(t, err)
	defer status.Close()
	assert.Equal(t, int64(0), status.Header().ActiveCount)
	assert.Equal(t, int64(201), int64(status.Header().NextTrxID))
}
