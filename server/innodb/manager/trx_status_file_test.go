package manager

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

func TestTrxStatusFile(t *testing.T) {
	t.Run("新建文件", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trx.xid")
		f, err := OpenTrxStatusFile(path)
		require.NoError(t, err)
		defer f.Close()

		assert.Equal(t, TrxStatusHeader{NextTrxID: 1, ActiveCount: 0}, f.Header())
		status, ok, err := f.Status(BootstrapTrxID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, TRX_STATUS_COMMITTED, status)

		_, ok, err = f.Status(1)
		require.NoError(t, err)
		assert.False(t, ok)
		_, ok, err = f.Status(mvcc.SuperTrxId)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("磁盘格式", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trx.xid")
		f, err := OpenTrxStatusFile(path)
		require.NoError(t, err)

		require.NoError(t, f.WriteStatus(1, TRX_STATUS_ACTIVE))
		require.NoError(t, f.WriteStatus(2, TRX_STATUS_ABORTED))
		require.NoError(t, f.WriteHeader(TrxStatusHeader{NextTrxID: 3, ActiveCount: 1}))
		require.NoError(t, f.Close())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Len(t, data, TrxStatusHeaderSize+3)
		assert.Equal(t, uint64(3), binary.BigEndian.Uint64(data[0:8]))
		assert.Equal(t, uint64(1), binary.BigEndian.Uint64(data[8:16]))
		assert.Equal(t, []byte{TRX_STATUS_COMMITTED, TRX_STATUS_ACTIVE, TRX_STATUS_ABORTED}, data[16:])
	})

	t.Run("重新打开并扫描活跃事务", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trx.xid")
		f, err := OpenTrxStatusFile(path)
		require.NoError(t, err)

		statuses := []byte{TRX_STATUS_ACTIVE, TRX_STATUS_COMMITTED, TRX_STATUS_ACTIVE, TRX_STATUS_ABORTED, TRX_STATUS_ACTIVE}
		for i, s := range statuses {
			require.NoError(t, f.WriteStatus(mvcc.TrxId(i+1), s))
		}
		require.NoError(t, f.WriteHeader(TrxStatusHeader{NextTrxID: 6, ActiveCount: 3}))
		require.NoError(t, f.Close())

		f, err = OpenTrxStatusFile(path)
		require.NoError(t, err)
		defer f.Close()

		active, err := f.ScanActive()
		require.NoError(t, err)
		assert.Equal(t, []mvcc.TrxId{5, 3, 1}, active)
	})

	t.Run("扫描在计数满足后停止", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trx.xid")
		f, err := OpenTrxStatusFile(path)
		require.NoError(t, err)
		defer f.Close()

		// id 1 仍为ACTIVE，但文件头只记录了一个活跃事务
		require.NoError(t, f.WriteStatus(1, TRX_STATUS_ACTIVE))
		require.NoError(t, f.WriteStatus(2, TRX_STATUS_ACTIVE))
		require.NoError(t, f.WriteHeader(TrxStatusHeader{NextTrxID: 3, ActiveCount: 1}))

		active, err := f.ScanActive()
		require.NoError(t, err)
		assert.Equal(t, []mvcc.TrxId{2}, active)
	})

	t.Run("文件损坏", func(t *testing.T) {
		dir := t.TempDir()

		short := filepath.Join(dir, "short.xid")
		require.NoError(t, os.WriteFile(short, []byte{0, 1, 2}, 0644))
		_, err := OpenTrxStatusFile(short)
		assert.Equal(t, ErrTrxStatusCorrupted, errors.Cause(err))

		// 文件头声称已分配10个ID，但只有一个状态字节
		truncated := filepath.Join(dir, "truncated.xid")
		buf := make([]byte, TrxStatusHeaderSize+1)
		binary.BigEndian.PutUint64(buf[0:8], 10)
		require.NoError(t, os.WriteFile(truncated, buf, 0644))
		_, err = OpenTrxStatusFile(truncated)
		assert.Equal(t, ErrTrxStatusCorrupted, errors.Cause(err))

		zeroNext := filepath.Join(dir, "zero.xid")
		require.NoError(t, os.WriteFile(zeroNext, make([]byte, TrxStatusHeaderSize+1), 0644))
		_, err = OpenTrxStatusFile(zeroNext)
		assert.Equal(t, ErrTrxStatusCorrupted, errors.Cause(err))
	})

	t.Run("拒绝写入特权事务", func(t *testing.T) {
		f, err := OpenTrxStatusFile(filepath.Join(t.TempDir(), "trx.xid"))
		require.NoError(t, err)
		defer f.Close()

		assert.Error(t, f.WriteStatus(mvcc.SuperTrxId, TRX_STATUS_ACTIVE))
	})
}
