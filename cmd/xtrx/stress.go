package main

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"sync"
	"time"

	gxsync "github.com/dubbogo/gost/sync"
	"github.com/juju/errors"
	"github.com/spf13/cobra"
	"github.com/zhukovaskychina/xmysql-trxcore/server/conf"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/manager"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

var (
	stressDataDir    string
	stressTrxCount   int
	stressRecords    int
	stressLocksPerTx int
	stressWorkers    int
)

func newStressCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent lock/commit workload against a scratch data directory",
		Args:  cobra.NoArgs,
		RunE:  runStressCommandFunc,
	}
	m.Flags().StringVar(&stressDataDir, "datadir", "", "数据目录，为空时使用临时目录")
	m.Flags().IntVarP(&stressTrxCount, "transactions", "n", 1000, "事务总数")
	m.Flags().IntVar(&stressRecords, "records", 64, "记录数")
	m.Flags().IntVar(&stressLocksPerTx, "locks", 4, "每个事务加锁的记录数")
	m.Flags().IntVarP(&stressWorkers, "workers", "w", 0, "任务池大小，0为默认值")
	return m
}

// stressResult 压测结果
type stressResult struct {
	committed atomic.Uint64
	deadlocks atomic.Uint64
	failed    atomic.Uint64
}

func runStressCommandFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if stressRecords <= 0 || stressLocksPerTx <= 0 {
		return errors.New("records and locks must be positive")
	}

	dataDir := stressDataDir
	if dataDir == "" {
		dataDir, err = os.MkdirTemp("", "xtrx-stress-")
		if err != nil {
			return errors.Trace(err)
		}
		defer os.RemoveAll(dataDir)
	}
	cfg.DataDir = dataDir

	return runStress(cmd.OutOrStdout(), cfg)
}

func runStress(out io.Writer, cfg *conf.Cfg) error {
	sys, err := manager.OpenTrxSys(cfg, manager.Collaborators{})
	if err != nil {
		return err
	}
	defer sys.Close()

	pool := gxsync.NewTaskPoolSimple(stressWorkers)
	defer pool.Close()

	var (
		result stressResult
		wg     sync.WaitGroup
	)
	start := time.Now()
	for i := 0; i < stressTrxCount; i++ {
		wg.Add(1)
		seed := int64(i)
		added := pool.AddTask(func() {
			defer wg.Done()
			runStressTrx(sys, rand.New(rand.NewSource(seed)), &result)
		})
		if !added {
			wg.Done()
			result.failed.Inc()
		}
	}
	wg.Wait()
	elapsed := time.Since(start)

	lockStats := sys.LockManager().Stats()
	trxStats := sys.TransactionManager().Stats()
	fmt.Fprintf(out, "transactions: %d in %s\n", stressTrxCount, elapsed)
	fmt.Fprintf(out, "committed:    %d\n", result.committed.Load())
	fmt.Fprintf(out, "deadlocks:    %d\n", result.deadlocks.Load())
	fmt.Fprintf(out, "failed:       %d\n", result.failed.Load())
	fmt.Fprintf(out, "lock waits:   %d, pool size %d, evicted %d\n", lockStats.Waits, lockStats.PoolSize, lockStats.Evicted)
	fmt.Fprintf(out, "next trx id:  %d, active %d\n", trxStats.NextTrxID, trxStats.Active)
	return nil
}

// runStressTrx 开始事务，按随机顺序锁定若干记录后提交，死锁时回滚
func runStressTrx(sys *manager.TrxSys, rnd *rand.Rand, result *stressResult) {
	trxID, err := sys.Begin()
	if err != nil {
		result.failed.Inc()
		return
	}

	if _, err := sys.ReadView(trxID); err != nil {
		rollbackStressTrx(sys, trxID, result)
		return
	}

	for i := 0; i < stressLocksPerTx; i++ {
		rid := manager.NewRecordID(0, 1, uint64(rnd.Intn(stressRecords)))
		if err := sys.Lock(trxID, rid); err != nil {
			if manager.IsDeadlock(err) {
				result.deadlocks.Inc()
			}
			rollbackStressTrx(sys, trxID, result)
			return
		}
	}

	if err := sys.Commit(trxID); err != nil {
		result.failed.Inc()
		return
	}
	result.committed.Inc()
}

func rollbackStressTrx(sys *manager.TrxSys, trxID mvcc.TrxId, result *stressResult) {
	if err := sys.Rollback(trxID); err != nil {
		result.failed.Inc()
	}
}
