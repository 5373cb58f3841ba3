package manager

import (
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-trxcore/server/conf"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

type fakeUndo struct {
	mu     sync.Mutex
	undone []mvcc.TrxId
}

func (f *fakeUndo) Undo(trxID mvcc.TrxId) error {
	f.mu.Lock()
	f.undone = append(f.undone, trxID)
	f.mu.Unlock()
	return nil
}

func newTestCfg(t *testing.T, dataDir string) *conf.Cfg {
	t.Helper()
	cfg := conf.NewCfg()
	cfg.DataDir = dataDir
	cfg.InnodbLockPoolEvictThreshold = 64
	return cfg
}

func TestTrxSys(t *testing.T) {
	t.Run("完整事务流程", func(t *testing.T) {
		pages := latch.NewPageLatchManager()
		sys, err := OpenTrxSys(newTestCfg(t, t.TempDir()), Collaborators{BufferPool: pages})
		require.NoError(t, err)
		defer sys.Close()

		writer, err := sys.Begin()
		require.NoError(t, err)
		reader, err := sys.Begin()
		require.NoError(t, err)

		rid := NewRecordID(0, 3, 1)
		require.NoError(t, sys.Lock(writer, rid))
		pages.LatchPage(writer, 3)

		visible, err := sys.IsVisible(reader, mvcc.RecordVersion{Modifier: writer})
		require.NoError(t, err)
		assert.False(t, visible)

		require.NoError(t, sys.Commit(writer))
		assert.False(t, sys.LockManager().HoldsLock(writer, rid))
		assert.Empty(t, pages.HeldPages(writer))

		// 默认可重复读，提交后仍不可见
		visible, err = sys.IsVisible(reader, mvcc.RecordVersion{Modifier: writer})
		require.NoError(t, err)
		assert.False(t, visible)

		view, err := sys.ReadViewWithLevel(reader, mvcc.ReadCommitted)
		require.NoError(t, err)
		assert.True(t, view.IsVisible(writer))

		require.NoError(t, sys.Rollback(reader))
		assert.Equal(t, 0, sys.MVCCManager().Len())
	})

	t.Run("死锁后回滚", func(t *testing.T) {
		sys, err := OpenTrxSys(newTestCfg(t, t.TempDir()), Collaborators{})
		require.NoError(t, err)
		defer sys.Close()

		a, _ := sys.Begin()
		b, _ := sys.Begin()
		r1, r2 := NewRecordID(1, 1, 1), NewRecordID(1, 1, 2)
		require.NoError(t, sys.Lock(a, r1))
		require.NoError(t, sys.Lock(b, r2))

		done := make(chan error, 1)
		go func() { done <- sys.Lock(a, r2) }()
		waitUntil(t, func() bool { _, ok := sys.LockManager().WaitingOn(a); return ok })

		err = sys.Lock(b, r1)
		require.True(t, IsDeadlock(err))
		require.NoError(t, sys.Rollback(b))

		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not woken after rollback")
		}
		require.NoError(t, sys.Commit(a))
		assert.True(t, sys.TransactionManager().IsAborted(b))
		assert.True(t, sys.TransactionManager().IsCommitted(a))
	})

	t.Run("崩溃恢复", func(t *testing.T) {
		dataDir := t.TempDir()
		sys, err := OpenTrxSys(newTestCfg(t, dataDir), Collaborators{})
		require.NoError(t, err)
		a, _ := sys.Begin()
		b, _ := sys.Begin()
		c, _ := sys.Begin()
		require.NoError(t, sys.Commit(b))
		require.NoError(t, sys.Close())

		undo := &fakeUndo{}
		sys, err = OpenTrxSys(newTestCfg(t, dataDir), Collaborators{Undo: undo})
		require.NoError(t, err)
		defer sys.Close()

		// 恢复前开始的新事务不受影响
		d, err := sys.Begin()
		require.NoError(t, err)

		recovered, err := sys.Recover()
		require.NoError(t, err)
		assert.Equal(t, []mvcc.TrxId{a, c}, recovered)
		assert.Equal(t, []mvcc.TrxId{a, c}, undo.undone)
		assert.True(t, sys.TransactionManager().IsAborted(a))
		assert.True(t, sys.TransactionManager().IsAborted(c))
		assert.True(t, sys.TransactionManager().IsCommitted(b))
		assert.Equal(t, []mvcc.TrxId{d}, sys.TransactionManager().ActiveTransactions())

		recovered, err = sys.Recover()
		require.NoError(t, err)
		assert.Empty(t, recovered)
	})

	t.Run("要求复制", func(t *testing.T) {
		cfg := newTestCfg(t, t.TempDir())
		cfg.TrxRequireReplication = true
		replicator := &fakeReplicator{rec: &callRecorder{}, ok: false}
		sys, err := OpenTrxSys(cfg, Collaborators{Replicator: replicator})
		require.NoError(t, err)
		defer sys.Close()

		trxID, _ := sys.Begin()
		err = sys.Commit(trxID)
		assert.True(t, IsRetryable(err))
		assert.True(t, sys.TransactionManager().IsAborted(trxID))
	})

	t.Run("结束的事务不能加锁", func(t *testing.T) {
		sys, err := OpenTrxSys(newTestCfg(t, t.TempDir()), Collaborators{})
		require.NoError(t, err)
		defer sys.Close()

		committed, _ := sys.Begin()
		aborted, _ := sys.Begin()
		require.NoError(t, sys.Commit(committed))
		require.NoError(t, sys.Rollback(aborted))

		rid := NewRecordID(0, 4, 1)
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(sys.Lock(committed, rid)))
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(sys.Lock(aborted, rid)))
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(sys.Lock(999, rid)))
		_, held := sys.LockManager().LockHolder(rid)
		assert.False(t, held)

		// 特权事务不受限制
		require.NoError(t, sys.Lock(mvcc.SuperTrxId, rid))
		assert.True(t, sys.LockManager().HoldsLock(mvcc.SuperTrxId, rid))
	})

	t.Run("关闭后拒绝操作", func(t *testing.T) {
		sys, err := OpenTrxSys(newTestCfg(t, t.TempDir()), Collaborators{})
		require.NoError(t, err)
		trxID, err := sys.Begin()
		require.NoError(t, err)
		require.NoError(t, sys.Close())

		_, err = sys.Begin()
		assert.Equal(t, ErrTrxSysClosed, errors.Cause(err))
		assert.Equal(t, ErrTrxSysClosed, errors.Cause(sys.Commit(trxID)))
		assert.Equal(t, ErrTrxSysClosed, errors.Cause(sys.Lock(trxID, NewRecordID(0, 0, 1))))
		_, err = sys.ReadView(trxID)
		assert.Equal(t, ErrTrxSysClosed, errors.Cause(err))
		assert.Equal(t, ErrTrxSysClosed, errors.Cause(sys.Close()))
	})
}
