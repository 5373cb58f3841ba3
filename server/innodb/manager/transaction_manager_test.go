package manager

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

// callRecorder 记录协作者被调用的顺序
type callRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *callRecorder) record(format string, args ...interface{}) {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *callRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *callRecorder) reset() {
	r.mu.Lock()
	r.calls = nil
	r.mu.Unlock()
}

type fakeRedo struct {
	rec *callRecorder
	err error
}

func (f *fakeRedo) TransactionCommit(trxID mvcc.TrxId) error {
	f.rec.record("redo.commit(%d)", trxID)
	return f.err
}

func (f *fakeRedo) TransactionAbort(trxID mvcc.TrxId) error {
	f.rec.record("redo.abort(%d)", trxID)
	return f.err
}

type fakeBufferPool struct{ rec *callRecorder }

func (f *fakeBufferPool) TransactionReleaseLock(trxID mvcc.TrxId) {
	f.rec.record("bufferpool.release(%d)", trxID)
}

type fakeRowLocks struct{ rec *callRecorder }

func (f *fakeRowLocks) ReleaseAll(trxID mvcc.TrxId) {
	f.rec.record("rowlocks.release(%d)", trxID)
}

type fakeViews struct {
	rec *callRecorder
	tm  *TransactionManager
}

func (f *fakeViews) ReleaseReadView(trxID mvcc.TrxId) {
	// 丢弃ReadView时事务必须已经是终态
	f.rec.record("views.release(%d) active=%v", trxID, f.tm.IsActive(trxID))
}

type fakeReplicator struct {
	rec *callRecorder
	ok  bool
}

func (f *fakeReplicator) Commit(trxID mvcc.TrxId) bool {
	f.rec.record("replicator.commit(%d)", trxID)
	return f.ok
}

// faultyStatusFile 文件头写入失败的状态表文件
type faultyStatusFile struct {
	statusFileIO
	failHeader bool
}

func (f *faultyStatusFile) WriteAt(p []byte, off int64) (int, error) {
	if f.failHeader && off == 0 {
		return 0, errors.New("no space left on device")
	}
	return f.statusFileIO.WriteAt(p, off)
}

type trxFixture struct {
	rec    *callRecorder
	redo   *fakeRedo
	status *TrxStatusFile
	tm     *TransactionManager
}

func newTrxFixture(t *testing.T, path string, replicator Replicator) *trxFixture {
	t.Helper()
	rec := &callRecorder{}
	status, err := OpenTrxStatusFile(path)
	require.NoError(t, err)
	t.Cleanup(func() { status.Close() })

	redo := &fakeRedo{rec: rec}
	tm, err := NewTransactionManager(status, TrxCollaborators{
		Redo:       redo,
		BufferPool: &fakeBufferPool{rec: rec},
		Replicator: replicator,
		RowLocks:   &fakeRowLocks{rec: rec},
	})
	require.NoError(t, err)
	tm.SetReadViewReleaser(&fakeViews{rec: rec, tm: tm})
	return &trxFixture{rec: rec, redo: redo, status: status, tm: tm}
}

func TestTransactionManager(t *testing.T) {
	t.Run("基本事务操作", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		tm := fx.tm

		trxID, err := tm.Begin()
		require.NoError(t, err)
		assert.Equal(t, mvcc.TrxId(1), trxID)
		assert.True(t, tm.IsActive(trxID))
		assert.Equal(t, []mvcc.TrxId{1}, tm.ActiveTransactions())
		assert.Equal(t, mvcc.TrxId(2), tm.LowLimitID())

		// 返回之前已经持久化
		assert.Equal(t, TrxStatusHeader{NextTrxID: 2, ActiveCount: 1}, fx.status.Header())

		require.NoError(t, tm.Commit(trxID, false))
		assert.True(t, tm.IsCommitted(trxID))
		assert.False(t, tm.IsActive(trxID))
		assert.False(t, tm.IsAborted(trxID))
		assert.Empty(t, tm.ActiveTransactions())
		assert.Equal(t, TrxStatusHeader{NextTrxID: 2, ActiveCount: 0}, fx.status.Header())
	})

	t.Run("提交顺序", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		trxID, err := fx.tm.Begin()
		require.NoError(t, err)

		require.NoError(t, fx.tm.Commit(trxID, false))
		assert.Equal(t, []string{
			"redo.commit(1)",
			"rowlocks.release(1)",
			"bufferpool.release(1)",
			"views.release(1) active=false",
		}, fx.rec.snapshot())
	})

	t.Run("回滚", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		trxID, err := fx.tm.Begin()
		require.NoError(t, err)

		require.NoError(t, fx.tm.Rollback(trxID))
		assert.True(t, fx.tm.IsAborted(trxID))
		assert.False(t, fx.tm.IsCommitted(trxID))
		assert.Equal(t, []string{
			"redo.abort(1)",
			"rowlocks.release(1)",
			"bufferpool.release(1)",
			"views.release(1) active=false",
		}, fx.rec.snapshot())
	})

	t.Run("非活跃事务不能提交或回滚", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		tm := fx.tm

		assert.Equal(t, ErrInvalidTrxState, errors.Cause(tm.Commit(42, false)))
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(tm.Rollback(42)))

		trxID, err := tm.Begin()
		require.NoError(t, err)
		require.NoError(t, tm.Commit(trxID, false))
		fx.rec.reset()

		assert.Equal(t, ErrInvalidTrxState, errors.Cause(tm.Commit(trxID, false)))
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(tm.Rollback(trxID)))
		assert.Empty(t, fx.rec.snapshot())
		assert.True(t, tm.IsCommitted(trxID))
	})

	t.Run("日志写入失败时事务保持活跃", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		trxID, err := fx.tm.Begin()
		require.NoError(t, err)

		fx.redo.err = errors.New("disk full")
		assert.Error(t, fx.tm.Commit(trxID, false))
		assert.True(t, fx.tm.IsActive(trxID))
		assert.Equal(t, []string{"redo.commit(1)"}, fx.rec.snapshot())

		fx.redo.err = nil
		require.NoError(t, fx.tm.Rollback(trxID))
		assert.True(t, fx.tm.IsAborted(trxID))
	})

	t.Run("终态写入后文件头写入失败", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trx.xid")
		fx := newTrxFixture(t, path, nil)
		trxID, err := fx.tm.Begin()
		require.NoError(t, err)
		other, err := fx.tm.Begin()
		require.NoError(t, err)

		faulty := &faultyStatusFile{statusFileIO: fx.status.file, failHeader: true}
		fx.status.file = faulty

		assert.Error(t, fx.tm.Commit(trxID, false))
		assert.True(t, fx.tm.IsCommitted(trxID))
		assert.False(t, fx.tm.IsActive(trxID))
		assert.Equal(t, []mvcc.TrxId{other}, fx.tm.ActiveTransactions())
		assert.Contains(t, fx.rec.snapshot(), fmt.Sprintf("views.release(%d) active=false", trxID))

		// 已写入的终态不能被再次改写
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(fx.tm.Rollback(trxID)))
		assert.Equal(t, ErrInvalidTrxState, errors.Cause(fx.tm.Commit(trxID, false)))
		assert.True(t, fx.tm.IsCommitted(trxID))

		// 文件头中的活跃数在重启时按扫描结果修正
		reopened := newTrxFixture(t, path, nil)
		assert.Equal(t, []mvcc.TrxId{other}, reopened.tm.ActiveTransactions())
		assert.True(t, reopened.tm.IsCommitted(trxID))
		assert.Equal(t, TrxStatusHeader{NextTrxID: 3, ActiveCount: 1}, reopened.status.Header())

		faulty.failHeader = false
		require.NoError(t, fx.tm.Rollback(other))
		assert.Equal(t, TrxStatusHeader{NextTrxID: 3, ActiveCount: 0}, fx.status.Header())
	})

	t.Run("复制失败时回滚", func(t *testing.T) {
		replicator := &fakeReplicator{ok: false}
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), replicator)
		replicator.rec = fx.rec

		trxID, err := fx.tm.Begin()
		require.NoError(t, err)

		err = fx.tm.Commit(trxID, true)
		require.Error(t, err)
		assert.True(t, IsRetryable(err))
		assert.Equal(t, ErrReplicationFailed, errors.Cause(err))
		assert.True(t, fx.tm.IsAborted(trxID))
		assert.Empty(t, fx.tm.ActiveTransactions())
		assert.Equal(t, []string{
			"redo.commit(1)",
			"replicator.commit(1)",
			"redo.abort(1)",
			"rowlocks.release(1)",
			"bufferpool.release(1)",
			"views.release(1) active=false",
		}, fx.rec.snapshot())
		assert.Equal(t, uint64(1), fx.tm.Stats().ReplicationFailed)
	})

	t.Run("复制成功后提交", func(t *testing.T) {
		replicator := &fakeReplicator{ok: true}
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), replicator)
		replicator.rec = fx.rec

		trxID, err := fx.tm.Begin()
		require.NoError(t, err)
		require.NoError(t, fx.tm.Commit(trxID, true))
		assert.True(t, fx.tm.IsCommitted(trxID))
		assert.Equal(t, "replicator.commit(1)", fx.rec.snapshot()[1])
	})

	t.Run("未配置复制层", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		trxID, err := fx.tm.Begin()
		require.NoError(t, err)

		assert.Equal(t, ErrNoReplicator, errors.Cause(fx.tm.Commit(trxID, true)))
		assert.True(t, fx.tm.IsActive(trxID))
		assert.False(t, IsRetryable(fx.tm.Commit(trxID, true)))
	})

	t.Run("并发开始事务ID唯一", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)

		const n = 50
		ids := make(chan mvcc.TrxId, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				trxID, err := fx.tm.Begin()
				if assert.NoError(t, err) {
					ids <- trxID
				}
			}()
		}
		wg.Wait()
		close(ids)

		seen := make(map[mvcc.TrxId]bool)
		for trxID := range ids {
			assert.False(t, seen[trxID], "duplicate trx id %d", trxID)
			seen[trxID] = true
		}
		assert.Len(t, seen, n)
		assert.Equal(t, mvcc.TrxId(n+1), fx.tm.LowLimitID())
		assert.Equal(t, int64(n), fx.status.Header().ActiveCount)
	})

	t.Run("特权事务", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		assert.True(t, fx.tm.IsCommitted(mvcc.SuperTrxId))
		assert.False(t, fx.tm.IsActive(mvcc.SuperTrxId))
		assert.False(t, fx.tm.IsAborted(mvcc.SuperTrxId))
	})

	t.Run("重启后重建活跃集合", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "trx.xid")
		fx := newTrxFixture(t, path, nil)
		for i := 0; i < 5; i++ {
			_, err := fx.tm.Begin()
			require.NoError(t, err)
		}
		require.NoError(t, fx.tm.Commit(2, false))
		require.NoError(t, fx.tm.Rollback(4))
		require.NoError(t, fx.status.Close())

		fx = newTrxFixture(t, path, nil)
		assert.Equal(t, []mvcc.TrxId{1, 3, 5}, fx.tm.ActiveTransactions())
		assert.Equal(t, mvcc.TrxId(6), fx.tm.LowLimitID())
		assert.True(t, fx.tm.IsCommitted(2))
		assert.True(t, fx.tm.IsAborted(4))

		require.NoError(t, fx.tm.RollbackByRecovery(3))
		assert.True(t, fx.tm.IsAborted(3))
		assert.Equal(t, []mvcc.TrxId{1, 5}, fx.tm.ActiveTransactions())
		assert.Equal(t, int64(2), fx.status.Header().ActiveCount)
		// 恢复回滚不写日志也不释放锁
		assert.Empty(t, fx.rec.snapshot())

		assert.Equal(t, ErrInvalidTrxState, errors.Cause(fx.tm.RollbackByRecovery(3)))

		trxID, err := fx.tm.Begin()
		require.NoError(t, err)
		assert.Equal(t, mvcc.TrxId(6), trxID)
	})

	t.Run("快照", func(t *testing.T) {
		fx := newTrxFixture(t, filepath.Join(t.TempDir(), "trx.xid"), nil)
		a, _ := fx.tm.Begin()
		b, _ := fx.tm.Begin()
		require.NoError(t, fx.tm.Commit(a, false))

		active, next := fx.tm.Snapshot()
		assert.Equal(t, []mvcc.TrxId{b}, active)
		assert.Equal(t, b+1, next)

		stats := fx.tm.Stats()
		assert.Equal(t, uint64(2), stats.Begun)
		assert.Equal(t, uint64(1), stats.Committed)
		assert.Equal(t, 1, stats.Active)
	})
}
