package manager

import (
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

// RedoLogger 持久化日志，返回前必须已落盘
type RedoLogger interface {
	TransactionCommit(trxID mvcc.TrxId) error
	TransactionAbort(trxID mvcc.TrxId) error
}

// PageLockReleaser 缓冲池，释放事务持有的页面锁
type PageLockReleaser interface {
	TransactionReleaseLock(trxID mvcc.TrxId)
}

// Replicator 复制层，返回事务是否已被持久复制
type Replicator interface {
	Commit(trxID mvcc.TrxId) bool
}

// RowLockReleaser 释放事务的全部行锁
type RowLockReleaser interface {
	ReleaseAll(trxID mvcc.TrxId)
}

// ReadViewReleaser 丢弃事务缓存的ReadView
type ReadViewReleaser interface {
	ReleaseReadView(trxID mvcc.TrxId)
}

// TrxCollaborators 事务管理器依赖的外部组件
type TrxCollaborators struct {
	Redo       RedoLogger
	BufferPool PageLockReleaser
	Replicator Replicator // 可选
	RowLocks   RowLockReleaser
}

// TrxStats 事务统计信息
type TrxStats struct {
	Begun              uint64
	Committed          uint64
	RolledBack         uint64
	ReplicationFailed  uint64
	RecoveryRolledBack uint64
	Active             int
	NextTrxID          mvcc.TrxId
}

type trxCounters struct {
	begun              atomic.Uint64
	committed          atomic.Uint64
	rolledBack         atomic.Uint64
	replicationFailed  atomic.Uint64
	recoveryRolledBack atomic.Uint64
}

// TransactionManager 事务注册表
//
// 负责分配事务ID、维护持久化状态表与活跃事务集合，并编排提交/回滚:
// 日志先落盘，再释放行锁和页面锁，最后写入终态并移出活跃集合。
type TransactionManager struct {
	mu        sync.RWMutex
	status    *TrxStatusFile
	nextTrxID mvcc.TrxId
	active    *trxActiveSet
	ending    map[mvcc.TrxId]struct{} // 正在提交或回滚的事务

	redo       RedoLogger
	bufferPool PageLockReleaser
	replicator Replicator
	rowLocks   RowLockReleaser
	views      ReadViewReleaser

	counters trxCounters
}

// NewTransactionManager 创建事务管理器，并从状态表重建活跃事务集合
func NewTransactionManager(status *TrxStatusFile, deps TrxCollaborators) (*TransactionManager, error) {
	if deps.Redo == nil || deps.BufferPool == nil || deps.RowLocks == nil {
		return nil, errors.New("redo log, buffer pool and row lock collaborators are required")
	}

	tm := &TransactionManager{
		status:     status,
		active:     newTrxActiveSet(),
		ending:     make(map[mvcc.TrxId]struct{}),
		redo:       deps.Redo,
		bufferPool: deps.BufferPool,
		replicator: deps.Replicator,
		rowLocks:   deps.RowLocks,
	}
	if err := tm.rebuild(); err != nil {
		return nil, errors.Trace(err)
	}
	return tm, nil
}

// rebuild 启动时从状态表重建活跃事务集合
func (tm *TransactionManager) rebuild() error {
	header := tm.status.Header()
	ids, err := tm.status.ScanActive()
	if err != nil {
		return err
	}
	tm.nextTrxID = header.NextTrxID
	for _, id := range ids {
		tm.active.add(id)
	}

	if int64(len(ids)) != header.ActiveCount {
		// 终态已写入但活跃数尚未更新时崩溃，以扫描结果为准
		logger.WithComponent("trx").Warnf("trx status header records %d active transactions, found %d; rewriting header",
			header.ActiveCount, len(ids))
		if err := tm.status.WriteHeader(TrxStatusHeader{NextTrxID: tm.nextTrxID, ActiveCount: int64(len(ids))}); err != nil {
			return err
		}
		if err := tm.status.Sync(); err != nil {
			return err
		}
	}
	activeTrxGauge.Set(float64(tm.active.len()))
	logger.Infof("trx subsystem loaded: next trx id %d, %d active transactions", tm.nextTrxID, len(ids))
	return nil
}

// SetReadViewReleaser 注入MVCC管理器，事务结束时丢弃其ReadView
func (tm *TransactionManager) SetReadViewReleaser(views ReadViewReleaser) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.views = views
}

// Begin 开始新事务
// 事务ID在持久化为ACTIVE之后才返回给调用方
func (tm *TransactionManager) Begin() (mvcc.TrxId, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	trxID := tm.nextTrxID
	if err := tm.status.WriteStatus(trxID, TRX_STATUS_ACTIVE); err != nil {
		return 0, errors.Trace(err)
	}
	header := TrxStatusHeader{NextTrxID: trxID + 1, ActiveCount: int64(tm.active.len() + 1)}
	if err := tm.status.WriteHeader(header); err != nil {
		return 0, errors.Trace(err)
	}
	if err := tm.status.Sync(); err != nil {
		return 0, errors.Trace(err)
	}

	tm.nextTrxID++
	tm.active.add(trxID)

	tm.counters.begun.Inc()
	trxCounter.WithLabelValues("begin").Inc()
	activeTrxGauge.Set(float64(tm.active.len()))
	logger.WithTrx(int64(trxID)).Debug("trx begin")
	return trxID, nil
}

// Commit 提交事务
//
// 顺序: 提交日志落盘 -> (可选)复制 -> 释放行锁 -> 释放页面锁 -> 持久化COMMITTED
// -> 移出活跃集合并更新活跃数 -> 丢弃ReadView。
// 复制失败时事务被回滚并返回 ErrReplicationFailed。
func (tm *TransactionManager) Commit(trxID mvcc.TrxId, requireReplication bool) error {
	if requireReplication && tm.replicator == nil {
		return errors.Trace(ErrNoReplicator)
	}
	if err := tm.markEnding(trxID); err != nil {
		return err
	}

	if err := tm.redo.TransactionCommit(trxID); err != nil {
		tm.unmarkEnding(trxID)
		return errors.Annotatef(err, "flush commit record of trx %d", trxID)
	}

	if requireReplication && !tm.replicator.Commit(trxID) {
		tm.counters.replicationFailed.Inc()
		trxCounter.WithLabelValues("replication_failed").Inc()
		logger.WithTrx(int64(trxID)).Warn("replication failed, rolling back")

		if err := tm.redo.TransactionAbort(trxID); err != nil {
			logger.WithTrx(int64(trxID)).Errorf("flush abort record after replication failure: %v", err)
		}
		if err := tm.finish(trxID, TRX_STATUS_ABORTED); err != nil {
			return errors.Annotatef(err, "rollback trx %d after replication failure", trxID)
		}
		tm.counters.rolledBack.Inc()
		return errors.Annotatef(ErrReplicationFailed, "trx %d", trxID)
	}

	if err := tm.finish(trxID, TRX_STATUS_COMMITTED); err != nil {
		return err
	}
	tm.counters.committed.Inc()
	trxCounter.WithLabelValues("commit").Inc()
	logger.WithTrx(int64(trxID)).Debug("trx commit")
	return nil
}

// Rollback 回滚事务
// 数据的物理回滚由外部undo机制负责，这里只写回滚日志并拆除锁与ReadView
func (tm *TransactionManager) Rollback(trxID mvcc.TrxId) error {
	if err := tm.markEnding(trxID); err != nil {
		return err
	}

	if err := tm.redo.TransactionAbort(trxID); err != nil {
		tm.unmarkEnding(trxID)
		return errors.Annotatef(err, "flush abort record of trx %d", trxID)
	}

	if err := tm.finish(trxID, TRX_STATUS_ABORTED); err != nil {
		return err
	}
	tm.counters.rolledBack.Inc()
	trxCounter.WithLabelValues("rollback").Inc()
	logger.WithTrx(int64(trxID)).Debug("trx rollback")
	return nil
}

// RollbackByRecovery 启动恢复时回滚崩溃前未完成的事务
// 日志已在磁盘上，新进程中也不存在任何锁，因此只更新状态表和活跃集合
func (tm *TransactionManager) RollbackByRecovery(trxID mvcc.TrxId) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.active.contains(trxID) {
		return errors.Annotatef(ErrInvalidTrxState, "trx %d is not active", trxID)
	}
	if err := tm.persistEnd(trxID, TRX_STATUS_ABORTED); err != nil {
		return err
	}

	tm.counters.recoveryRolledBack.Inc()
	trxCounter.WithLabelValues("recovery_rollback").Inc()
	logger.WithTrx(int64(trxID)).Warn("trx rolled back by recovery")
	return nil
}

// markEnding 校验事务处于ACTIVE并标记为正在结束，防止重复提交/回滚
func (tm *TransactionManager) markEnding(trxID mvcc.TrxId) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if !tm.active.contains(trxID) {
		return errors.Annotatef(ErrInvalidTrxState, "trx %d is not active", trxID)
	}
	if _, ok := tm.ending[trxID]; ok {
		return errors.Annotatef(ErrInvalidTrxState, "trx %d is already committing or rolling back", trxID)
	}
	tm.ending[trxID] = struct{}{}
	return nil
}

func (tm *TransactionManager) unmarkEnding(trxID mvcc.TrxId) {
	tm.mu.Lock()
	delete(tm.ending, trxID)
	tm.mu.Unlock()
}

// finish 拆除锁后持久化终态，最后丢弃ReadView
func (tm *TransactionManager) finish(trxID mvcc.TrxId, status byte) error {
	tm.rowLocks.ReleaseAll(trxID)
	tm.bufferPool.TransactionReleaseLock(trxID)

	tm.mu.Lock()
	err := tm.persistEnd(trxID, status)
	delete(tm.ending, trxID)
	ended := !tm.active.contains(trxID)
	views := tm.views
	tm.mu.Unlock()

	if ended && views != nil {
		views.ReleaseReadView(trxID)
	}
	if err != nil {
		logger.WithTrx(int64(trxID)).Errorf("persist %s: %v", TrxStatusName(status), err)
		return err
	}
	return nil
}

// persistEnd 写入终态、移出活跃集合并更新活跃数，调用方持有mu
//
// 终态字节写入后事务即视为结束，之后文件头或刷盘失败也不会留在活跃集合中，
// 不会再有第二次终态写入。文件头中的活跃数由下次启动时的扫描修正。
func (tm *TransactionManager) persistEnd(trxID mvcc.TrxId, status byte) error {
	if err := tm.status.WriteStatus(trxID, status); err != nil {
		return errors.Trace(err)
	}
	tm.active.remove(trxID)
	activeTrxGauge.Set(float64(tm.active.len()))

	header := TrxStatusHeader{NextTrxID: tm.nextTrxID, ActiveCount: int64(tm.active.len())}
	if err := tm.status.WriteHeader(header); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tm.status.Sync())
}

// IsActive 事务是否处于ACTIVE
func (tm *TransactionManager) IsActive(trxID mvcc.TrxId) bool {
	return tm.statusIs(trxID, TRX_STATUS_ACTIVE)
}

// IsCommitted 事务是否已提交，特权事务总是视为已提交
func (tm *TransactionManager) IsCommitted(trxID mvcc.TrxId) bool {
	if trxID.IsPrivileged() {
		return true
	}
	return tm.statusIs(trxID, TRX_STATUS_COMMITTED)
}

// IsAborted 事务是否已回滚
func (tm *TransactionManager) IsAborted(trxID mvcc.TrxId) bool {
	return tm.statusIs(trxID, TRX_STATUS_ABORTED)
}

func (tm *TransactionManager) statusIs(trxID mvcc.TrxId, want byte) bool {
	if trxID.IsPrivileged() {
		return false
	}
	status, ok, err := tm.status.Status(trxID)
	if err != nil {
		logger.WithTrx(int64(trxID)).Errorf("read trx status: %v", err)
		return false
	}
	return ok && status == want
}

// ActiveTransactions 活跃事务ID(升序)
func (tm *TransactionManager) ActiveTransactions() []mvcc.TrxId {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.active.ids()
}

// LowLimitID 下一个待分配的事务ID
func (tm *TransactionManager) LowLimitID() mvcc.TrxId {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.nextTrxID
}

// Snapshot 在同一临界区内读取活跃集合与下一个待分配ID
// 分开读取时，两次读取之间开始的事务会被误判为已提交
func (tm *TransactionManager) Snapshot() ([]mvcc.TrxId, mvcc.TrxId) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.active.ids(), tm.nextTrxID
}

// Stats 事务统计信息
func (tm *TransactionManager) Stats() TrxStats {
	tm.mu.RLock()
	active, next := tm.active.len(), tm.nextTrxID
	tm.mu.RUnlock()

	return TrxStats{
		Begun:              tm.counters.begun.Load(),
		Committed:          tm.counters.committed.Load(),
		RolledBack:         tm.counters.rolledBack.Load(),
		ReplicationFailed:  tm.counters.replicationFailed.Load(),
		RecoveryRolledBack: tm.counters.recoveryRolledBack.Load(),
		Active:             active,
		NextTrxID:          next,
	}
}
