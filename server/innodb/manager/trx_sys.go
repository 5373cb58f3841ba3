package manager

import (
	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/conf"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/latch"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

// UndoApplier 外部undo机制，恢复时物理回滚未完成事务的数据
type UndoApplier interface {
	Undo(trxID mvcc.TrxId) error
}

// Collaborators 事务子系统的外部协作者，为空的字段使用默认实现
type Collaborators struct {
	Redo       RedoLogger       // 默认为数据目录下的 RedoLogManager
	BufferPool PageLockReleaser // 默认为 latch.PageLatchManager
	Replicator Replicator       // 可选
	Undo       UndoApplier      // 可选，仅恢复时使用
}

// TrxSys 并发控制上下文
//
// 每个数据库进程构造一次，显式传递给所有调用方。
// 它持有事务状态表、行锁管理器、事务注册表和MVCC管理器，Close 之后所有操作返回 ErrTrxSysClosed。
type TrxSys struct {
	cfg    *conf.Cfg
	closed atomic.Bool

	status     *TrxStatusFile
	redo       RedoLogger
	ownedRedo  *RedoLogManager
	bufferPool PageLockReleaser
	undo       UndoApplier

	locks *LockManager
	trx   *TransactionManager
	views *MVCCManager

	// 打开时从状态表中找到的未完成事务
	recoverable []mvcc.TrxId
}

// OpenTrxSys 打开事务子系统
func OpenTrxSys(cfg *conf.Cfg, c Collaborators) (*TrxSys, error) {
	status, err := OpenTrxStatusFile(cfg.TrxStatusFilePath())
	if err != nil {
		return nil, errors.Trace(err)
	}

	sys := &TrxSys{
		cfg:        cfg,
		status:     status,
		redo:       c.Redo,
		bufferPool: c.BufferPool,
		undo:       c.Undo,
	}
	if sys.redo == nil {
		redo, err := NewRedoLogManager(cfg.RedoLogPath(), cfg.InnodbRedoFlushOnCommit)
		if err != nil {
			status.Close()
			return nil, errors.Trace(err)
		}
		sys.redo, sys.ownedRedo = redo, redo
	}
	if sys.bufferPool == nil {
		sys.bufferPool = latch.NewPageLatchManager()
	}

	sys.locks = NewLockManager(cfg.InnodbLockPoolEvictThreshold)
	sys.trx, err = NewTransactionManager(status, TrxCollaborators{
		Redo:       sys.redo,
		BufferPool: sys.bufferPool,
		Replicator: c.Replicator,
		RowLocks:   sys.locks,
	})
	if err != nil {
		sys.closeFiles()
		return nil, errors.Trace(err)
	}
	sys.views = NewMVCCManager(sys.trx)
	sys.trx.SetReadViewReleaser(sys.views)
	sys.recoverable = sys.trx.ActiveTransactions()

	logger.Infof("trx subsystem opened: status file %s, isolation %s", status.Path(), cfg.IsolationLevel)
	return sys, nil
}

func (s *TrxSys) checkOpen() error {
	if s.closed.Load() {
		return errors.Trace(ErrTrxSysClosed)
	}
	return nil
}

// Begin 开始事务
func (s *TrxSys) Begin() (mvcc.TrxId, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	return s.trx.Begin()
}

// Commit 按配置决定是否要求复制后提交事务
func (s *TrxSys) Commit(trxID mvcc.TrxId) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.trx.Commit(trxID, s.cfg.TrxRequireReplication)
}

// Rollback 回滚事务
func (s *TrxSys) Rollback(trxID mvcc.TrxId) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.trx.Rollback(trxID)
}

// Lock 获取行锁，死锁时调用方负责回滚
// 已结束的事务不能再加锁，否则锁不会再被 ReleaseAll 释放
func (s *TrxSys) Lock(trxID mvcc.TrxId, rid RecordID) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !trxID.IsPrivileged() && !s.trx.IsActive(trxID) {
		return errors.Annotatef(ErrInvalidTrxState, "trx %d is not active", trxID)
	}
	return s.locks.Lock(trxID, rid)
}

// ReadView 按配置的隔离级别获取事务的ReadView
func (s *TrxSys) ReadView(trxID mvcc.TrxId) (*mvcc.ReadView, error) {
	return s.ReadViewWithLevel(trxID, s.cfg.IsolationLevel)
}

// ReadViewWithLevel 按指定隔离级别获取事务的ReadView
func (s *TrxSys) ReadViewWithLevel(trxID mvcc.TrxId, level mvcc.IsolationLevel) (*mvcc.ReadView, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.views.CreateReadView(trxID, level)
}

// IsVisible 按配置的隔离级别判断记录版本对事务是否可见
func (s *TrxSys) IsVisible(trxID mvcc.TrxId, version mvcc.RecordVersion) (bool, error) {
	view, err := s.ReadView(trxID)
	if err != nil {
		return false, err
	}
	return s.views.IsVisible(view, version), nil
}

// Recover 回滚崩溃前未完成的事务，返回被回滚的事务ID
// 只处理打开时就已存在的活跃事务，之后开始的事务不受影响
func (s *TrxSys) Recover() ([]mvcc.TrxId, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	recovered := make([]mvcc.TrxId, 0, len(s.recoverable))
	for _, trxID := range s.recoverable {
		if !s.trx.IsActive(trxID) {
			continue
		}
		if s.undo != nil {
			if err := s.undo.Undo(trxID); err != nil {
				return recovered, errors.Annotatef(err, "undo trx %d", trxID)
			}
		}
		if err := s.trx.RollbackByRecovery(trxID); err != nil {
			return recovered, errors.Trace(err)
		}
		recovered = append(recovered, trxID)
	}
	s.recoverable = nil

	if len(recovered) > 0 {
		logger.Warnf("recovery rolled back %d unfinished transactions: %v", len(recovered), recovered)
	}
	return recovered, nil
}

// LockManager 行锁管理器
func (s *TrxSys) LockManager() *LockManager {
	return s.locks
}

// TransactionManager 事务注册表
func (s *TrxSys) TransactionManager() *TransactionManager {
	return s.trx
}

// MVCCManager MVCC管理器
func (s *TrxSys) MVCCManager() *MVCCManager {
	return s.views
}

// StatusFile 事务状态表
func (s *TrxSys) StatusFile() *TrxStatusFile {
	return s.status
}

// Close 关闭事务子系统，刷盘并关闭状态表与自有的重做日志
func (s *TrxSys) Close() error {
	if !s.closed.CAS(false, true) {
		return errors.Trace(ErrTrxSysClosed)
	}
	if err := s.closeFiles(); err != nil {
		return err
	}
	logger.Info("trx subsystem closed")
	return nil
}

func (s *TrxSys) closeFiles() error {
	var firstErr error
	if s.ownedRedo != nil {
		if err := s.ownedRedo.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.status.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return errors.Trace(firstErr)
}
