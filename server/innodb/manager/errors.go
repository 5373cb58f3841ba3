package manager

import (
	"errors"

	jerrors "github.com/juju/errors"
)

// 事务管理器错误
var (
	ErrInvalidTrxState    = errors.New("invalid transaction state")
	ErrReplicationFailed  = errors.New("replication failed, transaction rolled back")
	ErrNoReplicator       = errors.New("replication required but no replicator configured")
	ErrTrxStatusCorrupted = errors.New("transaction status file corrupted")
	ErrTrxSysClosed       = errors.New("transaction system closed")
)

// 锁管理器错误
var (
	ErrDeadlockDetected  = errors.New("deadlock detected")
	ErrLockNotHeld       = errors.New("record lock not held by transaction")
	ErrLockWaitCancelled = errors.New("lock wait cancelled")
)

// MVCC管理器错误
var (
	ErrUnsupportedIsolation = errors.New("unsupported isolation level")
)

// IsDeadlock 是否为死锁错误，调用方需自行回滚事务
func IsDeadlock(err error) bool {
	return jerrors.Cause(err) == ErrDeadlockDetected
}

// IsRetryable 是否可以重试
// 复制失败后事务已被回滚，重试前应重新检查事务的持久化状态
func IsRetryable(err error) bool {
	return jerrors.Cause(err) == ErrReplicationFailed
}
