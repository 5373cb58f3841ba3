package manager

import (
	"fmt"
	"time"

	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"go.uber.org/atomic"
)

// RecordID 行记录标识(表空间ID_页号_堆号)
type RecordID struct {
	SpaceID uint32
	PageNo  uint32
	HeapNo  uint64
}

// NewRecordID 生成记录标识
func NewRecordID(spaceID, pageNo uint32, heapNo uint64) RecordID {
	return RecordID{SpaceID: spaceID, PageNo: pageNo, HeapNo: heapNo}
}

func (r RecordID) String() string {
	return fmt.Sprintf("%d_%d_%d", r.SpaceID, r.PageNo, r.HeapNo)
}

// LockStats 锁统计信息
type LockStats struct {
	Acquired  uint64 // 直接获得或等待后获得的锁次数
	Waits     uint64 // 进入等待的次数
	Deadlocks uint64 // 死锁次数
	Cancelled uint64 // 被取消的等待次数
	Evicted   uint64 // 从锁池淘汰的条目数
	PoolSize  int    // 当前锁池大小
	Waiting   int    // 当前等待中的事务数
}

type lockCounters struct {
	acquired  atomic.Uint64
	waits     atomic.Uint64
	deadlocks atomic.Uint64
	cancelled atomic.Uint64
}

// lockWaiter 锁等待者，ready关闭时锁已移交或等待被取消
type lockWaiter struct {
	trxID mvcc.TrxId
	ready chan struct{}
	err   error
	since time.Time
}

// DeadlockInfo 死锁信息
type DeadlockInfo struct {
	DetectedAt time.Time
	Victim     mvcc.TrxId
	Record     RecordID
	Cycle      []mvcc.TrxId
}
