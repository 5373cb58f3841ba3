package manager

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

// LockManager 行级排他锁管理器
//
// 锁池、等待表(事务 -> 记录)、持有表(记录 -> 事务)共用一个临界区 mu，
// 死锁检测与等待表插入在同一次加锁中完成，检测通过后才会挂起调用者。
// 同一记录上的等待者按到达顺序排队，释放时直接把锁移交给队首。
type LockManager struct {
	mu       sync.Mutex
	pool     *LockPool
	waitFor  map[mvcc.TrxId]RecordID              // 等待表
	trxLocks map[mvcc.TrxId]map[RecordID]struct{} // 事务持有的记录
	trxRefs  map[mvcc.TrxId]map[RecordID]struct{} // 事务在锁池中登记过引用的记录

	counters     lockCounters
	lastDeadlock *DeadlockInfo
}

// NewLockManager 创建锁管理器
func NewLockManager(evictThreshold int) *LockManager {
	return &LockManager{
		pool:     NewLockPool(evictThreshold),
		waitFor:  make(map[mvcc.TrxId]RecordID),
		trxLocks: make(map[mvcc.TrxId]map[RecordID]struct{}),
		trxRefs:  make(map[mvcc.TrxId]map[RecordID]struct{}),
	}
}

// Lock 获取rid上的排他锁
//
// 已持有时直接返回; 锁空闲时立即获得; 否则先登记等待关系并做死锁检测，
// 会形成环时立即返回 ErrDeadlockDetected，不会阻塞。调用方负责回滚失败的事务。
// 同一事务不能在多个goroutine中并发调用 Lock。
func (lm *LockManager) Lock(trxID mvcc.TrxId, rid RecordID) error {
	lm.mu.Lock()

	idx := lm.pool.acquire(rid, trxID)
	addToSet(lm.trxRefs, trxID, rid)
	st := lm.pool.slot(idx)
	lockPoolGauge.Set(float64(lm.pool.size()))

	if st.owned && st.owner == trxID {
		lm.mu.Unlock()
		return nil
	}

	if !st.owned {
		lm.grant(st, trxID)
		lm.mu.Unlock()
		return nil
	}

	holder := st.owner
	lm.waitFor[trxID] = rid
	if cycle := lm.detectDeadlock(); cycle != nil {
		delete(lm.waitFor, trxID)
		lm.pool.unref(rid, trxID)
		removeFromSet(lm.trxRefs, trxID, rid)
		lm.lastDeadlock = &DeadlockInfo{
			DetectedAt: time.Now(),
			Victim:     trxID,
			Record:     rid,
			Cycle:      cycle,
		}
		lm.mu.Unlock()

		lm.counters.deadlocks.Inc()
		recordLockCounter.WithLabelValues("deadlock").Inc()
		logger.WithTrx(int64(trxID)).
			WithField("record", rid.String()).
			WithField("holder", int64(holder)).
			Warnf("deadlock detected, cycle %v", cycle)
		return errors.Annotatef(ErrDeadlockDetected, "trx %d waiting for record %s held by trx %d", trxID, rid, holder)
	}

	w := &lockWaiter{
		trxID: trxID,
		ready: make(chan struct{}),
		since: time.Now(),
	}
	st.waiters = append(st.waiters, w)
	lm.mu.Unlock()

	lm.counters.waits.Inc()
	recordLockCounter.WithLabelValues("wait").Inc()

	<-w.ready
	recordLockWaitHistogram.Observe(time.Since(w.since).Seconds())
	if w.err != nil {
		return errors.Annotatef(w.err, "trx %d waiting for record %s", trxID, rid)
	}
	return nil
}

// grant 将空闲锁授予trxID，调用方持有mu
func (lm *LockManager) grant(st *recordLockState, trxID mvcc.TrxId) {
	st.owner, st.owned = trxID, true
	addToSet(lm.trxLocks, trxID, st.rid)
	lm.counters.acquired.Inc()
	recordLockCounter.WithLabelValues("acquire").Inc()
}

// handOff 释放st，若有等待者则移交给队首，调用方持有mu
func (lm *LockManager) handOff(st *recordLockState) {
	st.owned = false
	if len(st.waiters) == 0 {
		return
	}
	w := st.waiters[0]
	st.waiters[0] = nil
	st.waiters = st.waiters[1:]

	delete(lm.waitFor, w.trxID)
	lm.grant(st, w.trxID)
	close(w.ready)
}

// detectDeadlock 由等待表与持有表构造等待图并做拓扑排序
// 存在环时返回环上的事务，调用方持有mu
func (lm *LockManager) detectDeadlock() []mvcc.TrxId {
	g := mvcc.NewWaitForGraph()
	for waiter, rid := range lm.waitFor {
		idx, ok := lm.pool.lookup(rid)
		if !ok {
			continue
		}
		if st := lm.pool.slot(idx); st.owned {
			g.AddWaitFor(waiter, st.owner)
		}
	}
	if !g.HasCycle() {
		return nil
	}
	return g.Cycle()
}

// ReleaseAll 事务结束时释放其全部行锁，取消其等待并移除锁池引用
func (lm *LockManager) ReleaseAll(trxID mvcc.TrxId) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if rid, ok := lm.waitFor[trxID]; ok {
		delete(lm.waitFor, trxID)
		if idx, ok := lm.pool.lookup(rid); ok {
			lm.cancelWaiter(lm.pool.slot(idx), trxID)
		}
	}

	for rid := range lm.trxLocks[trxID] {
		idx, ok := lm.pool.lookup(rid)
		if !ok {
			continue
		}
		if st := lm.pool.slot(idx); st.owned && st.owner == trxID {
			lm.handOff(st)
		}
	}
	delete(lm.trxLocks, trxID)

	for rid := range lm.trxRefs[trxID] {
		lm.pool.unref(rid, trxID)
	}
	delete(lm.trxRefs, trxID)
}

func (lm *LockManager) cancelWaiter(st *recordLockState, trxID mvcc.TrxId) {
	for i, w := range st.waiters {
		if w.trxID != trxID {
			continue
		}
		st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
		w.err = ErrLockWaitCancelled
		close(w.ready)
		lm.counters.cancelled.Inc()
		recordLockCounter.WithLabelValues("cancel").Inc()
		return
	}
}

// UnsafeUnlock 释放单个行锁，不做其余簿记(锁池引用保留到 ReleaseAll)
// 仅供错误路径上的清理使用，未持有该锁时返回 ErrLockNotHeld
func (lm *LockManager) UnsafeUnlock(trxID mvcc.TrxId, rid RecordID) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	idx, ok := lm.pool.lookup(rid)
	if !ok || !lm.pool.slot(idx).owned || lm.pool.slot(idx).owner != trxID {
		logger.WithTrx(int64(trxID)).WithField("record", rid.String()).Error("unlock of a record lock not held")
		return errors.Annotatef(ErrLockNotHeld, "trx %d record %s", trxID, rid)
	}
	removeFromSet(lm.trxLocks, trxID, rid)
	lm.handOff(lm.pool.slot(idx))
	return nil
}

// HoldsLock trxID是否持有rid的锁
func (lm *LockManager) HoldsLock(trxID mvcc.TrxId, rid RecordID) bool {
	holder, ok := lm.LockHolder(rid)
	return ok && holder == trxID
}

// LockHolder 返回rid当前的持有者
func (lm *LockManager) LockHolder(rid RecordID) (mvcc.TrxId, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	idx, ok := lm.pool.lookup(rid)
	if !ok {
		return 0, false
	}
	st := lm.pool.slot(idx)
	return st.owner, st.owned
}

// WaitingOn 返回trxID正在等待的记录
func (lm *LockManager) WaitingOn(trxID mvcc.TrxId) (RecordID, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	rid, ok := lm.waitFor[trxID]
	return rid, ok
}

// LastDeadlock 最近一次检测到的死锁
func (lm *LockManager) LastDeadlock() (DeadlockInfo, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if lm.lastDeadlock == nil {
		return DeadlockInfo{}, false
	}
	return *lm.lastDeadlock, true
}

// PoolSize 锁池当前条目数
func (lm *LockManager) PoolSize() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.pool.size()
}

// Stats 锁统计信息
func (lm *LockManager) Stats() LockStats {
	lm.mu.Lock()
	poolSize, waiting, evicted := lm.pool.size(), len(lm.waitFor), lm.pool.evictedTotal
	lm.mu.Unlock()
	lockPoolGauge.Set(float64(poolSize))

	return LockStats{
		Acquired:  lm.counters.acquired.Load(),
		Waits:     lm.counters.waits.Load(),
		Deadlocks: lm.counters.deadlocks.Load(),
		Cancelled: lm.counters.cancelled.Load(),
		Evicted:   evicted,
		PoolSize:  poolSize,
		Waiting:   waiting,
	}
}

func addToSet(m map[mvcc.TrxId]map[RecordID]struct{}, trxID mvcc.TrxId, rid RecordID) {
	set, ok := m[trxID]
	if !ok {
		set = make(map[RecordID]struct{})
		m[trxID] = set
	}
	set[rid] = struct{}{}
}

func removeFromSet(m map[mvcc.TrxId]map[RecordID]struct{}, trxID mvcc.TrxId, rid RecordID) {
	set, ok := m[trxID]
	if !ok {
		return
	}
	delete(set, rid)
	if len(set) == 0 {
		delete(m, trxID)
	}
}
