package manager

import (
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

// recordLockState 锁池中一条记录锁的状态
type recordLockState struct {
	rid     RecordID
	inUse   bool
	owned   bool
	owner   mvcc.TrxId
	refs    map[mvcc.TrxId]struct{} // 知道该锁的事务集合
	waiters []*lockWaiter           // 按到达顺序排队
}

func (s *recordLockState) evictable() bool {
	return s.inUse && !s.owned && len(s.refs) == 0 && len(s.waiters) == 0
}

// LockPool 每条记录唯一的锁状态，按记录标识寻址
// 条目存放在arena中，淘汰只是回收下标，不存在悬挂引用
//
// LockPool 自身不加锁，所有方法都必须在 LockManager.mu 保护下调用，
// 这样引用检查与淘汰在同一个临界区内完成。
type LockPool struct {
	slots          []recordLockState
	free           []int
	index          map[RecordID]int
	evictThreshold int
	evictedTotal   uint64
}

// NewLockPool 创建锁池，条目数超过evictThreshold时在查找前清理空闲条目
func NewLockPool(evictThreshold int) *LockPool {
	if evictThreshold <= 0 {
		evictThreshold = 4096
	}
	return &LockPool{
		index:          make(map[RecordID]int),
		evictThreshold: evictThreshold,
	}
}

// acquire 查找或创建rid对应的锁条目，并登记trxID的引用
// 返回的下标在下一次acquire之前有效
func (p *LockPool) acquire(rid RecordID, trxID mvcc.TrxId) int {
	idx, ok := p.index[rid]
	if !ok {
		if len(p.index) >= p.evictThreshold {
			p.sweep()
		}
		idx = p.alloc(rid)
	}
	p.slots[idx].refs[trxID] = struct{}{}
	return idx
}

func (p *LockPool) alloc(rid RecordID) int {
	var idx int
	if n := len(p.free); n > 0 {
		idx = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		p.slots = append(p.slots, recordLockState{})
		idx = len(p.slots) - 1
	}
	p.slots[idx] = recordLockState{
		rid:   rid,
		inUse: true,
		refs:  make(map[mvcc.TrxId]struct{}),
	}
	p.index[rid] = idx
	return idx
}

// lookup 只查找，不登记引用
func (p *LockPool) lookup(rid RecordID) (int, bool) {
	idx, ok := p.index[rid]
	return idx, ok
}

func (p *LockPool) slot(idx int) *recordLockState {
	return &p.slots[idx]
}

// unref 移除trxID对rid的引用
func (p *LockPool) unref(rid RecordID, trxID mvcc.TrxId) {
	if idx, ok := p.index[rid]; ok {
		delete(p.slots[idx].refs, trxID)
	}
}

// sweep 回收无人持有、无人引用、无人等待的条目，返回回收数量
func (p *LockPool) sweep() int {
	evicted := 0
	for rid, idx := range p.index {
		if !p.slots[idx].evictable() {
			continue
		}
		delete(p.index, rid)
		p.slots[idx] = recordLockState{}
		p.free = append(p.free, idx)
		evicted++
	}
	p.evictedTotal += uint64(evicted)
	return evicted
}

// size 当前条目数
func (p *LockPool) size() int {
	return len(p.index)
}
