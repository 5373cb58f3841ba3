package latch

import (
	"sort"
	"sync"

	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

// Latch 页面级排他锁
type Latch struct {
	mu sync.Mutex
}

// NewLatch 创建一个新的锁
func NewLatch() *Latch {
	return &Latch{}
}

// Lock 获取锁
func (l *Latch) Lock() {
	l.mu.Lock()
}

// Unlock 释放锁
func (l *Latch) Unlock() {
	l.mu.Unlock()
}

// TryLock 尝试获取锁
func (l *Latch) TryLock() bool {
	return l.mu.TryLock()
}

type pageLatch struct {
	latch *Latch
	owner mvcc.TrxId
	held  bool
}

// PageLatchManager 按事务跟踪页面锁
// 事务结束时由事务管理器调用 TransactionReleaseLock 一次性释放
type PageLatchManager struct {
	mu      sync.Mutex
	pages   map[uint64]*pageLatch
	trxHeld map[mvcc.TrxId]map[uint64]struct{}
}

// NewPageLatchManager 创建页面锁管理器
func NewPageLatchManager() *PageLatchManager {
	return &PageLatchManager{
		pages:   make(map[uint64]*pageLatch),
		trxHeld: make(map[mvcc.TrxId]map[uint64]struct{}),
	}
}

// LatchPage 为事务获取页面锁，已持有时直接返回
func (m *PageLatchManager) LatchPage(trxID mvcc.TrxId, pageNo uint64) {
	m.mu.Lock()
	p, ok := m.pages[pageNo]
	if !ok {
		p = &pageLatch{latch: NewLatch()}
		m.pages[pageNo] = p
	}
	if p.held && p.owner == trxID {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	p.latch.Lock()

	m.mu.Lock()
	p.owner, p.held = trxID, true
	held, ok := m.trxHeld[trxID]
	if !ok {
		held = make(map[uint64]struct{})
		m.trxHeld[trxID] = held
	}
	held[pageNo] = struct{}{}
	m.mu.Unlock()
}

// TryLatchPage 非阻塞获取页面锁
func (m *PageLatchManager) TryLatchPage(trxID mvcc.TrxId, pageNo uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.pages[pageNo]
	if !ok {
		p = &pageLatch{latch: NewLatch()}
		m.pages[pageNo] = p
	}
	if p.held {
		return p.owner == trxID
	}
	if !p.latch.TryLock() {
		return false
	}
	p.owner, p.held = trxID, true
	held, ok := m.trxHeld[trxID]
	if !ok {
		held = make(map[uint64]struct{})
		m.trxHeld[trxID] = held
	}
	held[pageNo] = struct{}{}
	return true
}

// TransactionReleaseLock 释放事务持有的全部页面锁
func (m *PageLatchManager) TransactionReleaseLock(trxID mvcc.TrxId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for pageNo := range m.trxHeld[trxID] {
		p := m.pages[pageNo]
		if p == nil || !p.held || p.owner != trxID {
			continue
		}
		p.held = false
		p.latch.Unlock()
	}
	delete(m.trxHeld, trxID)
}

// HeldPages 返回事务持有的页面(升序)
func (m *PageLatchManager) HeldPages(trxID mvcc.TrxId) []uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	pages := make([]uint64, 0, len(m.trxHeld[trxID]))
	for pageNo := range m.trxHeld[trxID] {
		pages = append(pages, pageNo)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	return pages
}
