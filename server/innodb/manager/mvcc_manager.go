package manager

import (
	"container/list"
	"sync"

	"github.com/juju/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

// TrxStateSource 提供构造ReadView所需的事务注册表状态
type TrxStateSource interface {
	IsActive(trxID mvcc.TrxId) bool
	// Snapshot 同一时刻的活跃事务集合与下一个待分配ID
	Snapshot() ([]mvcc.TrxId, mvcc.TrxId)
}

// MVCCManager MVCC管理器
//
// 按事务缓存ReadView。缓存链表按ReadView的创建顺序排列，
// 表头即仍被引用的最老ReadView，供版本清理确定保留边界。
type MVCCManager struct {
	mu     sync.Mutex
	source TrxStateSource
	views  map[mvcc.TrxId]*list.Element
	order  *list.List // *mvcc.ReadView，从老到新
}

// NewMVCCManager 创建MVCC管理器
func NewMVCCManager(source TrxStateSource) *MVCCManager {
	return &MVCCManager{
		source: source,
		views:  make(map[mvcc.TrxId]*list.Element),
		order:  list.New(),
	}
}

// CreateReadView 获取事务的ReadView
//
// 可重复读: 已缓存则直接返回，保证整个事务看到同一个快照;
// 读已提交: 每次都按当前活跃事务重新构造并替换缓存。
// 特权事务返回可见一切的ReadView，不缓存。
func (m *MVCCManager) CreateReadView(trxID mvcc.TrxId, level mvcc.IsolationLevel) (*mvcc.ReadView, error) {
	if !level.SnapshotSupported() {
		return nil, errors.Annotatef(ErrUnsupportedIsolation, "%s", level)
	}
	if trxID.IsPrivileged() {
		return mvcc.NewReadView(nil, 0, 0, trxID), nil
	}

	// 活跃检查与缓存插入在同一临界区内完成，
	// 事务结束后的 ReleaseReadView 必然在插入之后执行
	m.mu.Lock()
	defer m.mu.Unlock()

	if level == mvcc.RepeatableRead {
		if e, ok := m.views[trxID]; ok {
			return e.Value.(*mvcc.ReadView), nil
		}
	}

	if !m.source.IsActive(trxID) {
		return nil, errors.Annotatef(ErrInvalidTrxState, "trx %d is not active", trxID)
	}

	active, next := m.source.Snapshot()
	view := mvcc.BuildReadView(trxID, active, next)

	if e, ok := m.views[trxID]; ok {
		m.order.Remove(e)
	}
	m.views[trxID] = m.order.PushBack(view)
	readViewGauge.Set(float64(len(m.views)))

	logger.WithTrx(int64(trxID)).Debugf("read view created: %s", view)
	return view, nil
}

// IsVisible 判断记录版本对ReadView是否可见
func (m *MVCCManager) IsVisible(view *mvcc.ReadView, version mvcc.RecordVersion) bool {
	return view.IsVersionVisible(version)
}

// ReadView 返回事务当前缓存的ReadView
func (m *MVCCManager) ReadView(trxID mvcc.TrxId) (*mvcc.ReadView, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.views[trxID]
	if !ok {
		return nil, false
	}
	return e.Value.(*mvcc.ReadView), true
}

// ReleaseReadView 事务结束时丢弃其ReadView
func (m *MVCCManager) ReleaseReadView(trxID mvcc.TrxId) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.views[trxID]; ok {
		m.order.Remove(e)
		delete(m.views, trxID)
		readViewGauge.Set(float64(len(m.views)))
	}
}

// OldestReadView 仍被引用的最老ReadView，没有时返回nil
func (m *MVCCManager) OldestReadView() *mvcc.ReadView {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.order.Front(); e != nil {
		return e.Value.(*mvcc.ReadView)
	}
	return nil
}

// Len 缓存的ReadView数量
func (m *MVCCManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.views)
}
