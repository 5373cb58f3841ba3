package mvcc

import (
	"fmt"
	"sort"
	"time"
)

// TrxId 事务ID类型
// 负数为内部特权事务保留，特权事务不受可见性规则约束
type TrxId int64

// SuperTrxId 内部特权事务ID
const SuperTrxId TrxId = -1

// IsPrivileged 是否为特权事务
func (id TrxId) IsPrivileged() bool {
	return id < 0
}

// RecordVersion 记录版本，只关心最后一次修改它的事务
type RecordVersion struct {
	Modifier TrxId
}

// ReadView MVCC读视图，创建后不可变
type ReadView struct {
	activeIDs    []TrxId   // 创建ReadView时的其他活跃事务ID(升序，不含creator)
	minTrxID     TrxId     // 活跃事务中最小的事务ID
	maxTrxID     TrxId     // 系统将分配给下一个事务的ID
	creatorTrxID TrxId     // 创建该ReadView的事务ID
	createdAt    time.Time // 创建时间
}

// NewReadView 创建新的ReadView
func NewReadView(activeIDs []TrxId, minTrxID, maxTrxID, creatorTrxID TrxId) *ReadView {
	ids := make([]TrxId, 0, len(activeIDs))
	for _, id := range activeIDs {
		if id != creatorTrxID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return &ReadView{
		activeIDs:    ids,
		minTrxID:     minTrxID,
		maxTrxID:     maxTrxID,
		creatorTrxID: creatorTrxID,
		createdAt:    time.Now(),
	}
}

// BuildReadView 根据活跃事务集合与下一个待分配ID构造ReadView
// creator自身会从活跃集合中剔除; 没有其他活跃事务时 min 取 maxTrxID
func BuildReadView(creatorTrxID TrxId, activeIDs []TrxId, maxTrxID TrxId) *ReadView {
	rv := NewReadView(activeIDs, maxTrxID, maxTrxID, creatorTrxID)
	if len(rv.activeIDs) > 0 {
		rv.minTrxID = rv.activeIDs[0]
	}
	return rv
}

// IsVisible 判断由trxID写入的版本是否对当前ReadView可见
func (rv *ReadView) IsVisible(trxID TrxId) bool {
	if rv.creatorTrxID.IsPrivileged() {
		return true
	}

	// 自己修改的版本总是可见
	if trxID == rv.creatorTrxID {
		return true
	}

	// 创建ReadView时写入者尚未开始
	if trxID >= rv.maxTrxID {
		return false
	}

	// 写入者在ReadView创建之前已经提交
	if trxID < rv.minTrxID {
		return true
	}

	return !rv.isActive(trxID)
}

// IsVersionVisible 判断记录版本是否可见
func (rv *ReadView) IsVersionVisible(version RecordVersion) bool {
	return rv.IsVisible(version.Modifier)
}

func (rv *ReadView) isActive(trxID TrxId) bool {
	i := sort.Search(len(rv.activeIDs), func(i int) bool { return rv.activeIDs[i] >= trxID })
	return i < len(rv.activeIDs) && rv.activeIDs[i] == trxID
}

// GetActiveIDs 获取活跃事务ID列表
func (rv *ReadView) GetActiveIDs() []TrxId {
	ids := make([]TrxId, len(rv.activeIDs))
	copy(ids, rv.activeIDs)
	return ids
}

// GetMinTrxID 获取最小活跃事务ID
func (rv *ReadView) GetMinTrxID() TrxId {
	return rv.minTrxID
}

// GetMaxTrxID 获取下一个要分配的事务ID
func (rv *ReadView) GetMaxTrxID() TrxId {
	return rv.maxTrxID
}

// GetCreatorTrxID 获取创建该ReadView的事务ID
func (rv *ReadView) GetCreatorTrxID() TrxId {
	return rv.creatorTrxID
}

// CreatedAt 获取创建时间
func (rv *ReadView) CreatedAt() time.Time {
	return rv.createdAt
}

func (rv *ReadView) String() string {
	return fmt.Sprintf("ReadView{creator=%d, min=%d, max=%d, active=%v}",
		rv.creatorTrxID, rv.minTrxID, rv.maxTrxID, rv.activeIDs)
}
