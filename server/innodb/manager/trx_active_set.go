package manager

import (
	"github.com/google/btree"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
)

var _ btree.Item = trxItem(0)

type trxItem mvcc.TrxId

func (t trxItem) Less(other btree.Item) bool {
	return t < other.(trxItem)
}

// trxActiveSet 按ID有序的活跃事务集合，由 TransactionManager.mu 保护
type trxActiveSet struct {
	tree *btree.BTree
}

func newTrxActiveSet() *trxActiveSet {
	return &trxActiveSet{tree: btree.New(32)}
}

func (s *trxActiveSet) add(trxID mvcc.TrxId) {
	s.tree.ReplaceOrInsert(trxItem(trxID))
}

func (s *trxActiveSet) remove(trxID mvcc.TrxId) bool {
	return s.tree.Delete(trxItem(trxID)) != nil
}

func (s *trxActiveSet) contains(trxID mvcc.TrxId) bool {
	return s.tree.Has(trxItem(trxID))
}

func (s *trxActiveSet) len() int {
	return s.tree.Len()
}

// min 最小活跃事务ID
func (s *trxActiveSet) min() (mvcc.TrxId, bool) {
	item := s.tree.Min()
	if item == nil {
		return 0, false
	}
	return mvcc.TrxId(item.(trxItem)), true
}

// ids 升序返回全部活跃事务ID
func (s *trxActiveSet) ids() []mvcc.TrxId {
	ids := make([]mvcc.TrxId, 0, s.tree.Len())
	s.tree.Ascend(func(item btree.Item) bool {
		ids = append(ids, mvcc.TrxId(item.(trxItem)))
		return true
	})
	return ids
}
