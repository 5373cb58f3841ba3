package mvcc

import "sort"

// WaitForGraph 等待图: 边 waiter -> holder
// 每次检测时由锁表重新构造，不做持久化
type WaitForGraph struct {
	nodes map[TrxId]struct{}
	edges map[TrxId][]TrxId
	edgeN int
}

// NewWaitForGraph 创建等待图
func NewWaitForGraph() *WaitForGraph {
	return &WaitForGraph{
		nodes: make(map[TrxId]struct{}),
		edges: make(map[TrxId][]TrxId),
	}
}

// AddWaitFor 添加等待关系
func (g *WaitForGraph) AddWaitFor(waiter, holder TrxId) {
	g.nodes[waiter] = struct{}{}
	g.nodes[holder] = struct{}{}
	g.edges[waiter] = append(g.edges[waiter], holder)
	g.edgeN++
}

// NodeCount 节点数
func (g *WaitForGraph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount 边数
func (g *WaitForGraph) EdgeCount() int {
	return g.edgeN
}

// HasCycle 拓扑排序检测环
// 反复移除入度为0的节点，移除数量少于节点总数即存在环
func (g *WaitForGraph) HasCycle() bool {
	return len(g.unsorted()) > 0
}

// Cycle 返回无法拓扑排序的事务(环上或被环阻塞)，用于日志
func (g *WaitForGraph) Cycle() []TrxId {
	left := g.unsorted()
	ids := make([]TrxId, 0, len(left))
	for n := range left {
		ids = append(ids, n)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// unsorted 执行Kahn算法，返回剩余未被移除的节点
func (g *WaitForGraph) unsorted() map[TrxId]int {
	inDegree := make(map[TrxId]int, len(g.nodes))
	for n := range g.nodes {
		inDegree[n] = 0
	}
	for _, holders := range g.edges {
		for _, h := range holders {
			inDegree[h]++
		}
	}

	queue := make([]TrxId, 0, len(g.nodes))
	for n, d := range inDegree {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		delete(inDegree, n)
		for _, h := range g.edges[n] {
			inDegree[h]--
			if inDegree[h] == 0 {
				queue = append(queue, h)
			}
		}
	}
	return inDegree
}
