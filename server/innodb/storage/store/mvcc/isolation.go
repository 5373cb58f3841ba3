package mvcc

import (
	"strings"

	"github.com/juju/errors"
)

// IsolationLevel 事务隔离级别
type IsolationLevel int

const (
	ReadUncommitted IsolationLevel = iota
	ReadCommitted
	RepeatableRead
	Serializable
)

var isolationNames = map[IsolationLevel]string{
	ReadUncommitted: "READ-UNCOMMITTED",
	ReadCommitted:   "READ-COMMITTED",
	RepeatableRead:  "REPEATABLE-READ",
	Serializable:    "SERIALIZABLE",
}

func (l IsolationLevel) String() string {
	if name, ok := isolationNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// SnapshotSupported 是否可由ReadView实现
// 仅支持读已提交与可重复读
func (l IsolationLevel) SnapshotSupported() bool {
	return l == ReadCommitted || l == RepeatableRead
}

// ParseIsolationLevel 解析 transaction_isolation 配置值
// 同时接受 READ-COMMITTED 与 READ_COMMITTED / read committed 写法
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	for level, name := range isolationNames {
		if name == norm {
			return level, nil
		}
	}
	return 0, errors.Errorf("unknown isolation level %q", s)
}
