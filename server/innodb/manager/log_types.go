package manager

import (
	"encoding/binary"

	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xmysql-trxcore/util"
)

// RedoLogEntry Redo日志条目
type RedoLogEntry struct {
	LSN   uint64     // 日志序列号
	TrxID mvcc.TrxId // 事务ID
	Type  uint8      // 操作类型
}

// 日志操作类型
const (
	LOG_TYPE_TRX_COMMIT uint8 = iota + 1
	LOG_TYPE_TRX_ABORT
)

// 记录格式: [type 1字节][trxID 8字节][lsn 8字节][checksum 4字节]
const (
	redoRecordBodySize = 1 + 8 + 8
	redoRecordSize     = redoRecordBodySize + 4
)

// LogTypeName 日志类型名
func LogTypeName(t uint8) string {
	switch t {
	case LOG_TYPE_TRX_COMMIT:
		return "COMMIT"
	case LOG_TYPE_TRX_ABORT:
		return "ABORT"
	default:
		return "UNKNOWN"
	}
}

func (e *RedoLogEntry) encode() []byte {
	buf := make([]byte, redoRecordSize)
	buf[0] = e.Type
	binary.BigEndian.PutUint64(buf[1:9], uint64(e.TrxID))
	binary.BigEndian.PutUint64(buf[9:17], e.LSN)
	binary.BigEndian.PutUint32(buf[17:21], util.Checksum32(buf[:redoRecordBodySize]))
	return buf
}

// decodeRedoLogEntry 解码一条记录，校验和不匹配或类型非法时返回false
func decodeRedoLogEntry(buf []byte) (RedoLogEntry, bool) {
	if len(buf) < redoRecordSize {
		return RedoLogEntry{}, false
	}
	if !util.VerifyChecksum32(buf[:redoRecordBodySize], binary.BigEndian.Uint32(buf[17:21])) {
		return RedoLogEntry{}, false
	}
	e := RedoLogEntry{
		Type:  buf[0],
		TrxID: mvcc.TrxId(binary.BigEndian.Uint64(buf[1:9])),
		LSN:   binary.BigEndian.Uint64(buf[9:17]),
	}
	if e.Type != LOG_TYPE_TRX_COMMIT && e.Type != LOG_TYPE_TRX_ABORT {
		return RedoLogEntry{}, false
	}
	return e, true
}

// LogStats 日志统计信息
type LogStats struct {
	TotalLogs uint64 // 总日志数
	TotalSize uint64 // 总大小
	NextLSN   uint64
}
