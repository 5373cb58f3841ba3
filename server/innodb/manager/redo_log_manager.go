package manager

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/logger"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xmysql-trxcore/util"
)

// RedoLogFileName 日志目录下的日志文件名
const RedoLogFileName = "redo.log"

// RedoLogManager 重做日志管理器
//
// 只记录事务提交/回滚，每条记录定长并带校验和。打开时扫描整个文件，
// 末尾残缺或校验失败的记录视为写入中途崩溃，截断后继续追加。
type RedoLogManager struct {
	mu          sync.Mutex
	logFile     *os.File
	path        string
	size        int64  // 有效日志的字节数
	nextLSN     uint64 // 下一个LSN
	syncOnWrite bool   // 每条记录写入后fsync
	totalLogs   uint64
}

// NewRedoLogManager 创建新的重做日志管理器
func NewRedoLogManager(logDir string, syncOnWrite bool) (*RedoLogManager, error) {
	if err := util.EnsureDir(logDir); err != nil {
		return nil, err
	}

	path := filepath.Join(logDir, RedoLogFileName)
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open redo log %s", path)
	}

	r := &RedoLogManager{
		logFile:     logFile,
		path:        path,
		nextLSN:     1,
		syncOnWrite: syncOnWrite,
	}
	if err := r.recover(); err != nil {
		logFile.Close()
		return nil, err
	}
	return r, nil
}

// recover 扫描日志，确定下一个LSN并截断残缺的尾部
func (r *RedoLogManager) recover() error {
	info, err := r.logFile.Stat()
	if err != nil {
		return errors.Wrapf(err, "stat %s", r.path)
	}

	valid, err := r.scan(info.Size(), func(e RedoLogEntry) error {
		r.nextLSN = e.LSN + 1
		r.totalLogs++
		return nil
	})
	if err != nil {
		return err
	}

	if valid < info.Size() {
		logger.WithComponent("redo").Warnf("truncating %d bytes of torn redo log tail at offset %d",
			info.Size()-valid, valid)
		if err := r.logFile.Truncate(valid); err != nil {
			return errors.Wrapf(err, "truncate %s", r.path)
		}
		if err := r.logFile.Sync(); err != nil {
			return errors.Wrapf(err, "sync %s", r.path)
		}
	}
	r.size = valid
	return nil
}

// scan 按顺序读取[0, limit)内的记录，返回最后一条有效记录的结束偏移
func (r *RedoLogManager) scan(limit int64, fn func(RedoLogEntry) error) (int64, error) {
	buf := make([]byte, redoRecordSize)
	var offset int64
	var lastLSN uint64
	for offset+redoRecordSize <= limit {
		if err := util.ReadAtFull(r.logFile, buf, offset); err != nil {
			if err == io.EOF {
				break
			}
			return offset, errors.Wrapf(err, "read redo log at offset %d", offset)
		}
		e, ok := decodeRedoLogEntry(buf)
		if !ok || e.LSN <= lastLSN {
			break
		}
		if err := fn(e); err != nil {
			return offset, err
		}
		lastLSN = e.LSN
		offset += redoRecordSize
	}
	return offset, nil
}

// append 追加一条记录，返回其LSN
func (r *RedoLogManager) append(logType uint8, trxID mvcc.TrxId) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logFile == nil {
		return 0, errors.Errorf("redo log %s closed", r.path)
	}

	entry := RedoLogEntry{LSN: r.nextLSN, TrxID: trxID, Type: logType}
	if _, err := r.logFile.WriteAt(entry.encode(), r.size); err != nil {
		return 0, errors.Wrapf(err, "write %s record of trx %d", LogTypeName(logType), trxID)
	}
	if r.syncOnWrite {
		if err := r.logFile.Sync(); err != nil {
			return 0, errors.Wrapf(err, "sync %s", r.path)
		}
	}

	r.size += redoRecordSize
	r.nextLSN++
	r.totalLogs++
	return entry.LSN, nil
}

// TransactionCommit 写入提交记录
func (r *RedoLogManager) TransactionCommit(trxID mvcc.TrxId) error {
	_, err := r.append(LOG_TYPE_TRX_COMMIT, trxID)
	return err
}

// TransactionAbort 写入回滚记录
func (r *RedoLogManager) TransactionAbort(trxID mvcc.TrxId) error {
	_, err := r.append(LOG_TYPE_TRX_ABORT, trxID)
	return err
}

// Scan 按LSN顺序遍历全部有效记录，fn返回错误时停止
func (r *RedoLogManager) Scan(fn func(RedoLogEntry) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logFile == nil {
		return errors.Errorf("redo log %s closed", r.path)
	}
	_, err := r.scan(r.size, fn)
	return err
}

// Flush 将日志刷新到磁盘
func (r *RedoLogManager) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logFile == nil {
		return nil
	}
	return errors.Wrapf(r.logFile.Sync(), "sync %s", r.path)
}

// Stats 日志统计信息
func (r *RedoLogManager) Stats() LogStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return LogStats{
		TotalLogs: r.totalLogs,
		TotalSize: uint64(r.size),
		NextLSN:   r.nextLSN,
	}
}

// Close 关闭日志管理器
func (r *RedoLogManager) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.logFile == nil {
		return nil
	}
	err := r.logFile.Sync()
	if cerr := r.logFile.Close(); err == nil {
		err = cerr
	}
	r.logFile = nil
	return errors.Wrapf(err, "close %s", r.path)
}
