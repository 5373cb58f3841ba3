package manager

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/zhukovaskychina/xmysql-trxcore/server/innodb/storage/store/mvcc"
	"github.com/zhukovaskychina/xmysql-trxcore/util"
)

// 事务状态表中每个事务占一个字节
const (
	TRX_STATUS_ABORTED   byte = 0
	TRX_STATUS_ACTIVE    byte = 1
	TRX_STATUS_COMMITTED byte = 2
)

// 文件头: [nextTrxID 8字节][activeCount 8字节]
const (
	TrxStatusHeaderSize = 16

	// BootstrapTrxID 新建文件时以已提交状态写入
	BootstrapTrxID mvcc.TrxId = 0
)

// TrxStatusName 状态名
func TrxStatusName(status byte) string {
	switch status {
	case TRX_STATUS_ABORTED:
		return "ABORTED"
	case TRX_STATUS_ACTIVE:
		return "ACTIVE"
	case TRX_STATUS_COMMITTED:
		return "COMMITTED"
	default:
		return "UNKNOWN"
	}
}

// TrxStatusHeader 事务状态表文件头
type TrxStatusHeader struct {
	NextTrxID   mvcc.TrxId
	ActiveCount int64
}

// statusFileIO 状态表文件的读写接口
type statusFileIO interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
	Close() error
}

// TrxStatusFile 持久化事务状态表
//
// 文件头之后按事务ID顺序每个事务一个状态字节，偏移为 TrxStatusHeaderSize + id。
// 已提交/已回滚的字节写入后不再改变。写入由调用方串行化，读取可以并发。
type TrxStatusFile struct {
	mu     sync.RWMutex
	path   string
	file   statusFileIO
	header TrxStatusHeader
}

// OpenTrxStatusFile 打开事务状态表，文件不存在时创建
func OpenTrxStatusFile(path string) (*TrxStatusFile, error) {
	if err := util.EnsureParentDir(path); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "open trx status file %s", path)
	}

	f := &TrxStatusFile{path: path, file: file}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	if info.Size() == 0 {
		err = f.initialize()
	} else {
		err = f.load(info.Size())
	}
	if err != nil {
		file.Close()
		return nil, err
	}
	return f, nil
}

func (f *TrxStatusFile) initialize() error {
	if err := f.WriteStatus(BootstrapTrxID, TRX_STATUS_COMMITTED); err != nil {
		return err
	}
	if err := f.WriteHeader(TrxStatusHeader{NextTrxID: BootstrapTrxID + 1}); err != nil {
		return err
	}
	return f.Sync()
}

func (f *TrxStatusFile) load(size int64) error {
	if size < TrxStatusHeaderSize {
		return errors.Wrapf(ErrTrxStatusCorrupted, "%s: file size %d smaller than header", f.path, size)
	}

	buf := make([]byte, TrxStatusHeaderSize)
	if err := util.ReadAtFull(f.file, buf, 0); err != nil {
		return errors.Wrapf(err, "read header of %s", f.path)
	}
	h := TrxStatusHeader{
		NextTrxID:   mvcc.TrxId(binary.BigEndian.Uint64(buf[0:8])),
		ActiveCount: int64(binary.BigEndian.Uint64(buf[8:16])),
	}

	if h.NextTrxID <= BootstrapTrxID || h.ActiveCount < 0 || int64(h.NextTrxID) < h.ActiveCount {
		return errors.Wrapf(ErrTrxStatusCorrupted, "%s: invalid header next=%d active=%d", f.path, h.NextTrxID, h.ActiveCount)
	}
	if size < TrxStatusHeaderSize+int64(h.NextTrxID) {
		return errors.Wrapf(ErrTrxStatusCorrupted, "%s: file size %d, expected at least %d",
			f.path, size, TrxStatusHeaderSize+int64(h.NextTrxID))
	}

	f.header = h
	return nil
}

// Header 当前文件头
func (f *TrxStatusFile) Header() TrxStatusHeader {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.header
}

// Status 读取事务状态，id不在 [0, nextTrxID) 时返回 ok=false
func (f *TrxStatusFile) Status(trxID mvcc.TrxId) (byte, bool, error) {
	if trxID < 0 || trxID >= f.Header().NextTrxID {
		return 0, false, nil
	}
	buf := make([]byte, 1)
	if err := util.ReadAtFull(f.file, buf, TrxStatusHeaderSize+int64(trxID)); err != nil {
		if err == io.EOF {
			return 0, false, errors.Wrapf(ErrTrxStatusCorrupted, "%s: missing status of trx %d", f.path, trxID)
		}
		return 0, false, errors.Wrapf(err, "read status of trx %d", trxID)
	}
	return buf[0], true, nil
}

// WriteStatus 写入事务状态，不做fsync
func (f *TrxStatusFile) WriteStatus(trxID mvcc.TrxId, status byte) error {
	if trxID < 0 {
		return errors.Errorf("cannot persist status of privileged trx %d", trxID)
	}
	if _, err := f.file.WriteAt([]byte{status}, TrxStatusHeaderSize+int64(trxID)); err != nil {
		return errors.Wrapf(err, "write status %s of trx %d", TrxStatusName(status), trxID)
	}
	return nil
}

// WriteHeader 写入文件头，不做fsync
func (f *TrxStatusFile) WriteHeader(h TrxStatusHeader) error {
	buf := make([]byte, TrxStatusHeaderSize)
	binary.BigEndian.PutUint64(buf[0:8], uint64(h.NextTrxID))
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.ActiveCount))
	if _, err := f.file.WriteAt(buf, 0); err != nil {
		return errors.Wrapf(err, "write header of %s", f.path)
	}

	f.mu.Lock()
	f.header = h
	f.mu.Unlock()
	return nil
}

// Sync 刷盘
func (f *TrxStatusFile) Sync() error {
	return errors.Wrapf(f.file.Sync(), "sync %s", f.path)
}

// ScanActive 从最后分配的ID向前扫描，直到找到文件头记录数量的活跃事务
// 返回找到的活跃事务(降序)，若扫描到头仍不足则按实际数量返回
func (f *TrxStatusFile) ScanActive() ([]mvcc.TrxId, error) {
	h := f.Header()
	active := make([]mvcc.TrxId, 0, h.ActiveCount)
	for id := h.NextTrxID - 1; id > BootstrapTrxID && int64(len(active)) < h.ActiveCount; id-- {
		status, _, err := f.Status(id)
		if err != nil {
			return nil, err
		}
		if status == TRX_STATUS_ACTIVE {
			active = append(active, id)
		}
	}
	return active, nil
}

// Path 文件路径
func (f *TrxStatusFile) Path() string {
	return f.path
}

// Close 关闭文件
func (f *TrxStatusFile) Close() error {
	if err := f.file.Sync(); err != nil {
		f.file.Close()
		return errors.Wrapf(err, "sync %s", f.path)
	}
	return errors.Wrapf(f.file.Close(), "close %s", f.path)
}
