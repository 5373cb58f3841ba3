package util

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// PathExists 判断路径是否存在
func PathExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// EnsureParentDir 创建文件所在的目录
func EnsureParentDir(filePath string) error {
	return EnsureDir(filepath.Dir(filePath))
}

// EnsureDir 创建目录(含父目录)
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "create directory %s", dir)
	}
	return nil
}

// ReadAtFull 从offset处读取len(buf)个字节，不足时返回 io.EOF 或 io.ErrUnexpectedEOF
func ReadAtFull(f io.ReaderAt, buf []byte, offset int64) error {
	n, err := f.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	return err
}

// WriteAtSync 在offset处写入data并刷盘
func WriteAtSync(f *os.File, data []byte, offset int64) error {
	if _, err := f.WriteAt(data, offset); err != nil {
		return errors.Wrapf(err, "write %s at offset %d", f.Name(), offset)
	}
	return errors.Wrapf(f.Sync(), "sync %s", f.Name())
}
