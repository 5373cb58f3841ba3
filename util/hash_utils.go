package util

import (
	"github.com/OneOfOne/xxhash"
)

// HashCode 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// Checksum32 计算数据块校验和，用于日志记录的完整性校验
func Checksum32(data []byte) uint32 {
	return xxhash.Checksum32(data)
}

// VerifyChecksum32 校验数据块
func VerifyChecksum32(data []byte, sum uint32) bool {
	return Checksum32(data) == sum
}
