package resource

import (
	"encoding/binary"

	"github.com/gowim/wim"
)

// tableEntrySize is 8 bytes once the resource's uncompressed size
// reaches 2^32 bytes, 4 bytes otherwise (spec.md §3).
func tableEntrySize(originalSize int64) int {
	if originalSize >= 1<<32 {
		return 8
	}
	return 4
}

// numChunks is the count of 32 KiB chunks an uncompressed size splits
// into; a zero-byte resource has no chunks.
func numChunks(originalSize int64) int {
	if originalSize <= 0 {
		return 0
	}
	return int((originalSize + wim.ChunkSize - 1) / wim.ChunkSize)
}

func readTableEntry(b []byte, size int) int64 {
	if size == 8 {
		return int64(binary.LittleEndian.Uint64(b))
	}
	return int64(binary.LittleEndian.Uint32(b))
}

func putTableEntry(b []byte, size int, v int64) {
	if size == 8 {
		binary.LittleEndian.PutUint64(b, uint64(v))
		return
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
}

// offsetTableBytes is the total on-disk length of a resource's chunk
// offset table.
func offsetTableBytes(originalSize int64) int64 {
	n := numChunks(originalSize)
	if n <= 1 {
		return 0
	}
	return int64(n-1) * int64(tableEntrySize(originalSize))
}
