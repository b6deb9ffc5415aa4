package resource

import (
	"crypto/sha1"
	"fmt"

	"github.com/gowim/wim"
	"github.com/gowim/wim/internal/lzx"
	"github.com/gowim/wim/internal/xpress"
)

// Reader provides chunked random-access reads of a single resource
// backed by pool (spec.md §4.2). A Reader is cheap to construct; the
// expensive state (mapped handles) lives in the Pool it's given.
type Reader struct {
	pool  *Pool
	codec wim.Codec
}

// NewReader builds a Reader for resources compressed with codec (or
// wim.CodecNone for an uncompressed archive).
func NewReader(pool *Pool, codec wim.Codec) *Reader {
	return &Reader{pool: pool, codec: codec}
}

func (r *Reader) readAt(buf []byte, offset int64) error {
	h := r.pool.Acquire()
	_, err := h.ReadAt(buf, offset)
	r.pool.Release(h)
	if err != nil {
		return wim.NewError(wim.ErrRead, "resource.Reader", "", err)
	}
	return nil
}

// ReadUncompressed reads len(out) bytes at offset within res's
// content, for a resource stored without compression.
func (r *Reader) ReadUncompressed(res *wim.ResourceEntry, offset int64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	return r.readAt(out, res.Offset+offset)
}

// chunkStart returns chunk i's start, measured from the end of the
// offset table (chunkStart(res, 0) is always 0). Reads only the one
// table entry needed rather than the whole table.
func (r *Reader) chunkStart(res *wim.ResourceEntry, i int) (int64, error) {
	if i == 0 {
		return 0, nil
	}
	entrySize := tableEntrySize(res.OriginalSize)
	buf := make([]byte, entrySize)
	if err := r.readAt(buf, res.Offset+int64(i-1)*int64(entrySize)); err != nil {
		return 0, err
	}
	return readTableEntry(buf, entrySize), nil
}

// ReadCompressed reads len(out) bytes of res's uncompressed content
// starting at offset, decompressing only the chunks the range
// touches (spec.md §4.2).
func (r *Reader) ReadCompressed(res *wim.ResourceEntry, offset int64, out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if offset < 0 || offset+int64(len(out)) > res.OriginalSize {
		return wim.NewError(wim.ErrRead, "resource.ReadCompressed", "", fmt.Errorf("range [%d,%d) out of bounds for %d-byte resource", offset, offset+int64(len(out)), res.OriginalSize))
	}

	n := numChunks(res.OriginalSize)
	tableBytes := offsetTableBytes(res.OriginalSize)
	dataBase := res.Offset + tableBytes

	startChunk := int(offset / wim.ChunkSize)
	endChunk := int((offset + int64(len(out)) - 1) / wim.ChunkSize)

	for c := startChunk; c <= endChunk; c++ {
		start, err := r.chunkStart(res, c)
		if err != nil {
			return err
		}

		uncompressedChunkSize := wim.ChunkSize
		if c == n-1 {
			uncompressedChunkSize = int(res.OriginalSize - int64(c)*wim.ChunkSize)
		}

		var storedSize int64
		if c == n-1 {
			storedSize = res.StoredSize - tableBytes - start
		} else {
			next, err := r.chunkStart(res, c+1)
			if err != nil {
				return err
			}
			storedSize = next - start
		}
		if storedSize < 0 || storedSize > int64(wim.ChunkSize)+64 {
			return wim.NewError(wim.ErrInvalidMetadata, "resource.ReadCompressed", "", fmt.Errorf("chunk %d has invalid stored size %d", c, storedSize))
		}

		chunkBuf := make([]byte, storedSize)
		if err := r.readAt(chunkBuf, dataBase+start); err != nil {
			return err
		}

		var plain []byte
		if int(storedSize) == uncompressedChunkSize {
			plain = chunkBuf
		} else {
			plain = make([]byte, uncompressedChunkSize)
			var decErr error
			switch r.codec {
			case wim.CodecLZX:
				decErr = lzx.Decompress(chunkBuf, uncompressedChunkSize, plain)
			case wim.CodecXPRESS:
				decErr = xpress.Decompress(chunkBuf, uncompressedChunkSize, plain)
			default:
				decErr = fmt.Errorf("chunk %d is compressed but resource codec is %s", c, r.codec)
			}
			if decErr != nil {
				return wim.NewError(wim.ErrDecompressionFailed, "resource.ReadCompressed", "", decErr)
			}
		}

		chunkLo := int64(c) * wim.ChunkSize
		chunkHi := chunkLo + int64(uncompressedChunkSize)
		lo := offset
		if lo < chunkLo {
			lo = chunkLo
		}
		hi := offset + int64(len(out))
		if hi > chunkHi {
			hi = chunkHi
		}
		copy(out[lo-offset:hi-offset], plain[lo-chunkLo:hi-chunkLo])
	}
	return nil
}

// ReadFullBlob reads the entirety of res and, if wantHash is
// non-zero, verifies the SHA-1 of the result, surfacing a mismatch as
// ErrInvalidResourceHash (spec.md §4.2).
func (r *Reader) ReadFullBlob(res *wim.ResourceEntry, wantHash wim.SHA1) ([]byte, error) {
	out := make([]byte, res.OriginalSize)
	var err error
	if res.Flags&wim.ResFlagCompressed != 0 {
		err = r.ReadCompressed(res, 0, out)
	} else {
		err = r.ReadUncompressed(res, 0, out)
	}
	if err != nil {
		return nil, err
	}
	if !wantHash.IsZero() {
		got := wim.SHA1(sha1.Sum(out))
		if got != wantHash {
			return nil, wim.NewError(wim.ErrInvalidResourceHash, "resource.ReadFullBlob", "", fmt.Errorf("got %s want %s", got, wantHash))
		}
	}
	return out, nil
}
