package resource

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"io"

	"github.com/gowim/wim"
	"github.com/gowim/wim/internal/lzx"
	"github.com/gowim/wim/internal/xpress"
)

// TableMode selects how a Writer produces a compressed resource's
// chunk offset table (spec.md §4.3). In both modes the table ends up
// on disk directly before the chunk stream, where Reader expects it.
type TableMode int

const (
	// TableBefore reserves the table immediately after the resource's
	// start, before any chunk data, and seeks back to fill it in End.
	// It requires knowing the final chunk count upfront, since the table
	// must be sized and reserved before the first chunk is written.
	TableBefore TableMode = iota
	// TableAfter buffers the whole chunk stream in memory and writes
	// the table, then the chunks, once the last chunk is known, trading
	// memory for not needing an upfront size hint or a seekable
	// destination.
	TableAfter
)

// Writer streams a single resource's content into a compressed,
// chunked representation (spec.md §4.3). Feed any number of times,
// then End to flush and learn the resulting ResourceEntry.
type Writer struct {
	w      io.Writer
	seeker io.Seeker
	codec  wim.Codec
	mode   TableMode

	buf    bytes.Buffer
	hasher hasher

	chunkOffsets []int64 // start of each chunk's stored bytes, relative to end of table
	chunkStream  bytes.Buffer
	originalSize int64

	tableReserved int64 // bytes reserved for the table in TableBefore mode
	startOffset   int64
}

type hasher interface {
	Write(p []byte) (int, error)
	Sum(b []byte) []byte
}

// Begin starts a new Writer. expectedChunks is only consulted in
// TableBefore mode, to size the placeholder table that gets seeked
// back into once the real offsets are known; w must implement
// io.Seeker in that mode. startOffset is w's current position, i.e.
// where the resource (and its ResourceEntry.Offset) begins.
func Begin(w io.Writer, codec wim.Codec, mode TableMode, startOffset int64, expectedChunks int) (*Writer, error) {
	wr := &Writer{
		w:           w,
		codec:       codec,
		mode:        mode,
		hasher:      sha1.New(),
		startOffset: startOffset,
	}
	if mode == TableBefore {
		s, ok := w.(io.Seeker)
		if !ok {
			return nil, wim.NewError(wim.ErrWrite, "resource.Begin", "", errors.New("TableBefore requires a seekable destination"))
		}
		wr.seeker = s
		if expectedChunks < 0 {
			expectedChunks = 0
		}
		entrySize := 4
		// The table has one entry per chunk after the first; an
		// uncompressed resource has none.
		if codec != wim.CodecNone && expectedChunks > 1 {
			wr.tableReserved = int64(expectedChunks-1) * int64(entrySize)
		}
		if wr.tableReserved > 0 {
			if _, err := w.Write(make([]byte, wr.tableReserved)); err != nil {
				return nil, wim.NewError(wim.ErrWrite, "resource.Begin", "", err)
			}
		}
	}
	return wr, nil
}

// Feed appends p to the resource's content, flushing full ChunkSize
// chunks to the chunk stream as they fill.
func (w *Writer) Feed(p []byte) error {
	w.hasher.Write(p)
	w.originalSize += int64(len(p))
	w.buf.Write(p)
	for w.buf.Len() >= wim.ChunkSize {
		chunk := w.buf.Next(wim.ChunkSize)
		if err := w.writeChunk(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeChunk(chunk []byte) error {
	stored := chunk
	if w.codec != wim.CodecNone {
		var compressed []byte
		var err error
		switch w.codec {
		case wim.CodecLZX:
			compressed, err = lzx.Compress(chunk)
		case wim.CodecXPRESS:
			compressed, err = xpress.Compress(chunk)
		}
		if err == nil && len(compressed) < len(chunk) {
			stored = compressed
		} else if err != nil && !errors.Is(err, lzx.ErrNotCompressible) && !errors.Is(err, xpress.ErrNotCompressible) {
			return wim.NewError(wim.ErrWrite, "resource.Writer", "", err)
		}
	}
	w.chunkOffsets = append(w.chunkOffsets, int64(w.chunkStream.Len()))
	w.chunkStream.Write(stored)
	return nil
}

// End flushes any partial final chunk, writes the chunk stream (and,
// in TableBefore mode, seeks back to fill the reserved table), and
// returns the finished ResourceEntry. wantHash, if non-zero, lets the
// caller assert the streamed content matched an expected digest
// without a second pass; pass a zero SHA1 to skip the check.
func (w *Writer) End(wantHash wim.SHA1) (wim.ResourceEntry, error) {
	if w.buf.Len() > 0 {
		if err := w.writeChunk(w.buf.Next(w.buf.Len())); err != nil {
			return wim.ResourceEntry{}, err
		}
	}

	got := wim.SHA1(w.hasher.Sum(nil))
	if !wantHash.IsZero() && got != wantHash {
		return wim.ResourceEntry{}, wim.NewError(wim.ErrInvalidResourceHash, "resource.Writer.End", "", errors.New("streamed content did not match expected hash"))
	}

	entrySize := tableEntrySize(w.originalSize)
	n := numChunks(w.originalSize)
	if w.codec == wim.CodecNone {
		n = 0 // Reader reads uncompressed resources without a table
	}
	table := make([]byte, 0, offsetTableBytes(w.originalSize))
	for i := 1; i < n; i++ {
		e := make([]byte, entrySize)
		putTableEntry(e, entrySize, w.chunkOffsets[i])
		table = append(table, e...)
	}

	chunkBytes := int64(w.chunkStream.Len())
	var stored int64

	switch w.mode {
	case TableBefore:
		if int64(len(table)) > w.tableReserved {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrWrite, "resource.Writer.End", "", errors.New("chunk count exceeded the table space reserved in Begin"))
		}
		// Chunk stream goes out first, directly after the reserved
		// (still-placeholder) table space; then seek back and fill
		// the table in now that every offset is known.
		if _, err := io.Copy(w.w, &w.chunkStream); err != nil {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrWrite, "resource.Writer.End", "", err)
		}
		if _, err := w.seeker.Seek(w.startOffset, io.SeekStart); err != nil {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrSeek, "resource.Writer.End", "", err)
		}
		if _, err := w.w.Write(table); err != nil {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrWrite, "resource.Writer.End", "", err)
		}
		end := w.startOffset + w.tableReserved + chunkBytes
		if _, err := w.seeker.Seek(end, io.SeekStart); err != nil {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrSeek, "resource.Writer.End", "", err)
		}
		stored = w.tableReserved + chunkBytes
	case TableAfter:
		if _, err := w.w.Write(table); err != nil {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrWrite, "resource.Writer.End", "", err)
		}
		if _, err := io.Copy(w.w, &w.chunkStream); err != nil {
			return wim.ResourceEntry{}, wim.NewError(wim.ErrWrite, "resource.Writer.End", "", err)
		}
		stored = int64(len(table)) + chunkBytes
	}

	flags := wim.ResourceFlags(0)
	if w.codec != wim.CodecNone {
		flags |= wim.ResFlagCompressed
	}

	return wim.ResourceEntry{
		StoredSize:   stored,
		Flags:        flags,
		Offset:       w.startOffset,
		OriginalSize: w.originalSize,
	}, nil
}
