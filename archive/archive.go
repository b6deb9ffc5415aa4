// Package archive assembles and opens a complete .wim file: the
// header, blob table, and per-image metadata resources that
// resource/blobtable/tree/metadata only implement in isolation. It is
// the glue spec.md's modules describe as living behind the header's
// BlobTable/XMLData/BootMetadata resource entries (spec.md §3, §6).
package archive

import (
	"crypto/rand"
	"crypto/sha1"
	"io"
	"sort"

	"github.com/gowim/wim"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/metadata"
	"github.com/gowim/wim/resource"
	"github.com/gowim/wim/tree"
)

// wimVersion is the on-disk format version this engine writes.
const wimVersion = 0x10d00

// Writer assembles a new archive onto a seekable destination: reserve
// the header, stream blob content and per-image metadata resources,
// then Finish to write the blob table and go back and fill in the
// header (skip the fixed-size header first, come back to it once
// every resource's offset is known).
type Writer struct {
	w     io.WriteSeeker
	codec wim.Codec
	blobs *blobtable.Table
	guid  wim.GUID

	imageCount uint32
}

// Create starts a new archive, reserving HeaderSize bytes at the
// front for the header Finish fills in last.
func Create(w io.WriteSeeker, codec wim.Codec, blobs *blobtable.Table) (*Writer, error) {
	if _, err := w.Seek(wim.HeaderSize, io.SeekStart); err != nil {
		return nil, wim.NewError(wim.ErrSeek, "archive.Create", "", err)
	}
	var guid wim.GUID
	if _, err := rand.Read(guid[:]); err != nil {
		return nil, wim.NewError(wim.ErrWrite, "archive.Create", "", err)
	}
	return &Writer{w: w, codec: codec, blobs: blobs, guid: guid}, nil
}

// WriteBlob streams content into the archive as a new resource and
// records its location in the blob table under hash, which must
// already have an entry (capture.CaptureImage's PendingBlob list
// interns a placeholder during the tree walk; this fills in the real
// Resource once the bytes are actually written).
func (aw *Writer) WriteBlob(hash wim.SHA1, content io.Reader) error {
	pos, err := aw.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return wim.NewError(wim.ErrSeek, "archive.Writer.WriteBlob", hash.String(), err)
	}
	bw, err := resource.Begin(aw.w, aw.codec, resource.TableAfter, pos, 0)
	if err != nil {
		return err
	}
	buf := make([]byte, wim.ChunkSize)
	for {
		n, err := content.Read(buf)
		if n > 0 {
			if err := bw.Feed(buf[:n]); err != nil {
				return err
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return wim.NewError(wim.ErrRead, "archive.Writer.WriteBlob", hash.String(), err)
		}
	}
	entry, err := bw.End(hash)
	if err != nil {
		return err
	}
	b, ok := aw.blobs.Lookup(hash)
	if !ok {
		return wim.NewError(wim.ErrInvalidMetadata, "archive.Writer.WriteBlob", hash.String(), nil)
	}
	b.Resource = entry
	return nil
}

// AddImage marshals img's metadata resource and writes it, tagged
// ResFlagMetadata in the blob table so Reader.Images can find it
// again by scanning for that flag (the real format's own mechanism:
// metadata resources have no separate index beyond the boot pointer,
// see DESIGN.md). The resource's own SHA-1 (over its marshaled bytes,
// not any file content) doubles as its blob-table key.
func (aw *Writer) AddImage(img *tree.Image) error {
	data, err := metadata.Marshal(img)
	if err != nil {
		return err
	}
	hash := wim.SHA1(sha1.Sum(data))

	pos, err := aw.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return wim.NewError(wim.ErrSeek, "archive.Writer.AddImage", "", err)
	}
	n := len(data)
	expectedChunks := (n + wim.ChunkSize - 1) / wim.ChunkSize
	bw, err := resource.Begin(aw.w, aw.codec, resource.TableBefore, pos, expectedChunks)
	if err != nil {
		return err
	}
	if err := bw.Feed(data); err != nil {
		return err
	}
	entry, err := bw.End(hash)
	if err != nil {
		return err
	}
	entry.Flags |= wim.ResFlagMetadata

	aw.blobs.InternOrInsert(hash, func() blobtable.Blob {
		return blobtable.Blob{Resource: entry, PartNumber: 1}
	})
	if b, ok := aw.blobs.Lookup(hash); ok {
		b.Resource = entry
	}
	aw.imageCount++
	return nil
}

// Finish writes the blob table resource and the header, in that
// order, completing the archive. bootIndex is the 1-based image
// index to mark bootable, or 0 for none.
func (aw *Writer) Finish(bootIndex uint32) error {
	pos, err := aw.w.Seek(0, io.SeekCurrent)
	if err != nil {
		return wim.NewError(wim.ErrSeek, "archive.Writer.Finish", "", err)
	}
	table := aw.blobs.Marshal()
	bw, err := resource.Begin(aw.w, aw.codec, resource.TableAfter, pos, 0)
	if err != nil {
		return err
	}
	if err := bw.Feed(table); err != nil {
		return err
	}
	blobTableEntry, err := bw.End(wim.SHA1{})
	if err != nil {
		return err
	}

	flags := wim.FlagReadOnly
	switch aw.codec {
	case wim.CodecLZX:
		flags |= wim.FlagCompressed | wim.FlagCompressLZX
	case wim.CodecXPRESS:
		flags |= wim.FlagCompressed | wim.FlagCompressXpress
	}

	h := wim.Header{
		Size:            wim.HeaderSize,
		Version:         wimVersion,
		Flags:           flags,
		CompressionSize: wim.ChunkSize,
		GUID:            aw.guid,
		PartNumber:      1,
		TotalParts:      1,
		ImageCount:      aw.imageCount,
		BlobTable:       blobTableEntry,
		BootIndex:       bootIndex,
	}

	if _, err := aw.w.Seek(0, io.SeekStart); err != nil {
		return wim.NewError(wim.ErrSeek, "archive.Writer.Finish", "", err)
	}
	buf := make([]byte, wim.HeaderSize)
	wim.PutHeader(buf, h)
	if _, err := aw.w.Write(buf); err != nil {
		return wim.NewError(wim.ErrWrite, "archive.Writer.Finish", "", err)
	}
	return nil
}

// Reader opens an existing archive for random-access reads: its
// header, blob table, and every image's dentry tree.
type Reader struct {
	pool   *resource.Pool
	reader *resource.Reader
	Header wim.Header
	Blobs  *blobtable.Table
	Images []*tree.Image
}

// Open memory-maps path handles times concurrently-readable and
// parses the header, blob table, and every ResFlagMetadata-tagged
// resource it finds, in ascending-offset (i.e. original write) order.
func Open(path string, handles int) (*Reader, error) {
	pool, err := resource.OpenPool(path, handles)
	if err != nil {
		return nil, err
	}

	hdrBuf := make([]byte, wim.HeaderSize)
	h := pool.Acquire()
	_, err = h.ReadAt(hdrBuf, 0)
	pool.Release(h)
	if err != nil {
		pool.Close()
		return nil, wim.NewError(wim.ErrRead, "archive.Open", path, err)
	}
	header, err := wim.GetHeader(hdrBuf)
	if err != nil {
		pool.Close()
		return nil, err
	}

	rd := resource.NewReader(pool, header.Compression())
	tableBytes, err := rd.ReadFullBlob(&header.BlobTable, wim.SHA1{})
	if err != nil {
		pool.Close()
		return nil, err
	}
	blobs, err := blobtable.Unmarshal(tableBytes)
	if err != nil {
		pool.Close()
		return nil, err
	}

	var metaEntries []wim.ResourceEntry
	blobs.Each(func(b *blobtable.Blob) {
		if b.Resource.Flags&wim.ResFlagMetadata != 0 {
			metaEntries = append(metaEntries, b.Resource)
		}
	})
	sort.Slice(metaEntries, func(i, j int) bool { return metaEntries[i].Offset < metaEntries[j].Offset })

	resolve := func(h wim.SHA1) bool {
		_, ok := blobs.Lookup(h)
		return ok
	}
	images := make([]*tree.Image, 0, len(metaEntries))
	for _, entry := range metaEntries {
		entry := entry
		data, err := rd.ReadFullBlob(&entry, wim.SHA1{})
		if err != nil {
			pool.Close()
			return nil, err
		}
		img, _, err := metadata.Unmarshal(data, resolve, metadata.PolicyWarn)
		if err != nil {
			pool.Close()
			return nil, err
		}
		images = append(images, img)
	}

	return &Reader{pool: pool, reader: rd, Header: header, Blobs: blobs, Images: images}, nil
}

// ReadBlob resolves hash through the blob table and returns its full
// decompressed, hash-verified content.
func (r *Reader) ReadBlob(hash wim.SHA1) ([]byte, error) {
	if hash.IsZero() {
		return nil, nil
	}
	b, ok := r.Blobs.Lookup(hash)
	if !ok {
		return nil, wim.NewError(wim.ErrInvalidMetadata, "archive.Reader.ReadBlob", hash.String(), nil)
	}
	return r.reader.ReadFullBlob(&b.Resource, hash)
}

// Close releases the reader's mapped handles.
func (r *Reader) Close() error {
	return r.pool.Close()
}
