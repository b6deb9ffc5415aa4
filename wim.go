// Package wim implements the core of a WIM (Windows Imaging) archive
// engine: a content-addressed, chunk-compressed container format that
// holds one or more file-system images.
//
// The package is organized the way the on-disk format is layered: this
// file holds the archive header and resource-entry types shared by
// every subpackage; internal/lzx and internal/xpress hold the chunk
// codecs; resource holds the chunked random-access reader/writer;
// blobtable holds the content-addressed SHA-1 store; tree and metadata
// hold the dentry/inode model and its on-disk codec; capture and apply
// hold the traversal pipelines.
package wim

import (
	"encoding/binary"
	"fmt"
)

// ChunkSize is the fixed uncompressed size of a resource chunk.
const ChunkSize = 32768

// imageTag is the 8-byte magic at the start of every archive.
var imageTag = [8]byte{'M', 'S', 'W', 'I', 'M', 0, 0, 0}

// HeaderSize is the fixed on-disk size of Header.
const HeaderSize = 208

// GUID is a 16-byte archive identifier.
type GUID [16]byte

// HeaderFlags are the header-level flags from spec.md §6.
type HeaderFlags uint32

const (
	FlagReserved HeaderFlags = 1 << iota
	FlagCompressed
	FlagReadOnly
	FlagSpanned
	FlagResourceOnly
	FlagMetadataOnly
	FlagWriteInProgress
	FlagRPFix
)

const (
	FlagCompressReserved HeaderFlags = 1 << (iota + 16)
	FlagCompressXpress
	FlagCompressLZX
)

// SupportedHeaderFlags are the flags the validating reader accepts;
// anything else is rejected rather than silently ignored (spec.md §7,
// "the reader never silently truncates").
const SupportedHeaderFlags = FlagRPFix | FlagReadOnly | FlagCompressed | FlagCompressXpress | FlagCompressLZX

// Codec identifies which chunk codec a compressed resource uses.
type Codec int

const (
	CodecNone Codec = iota
	CodecXPRESS
	CodecLZX
)

func (c Codec) String() string {
	switch c {
	case CodecXPRESS:
		return "XPRESS"
	case CodecLZX:
		return "LZX"
	default:
		return "none"
	}
}

// ResourceFlags are the low 4 bits of a resource entry's flags byte
// (spec.md §6).
type ResourceFlags byte

const (
	ResFlagFree ResourceFlags = 1 << iota
	ResFlagMetadata
	ResFlagCompressed
	ResFlagSpanned
)

// ResourceEntry is the on-disk, 24-byte descriptor of a resource
// (spec.md §3, §6). StoredSize packs into 7 bytes with Flags packed
// into the eighth, matching the reference format's
// FlagsAndCompressedSize layout.
type ResourceEntry struct {
	StoredSize   int64 // 7 bytes on disk
	Flags        ResourceFlags
	Offset       int64 // upper 2 bits reserved, masked on read
	OriginalSize int64 // upper 2 bits reserved, masked on read
}

// offsetSizeMask masks the two reserved high bits the "permissive
// reader" historically ignored (spec.md §9). GetResourceEntry always
// applies it: set reserved bits are dropped silently, with no Warning,
// and an entry carrying them is never rejected.
const offsetSizeMask = 1<<62 - 1

// ResourceEntrySize is ResourceEntry's fixed on-disk size.
const ResourceEntrySize = 24

// PutResourceEntry encodes r into the first ResourceEntrySize bytes
// of b, packing StoredSize and Flags into the single
// FlagsAndCompressedSize field the reference format uses.
func PutResourceEntry(b []byte, r ResourceEntry) {
	_ = b[ResourceEntrySize-1]
	packed := uint64(r.StoredSize)&0xffffffffffffff | uint64(r.Flags)<<56
	binary.LittleEndian.PutUint64(b[0:8], packed)
	binary.LittleEndian.PutUint64(b[8:16], uint64(r.Offset))
	binary.LittleEndian.PutUint64(b[16:24], uint64(r.OriginalSize))
}

// GetResourceEntry decodes a ResourceEntry from the first
// ResourceEntrySize bytes of b, masking off the two reserved high
// bits of Offset and OriginalSize (spec.md §9).
func GetResourceEntry(b []byte) ResourceEntry {
	_ = b[ResourceEntrySize-1]
	packed := binary.LittleEndian.Uint64(b[0:8])
	return ResourceEntry{
		StoredSize:   int64(packed & 0xffffffffffffff),
		Flags:        ResourceFlags(packed >> 56),
		Offset:       int64(binary.LittleEndian.Uint64(b[8:16])) & offsetSizeMask,
		OriginalSize: int64(binary.LittleEndian.Uint64(b[16:24])) & offsetSizeMask,
	}
}

// Header is the 208-byte archive header (spec.md §6).
type Header struct {
	Size            uint32
	Version         uint32
	Flags           HeaderFlags
	CompressionSize uint32
	GUID            GUID
	PartNumber      uint16
	TotalParts      uint16
	ImageCount      uint32
	BlobTable       ResourceEntry
	XMLData         ResourceEntry
	BootMetadata    ResourceEntry
	BootIndex       uint32
	Integrity       ResourceEntry
}

// PutHeader encodes h, including the leading magic tag, into the
// first HeaderSize bytes of b.
func PutHeader(b []byte, h Header) {
	_ = b[HeaderSize-1]
	copy(b[0:8], imageTag[:])
	binary.LittleEndian.PutUint32(b[8:12], h.Size)
	binary.LittleEndian.PutUint32(b[12:16], h.Version)
	binary.LittleEndian.PutUint32(b[16:20], uint32(h.Flags))
	binary.LittleEndian.PutUint32(b[20:24], h.CompressionSize)
	copy(b[24:40], h.GUID[:])
	binary.LittleEndian.PutUint16(b[40:42], h.PartNumber)
	binary.LittleEndian.PutUint16(b[42:44], h.TotalParts)
	binary.LittleEndian.PutUint32(b[44:48], h.ImageCount)
	PutResourceEntry(b[48:72], h.BlobTable)
	PutResourceEntry(b[72:96], h.XMLData)
	PutResourceEntry(b[96:120], h.BootMetadata)
	binary.LittleEndian.PutUint32(b[120:124], h.BootIndex)
	PutResourceEntry(b[124:148], h.Integrity)
	for i := 148; i < HeaderSize; i++ {
		b[i] = 0
	}
}

// GetHeader decodes a Header from the first HeaderSize bytes of b,
// rejecting a missing or corrupt magic tag rather than silently
// continuing (spec.md §7).
func GetHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, NewError(ErrInvalidHeader, "wim.GetHeader", "", fmt.Errorf("short header: %d bytes", len(b)))
	}
	if [8]byte(b[0:8]) != imageTag {
		return Header{}, NewError(ErrInvalidHeader, "wim.GetHeader", "", fmt.Errorf("bad magic %q", b[0:8]))
	}
	var h Header
	h.Size = binary.LittleEndian.Uint32(b[8:12])
	h.Version = binary.LittleEndian.Uint32(b[12:16])
	h.Flags = HeaderFlags(binary.LittleEndian.Uint32(b[16:20]))
	h.CompressionSize = binary.LittleEndian.Uint32(b[20:24])
	copy(h.GUID[:], b[24:40])
	h.PartNumber = binary.LittleEndian.Uint16(b[40:42])
	h.TotalParts = binary.LittleEndian.Uint16(b[42:44])
	h.ImageCount = binary.LittleEndian.Uint32(b[44:48])
	h.BlobTable = GetResourceEntry(b[48:72])
	h.XMLData = GetResourceEntry(b[72:96])
	h.BootMetadata = GetResourceEntry(b[96:120])
	h.BootIndex = binary.LittleEndian.Uint32(b[120:124])
	h.Integrity = GetResourceEntry(b[124:148])
	if h.Flags&^SupportedHeaderFlags != 0 {
		return h, NewError(ErrUnsupported, "wim.GetHeader", "", fmt.Errorf("unsupported header flags %#x", h.Flags))
	}
	return h, nil
}

// Compression reports which chunk codec the header declares, or
// CodecNone for an uncompressed archive.
func (h *Header) Compression() Codec {
	switch {
	case h.Flags&FlagCompressLZX != 0:
		return CodecLZX
	case h.Flags&FlagCompressXpress != 0:
		return CodecXPRESS
	default:
		return CodecNone
	}
}

// SHA1 is the 20-byte content key used throughout the archive (blob
// descriptors, stream references, security-descriptor interning).
type SHA1 [20]byte

func (h SHA1) String() string {
	return fmt.Sprintf("%x", [20]byte(h))
}

// IsZero reports whether h is the all-zero hash, which spec.md §3
// uses to mean "no blob" (an empty stream).
func (h SHA1) IsZero() bool {
	return h == SHA1{}
}
