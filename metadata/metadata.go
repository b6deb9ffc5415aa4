// Package metadata implements the binary codec for an image's
// metadata resource: the security descriptor table followed by the
// dentry tree in depth-first preorder (spec.md §4.5). The layout
// mirrors go-winio's direntry/streamentry/securityblockDisk records
// field-for-field, since those are this format's own fixed records.
package metadata

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"

	"github.com/gowim/wim"
	"github.com/gowim/wim/tree"
)

// dentryFixedSize is the 102-byte fixed prefix of a dentry record,
// before the variable-length names.
const dentryFixedSize = 102

// streamFixedSize is the 38-byte fixed prefix of a stream record,
// before the variable-length name.
const streamFixedSize = 38

// DuplicateUnnamedStreamPolicy resolves spec.md §9's open question:
// whether two unnamed data streams on one inode is an error or a
// warning.
type DuplicateUnnamedStreamPolicy int

const (
	// PolicyWarn keeps the first unnamed stream seen and raises a
	// Warning for the rest. This package's default (DESIGN.md).
	PolicyWarn DuplicateUnnamedStreamPolicy = iota
	// PolicyError rejects the record with ErrInvalidMetadata.
	PolicyError
)

// noSecurityDisk is the on-disk sentinel for tree.NoSecurity.
const noSecurityDisk uint32 = 0xffffffff

func putFileTime(b []byte, t tree.FileTime) { binary.LittleEndian.PutUint64(b, uint64(t)) }
func getFileTime(b []byte) tree.FileTime    { return tree.FileTime(binary.LittleEndian.Uint64(b)) }

func utf16leEncode(s string) []byte {
	units := utf16.Encode([]rune(s))
	b := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

func utf16leDecode(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(units))
}

// Marshal serializes img into the metadata resource's on-disk
// format: the security table, then the dentry tree in depth-first
// preorder (spec.md §4.5).
func Marshal(img *tree.Image) ([]byte, error) {
	var out []byte
	out = append(out, marshalSecurityTable(img.Security)...)

	groupIDs := assignGroupIDs(img.Root)

	// The top-level sibling list holds exactly the root dentry, per
	// the reader's "expected exactly one root directory entry".
	siblings, err := marshalSiblings([]*tree.Dentry{img.Root}, groupIDs)
	if err != nil {
		return nil, err
	}
	out = append(out, siblings...)
	return out, nil
}

// marshalSiblings writes one sibling list: each dentry's record,
// immediately followed (for directories) by its own terminator-
// delimited child list, with the whole list itself terminated by an
// 8-byte zero-length record. This must match readSiblings' nesting
// exactly — a directory's children are encoded inline right after
// its own record, not via an out-of-line subdir offset.
func marshalSiblings(siblings []*tree.Dentry, groupIDs map[*tree.Inode]uint64) ([]byte, error) {
	var out []byte
	for _, d := range siblings {
		rec, err := marshalDentry(d, groupIDs)
		if err != nil {
			return nil, err
		}
		out = append(out, rec...)
		if d.Inode != nil && d.Inode.Attributes.IsDir() {
			nested, err := marshalSiblings(d.Children, groupIDs)
			if err != nil {
				return nil, err
			}
			out = append(out, nested...)
		}
	}
	out = append(out, make([]byte, 8)...) // terminating zero-length record
	return out, nil
}

// assignGroupIDs picks a stable on-disk hard-link group id for every
// inode with more than one dentry; single-dentry inodes get id 0
// (spec.md §4.5: "non-zero hard-link group id").
func assignGroupIDs(root *tree.Dentry) map[*tree.Inode]uint64 {
	ids := make(map[*tree.Inode]uint64)
	next := uint64(1)
	root.Walk(func(d *tree.Dentry) error {
		if d.Inode == nil {
			return nil
		}
		if _, ok := ids[d.Inode]; ok {
			return nil
		}
		if len(d.Inode.Dentries) > 1 {
			ids[d.Inode] = next
			next++
		} else {
			ids[d.Inode] = 0
		}
		return nil
	})
	return ids
}

func marshalDentry(d *tree.Dentry, groupIDs map[*tree.Inode]uint64) ([]byte, error) {
	ino := d.Inode
	longName := utf16leEncode(d.Name)
	shortName := utf16leEncode(d.ShortName)

	var streams []tree.Stream
	if ino.Attributes.IsReparsePoint() {
		streams = append(streams, ino.ReparseStream)
	}
	streams = append(streams, ino.Named...)

	var streamRecs []byte
	for _, s := range streams {
		streamRecs = append(streamRecs, marshalStream(s)...)
	}

	namesLen := len(longName) + 2 + len(shortName)
	if len(shortName) > 0 {
		namesLen += 2
	}
	length := int64(dentryFixedSize + namesLen + len(streamRecs))

	rec := make([]byte, dentryFixedSize)
	binary.LittleEndian.PutUint64(rec[0:8], uint64(length))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(ino.Attributes))
	if ino.SecurityID == tree.NoSecurity {
		binary.LittleEndian.PutUint32(rec[12:16], noSecurityDisk)
	} else {
		binary.LittleEndian.PutUint32(rec[12:16], uint32(ino.SecurityID))
	}
	// SubdirOffset is resolved by the reader from record adjacency
	// (preorder traversal), not stored meaningfully here; kept as a
	// field for on-disk shape parity, always zero in this codec.
	binary.LittleEndian.PutUint64(rec[16:24], 0)
	putFileTime(rec[24:32], ino.Times.Reserved0)
	putFileTime(rec[32:40], ino.Times.Reserved1)
	putFileTime(rec[40:48], ino.Times.Creation)
	putFileTime(rec[48:56], ino.Times.LastAccess)
	putFileTime(rec[56:64], ino.Times.LastWrite)
	if !ino.Attributes.IsReparsePoint() {
		copy(rec[64:84], ino.Unnamed.Hash[:])
	}
	binary.LittleEndian.PutUint32(rec[84:88], 0) // padding
	if ino.Attributes.IsReparsePoint() {
		binary.LittleEndian.PutUint64(rec[88:96], uint64(ino.ReparseTag))
	} else {
		binary.LittleEndian.PutUint64(rec[88:96], groupIDs[ino])
	}
	binary.LittleEndian.PutUint16(rec[96:98], uint16(len(streams)))
	binary.LittleEndian.PutUint16(rec[98:100], uint16(len(shortName)))
	binary.LittleEndian.PutUint16(rec[100:102], uint16(len(longName)))

	rec = append(rec, longName...)
	rec = append(rec, 0, 0)
	if len(shortName) > 0 {
		rec = append(rec, shortName...)
		rec = append(rec, 0, 0)
	}
	rec = append(rec, streamRecs...)
	return rec, nil
}

func marshalStream(s tree.Stream) []byte {
	name := utf16leEncode(s.Name)
	length := int64(streamFixedSize + len(name))
	if len(name) > 0 {
		length += 2
	}
	rec := make([]byte, streamFixedSize)
	binary.LittleEndian.PutUint64(rec[0:8], uint64(length))
	binary.LittleEndian.PutUint64(rec[8:16], 0)
	copy(rec[16:36], s.Hash[:])
	binary.LittleEndian.PutUint16(rec[36:38], uint16(len(name)))
	rec = append(rec, name...)
	if len(name) > 0 {
		rec = append(rec, 0, 0)
	}
	return rec
}

func marshalSecurityTable(sds [][]byte) []byte {
	sizes := make([]int64, len(sds))
	var total uint32 = 8 + uint32(len(sds))*8
	for i, sd := range sds {
		sizes[i] = int64(len(sd))
		total += uint32(len(sd))
	}
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:4], total)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(sds)))
	for _, sz := range sizes {
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(sz))
		out = append(out, b...)
	}
	for _, sd := range sds {
		out = append(out, sd...)
	}
	padded := (int64(total) + 7) &^ 7
	if int64(len(out)) < padded {
		out = append(out, make([]byte, padded-int64(len(out)))...)
	}
	return out
}

// Unmarshal parses a metadata resource's decompressed bytes into a
// tree.Image, reconstructing hard-link groups from the dentry
// records' group ids (spec.md §4.5). resolve, if non-nil, is called
// for every non-zero stream hash; a miss is reported as
// ErrInvalidMetadata rather than silently accepted.
func Unmarshal(data []byte, resolve func(wim.SHA1) bool, policy DuplicateUnnamedStreamPolicy) (*tree.Image, []wim.Warning, error) {
	if len(data) < 8 {
		return nil, nil, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("resource too short for a security table"))
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	numEntries := binary.LittleEndian.Uint32(data[4:8])
	off := int64(8)
	sizes := make([]int64, numEntries)
	for i := range sizes {
		if off+8 > int64(len(data)) {
			return nil, nil, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated security table sizes"))
		}
		sizes[i] = int64(binary.LittleEndian.Uint64(data[off:]))
		off += 8
	}
	sds := make([][]byte, numEntries)
	for i, sz := range sizes {
		sz &= 0xffffffff
		if off+sz > int64(len(data)) {
			return nil, nil, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated security descriptor"))
		}
		sds[i] = append([]byte(nil), data[off:off+sz]...)
		off += sz
	}
	secEnd := (int64(total) + 7) &^ 7
	if secEnd < off {
		return nil, nil, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("security descriptor table too small"))
	}
	off = secEnd

	p := &parser{data: data, off: off, resolve: resolve, policy: policy, groups: make(map[uint64]*tree.Inode)}
	roots, err := p.readSiblings()
	if err != nil {
		return nil, nil, err
	}
	if len(roots) != 1 {
		return nil, nil, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("expected exactly one root directory entry"))
	}

	return &tree.Image{Root: roots[0], Security: sds}, p.warnings, nil
}

type parser struct {
	data     []byte
	off      int64
	resolve  func(wim.SHA1) bool
	policy   DuplicateUnnamedStreamPolicy
	groups   map[uint64]*tree.Inode
	warnings []wim.Warning
}

// readSiblings reads dentry records at the current nesting level
// until a zero-length terminator, recursing into subdirectories via
// each dentry's own contiguous run of children immediately following
// it in preorder (mirroring go-winio's readdir/readNextEntry pair,
// adapted to this package's flat preorder-with-terminator encoding
// instead of go-winio's subdir-offset indirection).
func (p *parser) readSiblings() ([]*tree.Dentry, error) {
	var out []*tree.Dentry
	for {
		if p.off+8 > int64(len(p.data)) {
			return nil, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated dentry length"))
		}
		length := binary.LittleEndian.Uint64(p.data[p.off:])
		if length == 0 {
			p.off += 8
			return out, nil
		}
		d, isDir, err := p.readDentry()
		if err != nil {
			return nil, err
		}
		if isDir {
			children, err := p.readSiblings()
			if err != nil {
				return nil, err
			}
			for _, c := range children {
				d.AddChild(c)
			}
		}
		out = append(out, d)
	}
}

func (p *parser) readDentry() (*tree.Dentry, bool, error) {
	b := p.data
	base := p.off
	if base+dentryFixedSize > int64(len(b)) {
		return nil, false, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated dentry record"))
	}
	length := int64(binary.LittleEndian.Uint64(b[base:]))
	attrs := tree.Attributes(binary.LittleEndian.Uint32(b[base+8:]))
	secRaw := binary.LittleEndian.Uint32(b[base+12:])
	secID := tree.NoSecurity
	if secRaw != noSecurityDisk {
		secID = int32(secRaw)
	}
	var times tree.Times
	times.Reserved0 = getFileTime(b[base+24:])
	times.Reserved1 = getFileTime(b[base+32:])
	times.Creation = getFileTime(b[base+40:])
	times.LastAccess = getFileTime(b[base+48:])
	times.LastWrite = getFileTime(b[base+56:])
	var unnamedHash wim.SHA1
	copy(unnamedHash[:], b[base+64:base+84])
	reparseOrGroup := binary.LittleEndian.Uint64(b[base+88:])
	streamCount := binary.LittleEndian.Uint16(b[base+96:])
	shortLen := int(binary.LittleEndian.Uint16(b[base+98:]))
	longLen := int(binary.LittleEndian.Uint16(b[base+100:]))

	namesStart := base + dentryFixedSize
	namesLen := int64(longLen) + 2
	if shortLen > 0 {
		namesLen += int64(shortLen) + 2
	}
	if namesStart+namesLen > int64(len(b)) {
		return nil, false, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated dentry names"))
	}
	longName := utf16leDecode(b[namesStart : namesStart+int64(longLen)])
	var shortName string
	if shortLen > 0 {
		shortStart := namesStart + int64(longLen) + 2
		shortName = utf16leDecode(b[shortStart : shortStart+int64(shortLen)])
	}

	recEnd := base + length
	if recEnd > int64(len(b)) {
		return nil, false, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("dentry record length exceeds resource"))
	}
	sp := &streamParser{data: b, off: namesStart + namesLen, end: recEnd, resolve: p.resolve}

	ino := &tree.Inode{Attributes: attrs, SecurityID: secID, Times: times}
	if attrs.IsReparsePoint() {
		ino.ReparseTag = uint32(reparseOrGroup)
	} else {
		ino.Unnamed = tree.Stream{Hash: unnamedHash}
		if p.resolve != nil && !unnamedHash.IsZero() && !p.resolve(unnamedHash) {
			return nil, false, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", longName, errors.New("unnamed stream hash does not resolve to a known blob"))
		}
	}

	// A non-zero hash in the dentry record is the first unnamed stream.
	sawUnnamedADS := !attrs.IsReparsePoint() && !unnamedHash.IsZero()
	for i := uint16(0); i < streamCount; i++ {
		s, err := sp.next()
		if err != nil {
			return nil, false, err
		}
		if s.Name == "" {
			if attrs.IsReparsePoint() {
				ino.ReparseStream = s
				continue
			}
			if sawUnnamedADS {
				if p.policy == PolicyError {
					return nil, false, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", longName, errors.New("duplicate unnamed data stream"))
				}
				p.warnings = append(p.warnings, wim.Warning{Kind: "DuplicateUnnamedStream", Message: longName})
				continue
			}
			sawUnnamedADS = true
			ino.Unnamed = s
			continue
		}
		ino.Named = append(ino.Named, s)
	}
	p.off = recEnd

	d := &tree.Dentry{Name: longName, ShortName: shortName}
	if !attrs.IsReparsePoint() {
		ino.GroupID = reparseOrGroup
	}
	if !attrs.IsReparsePoint() && reparseOrGroup != 0 {
		if existing, ok := p.groups[reparseOrGroup]; ok {
			if existing.Attributes != ino.Attributes {
				p.warnings = append(p.warnings, wim.Warning{Kind: "LinkGroupInconsistent", Message: longName})
			}
			existing.AddDentry(d)
			return d, attrs.IsDir(), nil
		}
		p.groups[reparseOrGroup] = ino
	}
	ino.AddDentry(d)
	return d, attrs.IsDir(), nil
}

type streamParser struct {
	data    []byte
	off     int64
	end     int64
	resolve func(wim.SHA1) bool
}

func (sp *streamParser) next() (tree.Stream, error) {
	if sp.off+streamFixedSize > sp.end {
		return tree.Stream{}, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated stream record"))
	}
	b := sp.data
	base := sp.off
	length := int64(binary.LittleEndian.Uint64(b[base:]))
	var hash wim.SHA1
	copy(hash[:], b[base+16:base+36])
	nameLen := int(binary.LittleEndian.Uint16(b[base+36:]))
	nameStart := base + streamFixedSize
	if nameStart+int64(nameLen) > sp.end {
		return tree.Stream{}, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("truncated stream name"))
	}
	name := utf16leDecode(b[nameStart : nameStart+int64(nameLen)])
	if sp.resolve != nil && !hash.IsZero() && !sp.resolve(hash) {
		return tree.Stream{}, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", name, errors.New("stream hash does not resolve to a known blob"))
	}
	recEnd := base + length
	if recEnd > sp.end || recEnd < base {
		return tree.Stream{}, wim.NewError(wim.ErrInvalidMetadata, "metadata.Unmarshal", "", errors.New("stream record length out of range"))
	}
	sp.off = recEnd
	return tree.Stream{Name: name, Hash: hash}, nil
}
