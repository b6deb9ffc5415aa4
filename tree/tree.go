// Package tree implements the in-memory dentry/inode model: hard-link
// groups, streams, reparse points, short names, and the per-image
// security descriptor table (spec.md §3, §4.5, §9).
package tree

import (
	"strings"

	"github.com/gowim/wim"
)

// FileTime is a Windows FILETIME: 100-nanosecond ticks since
// 1601-01-01 00:00:00 UTC, stored exactly as the on-disk format
// carries it rather than converted to a Go time.Time, since the
// metadata codec round-trips it bit-for-bit.
type FileTime uint64

// Attributes mirrors the Windows FILE_ATTRIBUTE_* bitfield the
// archive stores per inode.
type Attributes uint32

const (
	AttrReadOnly Attributes = 1 << iota
	AttrHidden
	AttrSystem
	_ // reserved (volume label)
	AttrDirectory
	AttrArchive
	_ // reserved (device)
	AttrNormal
	AttrTemporary
	AttrSparseFile
	AttrReparsePoint
	AttrCompressed
)

// IsDir reports whether a is a directory's attribute set.
func (a Attributes) IsDir() bool { return a&AttrDirectory != 0 }

// IsReparsePoint reports whether a marks a reparse point (symlink,
// junction, or other rehydration directive).
func (a Attributes) IsReparsePoint() bool { return a&AttrReparsePoint != 0 }

// Times is the dentry record's five-timestamp field (spec.md §4.5).
// The reference on-disk layout carries three meaningful Windows
// timestamps plus two fields this format leaves reserved; all five
// are preserved verbatim by the codec since spec.md doesn't assign
// the reserved pair a meaning to discard.
type Times struct {
	Reserved0  FileTime
	Reserved1  FileTime
	Creation   FileTime
	LastAccess FileTime
	LastWrite  FileTime
}

// Stream is one of an inode's data streams: the unnamed default
// stream, a named alternate data stream, or the reparse-point stream
// (spec.md §3). A zero Hash means an empty stream with no blob.
type Stream struct {
	Name string // empty for the unnamed stream
	Hash wim.SHA1
}

// Empty reports whether the stream has no backing blob.
func (s Stream) Empty() bool { return s.Hash.IsZero() }

// NoSecurity is the sentinel SecurityIndex meaning "no descriptor".
const NoSecurity int32 = -1

// Inode is the identity unit of an image: one set of metadata shared
// by every dentry in its hard-link group. Per spec.md §9, the inode
// owns its dentries; dentries hold a non-owning back-reference.
type Inode struct {
	GroupID    uint64 // on-disk hard-link group id; 0 means "no hard links"
	Attributes Attributes
	SecurityID int32 // index into the image's security table, or NoSecurity
	Times      Times

	Unnamed Stream   // the default data stream
	Named   []Stream // alternate data streams, order preserved

	ReparseTag    uint32 // valid iff Attributes.IsReparsePoint()
	ReparseStream Stream

	Dentries []*Dentry // every name this inode is reachable under
}

// AddDentry attaches d to ino as a hard-link alias and sets d's
// back-reference.
func (ino *Inode) AddDentry(d *Dentry) {
	d.Inode = ino
	ino.Dentries = append(ino.Dentries, d)
}

// Dentry is a name bound to an inode within a parent directory
// (spec.md §3). Children is populated only for directory dentries.
type Dentry struct {
	Name      string // long name, UTF-16LE on disk, UTF-8 in memory
	ShortName string // optional 8.3 alias, at most 12 UTF-16 code units

	Parent   *Dentry // non-owning; nil for the image root
	Children []*Dentry
	Inode    *Inode // non-owning; set by Inode.AddDentry
}

// NewFile creates a fresh, single-dentry inode and its dentry, the
// common case for a non-hard-linked file or directory.
func NewFile(name string, attrs Attributes) *Dentry {
	ino := &Inode{Attributes: attrs, SecurityID: NoSecurity}
	d := &Dentry{Name: name}
	ino.AddDentry(d)
	return d
}

// AddChild appends child to d's children, setting child's parent
// back-reference. The caller is responsible for name-uniqueness
// (see Validate).
func (d *Dentry) AddChild(child *Dentry) {
	child.Parent = d
	d.Children = append(d.Children, child)
}

// Walk calls fn for d and every descendant in depth-first preorder,
// the order the metadata codec emits records in.
func (d *Dentry) Walk(fn func(*Dentry) error) error {
	if err := fn(d); err != nil {
		return err
	}
	for _, c := range d.Children {
		if err := c.Walk(fn); err != nil {
			return err
		}
	}
	return nil
}

// Image is one file-system snapshot inside an archive: a root
// dentry, its security descriptor table, and an opaque XML property
// bag (spec.md §3; XML content itself is out of scope per spec.md §1).
type Image struct {
	Root     *Dentry
	Security [][]byte // ordered; an inode's SecurityID indexes here
	XML      []byte
}

// InternSecurityDescriptor returns sd's index in img.Security,
// appending it if no existing entry has identical bytes (spec.md
// §4.6 step 6: "duplicate descriptors share an index").
func (img *Image) InternSecurityDescriptor(sd []byte) int32 {
	for i, existing := range img.Security {
		if string(existing) == string(sd) {
			return int32(i)
		}
	}
	img.Security = append(img.Security, sd)
	return int32(len(img.Security) - 1)
}

// Validate checks two structural invariants spec.md §3 requires of a
// dentry tree: unique (case-insensitive) child names and no
// directory-is-its-own-child. It does not check hard-link groups.
func Validate(root *Dentry) error {
	return validateDir(root)
}

func validateDir(d *Dentry) error {
	seen := make(map[string]*Dentry, len(d.Children))
	for _, c := range d.Children {
		if c == d {
			return wim.NewError(wim.ErrInvalidMetadata, "tree.Validate", d.Name, nil)
		}
		key := strings.ToLower(c.Name)
		if prev, ok := seen[key]; ok {
			return wim.NewError(wim.ErrInvalidMetadata, "tree.Validate", d.Name,
				duplicateChildError{parent: d.Name, first: prev.Name, second: c.Name})
		}
		seen[key] = c
		if c.Inode != nil && c.Inode.Attributes.IsDir() {
			if err := validateDir(c); err != nil {
				return err
			}
		}
	}
	return nil
}

type duplicateChildError struct {
	parent, first, second string
}

func (e duplicateChildError) Error() string {
	return "duplicate child name under " + e.parent + ": " + e.first + " and " + e.second + " collide case-insensitively"
}
