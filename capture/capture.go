// Package capture implements the traversal pipeline that builds a
// dentry tree and blob-table entries from a source file system
// (spec.md §4.6).
package capture

import (
	"bytes"
	"context"
	"crypto/sha1"
	"io"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/gowim/wim"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/tree"
)

// StreamRef names one of an inode's streams for Source.OpenStream.
type StreamRef struct {
	// Kind is "", "ads", or "reparse".
	Kind string
	Name string // ADS name, ignored otherwise
}

// EntryInfo is what Source.Stat reports about one source path
// (spec.md §6's capture_source.stat).
type EntryInfo struct {
	Attributes tree.Attributes
	Times      tree.Times
	InodeID    uint64 // source file system's inode number; identifies hard links
	IsDir      bool
	Streams    []StreamRef // every stream present; the unnamed one may be listed even when empty
}

// Source is the generic capture back-end interface (spec.md §6).
// capture/posix.go provides a reference implementation over a POSIX
// tree for testing; it is not a production NTFS/Windows back-end.
type Source interface {
	Stat(p string) (EntryInfo, error)
	OpenStream(p string, ref StreamRef) (io.ReadCloser, error)
	ListDir(p string) ([]string, error)
	ReadlinkOrReparse(p string) (tag uint32, data []byte, err error)
	GetSecurity(p string) ([]byte, error)
}

// Filter decides whether to include a source path in the capture.
type Filter func(p string, info EntryInfo) bool

// IncludeAll is the default Filter: every entry is captured.
func IncludeAll(string, EntryInfo) bool { return true }

// Config controls one capture_image call.
type Config struct {
	Filter Filter
}

// PendingBlob is a new, not-yet-written blob discovered during
// capture: its content hash and a reopen function the writer later
// calls to pull the bytes from the source (spec.md §4.6 step 4,
// "retain a source location handle"). Listed in the order capture
// first interns each hash; siblings are hashed concurrently, so that
// order can differ between runs (DESIGN.md's Open Question decision).
type PendingBlob struct {
	Hash wim.SHA1
	Open func() (io.ReadCloser, error)
}

// Result is what CaptureImage returns alongside the tree.Image.
type Result struct {
	Image    *tree.Image
	Pending  []PendingBlob
	Warnings []wim.Warning
}

type capturer struct {
	source Source
	cfg    Config
	blobs  *blobtable.Table

	mu          sync.Mutex
	pending     []PendingBlob
	warnings    []wim.Warning
	inodesByID  map[uint64]*tree.Inode
	secIndex    map[string]int32 // SHA-1 hex over descriptor bytes -> index, for the image-local table
}

// CaptureImage walks root on source, applying cfg.Filter, and returns
// the resulting dentry tree plus every new blob discovered (spec.md
// §4.6). blobs is the archive's blob table, mutated via InternOrInsert
// as new content is found; ctx cancellation is honored between
// entries (spec.md §5's cancellation contract: finish the in-flight
// stream, then stop).
func CaptureImage(ctx context.Context, source Source, root string, cfg Config, blobs *blobtable.Table) (*Result, error) {
	if cfg.Filter == nil {
		cfg.Filter = IncludeAll
	}
	c := &capturer{
		source:     source,
		cfg:        cfg,
		blobs:      blobs,
		inodesByID: make(map[uint64]*tree.Inode),
		secIndex:   make(map[string]int32),
	}

	info, err := source.Stat(root)
	if err != nil {
		return nil, wim.NewError(wim.ErrRead, "capture.CaptureImage", root, err)
	}
	img := &tree.Image{}
	rootDentry, err := c.captureEntry(ctx, img, root, "", info)
	if err != nil {
		return nil, err
	}
	img.Root = rootDentry

	return &Result{Image: img, Pending: c.pending, Warnings: c.warnings}, nil
}

func (c *capturer) captureEntry(ctx context.Context, img *tree.Image, fullPath, name string, info EntryInfo) (*tree.Dentry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wim.NewError(wim.ErrCancelled, "capture.CaptureImage", fullPath, err)
	}

	var d *tree.Dentry
	var ino *tree.Inode

	// Siblings are captured concurrently: look up, register and link
	// the inode in one critical section so hard links share one inode.
	c.mu.Lock()
	existing, sawInode := c.inodesByID[info.InodeID]
	sawInode = sawInode && info.InodeID != 0
	if sawInode {
		ino = existing
	} else {
		ino = &tree.Inode{Attributes: info.Attributes, Times: info.Times, SecurityID: tree.NoSecurity}
		if info.InodeID != 0 {
			c.inodesByID[info.InodeID] = ino
		}
	}
	d = &tree.Dentry{Name: name}
	ino.AddDentry(d)
	c.mu.Unlock()

	if !sawInode {
		if info.Attributes.IsReparsePoint() {
			tag, data, err := c.source.ReadlinkOrReparse(fullPath)
			if err != nil {
				return nil, wim.NewError(wim.ErrInvalidReparseData, "capture.CaptureImage", fullPath, err)
			}
			ino.ReparseTag = tag
			hash := sha1.Sum(data)
			buf := data
			c.internBytes(wim.SHA1(hash), buf)
			ino.ReparseStream = tree.Stream{Hash: wim.SHA1(hash)}
		} else {
			for _, ref := range info.Streams {
				h, err := c.hashStream(fullPath, ref)
				if err != nil {
					return nil, err
				}
				s := tree.Stream{Name: ref.Name, Hash: h}
				if ref.Kind == "ads" {
					ino.Named = append(ino.Named, s)
				} else {
					ino.Unnamed = s
				}
			}
		}

		if sd, err := c.source.GetSecurity(fullPath); err == nil && len(sd) > 0 {
			key := wim.SHA1(sha1.Sum(sd)).String()
			c.mu.Lock()
			idx, ok := c.secIndex[key]
			if !ok {
				idx = img.InternSecurityDescriptor(sd)
				c.secIndex[key] = idx
			}
			c.mu.Unlock()
			ino.SecurityID = idx
		}
	}

	if !info.IsDir {
		return d, nil
	}

	names, err := c.source.ListDir(fullPath)
	if err != nil {
		return nil, wim.NewError(wim.ErrRead, "capture.CaptureImage", fullPath, err)
	}

	var eg errgroup.Group
	children := make([]*tree.Dentry, len(names))
	for i, childName := range names {
		i, childName := i, childName
		childPath := path.Join(fullPath, childName)
		childInfo, err := c.source.Stat(childPath)
		if err != nil {
			return nil, wim.NewError(wim.ErrRead, "capture.CaptureImage", childPath, err)
		}
		if !c.cfg.Filter(childPath, childInfo) {
			continue
		}
		eg.Go(func() error {
			cd, err := c.captureEntry(ctx, img, childPath, childName, childInfo)
			if err != nil {
				return err
			}
			children[i] = cd
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	for _, cd := range children {
		if cd != nil {
			d.AddChild(cd)
		}
	}
	return d, nil
}

func (c *capturer) hashStream(fullPath string, ref StreamRef) (wim.SHA1, error) {
	r, err := c.source.OpenStream(fullPath, ref)
	if err != nil {
		return wim.SHA1{}, wim.NewError(wim.ErrRead, "capture.CaptureImage", fullPath, err)
	}
	defer r.Close()

	h := sha1.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return wim.SHA1{}, wim.NewError(wim.ErrRead, "capture.CaptureImage", fullPath, err)
	}
	if n == 0 {
		return wim.SHA1{}, nil // empty stream: no blob, spec.md §8's boundary case
	}
	hash := wim.SHA1(h.Sum(nil))

	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.blobs.InternOrInsert(hash, func() blobtable.Blob { return blobtable.Blob{} })
	if !existed {
		c.pending = append(c.pending, PendingBlob{
			Hash: hash,
			Open: func() (io.ReadCloser, error) { return c.source.OpenStream(fullPath, ref) },
		})
	}
	return hash, nil
}

func (c *capturer) internBytes(hash wim.SHA1, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, existed := c.blobs.InternOrInsert(hash, func() blobtable.Blob { return blobtable.Blob{} })
	if !existed {
		buf := append([]byte(nil), data...)
		c.pending = append(c.pending, PendingBlob{
			Hash: hash,
			Open: func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(buf)), nil },
		})
	}
}
