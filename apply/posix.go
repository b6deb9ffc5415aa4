package apply

import (
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"

	"github.com/gowim/wim/tree"
)

// windowsEpochDelta is the number of 100ns FILETIME ticks between the
// Windows epoch (1601-01-01) and the Unix epoch (1970-01-01),
// mirroring capture.windowsEpochDelta for the inverse conversion.
const windowsEpochDelta = 116444736000000000

func fromFileTime(ft tree.FileTime) time.Time {
	ticks := int64(ft) - windowsEpochDelta
	return time.Unix(ticks/10000000, (ticks%10000000)*100)
}

// PosixTarget is a reference apply_target back-end that reconstructs
// a tree onto a local POSIX directory (spec.md §6). Like
// capture.PosixSource, it is a test fixture, not a production
// Windows/NTFS back-end: it has no security descriptors, short
// names, or alternate data streams.
type PosixTarget struct {
	Root string
}

func (t *PosixTarget) path(ref Ref, name string) string {
	parent, _ := ref.(string)
	if parent == "" {
		parent = t.Root
	}
	return filepath.Join(parent, name)
}

// CreateDir implements Target.
func (t *PosixTarget) CreateDir(parent Ref, name string) (Ref, error) {
	p := t.path(parent, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, err
	}
	return p, nil
}

// CreateFile implements Target. The unnamed stream is written later
// in phase 2 via OpenStreamWriter, so this only reserves the path;
// an empty regular file is created now so zero-byte files (with no
// blob) exist after apply.
func (t *PosixTarget) CreateFile(parent Ref, name string, attrs tree.Attributes) (Ref, error) {
	p := t.path(parent, name)
	if attrs.IsReparsePoint() {
		return p, nil // materialized by WriteReparse
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return p, f.Close()
}

// AddLink implements Target.
func (t *PosixTarget) AddLink(ref Ref, parent Ref, name string) error {
	src := ref.(string)
	dst := t.path(parent, name)
	return os.Link(src, dst)
}

// SetTimes implements Target. A reparse point does not exist yet in
// phase 1 (WriteReparse creates it later), so it is left as is.
func (t *PosixTarget) SetTimes(ref Ref, times tree.Times) error {
	p := ref.(string)
	if _, err := os.Lstat(p); os.IsNotExist(err) {
		return nil
	}
	atime := fromFileTime(times.LastAccess)
	mtime := fromFileTime(times.LastWrite)
	return os.Chtimes(p, atime, mtime)
}

// SetAttrs implements Target: only the read-only bit has a POSIX
// analogue worth restoring. Directories and reparse points (symlinks,
// which have no mode of their own) are left as is.
func (t *PosixTarget) SetAttrs(ref Ref, attrs tree.Attributes) error {
	p := ref.(string)
	if attrs&(tree.AttrDirectory|tree.AttrReparsePoint) != 0 {
		return nil
	}
	mode := os.FileMode(0o644)
	if attrs&tree.AttrReadOnly != 0 {
		mode = 0o444
	}
	return os.Chmod(p, mode)
}

// SetSecurity implements Target; unreachable since
// SupportedFeatures reports FeatureSecurity as false.
func (t *PosixTarget) SetSecurity(ref Ref, sd []byte) error { return nil }

// SetShortName implements Target; unreachable, see SetSecurity.
func (t *PosixTarget) SetShortName(ref Ref, parent Ref, name string) error { return nil }

type posixStreamWriter struct {
	f *renameio.PendingFile
}

func (w *posixStreamWriter) Write(p []byte) (int, error) { return w.f.Write(p) }
func (w *posixStreamWriter) Close() error                { return w.f.CloseAtomicallyReplace() }

// OpenStreamWriter implements Target for the unnamed stream only
// (named ADS is reported unsupported via SupportedFeatures).
func (t *PosixTarget) OpenStreamWriter(ref Ref, name string) (StreamWriter, error) {
	p := ref.(string)
	f, err := renameio.TempFile("", p)
	if err != nil {
		return nil, err
	}
	return &posixStreamWriter{f: f}, nil
}

// WriteReparse implements Target by creating a POSIX symlink whose
// target is data interpreted as UTF-8, mirroring
// capture.PosixSource.ReadlinkOrReparse.
func (t *PosixTarget) WriteReparse(ref Ref, tag uint32, data []byte) error {
	p := ref.(string)
	return os.Symlink(string(data), p)
}

// SupportedFeatures implements Target.
func (t *PosixTarget) SupportedFeatures() map[Feature]bool {
	return map[Feature]bool{
		FeatureHardLinks:          true,
		FeatureReparse:            true,
		FeatureTimestamps:         true,
		FeatureCaseSensitiveNames: true,
	}
}
