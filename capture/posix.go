package capture

import (
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/gowim/wim/tree"
)

// windowsEpochDelta is the number of 100ns FILETIME ticks between the
// Windows epoch (1601-01-01) and the Unix epoch (1970-01-01).
const windowsEpochDelta = 116444736000000000

func toFileTime(sec, nsec int64) tree.FileTime {
	return tree.FileTime(sec*10000000 + nsec/100 + windowsEpochDelta)
}

// PosixSource is a reference capture_source back-end over a local
// POSIX directory tree (spec.md §6). It is a test fixture for driving
// the capture pipeline, not a production Windows/NTFS back-end
// (spec.md §1's explicit out-of-scope note on back-ends beyond their
// interface).
type PosixSource struct {
	// Base is the directory root; paths passed to Source methods are
	// slash-separated and relative to it.
	Base string
}

func (p *PosixSource) abs(rel string) string {
	if rel == "" {
		return p.Base
	}
	return filepath.Join(p.Base, filepath.FromSlash(rel))
}

// Stat implements Source.
func (p *PosixSource) Stat(rel string) (EntryInfo, error) {
	full := p.abs(rel)
	var st unix.Stat_t
	if err := unix.Lstat(full, &st); err != nil {
		return EntryInfo{}, err
	}

	info := EntryInfo{
		InodeID: st.Ino,
		IsDir:   st.Mode&unix.S_IFMT == unix.S_IFDIR,
		Times: tree.Times{
			Creation:   toFileTime(st.Ctim.Sec, int64(st.Ctim.Nsec)),
			LastAccess: toFileTime(st.Atim.Sec, int64(st.Atim.Nsec)),
			LastWrite:  toFileTime(st.Mtim.Sec, int64(st.Mtim.Nsec)),
		},
	}

	switch {
	case info.IsDir:
		info.Attributes |= tree.AttrDirectory
	case st.Mode&unix.S_IFMT == unix.S_IFLNK:
		info.Attributes |= tree.AttrReparsePoint
	default:
		info.Attributes |= tree.AttrNormal
		info.Streams = append(info.Streams, StreamRef{})
	}
	return info, nil
}

// OpenStream implements Source. PosixSource supports only the
// unnamed stream; ADS and reparse content are read via
// ReadlinkOrReparse.
func (p *PosixSource) OpenStream(rel string, ref StreamRef) (io.ReadCloser, error) {
	return os.Open(p.abs(rel))
}

// ListDir implements Source.
func (p *PosixSource) ListDir(rel string) ([]string, error) {
	entries, err := os.ReadDir(p.abs(rel))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names, nil
}

// ReadlinkOrReparse implements Source, mapping a POSIX symlink onto
// the WIM reparse tag IO_REPARSE_TAG_SYMLINK (0xA000000C), storing
// the link target as UTF-8 bytes (this fixture doesn't attempt
// Windows symlink-buffer binary compatibility).
func (p *PosixSource) ReadlinkOrReparse(rel string) (uint32, []byte, error) {
	const reparseTagSymlink = 0xA000000C
	target, err := os.Readlink(p.abs(rel))
	if err != nil {
		return 0, nil, err
	}
	return reparseTagSymlink, []byte(target), nil
}

// GetSecurity implements Source. POSIX has no Windows security
// descriptor; this fixture always reports "none".
func (p *PosixSource) GetSecurity(rel string) ([]byte, error) {
	return nil, nil
}
