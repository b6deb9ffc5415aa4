// Package export streams a dentry (sub)tree out as a cpio or tar.gz
// archive: a read-only escape hatch for consumers without a real
// apply_target, analogous to wimlib's wimextract piping to stdout.
// This is supplemental to spec.md (not one of its modules), added per
// spec.md §6's CLI surface naming export/extract as stable operations
// whose library-level core belongs in this engine.
package export

import (
	"archive/tar"
	"io"
	"time"

	"github.com/cavaliercoder/go-cpio"
	"github.com/klauspost/pgzip"

	"github.com/gowim/wim"
	"github.com/gowim/wim/tree"
)

// BlobReader resolves a blob by hash to its full decompressed bytes,
// the same contract apply.BlobReader uses.
type BlobReader func(hash wim.SHA1) ([]byte, error)

func modTime(ft tree.FileTime) time.Time {
	const windowsEpochDelta = 116444736000000000
	ticks := int64(ft) - windowsEpochDelta
	return time.Unix(ticks/10000000, (ticks%10000000)*100)
}

func fileMode(ino *tree.Inode) int64 {
	if ino.Attributes.IsDir() {
		return 0o755
	}
	if ino.Attributes&tree.AttrReadOnly != 0 {
		return 0o444
	}
	return 0o644
}

// ExportCPIO walks root, writing every regular file's unnamed-stream
// content (directories as empty entries, symlinks via their reparse
// target) as a "newc"-format cpio stream read by go-cpio.
func ExportCPIO(root *tree.Dentry, readBlob BlobReader, w io.Writer) error {
	cw := cpio.NewWriter(w)
	defer cw.Close()

	return root.Walk(func(d *tree.Dentry) error {
		name := archivePath(d)
		if name == "" {
			return nil // archive root itself
		}
		ino := d.Inode
		hdr := &cpio.Header{
			Name:    name,
			Mode:    cpio.FileMode(fileMode(ino)),
			ModTime: modTime(ino.Times.LastWrite),
		}

		switch {
		case ino.Attributes.IsDir():
			hdr.Mode |= cpio.TypeDir
			if err := cw.WriteHeader(hdr); err != nil {
				return wim.NewError(wim.ErrWrite, "export.ExportCPIO", name, err)
			}
			return nil
		case ino.Attributes.IsReparsePoint():
			data, err := readBlob(ino.ReparseStream.Hash)
			if err != nil {
				return wim.NewError(wim.ErrRead, "export.ExportCPIO", name, err)
			}
			hdr.Mode |= cpio.TypeSymlink
			hdr.Size = int64(len(data))
			hdr.Linkname = string(data)
			if err := cw.WriteHeader(hdr); err != nil {
				return wim.NewError(wim.ErrWrite, "export.ExportCPIO", name, err)
			}
			return nil
		default:
			hdr.Mode |= cpio.TypeReg
			var data []byte
			if !ino.Unnamed.Empty() {
				var err error
				data, err = readBlob(ino.Unnamed.Hash)
				if err != nil {
					return wim.NewError(wim.ErrRead, "export.ExportCPIO", name, err)
				}
			}
			hdr.Size = int64(len(data))
			if err := cw.WriteHeader(hdr); err != nil {
				return wim.NewError(wim.ErrWrite, "export.ExportCPIO", name, err)
			}
			if _, err := cw.Write(data); err != nil {
				return wim.NewError(wim.ErrWrite, "export.ExportCPIO", name, err)
			}
			return nil
		}
	})
}

// ExportTarGZ walks root the same way as ExportCPIO but emits a
// gzip-compressed tar stream, parallelizing the gzip compression via
// pgzip the way a large archive export benefits from.
func ExportTarGZ(root *tree.Dentry, readBlob BlobReader, w io.Writer) error {
	gz := pgzip.NewWriter(w)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err := root.Walk(func(d *tree.Dentry) error {
		name := archivePath(d)
		if name == "" {
			return nil
		}
		ino := d.Inode
		hdr := &tar.Header{
			Name:    name,
			Mode:    fileMode(ino),
			ModTime: modTime(ino.Times.LastWrite),
		}

		switch {
		case ino.Attributes.IsDir():
			hdr.Typeflag = tar.TypeDir
			hdr.Name += "/"
			return writeTarHeader(tw, hdr, name)
		case ino.Attributes.IsReparsePoint():
			data, err := readBlob(ino.ReparseStream.Hash)
			if err != nil {
				return wim.NewError(wim.ErrRead, "export.ExportTarGZ", name, err)
			}
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = string(data)
			return writeTarHeader(tw, hdr, name)
		default:
			hdr.Typeflag = tar.TypeReg
			var data []byte
			if !ino.Unnamed.Empty() {
				var err error
				data, err = readBlob(ino.Unnamed.Hash)
				if err != nil {
					return wim.NewError(wim.ErrRead, "export.ExportTarGZ", name, err)
				}
			}
			hdr.Size = int64(len(data))
			if err := writeTarHeader(tw, hdr, name); err != nil {
				return err
			}
			if _, err := tw.Write(data); err != nil {
				return wim.NewError(wim.ErrWrite, "export.ExportTarGZ", name, err)
			}
			return nil
		}
	})
	return err
}

func writeTarHeader(tw *tar.Writer, hdr *tar.Header, name string) error {
	if err := tw.WriteHeader(hdr); err != nil {
		return wim.NewError(wim.ErrWrite, "export.ExportTarGZ", name, err)
	}
	return nil
}

// archivePath builds a tree-root-relative slash path for d, or ""
// for the root itself (neither archive format needs an entry for
// the implicit top-level directory).
func archivePath(d *tree.Dentry) string {
	if d.Parent == nil {
		return ""
	}
	var parts []string
	for n := d; n.Parent != nil; n = n.Parent {
		parts = append(parts, n.Name)
	}
	out := ""
	for i := len(parts) - 1; i >= 0; i-- {
		if out != "" {
			out += "/"
		}
		out += parts[i]
	}
	return out
}
