// Package apply implements the two-phase traversal that reconstructs
// a dentry tree onto a target file system (spec.md §4.7).
package apply

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/gowim/wim"
	"github.com/gowim/wim/blobtable"
	"github.com/gowim/wim/tree"
)

// Ref is an opaque target-side handle to a created file or
// directory, as spec.md §6's apply_target interface returns from
// create_dir/create_file.
type Ref any

// Feature is one of the target back-end's optional capabilities
// (spec.md §6's feature negotiation).
type Feature int

const (
	FeatureNamedStreams Feature = iota
	FeatureShortNames
	FeatureReparse
	FeatureSecurity
	FeatureCaseSensitiveNames
	FeatureTimestamps
	FeatureHardLinks
	FeatureCompressedAttribute
	FeatureHiddenSystemArchiveBits
)

// Target is the generic apply_target back-end interface (spec.md
// §6). apply/posix.go provides a reference implementation for
// testing.
type Target interface {
	CreateDir(parent Ref, name string) (Ref, error)
	CreateFile(parent Ref, name string, attrs tree.Attributes) (Ref, error)
	AddLink(ref Ref, parent Ref, name string) error
	SetTimes(ref Ref, times tree.Times) error
	SetAttrs(ref Ref, attrs tree.Attributes) error
	SetSecurity(ref Ref, sd []byte) error
	SetShortName(ref Ref, parent Ref, name string) error
	OpenStreamWriter(ref Ref, name string) (StreamWriter, error)
	WriteReparse(ref Ref, tag uint32, data []byte) error
	SupportedFeatures() map[Feature]bool
}

// StreamWriter receives a stream's decompressed bytes during apply
// phase 2.
type StreamWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// BlobReader resolves a blob by hash to its full decompressed bytes
// (backed by resource.Reader + blobtable in a real archive).
type BlobReader func(hash wim.SHA1) ([]byte, error)

// Strict, when true, makes an unsupported feature a fatal
// ErrUnsupported error instead of a dropped-with-warning
// (spec.md §6's feature negotiation).
type Options struct {
	Strict bool
}

// streamTarget is one (ref, stream-name-on-target) pair phase 2 must
// fan bytes into for a given blob.
type streamTarget struct {
	ref      Ref
	streamID string // "" for unnamed, else ADS name, or "$reparse"
	tag      uint32 // reparse tag, when streamID == "$reparse"
}

// ApplyImage reconstructs img onto target, reading blob content
// through readBlob (spec.md §4.7). Directory structure and
// non-directory inodes are fully materialized (phase 1) before any
// blob bytes are read (phase 2), per spec.md §5's ordering guarantee.
func ApplyImage(ctx context.Context, img *tree.Image, blobs *blobtable.Table, readBlob BlobReader, target Target, opts Options) ([]wim.Warning, error) {
	features := target.SupportedFeatures()
	var warnings []wim.Warning

	refs := make(map[*tree.Inode]Ref)
	byBlob := make(map[wim.SHA1][]streamTarget)

	warn := func(kind, msg string) error {
		if opts.Strict {
			return wim.NewError(wim.ErrUnsupported, "apply.ApplyImage", msg, nil)
		}
		warnings = append(warnings, wim.Warning{Kind: kind, Message: msg})
		return nil
	}

	// Phase 1: file structure.
	var walk func(d *tree.Dentry, parentRef Ref) error
	walk = func(d *tree.Dentry, parentRef Ref) error {
		if err := ctx.Err(); err != nil {
			return wim.NewError(wim.ErrCancelled, "apply.ApplyImage", d.Name, err)
		}

		ino := d.Inode
		ref, seen := refs[ino]
		if seen {
			if !features[FeatureHardLinks] {
				if err := warn("UnsupportedFeature", "hard link: "+d.Name); err != nil {
					return err
				}
			} else if err := target.AddLink(ref, parentRef, d.Name); err != nil {
				return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
			}
			return nil
		}

		var err error
		if ino.Attributes.IsDir() {
			ref, err = target.CreateDir(parentRef, d.Name)
		} else {
			ref, err = target.CreateFile(parentRef, d.Name, ino.Attributes)
		}
		if err != nil {
			return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
		}
		refs[ino] = ref

		if features[FeatureTimestamps] {
			if err := target.SetTimes(ref, ino.Times); err != nil {
				return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
			}
		}
		if err := target.SetAttrs(ref, ino.Attributes); err != nil {
			return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
		}
		if ino.SecurityID != tree.NoSecurity {
			if !features[FeatureSecurity] {
				if err := warn("UnsupportedFeature", "security descriptor: "+d.Name); err != nil {
					return err
				}
			} else if int(ino.SecurityID) < len(img.Security) {
				if err := target.SetSecurity(ref, fixupSecurityDescriptor(img.Security[ino.SecurityID])); err != nil {
					return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
				}
			}
		}
		if d.ShortName != "" {
			if !features[FeatureShortNames] {
				if err := warn("UnsupportedFeature", "short name: "+d.Name); err != nil {
					return err
				}
			} else if err := target.SetShortName(ref, parentRef, d.ShortName); err != nil {
				return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
			}
		}

		if ino.Attributes.IsReparsePoint() {
			if !features[FeatureReparse] {
				if err := warn("UnsupportedFeature", "reparse point: "+d.Name); err != nil {
					return err
				}
			} else if !ino.ReparseStream.Empty() {
				byBlob[ino.ReparseStream.Hash] = append(byBlob[ino.ReparseStream.Hash], streamTarget{ref: ref, streamID: "$reparse", tag: ino.ReparseTag})
			}
		} else if !ino.Unnamed.Empty() {
			byBlob[ino.Unnamed.Hash] = append(byBlob[ino.Unnamed.Hash], streamTarget{ref: ref, streamID: ""})
		}

		for _, s := range ino.Named {
			if !features[FeatureNamedStreams] {
				if err := warn("UnsupportedFeature", "named stream: "+d.Name+":"+s.Name); err != nil {
					return err
				}
				continue
			}
			if s.Empty() {
				w, err := target.OpenStreamWriter(ref, s.Name)
				if err != nil {
					return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
				}
				if err := w.Close(); err != nil {
					return wim.NewError(wim.ErrWrite, "apply.ApplyImage", d.Name, err)
				}
				continue
			}
			byBlob[s.Hash] = append(byBlob[s.Hash], streamTarget{ref: ref, streamID: s.Name})
		}

		if ino.Attributes.IsDir() {
			for _, c := range d.Children {
				if err := walk(c, ref); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(img.Root, nil); err != nil {
		return warnings, err
	}

	// Phase 2: blob extraction, grouped so each blob is decompressed
	// at most once regardless of how many streams reference it
	// (spec.md §4.7's central performance property). Order by
	// ascending archive offset to maximize sequential I/O (spec.md
	// §5); blobs not present in the table (shouldn't happen for a
	// validated archive) sort last.
	hashes := make([]wim.SHA1, 0, len(byBlob))
	for h := range byBlob {
		hashes = append(hashes, h)
	}
	offsetOf := func(h wim.SHA1) int64 {
		if b, ok := blobs.Lookup(h); ok {
			return b.Resource.Offset
		}
		return 1<<63 - 1
	}
	sort.Slice(hashes, func(i, j int) bool { return offsetOf(hashes[i]) < offsetOf(hashes[j]) })

	var eg errgroup.Group
	eg.SetLimit(8)
	for _, h := range hashes {
		h := h
		targets := byBlob[h]
		eg.Go(func() error {
			return extractBlob(ctx, h, targets, readBlob, target)
		})
	}
	if err := eg.Wait(); err != nil {
		return warnings, err
	}

	return warnings, nil
}

func extractBlob(ctx context.Context, hash wim.SHA1, targets []streamTarget, readBlob BlobReader, target Target) error {
	if err := ctx.Err(); err != nil {
		return wim.NewError(wim.ErrCancelled, "apply.extractBlob", hash.String(), err)
	}

	data, err := readBlob(hash)
	if err != nil {
		return wim.NewError(wim.ErrRead, "apply.extractBlob", hash.String(), err)
	}

	for _, t := range targets {
		if t.streamID == "$reparse" {
			if err := target.WriteReparse(t.ref, t.tag, data); err != nil {
				return wim.NewError(wim.ErrInvalidReparseData, "apply.extractBlob", hash.String(), err)
			}
			continue
		}
		w, err := target.OpenStreamWriter(t.ref, t.streamID)
		if err != nil {
			return wim.NewError(wim.ErrWrite, "apply.extractBlob", hash.String(), err)
		}
		if _, err := w.Write(data); err != nil {
			w.Close()
			return wim.NewError(wim.ErrWrite, "apply.extractBlob", hash.String(), err)
		}
		if err := w.Close(); err != nil {
			return wim.NewError(wim.ErrWrite, "apply.extractBlob", hash.String(), err)
		}
	}
	return nil
}

// fixupSecurityDescriptor relocates the owner or group SID to the
// tail of a security descriptor whose final component is an empty
// DACL/SACL, working around a validator bug in older host libraries
// (spec.md §4.5). If neither SID is relocatable, sd is returned
// unchanged.
func fixupSecurityDescriptor(sd []byte) []byte {
	const headerLen = 20 // SECURITY_DESCRIPTOR_RELATIVE fixed header
	if len(sd) < headerLen {
		return sd
	}
	ownerOff := leUint32(sd[4:8])
	groupOff := leUint32(sd[8:12])
	saclOff := leUint32(sd[12:16])
	daclOff := leUint32(sd[16:20])

	finalACLOff := daclOff
	if saclOff > finalACLOff {
		finalACLOff = saclOff
	}
	if finalACLOff == 0 || int(finalACLOff) >= len(sd) {
		return sd
	}
	// An ACL with AclSize <= 8 has no ACEs: treat as "empty".
	if int(finalACLOff)+8 > len(sd) || leUint16(sd[finalACLOff+2:finalACLOff+4]) > 8 {
		return sd
	}

	relocatable := ownerOff
	if relocatable == 0 {
		relocatable = groupOff
	}
	if relocatable == 0 {
		return sd
	}

	out := append([]byte(nil), sd...)
	sidLen := sidLength(out, relocatable)
	if sidLen == 0 || int(relocatable)+sidLen > len(out) {
		return sd
	}
	sid := append([]byte(nil), out[relocatable:int(relocatable)+sidLen]...)
	out = append(out[:relocatable], out[int(relocatable)+sidLen:]...)
	out = append(out, sid...)
	// Point the header's offset fields at the SID's new place and past
	// the gap it left.
	newOff := uint32(len(out) - sidLen)
	for field := 4; field < headerLen; field += 4 {
		off := leUint32(out[field : field+4])
		if off == relocatable {
			off = newOff
		} else if off > relocatable {
			off -= uint32(sidLen)
		} else {
			continue
		}
		out[field], out[field+1], out[field+2], out[field+3] = byte(off), byte(off>>8), byte(off>>16), byte(off>>24)
	}
	return out
}

func leUint16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// sidLength returns a Windows SID's total byte length from its
// SubAuthorityCount field at sid[1].
func sidLength(b []byte, off uint32) int {
	if int(off)+2 > len(b) {
		return 0
	}
	subAuthorityCount := int(b[off+1])
	return 8 + subAuthorityCount*4
}
