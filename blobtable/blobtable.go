// Package blobtable implements the archive's content-addressed blob
// table: a SHA-1 keyed map of every unique byte stream stored in the
// archive, with reference counting for dedup (spec.md §4.4).
package blobtable

import (
	"encoding/binary"
	"sync"

	"github.com/gowim/wim"
)

// Blob is a blob table entry: a unique content-addressed stream plus
// its reference count and archive location (spec.md §3's "blob
// descriptor").
type Blob struct {
	Hash       wim.SHA1
	Resource   wim.ResourceEntry
	PartNumber uint16
	RefCount   uint32
}

// entrySize is the blob table's fixed per-entry on-disk size:
// ResourceEntrySize (24) + PartNumber (2) + RefCount (4) + Hash (20),
// matching go-winio's streamDescriptor layout.
const entrySize = wim.ResourceEntrySize + 2 + 4 + 20

// Table is the in-memory blob table. It follows spec.md §5's
// single-writer/many-reader discipline: concurrent Lookup calls are
// safe with each other and with a single in-flight mutating call
// (InternOrInsert/Release), guarded by one mutex rather than
// partitioned, since the table's working set comfortably fits in
// memory for any image this engine handles.
type Table struct {
	mu      sync.RWMutex
	entries map[wim.SHA1]*Blob
}

// New returns an empty Table.
func New() *Table {
	return &Table{entries: make(map[wim.SHA1]*Blob)}
}

// Lookup returns the blob for hash, if present.
func (t *Table) Lookup(hash wim.SHA1) (*Blob, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.entries[hash]
	return b, ok
}

// InternOrInsert returns the existing blob for hash, incrementing its
// refcount, or inserts make() as a new entry with refcount 1
// (spec.md §4.4's insert_or_intern). make is only called on a miss, so
// callers can defer building the Blob (e.g. until a resource has
// actually been written) until it's known to be needed.
func (t *Table) InternOrInsert(hash wim.SHA1, make_ func() Blob) (*Blob, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if b, ok := t.entries[hash]; ok {
		b.RefCount++
		return b, true
	}
	b := make_()
	b.Hash = hash
	b.RefCount = 1
	t.entries[hash] = &b
	return &b, false
}

// Release decrements hash's refcount, reporting the blob's refcount
// after the decrement (0 meaning it's now an orphan). Release on a
// hash with no entry is a no-op that reports refcount 0.
func (t *Table) Release(hash wim.SHA1) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.entries[hash]
	if !ok {
		return 0
	}
	if b.RefCount > 0 {
		b.RefCount--
	}
	return b.RefCount
}

// PruneOrphans removes every entry with a zero refcount, per
// spec.md §4.4's "pruned from the next write" write mode. Returns the
// pruned hashes.
func (t *Table) PruneOrphans() []wim.SHA1 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var pruned []wim.SHA1
	for h, b := range t.entries {
		if b.RefCount == 0 {
			pruned = append(pruned, h)
			delete(t.entries, h)
		}
	}
	return pruned
}

// Len reports the number of entries currently in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Each calls fn once per entry in an unspecified order, holding the
// table's read lock for the duration; fn must not call back into t.
func (t *Table) Each(fn func(*Blob)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.entries {
		fn(b)
	}
}

// Marshal serializes every entry into the archive's fixed-record blob
// table format (spec.md §4.4), in an unspecified but stable-for-this-
// call order.
func (t *Table) Marshal() []byte {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]byte, 0, len(t.entries)*entrySize)
	for _, b := range t.entries {
		out = append(out, marshalEntry(b)...)
	}
	return out
}

func marshalEntry(b *Blob) []byte {
	e := make([]byte, entrySize)
	wim.PutResourceEntry(e[:wim.ResourceEntrySize], b.Resource)
	binary.LittleEndian.PutUint16(e[wim.ResourceEntrySize:], b.PartNumber)
	binary.LittleEndian.PutUint32(e[wim.ResourceEntrySize+2:], b.RefCount)
	copy(e[wim.ResourceEntrySize+6:], b.Hash[:])
	return e
}

// Unmarshal parses a blob table resource's decompressed bytes into a
// new Table (spec.md §4.4's load-time parse). A trailing partial
// record is an invalid-metadata error rather than silently dropped.
func Unmarshal(b []byte) (*Table, error) {
	if len(b)%entrySize != 0 {
		return nil, wim.NewError(wim.ErrInvalidMetadata, "blobtable.Unmarshal", "", nil)
	}
	t := New()
	for off := 0; off < len(b); off += entrySize {
		e := b[off : off+entrySize]
		var hash wim.SHA1
		copy(hash[:], e[wim.ResourceEntrySize+6:])
		blob := Blob{
			Hash:       hash,
			Resource:   wim.GetResourceEntry(e[:wim.ResourceEntrySize]),
			PartNumber: binary.LittleEndian.Uint16(e[wim.ResourceEntrySize:]),
			RefCount:   binary.LittleEndian.Uint32(e[wim.ResourceEntrySize+2:]),
		}
		t.entries[hash] = &blob
	}
	return t, nil
}
