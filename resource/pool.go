// Package resource implements the chunked, random-access resource
// reader and streaming resource writer from spec.md §4.2-4.3: the
// layer between the raw archive file and the blob table/metadata
// layers above it.
package resource

import (
	"sync"

	"golang.org/x/exp/mmap"

	"github.com/gowim/wim"
)

// Pool hands out a bounded number of memory-mapped read handles onto
// a single archive file, so concurrent chunk reads (spec.md §5,
// "bounded file-handle pool with acquire/release under mutex") don't
// serialize on a single shared io.ReaderAt. Handles are mmap-backed,
// so a read never blocks behind another goroutine's in-flight
// seek+read pair.
type Pool struct {
	mu    sync.Mutex
	cond  sync.Cond
	avail []*mmap.ReaderAt
	all   []*mmap.ReaderAt
}

// OpenPool memory-maps path size times (size >= 1) and returns a Pool
// handing out up to size concurrent acquisitions.
func OpenPool(path string, size int) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	p := &Pool{}
	p.cond.L = &p.mu
	for i := 0; i < size; i++ {
		r, err := mmap.Open(path)
		if err != nil {
			p.Close()
			return nil, wim.NewError(wim.ErrOpen, "resource.OpenPool", path, err)
		}
		p.all = append(p.all, r)
		p.avail = append(p.avail, r)
	}
	return p, nil
}

// Acquire blocks until a handle is available.
func (p *Pool) Acquire() *mmap.ReaderAt {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.avail) == 0 {
		p.cond.Wait()
	}
	n := len(p.avail) - 1
	r := p.avail[n]
	p.avail = p.avail[:n]
	return r
}

// Release returns a handle acquired via Acquire.
func (p *Pool) Release(r *mmap.ReaderAt) {
	p.mu.Lock()
	p.avail = append(p.avail, r)
	p.mu.Unlock()
	p.cond.Signal()
}

// Size reports the pool's total handle count.
func (p *Pool) Size() int { return len(p.all) }

// Close unmaps every handle in the pool. Callers must not hold an
// acquired handle when calling Close.
func (p *Pool) Close() error {
	var first error
	for _, r := range p.all {
		if err := r.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
