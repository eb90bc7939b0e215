package memfile

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Key identifies a memfile by the (transid, key) pair §3 defines.
type Key struct {
	TransID int64
	Key     string
}

// Entry is the MemFile record of §3: a shared file handle plus the
// bookkeeping the engine needs for eviction and COW.
type Entry struct {
	File     *File
	Size     int64
	CompSize int64 // -1 when not yet compressed
	Evicted  bool
	COW      bool // true if File is shared with another transaction
	OldFile  *File

	refs int32
}

// AddRef increments the entry's reader/writer count. Released via
// [Entry.Release].
func (e *Entry) AddRef() { atomic.AddInt32(&e.refs, 1) }

// Release decrements the refcount and reports whether it reached zero.
func (e *Entry) Release() bool {
	return atomic.AddInt32(&e.refs, -1) == 0
}

// RefCount reports the current reference count.
func (e *Entry) RefCount() int32 { return atomic.LoadInt32(&e.refs) }

// Pool tracks in-memory file objects keyed by (transid, key), the total
// memory budget they consume, and defers their destruction off the
// caller's goroutine (§9 "Deferred delete queue" analog for memfiles,
// grounded on the original's MemfdDelThread pattern described in
// SPEC_FULL.md).
type Pool struct {
	mu      sync.Mutex
	entries map[Key]*Entry
	size    atomic.Int64 // total bytes across live entries
	budget  int64        // max_memfile_size; 0 disables memfiles

	closer *deferredCloser
}

// NewPool returns a Pool with the given byte budget. budget<=0 disables
// memfile allocation: [Pool.Fits] always reports false.
func NewPool(budget int64) *Pool {
	return &Pool{
		entries: make(map[Key]*Entry),
		budget:  budget,
		closer:  newDeferredCloser(1000),
	}
}

// Fits reports whether a write of sizeHint bytes should be memfile-backed:
// budget enabled and the write fits within 3/4 of it (§4.1 "Memfile
// governance").
func (p *Pool) Fits(sizeHint int64) bool {
	if p.budget <= 0 {
		return false
	}

	threshold := (p.budget * 3) / 4

	return sizeHint <= threshold
}

// Size returns the current total memfile byte usage.
func (p *Pool) Size() int64 { return p.size.Load() }

// Budget returns the configured byte budget.
func (p *Pool) Budget() int64 { return p.budget }

// OverThreshold reports whether usage exceeds the given fraction (e.g.
// 2/3 for the eviction-sweep trigger in §4.1).
func (p *Pool) OverThreshold(numerator, denominator int64) bool {
	if p.budget <= 0 {
		return false
	}

	return p.size.Load() > (p.budget*numerator)/denominator
}

// Get returns the entry for key, if present.
func (p *Pool) Get(key Key) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]

	return e, ok
}

// Create allocates a new, empty memfile entry for key. Returns an error if
// one already exists (invariant §3.2: at most one memfile per (transid,key)).
func (p *Pool) Create(key Key) (*Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.entries[key]; ok {
		return nil, fmt.Errorf("memfile: entry already exists for %+v", key)
	}

	e := &Entry{File: NewFile(), CompSize: -1}
	p.entries[key] = e

	return e, nil
}

// AdjustSize updates the pool's total-size accounting by delta and sets
// e.Size to newSize. Called on release/compress/evict reconciliation.
func (p *Pool) AdjustSize(e *Entry, newSize int64) {
	delta := newSize - e.Size
	e.Size = newSize
	p.size.Add(delta)
}

// Remove deletes the entry for key from the pool and defers closing its
// file handle(s), decrementing the size accounting.
func (p *Pool) Remove(key Key) {
	p.mu.Lock()
	e, ok := p.entries[key]

	if ok {
		delete(p.entries, key)
	}

	p.mu.Unlock()

	if !ok {
		return
	}

	p.size.Add(-e.Size)
	p.closer.Close(e.File)

	if e.OldFile != nil {
		p.closer.Close(e.OldFile)
	}
}

// COW clones e's file if it is marked shared (e.COW), so the caller can
// mutate the clone while read-only holders keep using the original via
// e.OldFile until they release it (§4.1 "COW", § GLOSSARY).
func (p *Pool) COW(e *Entry) {
	if !e.COW {
		return
	}

	e.OldFile = e.File
	e.File = e.File.Clone()
	e.COW = false
}

// Stop drains the deferred closer, waiting for in-flight Close calls to
// finish. Call during engine shutdown.
func (p *Pool) Stop() {
	p.closer.Stop()
}
