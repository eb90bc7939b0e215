package ledger

import "sync"

// Counters holds the running totals §3 defines for a cache instance:
// dirty_bytes and submitted/compressed byte counts are global, while
// num_dirty_items and num_delete_items are tracked per transaction so a
// checkpoint can tell which in-flight transactions still have unsubmitted
// work (§4.4 "Checkpoint").
//
// Counters is purely in-memory bookkeeping and is not persisted; nothing
// in this package rebuilds these totals from the dirty marker files or
// the Index on restart.
type Counters struct {
	mu sync.Mutex

	dirtyBytes     int64
	submittedBytes int64
	compBytes      int64

	numDirtyItems  map[int64]int64
	numDeleteItems map[int64]int64
}

// NewCounters returns a zeroed Counters.
func NewCounters() *Counters {
	return &Counters{
		numDirtyItems:  make(map[int64]int64),
		numDeleteItems: make(map[int64]int64),
	}
}

// AddDirtyBytes adjusts the global dirty byte total by delta (may be
// negative, e.g. on release-without-submit).
func (c *Counters) AddDirtyBytes(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dirtyBytes += delta
}

// DirtyBytes returns the current dirty byte total.
func (c *Counters) DirtyBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.dirtyBytes
}

// AddSubmittedBytes adjusts the global submitted byte total.
func (c *Counters) AddSubmittedBytes(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.submittedBytes += delta
}

// SubmittedBytes returns the current submitted byte total.
func (c *Counters) SubmittedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.submittedBytes
}

// AddCompBytes adjusts the global post-compression byte total.
func (c *Counters) AddCompBytes(delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.compBytes += delta
}

// CompBytes returns the current post-compression byte total.
func (c *Counters) CompBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.compBytes
}

// IncDirtyItem increments num_dirty_items for transid by delta.
func (c *Counters) IncDirtyItem(transid int64, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.numDirtyItems[transid] += delta

	if c.numDirtyItems[transid] == 0 {
		delete(c.numDirtyItems, transid)
	}
}

// DirtyItems returns num_dirty_items for transid.
func (c *Counters) DirtyItems(transid int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.numDirtyItems[transid]
}

// IncDeleteItem increments num_delete_items for transid by delta.
func (c *Counters) IncDeleteItem(transid int64, delta int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.numDeleteItems[transid] += delta

	if c.numDeleteItems[transid] == 0 {
		delete(c.numDeleteItems, transid)
	}
}

// DeleteItems returns num_delete_items for transid.
func (c *Counters) DeleteItems(transid int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.numDeleteItems[transid]
}

// OpenTransactions returns the set of transaction IDs with a nonzero
// dirty or delete item count, used by checkpoint to decide which
// transactions still have outstanding work.
func (c *Counters) OpenTransactions() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[int64]struct{}, len(c.numDirtyItems)+len(c.numDeleteItems))

	for id := range c.numDirtyItems {
		seen[id] = struct{}{}
	}

	for id := range c.numDeleteItems {
		seen[id] = struct{}{}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}

	return ids
}
