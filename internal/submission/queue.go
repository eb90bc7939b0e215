// Package submission implements the SubmissionQueue and SubmitWorker pool
// of §4.2/§4.3: the ordered backlog of pending backend operations (dirty
// puts, evictions, deletes, compressions) and the workers that drain it
// against a [blockstore.BlockStore], grounded on the teacher's worker-pool
// shape (internal/worker) but reworked around the queue's memfile-priority
// and delete-fairness rules.
package submission

import (
	"container/list"
	"sync"
)

// Kind classifies a queued submission action (§4.2).
type Kind int

const (
	// KindDirty uploads a freshly dirtied block.
	KindDirty Kind = iota
	// KindEvict uploads a dirty block that is also being evicted from
	// the local cache, deleting the local file on success.
	KindEvict
	// KindCompress produces the .comp sibling for a clean cache entry.
	KindCompress
	// KindDelete removes a batch of keys from the backend.
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindDirty:
		return "dirty"
	case KindEvict:
		return "evict"
	case KindCompress:
		return "compress"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// State is the queued/working tagged-union state of an [Item] (§9
// "Submission queue as tagged-union list").
type State int

const (
	// StateQueued has not yet been claimed by a worker.
	StateQueued State = iota
	// StateWorking is claimed by exactly one worker.
	StateWorking
)

// Item is one entry of the SubmissionQueue.
type Item struct {
	TransID int64
	Key     string
	Kind    Kind

	// MemfileBacked marks an entry backed by a memfile rather than an
	// on-disk file, used for memfile_head prioritization.
	MemfileBacked bool

	// AlreadyCompressedEncrypted, when true, tells the worker to pass
	// blockstore.PutAlreadyCompressedEncrypted through to Put.
	AlreadyCompressedEncrypted bool

	// Metadata, when true, tells the worker to pass blockstore.PutMetadata.
	Metadata bool

	// DeleteKeys holds the batch for a KindDelete item; Key is unused.
	DeleteKeys []string

	state State
}

type itemKey struct {
	transid int64
	key     string
}

// Queue is the doubly-linked submission backlog (§4.2).
type Queue struct {
	mu          sync.Mutex
	cond        *sync.Cond
	list        *list.List
	index       map[itemKey]*list.Element
	memfileHead *list.Element
	working     map[int64]int // transid -> count of items currently Working
}

// New returns an empty Queue.
func New() *Queue {
	q := &Queue{
		list:    list.New(),
		index:   make(map[itemKey]*list.Element),
		working: make(map[int64]int),
	}
	q.cond = sync.NewCond(&q.mu)

	return q
}

// Enqueue appends item to the back of the queue. Panics if an item for
// the same (transid, key) is already queued — the engine must check
// before enqueueing a duplicate dirty entry.
func (q *Queue) Enqueue(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := itemKey{item.TransID, item.Key}
	if _, ok := q.index[key]; ok && item.Kind != KindDelete {
		panic("submission: duplicate item for " + item.Key)
	}

	el := q.list.PushBack(item)

	if item.Kind != KindDelete {
		q.index[key] = el
	}

	if item.MemfileBacked && q.memfileHead == nil {
		q.memfileHead = el
	}

	q.cond.Signal()
}

// Options controls eligibility for [Queue.Next].
type Options struct {
	// NoCompress skips KindCompress items (a "no-compress" worker).
	NoCompress bool
	// PreferNonDelete tries non-delete items first, falling back to
	// delete items only if nothing else is eligible (§4.2 "Fairness").
	PreferNonDelete bool
	// PreferMem starts the scan at memfile_head if set (§4.2).
	PreferMem bool
}

// Next picks the first eligible item, transitions it to StateWorking, and
// returns it. Returns ok=false if nothing is eligible right now — the
// caller should block on [Queue.Wait] and retry.
func (q *Queue) Next(opts Options) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if opts.PreferMem && q.memfileHead != nil {
		if item, ok := q.tryClaimLocked(q.memfileHead, opts); ok {
			return item, true
		}
	}

	if item, el, ok := q.scanLocked(opts, false); ok {
		q.claimLocked(item, el)

		return item, true
	}

	if opts.PreferNonDelete {
		if item, el, ok := q.scanLocked(opts, true); ok {
			q.claimLocked(item, el)

			return item, true
		}
	}

	return nil, false
}

func (q *Queue) tryClaimLocked(el *list.Element, opts Options) (*Item, bool) {
	item := el.Value.(*Item)
	if !eligible(item, opts, false) {
		return nil, false
	}

	q.claimLocked(item, el)

	return item, true
}

func (q *Queue) scanLocked(opts Options, allowDeleteOnly bool) (*Item, *list.Element, bool) {
	for el := q.list.Front(); el != nil; el = el.Next() {
		item := el.Value.(*Item)
		if eligible(item, opts, allowDeleteOnly) {
			return item, el, true
		}
	}

	return nil, nil, false
}

func eligible(item *Item, opts Options, allowDeleteOnly bool) bool {
	if item.state != StateQueued {
		return false
	}

	if opts.NoCompress && item.Kind == KindCompress {
		return false
	}

	if opts.PreferNonDelete && item.Kind == KindDelete && !allowDeleteOnly {
		return false
	}

	return true
}

func (q *Queue) claimLocked(item *Item, el *list.Element) {
	item.state = StateWorking
	q.working[item.TransID]++

	if el == q.memfileHead {
		q.advanceMemfileHeadLocked()
	}
}

func (q *Queue) advanceMemfileHeadLocked() {
	for el := q.memfileHead.Next(); el != nil; el = el.Next() {
		if el.Value.(*Item).MemfileBacked {
			q.memfileHead = el

			return
		}
	}

	q.memfileHead = nil
}

// Wait blocks until an item is enqueued or completed. Callers loop
// Next/Wait until an item is claimed.
func (q *Queue) Wait() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cond.Wait()
}

// Complete removes item from the queue once its backend operation has
// finished (success or permanent failure), decrementing the per-
// transaction working count and waking anyone in [Queue.WaitWorking].
func (q *Queue) Complete(item *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := itemKey{item.TransID, item.Key}
	if el, ok := q.index[key]; ok {
		q.removeElementLocked(el, key)
	} else {
		// Delete items are not indexed; find by identity.
		for el := q.list.Front(); el != nil; el = el.Next() {
			if el.Value.(*Item) == item {
				q.list.Remove(el)

				break
			}
		}
	}

	q.working[item.TransID]--
	if q.working[item.TransID] <= 0 {
		delete(q.working, item.TransID)
	}

	q.cond.Broadcast()
}

func (q *Queue) removeElementLocked(el *list.Element, key itemKey) {
	if el == q.memfileHead {
		q.advanceMemfileHeadLocked()
	}

	q.list.Remove(el)
	delete(q.index, key)
}

// CancelQueued removes every StateQueued item for transid whose Kind is in
// kinds, returning the canceled items. Used by checkpoint step 3 to strip
// in-flight eviction/compression submissions that would race the
// transaction boundary (§4.4).
func (q *Queue) CancelQueued(transid int64, kinds ...Kind) []*Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	wanted := make(map[Kind]bool, len(kinds))
	for _, k := range kinds {
		wanted[k] = true
	}

	var canceled []*Item

	for el := q.list.Front(); el != nil; {
		next := el.Next()
		item := el.Value.(*Item)

		if item.TransID == transid && item.state == StateQueued && wanted[item.Kind] {
			q.removeElementLocked(el, itemKey{item.TransID, item.Key})
			canceled = append(canceled, item)
		}

		el = next
	}

	return canceled
}

// WaitWorking blocks until no item for transid is StateWorking. Used by
// checkpoint step 3 to wait for already-claimed eviction/compression work
// to finish before advancing the transaction boundary.
func (q *Queue) WaitWorking(transid int64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.working[transid] > 0 {
		q.cond.Wait()
	}
}

// Len returns the total number of queued and working items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.list.Len()
}
