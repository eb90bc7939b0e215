package submission

import (
	"sync"
	"time"
)

// BundleKey identifies a queued entry for bundling/dedup purposes.
type BundleKey struct {
	TransID int64
	Key     string
}

// Bundler batches items that became submission-eligible into timed
// windows before handing them to the queue, rather than enqueueing one
// item per eligibility check. It keeps two dedup sets and swaps between
// them each window (`submit_bundle_items_a`/`_b` in the original
// implementation) so a key already captured in the bundle about to flush
// is not captured again while the next bundle accumulates — grounded on
// §4.2/§4.3 and the supplemented RegularSubmitBundleThread behavior
// described in SPEC_FULL.md.
type Bundler struct {
	mu      sync.Mutex
	sets    [2]map[BundleKey]struct{}
	curIdx  int
	window  time.Duration
	onFlush func(keys []BundleKey)

	stop chan struct{}
	done chan struct{}
}

// NewBundler returns a Bundler that flushes accumulated keys to onFlush
// every window.
func NewBundler(window time.Duration, onFlush func(keys []BundleKey)) *Bundler {
	return &Bundler{
		sets:    [2]map[BundleKey]struct{}{make(map[BundleKey]struct{}), make(map[BundleKey]struct{})},
		window:  window,
		onFlush: onFlush,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Add records key as bundle-eligible, returning false if it is already
// present in either the accumulating set or the set about to flush (so
// the caller does not resubmit it).
func (b *Bundler) Add(key BundleKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.sets[0][key]; ok {
		return false
	}

	if _, ok := b.sets[1][key]; ok {
		return false
	}

	b.sets[b.curIdx][key] = struct{}{}

	return true
}

// Start launches the periodic flush loop.
func (b *Bundler) Start() {
	go b.run()
}

func (b *Bundler) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.window)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.tick()
		}
	}
}

func (b *Bundler) tick() {
	b.mu.Lock()

	flushIdx := b.curIdx
	nextIdx := 1 - b.curIdx

	flushSet := b.sets[flushIdx]

	// The set we're about to switch into held the previous window's
	// flushed keys, retained only so Add could dedup against them until
	// now; clear it before it starts accumulating again.
	b.sets[nextIdx] = make(map[BundleKey]struct{})
	b.curIdx = nextIdx

	b.mu.Unlock()

	if len(flushSet) == 0 {
		return
	}

	keys := make([]BundleKey, 0, len(flushSet))
	for k := range flushSet {
		keys = append(keys, k)
	}

	b.onFlush(keys)
}

// Flush forces an immediate flush, used by checkpoint/shutdown paths that
// cannot wait for the next tick.
func (b *Bundler) Flush() {
	b.tick()
}

// Stop halts the flush loop.
func (b *Bundler) Stop() {
	close(b.stop)
	<-b.done
}
