package memfile

import (
	"hash"
	"io"
	"sync"
	"time"

	"github.com/steakknife/bloomfilter"
)

// DefaultRotateInterval is the generation rotation period (§4.1 "Memfile
// governance": "bitmap rotates every 6h").
const DefaultRotateInterval = 6 * time.Hour

// DefaultMaxGenerations caps the number of retained bloom generations
// (§4.1: "keeping at most 8 generations").
const DefaultMaxGenerations = 8

const falsePositiveRate = 0.01

// statBitmap is the Bloom-like "has this key been seen recently" filter
// that gates memfile allocation (§2 "Bitmap / FileIndex / LRU cache",
// §4.1). A ring of bloom filters approximates recency: a key is "seen"
// if any live generation contains it, and old generations age out as new
// ones roll in.
type statBitmap struct {
	mu          sync.Mutex
	generations []*bloomfilter.Filter
	maxGen      int
	rotateEvery time.Duration
	lastRotate  time.Time
	maxItems    uint64
}

// newStatBitmap returns a statBitmap sized for maxItems expected entries
// per generation.
func newStatBitmap(maxItems uint64) (*statBitmap, error) {
	f, err := bloomfilter.NewOptimal(maxItems, falsePositiveRate)
	if err != nil {
		return nil, err
	}

	return &statBitmap{
		generations: []*bloomfilter.Filter{f},
		maxGen:      DefaultMaxGenerations,
		rotateEvery: DefaultRotateInterval,
		lastRotate:  time.Now(),
		maxItems:    maxItems,
	}, nil
}

func (b *statBitmap) rotateLocked(now time.Time) {
	if now.Sub(b.lastRotate) < b.rotateEvery {
		return
	}

	f, err := bloomfilter.NewOptimal(b.maxItems, falsePositiveRate)
	if err != nil {
		// Keep the existing generations rather than losing state on a
		// transient allocation failure.
		return
	}

	b.generations = append([]*bloomfilter.Filter{f}, b.generations...)
	if len(b.generations) > b.maxGen {
		b.generations = b.generations[:b.maxGen]
	}

	b.lastRotate = now
}

// Seen reports whether key was recorded in any live generation.
func (b *statBitmap) Seen(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotateLocked(time.Now())

	h := hashableKey(key)

	for _, gen := range b.generations {
		if gen.Contains(h) {
			return true
		}
	}

	return false
}

// Record marks key as seen in the current generation.
func (b *statBitmap) Record(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.rotateLocked(time.Now())
	b.generations[0].Add(hashableKey(key))
}

type hashableKey string

func (k hashableKey) Write(h hash.Hash64) {
	_, _ = io.WriteString(h, string(k))
}
