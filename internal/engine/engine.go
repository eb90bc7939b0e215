// Package engine implements the CacheEngine state machine of §4.1: the
// central component owning the LRUs, open-file table, retrieval
// wait-set, memfile pool, and submission queue, wired together from
// internal/lru, internal/config, internal/blockstore, internal/codec,
// internal/cachefs, internal/memfile, internal/ledger, and
// internal/submission. Grounded on the teacher's top-level orchestration
// style (cmd/ wiring together internal/store, internal/fs,
// internal/ticket) reshaped around the spec's single long-lived engine
// rather than a per-command CLI invocation.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/blockcache/internal/blockstore"
	"github.com/calvinalkan/blockcache/internal/cachefs"
	"github.com/calvinalkan/blockcache/internal/codec"
	"github.com/calvinalkan/blockcache/internal/config"
	"github.com/calvinalkan/blockcache/internal/ledger"
	"github.com/calvinalkan/blockcache/internal/lru"
	"github.com/calvinalkan/blockcache/internal/memfile"
	"github.com/calvinalkan/blockcache/internal/submission"
	"github.com/calvinalkan/blockcache/pkg/fs"
)

// dataFile is the read/write/seek/close surface the engine needs from a
// cache-backed file, satisfied by both fs.File (on-disk) and
// *memfile.File (in-memory), so entry bookkeeping doesn't care which one
// backs a given key (§3 "dirty entry always has a file on disk or a
// memfile, never both").
type dataFile interface {
	io.ReadWriteCloser
	io.Seeker
	Fd() uintptr
	Stat() (os.FileInfo, error)
	Sync() error
	Chmod(os.FileMode) error
}

var (
	_ dataFile = fs.File(nil)
	_ dataFile = (*memfile.File)(nil)
)

// ErrNotFound is returned by Get when the key has no cached or backend
// copy.
var ErrNotFound = blockstore.ErrNotFound

// entry is the engine's in-memory record for a cached key (§2
// "Cache entry"). It embeds [lru.CacheVal] for the dirty/chances bits
// shared with the LRU container.
type entry struct {
	key string

	val lru.CacheVal

	size     int64
	compSize int64 // -1 when no compressed sibling exists

	file       dataFile
	isMemfile  bool
	memEntry   *memfile.Entry
	compressed bool // true if this entry currently lives in the compressed LRU

	touchedSinceBase bool // written since basetrans (§4.1 eviction rule)
	evicted          bool
	metadata         bool

	preloadTag string

	refs int32
}

// SecondChancePolicy lets an operator override the default second-chance
// count and metadata classification per key (supplemented from
// original_source's INumSecondChancesCallback; see DESIGN.md).
type SecondChancePolicy interface {
	NumSecondChances(key string) uint8
	IsMetadata(key string) bool
}

type defaultPolicy struct{}

func (defaultPolicy) NumSecondChances(string) uint8 { return 1 }
func (defaultPolicy) IsMetadata(string) bool        { return false }

// Config bundles everything New needs to construct an Engine.
type Config struct {
	Options config.Config
	Store   blockstore.BlockStore
	Codec   codec.Codec // cache_comp
	MetaCodec codec.Codec // meta_cache_comp; defaults to Codec if nil
	Fs      cachefs.CacheFs
	Root    string
	Policy  SecondChancePolicy
	Logger  *logrus.Logger
}

// Engine is the central cache state machine (§4.1).
//
// Lock ordering (§5), narrowest to widest scope: cacheMu guards the LRUs,
// open-file bookkeeping, in-retrieval set, transid/basetrans; the
// submission queue has its own internal lock (internal/submission.Queue).
// When both are needed, cacheMu is taken first (the eviction pass enqueues
// while holding cacheMu), and the queue never calls back into the engine
// while holding its own lock, which keeps §5's cache_mutex →
// submission_mutex ordering without a re-entrant lock.
type Engine struct {
	cfg    config.Config
	store  blockstore.BlockStore
	codec  codec.Codec
	metaCodec codec.Codec
	fsys   cachefs.CacheFs
	root   string
	policy SecondChancePolicy
	log    *logrus.Logger

	cacheMu      sync.Mutex
	uncompressed *lru.List[string, *entry]
	compressed   *lru.List[string, *entry]

	inRetrievalMu sync.Mutex
	inRetrievalCV *sync.Cond
	inRetrieval   map[string]int

	memPool *memfile.Pool

	subQueue *submission.Queue
	subPool  *submission.Pool
	bundler  *submission.Bundler

	counters *ledger.Counters
	index    *ledger.Index

	transid   atomic.Int64
	basetrans atomic.Int64

	missingMu  sync.Mutex
	missingSet map[string]struct{}

	preloadMu  sync.Mutex
	preloadSet map[string]string // key -> tag

	delFileMu   sync.Mutex
	delFileCond *sync.Cond
	queuedDels  []string
	delDone     map[string]bool

	maxCacheSize         atomic.Int64
	disableReadMemfiles  atomic.Bool
	disableWriteMemfiles atomic.Bool
	compressDisabled     atomic.Bool

	stats statistics

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs an Engine against an already-initialized root directory.
// It does not create the root or any transaction subvolume; the caller
// sets those up before the first Get.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine: Store is required")
	}

	if cfg.Codec == nil {
		return nil, fmt.Errorf("engine: Codec is required")
	}

	if cfg.Fs == nil {
		return nil, fmt.Errorf("engine: Fs is required")
	}

	metaCodec := cfg.MetaCodec
	if metaCodec == nil {
		metaCodec = cfg.Codec
	}

	policy := cfg.Policy
	if policy == nil {
		policy = defaultPolicy{}
	}

	e := &Engine{
		cfg:          cfg.Options,
		store:        cfg.Store,
		codec:        cfg.Codec,
		metaCodec:    metaCodec,
		fsys:         cfg.Fs,
		root:         cfg.Root,
		policy:       policy,
		log:          cfg.Logger,
		uncompressed: lru.New[string, *entry](),
		compressed:   lru.New[string, *entry](),
		inRetrieval:  make(map[string]int),
		memPool:      memfile.NewPool(cfg.Options.MaxMemFileSize),
		subQueue:     submission.New(),
		counters:     ledger.NewCounters(),
		missingSet:   make(map[string]struct{}),
		preloadSet:   make(map[string]string),
		delDone:      make(map[string]bool),
		stopCh:       make(chan struct{}),
	}

	e.inRetrievalCV = sync.NewCond(&e.inRetrievalMu)
	e.delFileCond = sync.NewCond(&e.delFileMu)
	e.maxCacheSize.Store(cfg.Options.MaxCacheSize)

	e.subPool = submission.NewPool(
		submission.PoolConfig{CPUMultiplier: cfg.Options.CPUMultiplier, NoCompressMult: cfg.Options.NoCompressMult},
		e.subQueue,
		e.store,
		e.submissionSource,
		submission.Callbacks{
			ItemSubmitted:  e.onItemSubmitted,
			ItemCompressed: e.onItemCompressed,
			ItemDeleted:    e.onItemDeleted,
		},
		e.log,
	)

	e.bundler = submission.NewBundler(cfg.Options.SubmitBundleWindow(), e.onBundleFlush)

	return e, nil
}

// Start launches the submission worker pool, the bundler, and the
// background eviction loop (§4.1 "auxiliary loops"). No compression or
// throttle loop is started.
func (e *Engine) Start() {
	e.subPool.Start()
	e.bundler.Start()

	e.wg.Add(1)

	go func() {
		defer e.wg.Done()

		e.evictionLoop()
	}()
}

// Stop halts background work and waits for it to finish.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
	})

	e.wg.Wait()
	e.subPool.Stop()
	e.bundler.Stop()
	e.memPool.Stop()
}

func (e *Engine) submissionSource(item *submission.Item) (submission.Source, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	el, ok := e.uncompressed.Get(item.Key)
	if ok {
		return &entrySource{engine: e, entry: e.uncompressed.Value(el)}, nil
	}

	if el, ok := e.compressed.Get(item.Key); ok {
		return &entrySource{engine: e, entry: e.compressed.Value(el)}, nil
	}

	return nil, fmt.Errorf("engine: no cache entry for submission item %s", item.Key)
}

// entrySource adapts an engine entry to submission.Source, opening its
// backing file (disk or memfile) fresh each time the worker needs bytes.
type entrySource struct {
	engine *Engine
	entry  *entry
}

func (s *entrySource) Open(context.Context) (io.Reader, io.Closer, error) {
	if _, err := s.entry.file.Seek(0, io.SeekStart); err != nil {
		return nil, nil, fmt.Errorf("engine: seek cache file for %s: %w", s.entry.key, err)
	}

	return s.entry.file, io.NopCloser(nil), nil
}
