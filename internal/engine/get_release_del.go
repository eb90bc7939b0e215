package engine

import (
	"bytes"
	"container/list"
	"context"
	"fmt"
	"io"

	"github.com/calvinalkan/blockcache/internal/codec"
	"github.com/calvinalkan/blockcache/internal/lru"
	"github.com/calvinalkan/blockcache/internal/memfile"
)

// GetFlags mirrors the bitset §4.1's get names.
type GetFlags uint16

const (
	FlagDisableFDCache GetFlags = 1 << iota
	FlagDisableThrottling
	FlagPrioritizeRead
	FlagReadRandom
	FlagReadOnly
	FlagPreloadOnce
	FlagDisableMemfiles
)

// GetOptions parametrizes [Engine.Get].
type GetOptions struct {
	Write      bool
	SizeHint   int64
	Flags      GetFlags
	PreloadTag string
}

// Handle is the writable/readable wrapper [Engine.Get] returns. Exactly
// one refcount is held until [Handle.Release].
type Handle struct {
	engine   *Engine
	key      string
	readOnly bool
}

// Read implements io.Reader by delegating to the backing file under the
// cache lock, so concurrent release/eviction never races a read.
func (h *Handle) Read(p []byte) (int, error) {
	h.engine.cacheMu.Lock()
	defer h.engine.cacheMu.Unlock()

	ent, ok := h.engine.lookupLocked(h.key)
	if !ok {
		return 0, fmt.Errorf("engine: handle for %s no longer cached", h.key)
	}

	return ent.file.Read(p)
}

// Write implements io.Writer. Returns an error if the handle was opened
// read-only, matching the "read-only wrapper" contract of §4.1.
func (h *Handle) Write(p []byte) (int, error) {
	if h.readOnly {
		return 0, fmt.Errorf("engine: write to read-only handle for %s", h.key)
	}

	h.engine.cacheMu.Lock()
	defer h.engine.cacheMu.Unlock()

	ent, ok := h.engine.lookupLocked(h.key)
	if !ok {
		return 0, fmt.Errorf("engine: handle for %s no longer cached", h.key)
	}

	n, err := ent.file.Write(p)
	if err == nil && !ent.val.Dirty {
		h.engine.markDirtyLocked(ent)
	}

	return n, err
}

// Seek implements io.Seeker.
func (h *Handle) Seek(offset int64, whence int) (int64, error) {
	h.engine.cacheMu.Lock()
	defer h.engine.cacheMu.Unlock()

	ent, ok := h.engine.lookupLocked(h.key)
	if !ok {
		return 0, fmt.Errorf("engine: handle for %s no longer cached", h.key)
	}

	return ent.file.Seek(offset, whence)
}

// Release drops the handle's refcount (§4.1 "release").
func (h *Handle) Release() {
	h.engine.release(h.key)
}

func (e *Engine) lookupLocked(key string) (*entry, bool) {
	if el, ok := e.uncompressed.Get(key); ok {
		return e.uncompressed.Value(el), true
	}

	if el, ok := e.compressed.Get(key); ok {
		return e.compressed.Value(el), true
	}

	return nil, false
}

func (e *Engine) markDirtyLocked(ent *entry) {
	ent.val.Dirty = true
	ent.touchedSinceBase = true
	e.counters.AddDirtyBytes(ent.size)
	e.counters.IncDirtyItem(e.transid.Load(), 1)
	e.stats.totalDirtyOps.Add(1)
}

// Get retrieves key, serializing with any in-flight retrieval for the
// same key (§4.1 "Serializes with any in-flight retrieval").
func (e *Engine) Get(ctx context.Context, key string, opts GetOptions) (*Handle, error) {
	e.beginRetrieval(key)
	defer e.endRetrieval(key)

	e.cacheMu.Lock()

	if ent, ok := e.lookupLocked(key); ok {
		if ent.compressed {
			if err := e.decompressLocked(ent); err != nil {
				e.cacheMu.Unlock()

				return nil, err
			}
		}

		ent.refs++
		e.uncompressed.MoveToFront(e.mustElement(key))
		e.stats.totalHits.Add(1)

		if opts.Write && !ent.val.Dirty {
			e.markDirtyLocked(ent)
		}

		readOnly := opts.Flags&FlagReadOnly != 0 && !opts.Write
		e.cacheMu.Unlock()

		return &Handle{engine: e, key: key, readOnly: readOnly}, nil
	}

	e.cacheMu.Unlock()

	return e.fetchFromBackend(ctx, key, opts)
}

func (e *Engine) mustElement(key string) *list.Element {
	el, ok := e.uncompressed.Get(key)
	if !ok {
		panic("engine: mustElement called for absent key " + key)
	}

	return el
}

// decompressLocked moves ent from the compressed LRU to the uncompressed
// LRU, materializing cleartext into a memfile or on-disk file (§4.1
// "decompresses it (into memfile when eligible, else on-disk)"). Caller
// holds cacheMu.
func (e *Engine) decompressLocked(ent *entry) error {
	var cleartext bytes.Buffer

	if err := e.decompressEntry(ent, &cleartext); err != nil {
		return fmt.Errorf("engine: decompress %s: %w", ent.key, err)
	}

	dst, isMem, memEnt, err := e.allocateFile(ent.key, int64(cleartext.Len()))
	if err != nil {
		return fmt.Errorf("engine: allocate file for decompressed %s: %w", ent.key, err)
	}

	if _, err := dst.Write(cleartext.Bytes()); err != nil {
		return fmt.Errorf("engine: write decompressed %s: %w", ent.key, err)
	}

	oldEl, _ := e.compressed.Get(ent.key)
	e.compressed.Remove(oldEl)

	e.counters.AddCompBytes(-ent.compSize)
	ent.file = dst
	ent.isMemfile = isMem
	ent.memEntry = memEnt
	ent.size = int64(cleartext.Len())
	ent.compSize = -1
	ent.compressed = false

	e.uncompressed.PushFront(ent.key, ent)
	e.stats.totalCacheMissDecompress.Add(1)

	return nil
}

func (e *Engine) decompressEntry(ent *entry, dst io.Writer) error {
	cdc := e.codec
	if ent.metadata {
		cdc = e.metaCodec
	}

	if _, err := ent.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	return codec.ReadCompFile(cdc, ent.file, dst, nil)
}

// allocateFile picks a memfile or an on-disk cache file for a sizeHint
// byte write, per §4.1 "memfile governance": memfiles back writes when
// write memfiles are not disabled, the budget is enabled and the write
// fits within 3/4 of it. No stat-bitmap recency check is applied, so a
// key seen recently can still be given a memfile.
func (e *Engine) allocateFile(key string, sizeHint int64) (dataFile, bool, *memfile.Entry, error) {
	if !e.disableWriteMemfiles.Load() && e.memPool.Fits(sizeHint) {
		memEnt, err := e.memPool.Create(memfile.Key{TransID: e.transid.Load(), Key: key})
		if err == nil {
			return memEnt.File, true, memEnt, nil
		}
	}

	f, err := e.newDiskFile(key)
	if err != nil {
		return nil, false, nil, err
	}

	return f, false, nil, nil
}

// newDiskFile creates the on-disk cache file backing key inside the
// current transaction's subvolume.
func (e *Engine) newDiskFile(key string) (dataFile, error) {
	path := cacheFilePath(e.transid.Load(), key)

	f, err := e.fsys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("engine: create cache file %s: %w", path, err)
	}

	return f, nil
}

func (e *Engine) fetchFromBackend(ctx context.Context, key string, opts GetOptions) (*Handle, error) {
	var buf bytesWriterAt

	_, err := e.store.Get(ctx, []byte(key), e.transid.Load(), opts.Flags&FlagPrioritizeRead != 0, &buf, false)
	if err != nil {
		if opts.Flags&FlagReadOnly != 0 {
			e.recordMissing(key)
		}

		return nil, fmt.Errorf("engine: get %s: %w", key, err)
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	dst, isMem, memEnt, err := e.allocateFile(key, int64(len(buf.data)))
	if err != nil {
		return nil, err
	}

	if _, err := dst.Write(buf.data); err != nil {
		return nil, fmt.Errorf("engine: materialize %s: %w", key, err)
	}

	if _, err := dst.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("engine: rewind %s: %w", key, err)
	}

	ent := &entry{
		key:       key,
		size:      int64(len(buf.data)),
		compSize:  -1,
		file:      dst,
		isMemfile: isMem,
		memEntry:  memEnt,
		refs:      1,
		metadata:  e.policy.IsMetadata(key),
	}
	ent.val.Chances = e.policy.NumSecondChances(key)

	if opts.Flags&FlagPreloadOnce != 0 {
		e.preloadMu.Lock()
		e.preloadSet[key] = opts.PreloadTag
		e.preloadMu.Unlock()

		ent.preloadTag = opts.PreloadTag
	}

	e.uncompressed.PushFront(key, ent)
	e.stats.totalCacheMissBackend.Add(1)

	if opts.Write {
		e.markDirtyLocked(ent)
	}

	readOnly := opts.Flags&FlagReadOnly != 0 && !opts.Write

	return &Handle{engine: e, key: key, readOnly: readOnly}, nil
}

func (e *Engine) recordMissing(key string) {
	e.missingMu.Lock()
	defer e.missingMu.Unlock()

	e.missingSet[key] = struct{}{}
}

// release drops one refcount for key (§4.1 "release").
func (e *Engine) release(key string) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	ent, ok := e.lookupLocked(key)
	if !ok {
		return
	}

	ent.refs--
}

// Del waits until key is not under retrieval, then drops it (§4.1 "del").
// It does not wait for open handles: an entry that is still referenced is
// dropped as well, and reads or writes through those handles then fail.
func (e *Engine) Del(key string) {
	e.beginRetrieval(key)
	defer e.endRetrieval(key)

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if el, ok := e.uncompressed.Get(key); ok {
		ent := e.uncompressed.Value(el)
		e.uncompressed.Remove(el)
		e.reconcileRemovedLocked(ent)
	} else if el, ok := e.compressed.Get(key); ok {
		ent := e.compressed.Value(el)
		e.compressed.Remove(el)
		e.reconcileRemovedLocked(ent)
	}

	e.preloadMu.Lock()
	delete(e.preloadSet, key)
	e.preloadMu.Unlock()

	e.queueDelFile(key)
}

func (e *Engine) reconcileRemovedLocked(ent *entry) {
	if ent.val.Dirty {
		e.counters.AddDirtyBytes(-ent.size)
		e.counters.IncDirtyItem(e.transid.Load(), -1)
	}

	if ent.compressed {
		e.counters.AddCompBytes(-ent.compSize)
	}

	if ent.isMemfile {
		e.memPool.Remove(memfile.Key{TransID: e.transid.Load(), Key: ent.key})
	}
}

func (e *Engine) queueDelFile(key string) {
	e.delFileMu.Lock()
	defer e.delFileMu.Unlock()

	e.queuedDels = append(e.queuedDels, key)
	e.counters.IncDeleteItem(e.transid.Load(), 1)
}

// SetSecondChances clamps n and sets the chance counter of key's entry,
// if present (§4.1 "set_second_chances").
func (e *Engine) SetSecondChances(key string, n int) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if ent, ok := e.lookupLocked(key); ok {
		ent.val.Chances = lru.ClampChances(n)
	}
}

// DirtyAll marks every currently cached entry dirty (§4.1 "dirty_all",
// used before a forced checkpoint).
func (e *Engine) DirtyAll() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	for el := e.uncompressed.Back(); el != nil; el = e.uncompressed.Prev(el) {
		ent := e.uncompressed.Value(el)
		if !ent.val.Dirty {
			e.markDirtyLocked(ent)
		}
	}

	for el := e.compressed.Back(); el != nil; el = e.compressed.Prev(el) {
		ent := e.compressed.Value(el)
		if !ent.val.Dirty {
			e.markDirtyLocked(ent)
		}
	}
}

// HasItemCached reports whether key currently has a live cache entry.
func (e *Engine) HasItemCached(key string) bool {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	_, ok := e.lookupLocked(key)

	return ok
}

// HasPreloadOnce reports whether key is still pinned from a preload_once
// get (§4.1).
func (e *Engine) HasPreloadOnce(key string) bool {
	e.preloadMu.Lock()
	defer e.preloadMu.Unlock()

	_, ok := e.preloadSet[key]

	return ok
}

// RemovePreloadItems evicts every key preloaded under tag (§4.1
// "remove_preload_items").
func (e *Engine) RemovePreloadItems(tag string) {
	e.preloadMu.Lock()

	var toRemove []string

	for k, t := range e.preloadSet {
		if t == tag {
			toRemove = append(toRemove, k)
		}
	}

	for _, k := range toRemove {
		delete(e.preloadSet, k)
	}

	e.preloadMu.Unlock()

	for _, k := range toRemove {
		e.Del(k)
	}
}

func (e *Engine) beginRetrieval(key string) {
	e.inRetrievalMu.Lock()
	defer e.inRetrievalMu.Unlock()

	for e.inRetrieval[key] > 0 {
		e.inRetrievalCV.Wait()
	}

	e.inRetrieval[key] = 1
}

func (e *Engine) endRetrieval(key string) {
	e.inRetrievalMu.Lock()
	defer e.inRetrievalMu.Unlock()

	delete(e.inRetrieval, key)
	e.inRetrievalCV.Broadcast()
}

// bytesWriterAt is a minimal io.WriterAt over a growable byte slice, used
// to materialize a backend Get response before it is copied into a
// memfile or disk file.
type bytesWriterAt struct {
	data []byte
}

func (b *bytesWriterAt) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(b.data)) {
		grown := make([]byte, end)
		copy(grown, b.data)
		b.data = grown
	}

	n := copy(b.data[off:end], p)

	return n, nil
}
