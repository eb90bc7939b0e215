package engine

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/calvinalkan/blockcache/internal/memfile"
	"github.com/calvinalkan/blockcache/internal/submission"
)

// cacheFilePath mirrors the teacher's fan-out-by-prefix layout for
// on-disk objects, sharded by transaction directory then by the first
// two hex characters of the key so a single directory never holds every
// cached object. The file itself is named by the full hex-encoded key.
func cacheFilePath(transid int64, key string) string {
	hexKey := hex.EncodeToString([]byte(key))

	shard := "00"
	if len(hexKey) >= 2 {
		shard = hexKey[:2]
	}

	return fmt.Sprintf("trans_%d/%s/%s", transid, shard, hexKey)
}

// evictionLoop runs once per second, walking the uncompressed LRU from
// the back and applying the second-chance rule (§4.1 "Eviction
// algorithm"): entries with remaining chances get decremented and moved
// to the front instead of evicted; clean entries are dropped outright;
// dirty-and-touched entries are handed to the submission queue as
// KindEvict so the backend copy lands before the local file disappears.
func (e *Engine) evictionLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runEvictionPass()
		}
	}
}

// evictBatchSize bounds how many candidates a single pass inspects, so
// one slow pass never holds cacheMu for the whole LRU length.
const evictBatchSize = 256

func (e *Engine) runEvictionPass() {
	space, err := e.fsys.TotalFreeSpace()
	if err != nil {
		if e.log != nil {
			e.log.WithError(err).Warn("engine: eviction pass: free space check failed")
		}

		return
	}

	overBudget := e.maxCacheSize.Load() > 0 && e.memPool.Size() > e.maxCacheSize.Load()
	underFreeTarget := space.Data.FreeBytes < e.cfg.MinFreeSize

	if !overBudget && !underFreeTarget {
		return
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	el := e.uncompressed.Back()
	for i := 0; el != nil && i < evictBatchSize; i++ {
		next := e.uncompressed.Prev(el)
		ent := e.uncompressed.Value(el)

		if ent.refs > 0 || ent.evicted {
			el = next
			continue
		}

		e.inRetrievalMu.Lock()
		_, busy := e.inRetrieval[ent.key]
		e.inRetrievalMu.Unlock()

		if busy {
			el = next
			continue
		}

		if ent.preloadTag != "" {
			el = next
			continue
		}

		if ent.val.Chances > 0 {
			ent.val.Chances--
			e.uncompressed.MoveToFront(el)
			el = next
			continue
		}

		if !ent.val.Dirty {
			e.uncompressed.Remove(el)
			e.reconcileRemovedLocked(ent)
			e.stats.totalEvictOps.Add(1)
			el = next
			continue
		}

		if !ent.touchedSinceBase {
			// Already durable as of the last checkpoint; safe to evict
			// without a fresh submission.
			e.uncompressed.Remove(el)
			e.reconcileRemovedLocked(ent)
			e.stats.totalEvictOps.Add(1)
			el = next
			continue
		}

		ent.evicted = true

		e.subQueue.Enqueue(&submission.Item{
			TransID:       e.transid.Load(),
			Key:           ent.key,
			Kind:          submission.KindEvict,
			MemfileBacked: ent.isMemfile,
			Metadata:      ent.metadata,
		})

		el = next
	}
}

// onItemSubmitted advances an entry after its Put lands in the backend
// (§4.2): submitted_bytes grows by the stored size and the entry is marked
// clean. Only evict submissions free the local copy (the entry leaves the
// uncompressed LRU and its memfile or file is released); dirty
// submissions keep it cached.
func (e *Engine) onItemSubmitted(item *submission.Item, compSize int64, err error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if err != nil {
		if item.Kind == submission.KindEvict {
			if ent, ok := e.lookupLocked(item.Key); ok {
				ent.evicted = false
			}
		}

		return
	}

	e.counters.AddSubmittedBytes(compSize)
	e.stats.totalPutOps.Add(1)

	ent, ok := e.lookupLocked(item.Key)
	if !ok {
		return
	}

	ent.val.Dirty = false
	e.counters.IncDirtyItem(item.TransID, -1)

	if item.Kind != submission.KindEvict {
		return
	}

	if el, isUncompressed := e.uncompressed.Get(item.Key); isUncompressed {
		e.uncompressed.Remove(el)
	}

	if ent.isMemfile {
		e.memPool.Remove(memfile.Key{TransID: item.TransID, Key: item.Key})
	} else if ent.file != nil {
		_ = ent.file.Close()
	}
}

// onItemCompressed installs the compressed sibling once a background
// compression finishes, moving the entry to the compressed LRU (§4.1
// "Compression policy").
func (e *Engine) onItemCompressed(item *submission.Item, sizeDiff, dstSize int64, err error) {
	if err != nil {
		return
	}

	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	ent, ok := e.lookupLocked(item.Key)
	if !ok {
		return
	}

	ent.compSize = dstSize
	ent.compressed = true
	e.counters.AddCompBytes(dstSize)
	e.stats.totalCompressOps.Add(1)
}

// onItemDeleted finalizes a Del once the backend batch succeeds, marking
// the keys as no longer owed a deletion.
func (e *Engine) onItemDeleted(item *submission.Item, err error) {
	if err != nil {
		return
	}

	e.delFileMu.Lock()
	defer e.delFileMu.Unlock()

	for _, k := range item.DeleteKeys {
		e.delDone[k] = true
		e.counters.IncDeleteItem(item.TransID, -1)
	}

	e.delFileCond.Broadcast()
}

// onBundleFlush is the Bundler's flush callback: the keys accumulated
// during the window are enqueued as KindDelete items, one batch per
// transaction (§9 "submit_bundle_items").
func (e *Engine) onBundleFlush(keys []submission.BundleKey) {
	if len(keys) == 0 {
		return
	}

	byTrans := make(map[int64][]string)
	for _, k := range keys {
		byTrans[k.TransID] = append(byTrans[k.TransID], k.Key)
	}

	for transid, batch := range byTrans {
		e.subQueue.Enqueue(&submission.Item{
			TransID:    transid,
			Kind:       submission.KindDelete,
			DeleteKeys: batch,
		})
	}
}
