package engine

import "sync/atomic"

// statistics holds the atomic counters §4.1 names for introspection
// (total_hits, total_cache_miss_backend, ...). All fields are safe for
// concurrent use without cacheMu.
type statistics struct {
	totalHits                atomic.Int64
	totalMemoryHits          atomic.Int64
	totalCacheMissBackend    atomic.Int64
	totalCacheMissDecompress atomic.Int64
	totalDirtyOps            atomic.Int64
	totalPutOps              atomic.Int64
	totalCompressOps         atomic.Int64
	totalEvictOps            atomic.Int64
}

// Stats is the read-only snapshot returned by [Engine.Stats].
type Stats struct {
	TotalHits                int64
	TotalMemoryHits          int64
	TotalCacheMissBackend    int64
	TotalCacheMissDecompress int64
	TotalDirtyOps            int64
	TotalPutOps              int64
	TotalCompressOps         int64
	TotalEvictOps            int64

	DirtyBytes       int64
	SubmittedBytes   int64
	CompBytes        int64
	MemfileBytes     int64
	CacheSize        int64
	NumDirtyItems    int64
	TransID          int64
	BaseTransID      int64
}

// Stats reports a point-in-time snapshot of engine counters (§4.1
// "statistics & introspection").
func (e *Engine) Stats() Stats {
	var numDirty int64
	for _, n := range e.counters.OpenTransactions() {
		numDirty += e.counters.DirtyItems(n)
	}

	return Stats{
		TotalHits:                e.stats.totalHits.Load(),
		TotalMemoryHits:          e.stats.totalMemoryHits.Load(),
		TotalCacheMissBackend:    e.stats.totalCacheMissBackend.Load(),
		TotalCacheMissDecompress: e.stats.totalCacheMissDecompress.Load(),
		TotalDirtyOps:            e.stats.totalDirtyOps.Load(),
		TotalPutOps:              e.stats.totalPutOps.Load(),
		TotalCompressOps:         e.stats.totalCompressOps.Load(),
		TotalEvictOps:            e.stats.totalEvictOps.Load(),
		DirtyBytes:               e.counters.DirtyBytes(),
		SubmittedBytes:           e.counters.SubmittedBytes(),
		CompBytes:                e.counters.CompBytes(),
		MemfileBytes:             e.memPool.Size(),
		CacheSize:                e.maxCacheSize.Load(),
		NumDirtyItems:            numDirty,
		TransID:                  e.transid.Load(),
		BaseTransID:              e.basetrans.Load(),
	}
}
