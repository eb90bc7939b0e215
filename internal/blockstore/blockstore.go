// Package blockstore defines the remote object store contract the cache
// engine consumes (§6.2) and provides a Backoff helper for the capped
// exponential retry policy §4.3/§7 describe. It does not implement a real
// backend client — per spec, the wire protocol to the backend is a
// non-goal — only the interface and an in-memory test double live here.
package blockstore

import (
	"context"
	"errors"
	"io"
	"time"
)

// PutFlags is a bitset passed to [BlockStore.Put].
type PutFlags uint8

const (
	// PutAlreadyCompressedEncrypted indicates src is already a codec
	// output stream (a ".comp" sibling), not raw cleartext.
	PutAlreadyCompressedEncrypted PutFlags = 1 << iota
	// PutMetadata indicates key was classified as metadata by the
	// engine's second-chance policy, so the backend may store/route it
	// differently (see meta_cache_comp in the config).
	PutMetadata
)

// ErrNotFound is returned by Get when the backend has no object for the
// requested key/transaction.
var ErrNotFound = errors.New("blockstore: not found")

// BlockStore is the remote object store the engine fronts. Every method
// takes a context so callers (the SubmitWorker pool, checkpoint/reset) can
// cancel a blocked backend call on [engine.Engine.Stop].
//
// transid identifies which transaction's view of key is wanted; get_transid
// resolves it when the caller doesn't already know.
type BlockStore interface {
	// Get materializes the object for key as of transid into dst, returning
	// the transaction id the object actually came from. If the object does
	// not exist, it returns ErrNotFound wrapped with the reason.
	Get(ctx context.Context, key []byte, transid int64, prioritizeRead bool, dst io.WriterAt, allowErrorEvent bool) (getTransID int64, err error)

	// GetTransID returns the highest transaction id at or before transid
	// that contains key, or 0 if unknown.
	GetTransID(ctx context.Context, key []byte, transid int64) (int64, error)

	// Reset erases the backend object for key. Callers must only invoke
	// this when the operator-provided clouddrive_reset_unreadable marker
	// is present (§4.1, §7).
	Reset(ctx context.Context, key []byte, transid int64) error

	// Put uploads src as the object for key under transid. compressedSize
	// is the size the backend actually stored (may differ from src's
	// length when the backend re-encodes).
	Put(ctx context.Context, key []byte, transid int64, src io.Reader, flags PutFlags, allowErrorEvent bool) (compressedSize int64, err error)

	// NewTransaction allocates a new monotonically increasing transaction
	// id. Returns 0 on failure (Backend-fatal, §7).
	NewTransaction(ctx context.Context, allowErrorEvent bool) (int64, error)

	// FinalizeTransaction commits transid. complete=false marks it as a
	// local-only commit (dirty.nosubmit) that may be resumed later.
	FinalizeTransaction(ctx context.Context, transid int64, complete bool, allowErrorEvent bool) error

	// SetActiveTransactions pins the given transaction ids at the backend
	// so it will not garbage-collect objects they reference.
	SetActiveTransactions(ctx context.Context, ids []int64) error

	// Del batch-deletes keys under transid. Callers must respect
	// [BlockStore.MaxDelSize].
	Del(ctx context.Context, keys [][]byte, transid int64) error

	// MaxDelSize is the largest batch [BlockStore.Del] accepts in one call.
	MaxDelSize() int

	// Sync flushes any buffered backend state.
	Sync(ctx context.Context) error

	// IsPutSync reports whether Put blocks until durable (affects whether
	// the engine needs to wait before advancing basetrans).
	IsPutSync() bool

	// WantPutMetadata reports whether the backend wants the PutMetadata
	// flag honored for keys the engine classifies as metadata.
	WantPutMetadata() bool

	// FastWriteRetry reports whether the backend signaled a transient
	// condition that should be retried quickly (1s) rather than via the
	// exponential backoff ladder.
	FastWriteRetry() bool

	// HasBackendKey reports whether key exists at the backend and,
	// when updateMD5 is true, returns its stored MD5 for integrity
	// cross-checks.
	HasBackendKey(ctx context.Context, key []byte, updateMD5 bool) (present bool, md5 [16]byte, err error)
}

// Backoff computes the capped exponential retry delay for attempt n
// (0-indexed): 1s * 2^n, clamped to 30 minutes. Per §4.3/§7, after
// MaxLoggedAttempts the caller should also mark the operation as
// allow_error_event so the backend can emit telemetry.
func Backoff(attempt int) time.Duration {
	const (
		base = time.Second
		cap  = 30 * time.Minute
	)

	if attempt < 0 {
		attempt = 0
	}

	// Guard against overflow: 1s<<63 overflows int64 well before 30m does.
	if attempt > 30 {
		return cap
	}

	d := base << attempt
	if d > cap || d <= 0 {
		return cap
	}

	return d
}

// MaxLoggedAttempts is the try-count threshold above which retries also
// get marked allow_error_event (§4.3 "Retry logging").
const MaxLoggedAttempts = 8

// MaxAbsoluteAttempts is the hard cap on retry attempts for a Delete
// submission before the worker gives up (§4.3).
const MaxAbsoluteAttempts = 20
