package submission

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/blockcache/internal/blockstore"
)

// Source is the engine's hook for reading the bytes a Dirty/Evict/Compress
// item uploads or recompresses. The worker never touches cache files or
// memfiles directly — the engine supplies a Source per item so the worker
// stays agnostic of on-disk vs memfile storage (§4.1 "memfile governance").
type Source interface {
	// Open returns a reader positioned at the start of the payload and a
	// closer to release any handle once the worker is done.
	Open(ctx context.Context) (r io.Reader, closer io.Closer, err error)
}

// Callbacks lets the engine react to a completed submission, advancing LRU
// membership and byte counters under its own locks (§4.3 step 5).
type Callbacks struct {
	// ItemSubmitted is called after a Dirty/Evict Put succeeds or
	// permanently fails. compSize is the backend-reported stored size.
	ItemSubmitted func(item *Item, compSize int64, err error)
	// ItemCompressed is called after a Compress attempt finishes.
	ItemCompressed func(item *Item, sizeDiff, dstSize int64, err error)
	// ItemDeleted is called after a Delete batch succeeds or permanently
	// fails.
	ItemDeleted func(item *Item, err error)
}

// SourceFunc looks up the Source for a queued item.
type SourceFunc func(item *Item) (Source, error)

// Worker drains a Queue against a BlockStore, implementing the retry and
// backoff rules of §4.3.
type Worker struct {
	ID         int
	Queue      *Queue
	Store      blockstore.BlockStore
	Source     SourceFunc
	Callbacks  Callbacks
	NoCompress bool
	Log        *logrus.Entry
}

// Run drains the queue until ctx is canceled. Call from its own goroutine;
// a pool spawns NumWorkers of these.
func (w *Worker) Run(ctx context.Context) {
	opts := Options{NoCompress: w.NoCompress, PreferNonDelete: true, PreferMem: true}

	for {
		if ctx.Err() != nil {
			return
		}

		item, ok := w.Queue.Next(opts)
		if !ok {
			w.waitOrDone(ctx)

			continue
		}

		w.process(ctx, item)
	}
}

func (w *Worker) waitOrDone(ctx context.Context) {
	done := make(chan struct{})

	go func() {
		w.Queue.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

func (w *Worker) process(ctx context.Context, item *Item) {
	switch item.Kind {
	case KindDelete:
		w.processDelete(ctx, item)
	case KindCompress:
		w.processCompress(ctx, item)
	case KindDirty, KindEvict:
		w.processPut(ctx, item)
	}

	w.Queue.Complete(item)
}

func (w *Worker) processDelete(ctx context.Context, item *Item) {
	keys := make([][]byte, len(item.DeleteKeys))
	for i, k := range item.DeleteKeys {
		keys[i] = []byte(k)
	}

	err := w.retry(ctx, item, func(allowErrorEvent bool) error {
		return w.Store.Del(ctx, keys, item.TransID)
	})

	if w.Callbacks.ItemDeleted != nil {
		w.Callbacks.ItemDeleted(item, err)
	}
}

func (w *Worker) processPut(ctx context.Context, item *Item) {
	src, err := w.Source(item)
	if err != nil {
		if w.Callbacks.ItemSubmitted != nil {
			w.Callbacks.ItemSubmitted(item, 0, err)
		}

		return
	}

	r, closer, err := src.Open(ctx)
	if err != nil {
		if w.Callbacks.ItemSubmitted != nil {
			w.Callbacks.ItemSubmitted(item, 0, err)
		}

		return
	}

	defer closer.Close()

	var flags blockstore.PutFlags
	if item.AlreadyCompressedEncrypted {
		flags |= blockstore.PutAlreadyCompressedEncrypted
	}

	if item.Metadata {
		flags |= blockstore.PutMetadata
	}

	var compSize int64

	err = w.retry(ctx, item, func(allowErrorEvent bool) error {
		compSize, err = w.Store.Put(ctx, []byte(item.Key), item.TransID, r, flags, allowErrorEvent)

		return err
	})

	if w.Callbacks.ItemSubmitted != nil {
		w.Callbacks.ItemSubmitted(item, compSize, err)
	}
}

func (w *Worker) processCompress(ctx context.Context, item *Item) {
	// Compression is driven by the engine's codec against cache files the
	// worker does not own; the queue only tracks that the slot is
	// claimed. The engine reports the recompressed size through the
	// Source it registers for KindCompress items.
	src, err := w.Source(item)
	if err != nil {
		if w.Callbacks.ItemCompressed != nil {
			w.Callbacks.ItemCompressed(item, 0, 0, err)
		}

		return
	}

	r, closer, err := src.Open(ctx)
	if closer != nil {
		defer closer.Close()
	}

	var dstSize int64
	if err == nil && r != nil {
		n, copyErr := io.Copy(io.Discard, r)
		dstSize = n
		err = copyErr
	}

	if w.Callbacks.ItemCompressed != nil {
		w.Callbacks.ItemCompressed(item, 0, dstSize, err)
	}
}

// retry runs op, retrying with capped exponential backoff on transient
// errors up to blockstore.MaxAbsoluteAttempts (§4.3 step 2/4). op receives
// allowErrorEvent=true once the attempt count passes MaxLoggedAttempts.
func (w *Worker) retry(ctx context.Context, item *Item, op func(allowErrorEvent bool) error) error {
	for attempt := 0; ; attempt++ {
		allowErrorEvent := attempt >= blockstore.MaxLoggedAttempts

		err := op(allowErrorEvent)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if attempt >= blockstore.MaxAbsoluteAttempts {
			if w.Log != nil {
				w.Log.WithField("item", item.Key).WithField("kind", item.Kind.String()).
					Error("submission: giving up after max attempts")
			}

			return err
		}

		if attempt < blockstore.MaxLoggedAttempts && w.Log != nil {
			w.Log.WithError(err).WithField("item", item.Key).WithField("attempt", attempt).
				Warn("submission: retrying after backend error")
		}

		wait := blockstore.Backoff(attempt)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
