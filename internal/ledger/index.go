package ledger

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// SubmissionStatus tracks where a dirty (transid, key) pair is in the
// submit pipeline (§4.2, §4.3), persisted so a crash mid-submission can
// be resumed rather than resubmitted from scratch.
type SubmissionStatus int

const (
	// StatusPending has not yet been handed to a SubmitWorker.
	StatusPending SubmissionStatus = iota
	// StatusInFlight is currently being written to the backend.
	StatusInFlight
	// StatusSubmitted has been durably written to the backend.
	StatusSubmitted
	// StatusFailed exhausted retries (§7 "Backend-retryable", MaxAbsoluteAttempts).
	StatusFailed
)

// SubmissionEntry is the persisted record for one dirty (transid, key).
type SubmissionEntry struct {
	TransID  int64
	Key      string
	Status   SubmissionStatus
	Size     int64
	Attempts int
}

// Index is a crash-durable map from (transid, key) to [SubmissionEntry],
// backed by LevelDB the way the teacher's pack sibling uses goleveldb as
// its embedded key-value store for local state. On restart the engine
// replays this index instead of re-deriving submission state from
// scratch by rescanning every dirty file.
type Index struct {
	db *leveldb.DB
}

// OpenIndex opens (creating if necessary) the LevelDB index at dir.
func OpenIndex(dir string) (*Index, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: open index at %s: %w", dir, err)
	}

	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

func indexKey(transid int64, key string) []byte {
	buf := make([]byte, 8+len(key))
	binary.BigEndian.PutUint64(buf[:8], uint64(transid))
	copy(buf[8:], key)

	return buf
}

// Put persists entry, keyed by (entry.TransID, entry.Key).
func (idx *Index) Put(entry SubmissionEntry) error {
	val, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal submission entry: %w", err)
	}

	if err := idx.db.Put(indexKey(entry.TransID, entry.Key), val, nil); err != nil {
		return fmt.Errorf("ledger: put submission entry: %w", err)
	}

	return nil
}

// Get returns the entry for (transid, key), or ok=false if absent.
func (idx *Index) Get(transid int64, key string) (SubmissionEntry, bool, error) {
	val, err := idx.db.Get(indexKey(transid, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return SubmissionEntry{}, false, nil
	}

	if err != nil {
		return SubmissionEntry{}, false, fmt.Errorf("ledger: get submission entry: %w", err)
	}

	var entry SubmissionEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return SubmissionEntry{}, false, fmt.Errorf("ledger: unmarshal submission entry: %w", err)
	}

	return entry, true, nil
}

// Delete removes the entry for (transid, key), if present.
func (idx *Index) Delete(transid int64, key string) error {
	if err := idx.db.Delete(indexKey(transid, key), nil); err != nil {
		return fmt.Errorf("ledger: delete submission entry: %w", err)
	}

	return nil
}

// ForTransaction returns every entry recorded for transid, in key order.
// Used by checkpoint/reset (§4.4) to find what is still outstanding for a
// given transaction before it can be retired.
func (idx *Index) ForTransaction(transid int64) ([]SubmissionEntry, error) {
	prefix := make([]byte, 8)
	binary.BigEndian.PutUint64(prefix, uint64(transid))

	iter := idx.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var entries []SubmissionEntry

	for iter.Next() {
		var entry SubmissionEntry
		if err := json.Unmarshal(iter.Value(), &entry); err != nil {
			return nil, fmt.Errorf("ledger: unmarshal submission entry: %w", err)
		}

		entries = append(entries, entry)
	}

	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("ledger: iterate submission entries: %w", err)
	}

	return entries, nil
}

// DeleteTransaction removes every entry recorded for transid, used once a
// transaction is fully submitted and retired.
func (idx *Index) DeleteTransaction(transid int64) error {
	entries, err := idx.ForTransaction(transid)
	if err != nil {
		return err
	}

	batch := new(leveldb.Batch)
	for _, entry := range entries {
		batch.Delete(indexKey(entry.TransID, entry.Key))
	}

	if err := idx.db.Write(batch, nil); err != nil {
		return fmt.Errorf("ledger: delete transaction batch: %w", err)
	}

	return nil
}
