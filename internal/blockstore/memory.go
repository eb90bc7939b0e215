package blockstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
)

// Memory is an in-memory [BlockStore] test double. It keeps one blob per
// (key, transid) pair and a monotonic transaction counter; it never fails
// unless told to via [Memory.FailNextPut] and friends, which E2E tests use
// to exercise retry/backoff paths deterministically.
type Memory struct {
	mu           sync.Mutex
	objects      map[string]map[int64][]byte // hex(key) -> transid -> data
	nextTransID  int64
	finalized    map[int64]bool
	active       []int64
	maxDelSize   int
	failNextPut  int
	failNextGet  int
	wantMetadata bool
}

// NewMemory returns an empty in-memory BlockStore. The first transaction
// id handed out by NewTransaction is startTransID; pass 1 for a fresh
// store.
func NewMemory(startTransID int64) *Memory {
	return &Memory{
		objects:     make(map[string]map[int64][]byte),
		nextTransID: startTransID,
		finalized:   make(map[int64]bool),
		maxDelSize:  256,
	}
}

// FailNextPut makes the next n calls to Put return an error, simulating a
// backend-retryable failure.
func (m *Memory) FailNextPut(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failNextPut = n
}

// FailNextGet makes the next n calls to Get return an error.
func (m *Memory) FailNextGet(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failNextGet = n
}

func keyHex(key []byte) string {
	return fmt.Sprintf("%x", key)
}

func (m *Memory) Get(_ context.Context, key []byte, transid int64, _ bool, dst io.WriterAt, _ bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failNextGet > 0 {
		m.failNextGet--
		return 0, fmt.Errorf("blockstore: injected get failure")
	}

	versions, ok := m.objects[keyHex(key)]
	if !ok {
		return 0, ErrNotFound
	}

	best := int64(0)

	for t, data := range versions {
		if t <= transid && t > best {
			best = t
			_ = data
		}
	}

	if best == 0 {
		return 0, ErrNotFound
	}

	data := versions[best]
	if _, err := dst.WriteAt(data, 0); err != nil {
		return 0, fmt.Errorf("write dst: %w", err)
	}

	return best, nil
}

func (m *Memory) GetTransID(_ context.Context, key []byte, transid int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	versions, ok := m.objects[keyHex(key)]
	if !ok {
		return 0, nil
	}

	best := int64(0)

	for t := range versions {
		if t <= transid && t > best {
			best = t
		}
	}

	return best, nil
}

func (m *Memory) Reset(_ context.Context, key []byte, transid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if versions, ok := m.objects[keyHex(key)]; ok {
		delete(versions, transid)
	}

	return nil
}

func (m *Memory) Put(_ context.Context, key []byte, transid int64, src io.Reader, _ PutFlags, _ bool) (int64, error) {
	m.mu.Lock()

	if m.failNextPut > 0 {
		m.failNextPut--
		m.mu.Unlock()

		return 0, fmt.Errorf("blockstore: injected put failure")
	}

	m.mu.Unlock()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, src); err != nil {
		return 0, fmt.Errorf("read src: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.objects[keyHex(key)]; !ok {
		m.objects[keyHex(key)] = make(map[int64][]byte)
	}

	m.objects[keyHex(key)][transid] = buf.Bytes()

	return int64(buf.Len()), nil
}

func (m *Memory) NewTransaction(_ context.Context, _ bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextTransID
	m.nextTransID++

	return id, nil
}

func (m *Memory) FinalizeTransaction(_ context.Context, transid int64, complete bool, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.finalized[transid] = complete

	return nil
}

func (m *Memory) SetActiveTransactions(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = append([]int64(nil), ids...)

	return nil
}

func (m *Memory) Del(_ context.Context, keys [][]byte, transid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range keys {
		if versions, ok := m.objects[keyHex(key)]; ok {
			delete(versions, transid)
		}
	}

	return nil
}

func (m *Memory) MaxDelSize() int { return m.maxDelSize }

func (m *Memory) Sync(_ context.Context) error { return nil }

func (m *Memory) IsPutSync() bool { return true }

// SetWantPutMetadata configures whether [Memory.WantPutMetadata] reports
// true, for tests exercising the metadata-codec split.
func (m *Memory) SetWantPutMetadata(want bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wantMetadata = want
}

func (m *Memory) WantPutMetadata() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.wantMetadata
}

func (m *Memory) FastWriteRetry() bool { return false }

func (m *Memory) HasBackendKey(_ context.Context, key []byte, _ bool) (bool, [16]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[keyHex(key)]

	return ok, [16]byte{}, nil
}

var _ BlockStore = (*Memory)(nil)
