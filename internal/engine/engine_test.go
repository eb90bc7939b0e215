package engine

import (
	"bytes"
	"io"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/blockcache/internal/blockstore"
	"github.com/calvinalkan/blockcache/internal/cachefs"
	"github.com/calvinalkan/blockcache/internal/codec"
	"github.com/calvinalkan/blockcache/internal/config"
	"github.com/calvinalkan/blockcache/pkg/fs"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	root := t.TempDir()
	cfg := config.Default()
	cfg.MaxMemFileSize = 1 << 20
	cfg.MinFreeSize = 0

	store := blockstore.NewMemory(1)

	log := logrus.New()
	log.SetOutput(io.Discard)

	e, err := New(Config{
		Options: cfg,
		Store:   store,
		Codec:   codec.NewZstdChaCha(),
		Fs:      cachefs.NewReal(root, fs.NewReal()),
		Root:    root,
		Logger:  log,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	return e
}

func Test_Engine_Get_Miss_Fetches_From_Backend_Then_Hits(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	transid, err := e.store.NewTransaction(t.Context(), false)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}

	e.transid.Store(transid)

	if _, err := e.store.Put(t.Context(), []byte("k1"), transid, bytes.NewReader([]byte("hello")), 0, false); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	h, err := e.Get(t.Context(), "k1", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	got := make([]byte, 5)
	if _, err := h.Read(got); err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}

	h.Release()

	if !e.HasItemCached("k1") {
		t.Fatal("expected k1 to be cached after first Get")
	}

	if e.Stats().TotalCacheMissBackend != 1 {
		t.Fatalf("TotalCacheMissBackend = %d, want 1", e.Stats().TotalCacheMissBackend)
	}

	h2, err := e.Get(t.Context(), "k1", GetOptions{})
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	defer h2.Release()

	if e.Stats().TotalHits != 1 {
		t.Fatalf("TotalHits = %d, want 1", e.Stats().TotalHits)
	}
}

func Test_Engine_Get_With_Write_Marks_Dirty(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	transid, err := e.store.NewTransaction(t.Context(), false)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}

	e.transid.Store(transid)

	if _, err := e.store.Put(t.Context(), []byte("k1"), transid, bytes.NewReader([]byte("hello")), 0, false); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	h, err := e.Get(t.Context(), "k1", GetOptions{Write: true})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer h.Release()

	ent, ok := e.lookupLocked("k1")
	if !ok {
		t.Fatal("expected k1 to be cached")
	}

	if !ent.val.Dirty {
		t.Fatal("expected entry to be marked dirty")
	}

	if e.counters.DirtyBytes() != ent.size {
		t.Fatalf("DirtyBytes = %d, want %d", e.counters.DirtyBytes(), ent.size)
	}
}

func Test_Engine_Del_Removes_Entry_And_Queues_Delete(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	transid, err := e.store.NewTransaction(t.Context(), false)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}

	e.transid.Store(transid)

	if _, err := e.store.Put(t.Context(), []byte("k1"), transid, bytes.NewReader([]byte("hello")), 0, false); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	h, err := e.Get(t.Context(), "k1", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.Release()

	e.Del("k1")

	if e.HasItemCached("k1") {
		t.Fatal("expected k1 to be gone after Del")
	}

	e.delFileMu.Lock()
	queued := len(e.queuedDels)
	e.delFileMu.Unlock()

	if queued != 1 {
		t.Fatalf("queuedDels = %d, want 1", queued)
	}
}

func Test_Engine_SetSecondChances_Clamps_Range(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)

	transid, err := e.store.NewTransaction(t.Context(), false)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}

	e.transid.Store(transid)

	if _, err := e.store.Put(t.Context(), []byte("k1"), transid, bytes.NewReader([]byte("hello")), 0, false); err != nil {
		t.Fatalf("seed backend: %v", err)
	}

	h, err := e.Get(t.Context(), "k1", GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h.Release()

	e.SetSecondChances("k1", 500)

	ent, _ := e.lookupLocked("k1")
	if ent.val.Chances != 127 {
		t.Fatalf("Chances = %d, want clamped to 127", ent.val.Chances)
	}
}
