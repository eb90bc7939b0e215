package blockstore_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/calvinalkan/blockcache/internal/blockstore"
)

func Test_Memory_Put_Then_Get_Roundtrips(t *testing.T) {
	t.Parallel()

	m := blockstore.NewMemory(1)

	transid, err := m.NewTransaction(t.Context(), false)
	if err != nil {
		t.Fatalf("new transaction: %v", err)
	}

	_, err = m.Put(t.Context(), []byte("k1"), transid, bytes.NewReader([]byte("hello")), 0, false)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	dst := make(writerAtBuf, 5)

	gotTransID, err := m.Get(t.Context(), []byte("k1"), transid, false, &dst, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if gotTransID != transid {
		t.Errorf("gotTransID = %d, want %d", gotTransID, transid)
	}

	if string(dst) != "hello" {
		t.Errorf("dst = %q, want hello", string(dst))
	}
}

func Test_Memory_Get_Missing_Key_Returns_ErrNotFound(t *testing.T) {
	t.Parallel()

	m := blockstore.NewMemory(1)

	dst := make(writerAtBuf, 0)

	_, err := m.Get(t.Context(), []byte("missing"), 1, false, &dst, false)
	if !errors.Is(err, blockstore.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func Test_Memory_FailNextPut_Injects_Error_Then_Recovers(t *testing.T) {
	t.Parallel()

	m := blockstore.NewMemory(1)
	m.FailNextPut(1)

	_, err := m.Put(t.Context(), []byte("k"), 1, bytes.NewReader([]byte("x")), 0, false)
	if err == nil {
		t.Fatal("expected injected failure")
	}

	_, err = m.Put(t.Context(), []byte("k"), 1, bytes.NewReader([]byte("x")), 0, false)
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
}

func Test_Backoff_Grows_Exponentially_And_Caps(t *testing.T) {
	t.Parallel()

	if got := blockstore.Backoff(0); got != time.Second {
		t.Errorf("Backoff(0) = %v, want 1s", got)
	}

	if got := blockstore.Backoff(3); got != 8*time.Second {
		t.Errorf("Backoff(3) = %v, want 8s", got)
	}

	if got := blockstore.Backoff(100); got != 30*time.Minute {
		t.Errorf("Backoff(100) = %v, want 30m cap", got)
	}
}

type writerAtBuf []byte

func (b *writerAtBuf) WriteAt(p []byte, off int64) (int, error) {
	need := int(off) + len(p)
	if need > len(*b) {
		grown := make([]byte, need)
		copy(grown, *b)
		*b = grown
	}

	copy((*b)[off:], p)

	return len(p), nil
}
