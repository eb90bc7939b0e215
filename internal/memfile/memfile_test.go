package memfile

import (
	"bytes"
	"io"
	"testing"
)

func Test_File_Write_Then_Read_From_Start(t *testing.T) {
	t.Parallel()

	f := NewFile()

	if _, err := f.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("seek: %v", err)
	}

	got, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if string(got) != "hello" {
		t.Fatalf("got %q, want hello", got)
	}
}

func Test_File_Clone_Is_Independent(t *testing.T) {
	t.Parallel()

	f := NewFile()
	_, _ = f.Write([]byte("original"))

	clone := f.Clone()
	_, _ = clone.Seek(0, 0)
	_, _ = clone.Write([]byte("mutated!"))

	_, _ = f.Seek(0, 0)

	got, _ := io.ReadAll(f)
	if !bytes.Equal(got, []byte("original")) {
		t.Fatalf("original mutated via clone: %q", got)
	}
}

func Test_Pool_Create_Rejects_Duplicate_Key(t *testing.T) {
	t.Parallel()

	p := NewPool(1 << 20)
	key := Key{TransID: 1, Key: "k"}

	if _, err := p.Create(key); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := p.Create(key); err == nil {
		t.Fatal("expected error on duplicate key")
	}
}

func Test_Pool_Fits_Respects_ThreeQuarter_Budget(t *testing.T) {
	t.Parallel()

	p := NewPool(1000)

	if !p.Fits(750) {
		t.Error("750 should fit a 1000 budget (<=3/4)")
	}

	if p.Fits(751) {
		t.Error("751 should not fit a 1000 budget (>3/4)")
	}
}

func Test_Pool_Fits_Disabled_When_Budget_Zero(t *testing.T) {
	t.Parallel()

	p := NewPool(0)

	if p.Fits(1) {
		t.Error("expected Fits to always be false with zero budget")
	}
}

func Test_Pool_COW_Clones_And_Clears_Flag(t *testing.T) {
	t.Parallel()

	p := NewPool(1 << 20)

	key := Key{TransID: 1, Key: "k"}

	e, err := p.Create(key)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, _ = e.File.Write([]byte("shared"))
	e.COW = true

	p.COW(e)

	if e.COW {
		t.Error("expected COW flag cleared after clone")
	}

	if e.OldFile == nil {
		t.Fatal("expected OldFile to be retained")
	}

	_, _ = e.OldFile.Seek(0, 0)

	got, _ := io.ReadAll(e.OldFile)
	if string(got) != "shared" {
		t.Fatalf("OldFile content = %q, want shared", got)
	}
}

func Test_Pool_Remove_Defers_Close_Without_Blocking(t *testing.T) {
	t.Parallel()

	p := NewPool(1 << 20)
	key := Key{TransID: 1, Key: "k"}

	e, err := p.Create(key)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	p.AdjustSize(e, 10)
	p.Remove(key)

	if _, ok := p.Get(key); ok {
		t.Fatal("expected entry removed from pool")
	}

	if p.Size() != 0 {
		t.Fatalf("pool size = %d, want 0", p.Size())
	}

	p.Stop()
}

func Test_StatBitmap_Seen_After_Record(t *testing.T) {
	t.Parallel()

	b, err := newStatBitmap(1000)
	if err != nil {
		t.Fatalf("new stat bitmap: %v", err)
	}

	if b.Seen("k1") {
		t.Fatal("expected k1 not seen before Record")
	}

	b.Record("k1")

	if !b.Seen("k1") {
		t.Fatal("expected k1 seen after Record")
	}
}
