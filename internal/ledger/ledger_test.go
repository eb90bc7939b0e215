package ledger_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/blockcache/internal/ledger"
	"github.com/calvinalkan/blockcache/pkg/fs"
)

func Test_DirtyFile_RoundTrips_Records(t *testing.T) {
	t.Parallel()

	records := []ledger.DirtyRecord{
		{Flag: ledger.FlagUncompressed, Key: []byte("aaa")},
		{Flag: ledger.FlagCompressed, Key: []byte("bbb")},
		{Flag: ledger.FlagDirtyEvicted, Key: []byte("ccc")},
	}

	var buf bytes.Buffer

	if err := ledger.WriteDirtyFile(&buf, records); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ledger.ReadDirtyFile(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if len(got) != len(records) {
		t.Fatalf("got %d records, want %d", len(got), len(records))
	}

	for i, rec := range records {
		if got[i].Flag != rec.Flag || !bytes.Equal(got[i].Key, rec.Key) {
			t.Fatalf("record %d = %+v, want %+v", i, got[i], rec)
		}
	}
}

func Test_DirtyFile_Detects_Corruption(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	err := ledger.WriteDirtyFile(&buf, []ledger.DirtyRecord{
		{Flag: ledger.FlagUncompressed, Key: []byte("key")},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}

	corrupted := buf.Bytes()
	corrupted[0] ^= 0xFF

	_, err = ledger.ReadDirtyFile(bytes.NewReader(corrupted))
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func Test_Counters_Tracks_Per_Transaction_Items(t *testing.T) {
	t.Parallel()

	c := ledger.NewCounters()

	c.IncDirtyItem(7, 3)
	c.IncDeleteItem(7, 1)
	c.AddDirtyBytes(4096)

	if got := c.DirtyItems(7); got != 3 {
		t.Fatalf("dirty items = %d, want 3", got)
	}

	if got := c.DeleteItems(7); got != 1 {
		t.Fatalf("delete items = %d, want 1", got)
	}

	if got := c.DirtyBytes(); got != 4096 {
		t.Fatalf("dirty bytes = %d, want 4096", got)
	}

	open := c.OpenTransactions()
	if len(open) != 1 || open[0] != 7 {
		t.Fatalf("open transactions = %v, want [7]", open)
	}

	c.IncDirtyItem(7, -3)
	c.IncDeleteItem(7, -1)

	if open := c.OpenTransactions(); len(open) != 0 {
		t.Fatalf("expected no open transactions after draining, got %v", open)
	}
}

func Test_Markers_Write_Has_Remove_Round_Trip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fsys := fs.NewReal()

	if err := fsys.MkdirAll(ledger.TransDir(root, 1), 0o700); err != nil {
		t.Fatalf("mkdir trans dir: %v", err)
	}

	ok, err := ledger.HasMarker(fsys, root, 1, ledger.MarkerCommited)
	if err != nil {
		t.Fatalf("has marker: %v", err)
	}

	if ok {
		t.Fatal("expected commited marker absent before write")
	}

	if err := ledger.WriteMarker(fsys, root, 1, ledger.MarkerCommited); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	ok, err = ledger.HasMarker(fsys, root, 1, ledger.MarkerCommited)
	if err != nil {
		t.Fatalf("has marker: %v", err)
	}

	if !ok {
		t.Fatal("expected commited marker present after write")
	}

	if err := ledger.RemoveMarker(fsys, root, 1, ledger.MarkerCommited); err != nil {
		t.Fatalf("remove marker: %v", err)
	}

	ok, err = ledger.HasMarker(fsys, root, 1, ledger.MarkerCommited)
	if err != nil {
		t.Fatalf("has marker: %v", err)
	}

	if ok {
		t.Fatal("expected commited marker absent after remove")
	}
}

func Test_Markers_Dirty_Marker_Round_Trip(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	fsys := fs.NewReal()

	if err := fsys.MkdirAll(ledger.TransDir(root, 2), 0o700); err != nil {
		t.Fatalf("mkdir trans dir: %v", err)
	}

	records := []ledger.DirtyRecord{{Flag: ledger.FlagUncompressed, Key: []byte("k1")}}

	if err := ledger.WriteDirtyMarker(fsys, root, 2, ledger.MarkerDirty, records); err != nil {
		t.Fatalf("write dirty marker: %v", err)
	}

	got, ok, err := ledger.ReadDirtyMarker(fsys, root, 2, ledger.MarkerDirty)
	if err != nil {
		t.Fatalf("read dirty marker: %v", err)
	}

	if !ok {
		t.Fatal("expected dirty marker present")
	}

	if len(got) != 1 || string(got[0].Key) != "k1" {
		t.Fatalf("got %+v, want one record k1", got)
	}
}

func Test_Index_Put_Get_Delete(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "index")

	idx, err := ledger.OpenIndex(dir)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	defer idx.Close()

	entry := ledger.SubmissionEntry{TransID: 5, Key: "k", Status: ledger.StatusPending, Size: 10}

	if err := idx.Put(entry); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok, err := idx.Get(5, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	if !ok {
		t.Fatal("expected entry present")
	}

	if got != entry {
		t.Fatalf("got %+v, want %+v", got, entry)
	}

	if err := idx.Delete(5, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	_, ok, err = idx.Get(5, "k")
	if err != nil {
		t.Fatalf("get after delete: %v", err)
	}

	if ok {
		t.Fatal("expected entry absent after delete")
	}
}

func Test_Index_ForTransaction_And_DeleteTransaction(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "index")

	idx, err := ledger.OpenIndex(dir)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	defer idx.Close()

	for _, k := range []string{"a", "b", "c"} {
		if err := idx.Put(ledger.SubmissionEntry{TransID: 9, Key: k, Status: ledger.StatusSubmitted}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	entries, err := idx.ForTransaction(9)
	if err != nil {
		t.Fatalf("for transaction: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	if err := idx.DeleteTransaction(9); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}

	entries, err = idx.ForTransaction(9)
	if err != nil {
		t.Fatalf("for transaction after delete: %v", err)
	}

	if len(entries) != 0 {
		t.Fatalf("got %d entries after delete, want 0", len(entries))
	}
}
