package submission_test

import (
	"testing"
	"time"

	"github.com/calvinalkan/blockcache/internal/blockstore"
	"github.com/calvinalkan/blockcache/internal/submission"
)

func Test_PoolConfig_NumWorkers_Floors_At_One(t *testing.T) {
	t.Parallel()

	cfg := submission.PoolConfig{CPUMultiplier: 0, NoCompressMult: 0, NumCPUOverride: 4}

	compressing, noCompress := cfg.NumWorkers()
	if compressing != 1 {
		t.Fatalf("compressing = %d, want 1 (floored)", compressing)
	}

	if noCompress != 0 {
		t.Fatalf("noCompress = %d, want 0", noCompress)
	}
}

func Test_PoolConfig_NumWorkers_Scales_With_CPUs(t *testing.T) {
	t.Parallel()

	cfg := submission.PoolConfig{CPUMultiplier: 2, NoCompressMult: 0.5, NumCPUOverride: 4}

	compressing, noCompress := cfg.NumWorkers()
	if compressing != 8 {
		t.Fatalf("compressing = %d, want 8", compressing)
	}

	if noCompress != 2 {
		t.Fatalf("noCompress = %d, want 2", noCompress)
	}
}

func Test_Pool_Start_Stop_Drains_Queue(t *testing.T) {
	t.Parallel()

	queue := submission.New()
	queue.Enqueue(&submission.Item{TransID: 1, DeleteKeys: []string{"a"}, Kind: submission.KindDelete})

	store := blockstore.NewMemory(1)

	p := submission.NewPool(
		submission.PoolConfig{CPUMultiplier: 1, NumCPUOverride: 1},
		queue,
		store,
		nil,
		submission.Callbacks{},
		nil,
	)

	p.Start()

	deadline := time.Now().Add(2 * time.Second)
	for queue.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if queue.Len() != 0 {
		t.Fatal("expected queue drained")
	}

	p.Stop()
}
