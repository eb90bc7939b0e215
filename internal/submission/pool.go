package submission

import (
	"context"
	"runtime"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/calvinalkan/blockcache/internal/blockstore"
)

// PoolConfig sizes a worker [Pool] per §4.3: "num_cpus × cpu_multiplier
// plus no_compress_mult × num_cpus no-compress workers".
type PoolConfig struct {
	CPUMultiplier  float64
	NoCompressMult float64
	NumCPUOverride int // 0 uses runtime.NumCPU()
}

// NumWorkers computes the compressing and no-compress worker counts for
// cfg. The compressing count is floored at 1; the no-compress count is
// floored at 0.
func (cfg PoolConfig) NumWorkers() (compressing, noCompress int) {
	cpus := cfg.NumCPUOverride
	if cpus <= 0 {
		cpus = runtime.NumCPU()
	}

	compressing = int(float64(cpus) * cfg.CPUMultiplier)
	if compressing < 1 {
		compressing = 1
	}

	noCompress = int(float64(cpus) * cfg.NoCompressMult)
	if noCompress < 0 {
		noCompress = 0
	}

	return compressing, noCompress
}

// Pool owns a fixed set of [Worker] goroutines draining a shared [Queue].
type Pool struct {
	queue   *Queue
	workers []*Worker
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool constructs (but does not start) a Pool sized by cfg.
func NewPool(cfg PoolConfig, queue *Queue, store blockstore.BlockStore, source SourceFunc, callbacks Callbacks, log *logrus.Logger) *Pool {
	compressing, noCompress := cfg.NumWorkers()

	p := &Pool{queue: queue}

	id := 0

	for i := 0; i < compressing; i++ {
		p.workers = append(p.workers, &Worker{
			ID: id, Queue: queue, Store: store, Source: source, Callbacks: callbacks,
			Log: entryFor(log, id),
		})
		id++
	}

	for i := 0; i < noCompress; i++ {
		p.workers = append(p.workers, &Worker{
			ID: id, Queue: queue, Store: store, Source: source, Callbacks: callbacks,
			NoCompress: true, Log: entryFor(log, id),
		})
		id++
	}

	return p
}

func entryFor(log *logrus.Logger, id int) *logrus.Entry {
	if log == nil {
		return nil
	}

	return log.WithField("worker", id)
}

// Start launches every worker's Run loop. Stop cancels it.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for _, w := range p.workers {
		p.wg.Add(1)

		go func(w *Worker) {
			defer p.wg.Done()

			w.Run(ctx)
		}(w)
	}
}

// Stop cancels all workers and waits for their Run loops to return.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}

	// Wake every worker blocked in Queue.Wait so it observes ctx.Done.
	p.queue.cond.Broadcast()

	p.wg.Wait()
}

// Len returns the number of workers in the pool.
func (p *Pool) Len() int { return len(p.workers) }
