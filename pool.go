package switchboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

var errPoolClosed = errors.New("worker pool closed")

// workerPool runs submitted jobs on a fixed set of goroutines. Submit
// queues the job without running it inline, so callers other than the
// workers never execute upstream calls on their own goroutine.
type workerPool struct {
	workers int
	jobs    chan func()
	quit    chan struct{}

	workerWG sync.WaitGroup // worker goroutines
	jobWG    sync.WaitGroup // submitted but unfinished jobs
	active   atomic.Int32

	mu     sync.Mutex
	closed bool

	logger *slog.Logger
}

func newWorkerPool(workers, queueDepth int, logger *slog.Logger) *workerPool {
	if workers < 1 {
		workers = 1
	}
	if queueDepth < workers {
		queueDepth = workers
	}
	p := &workerPool{
		workers: workers,
		jobs:    make(chan func(), queueDepth),
		quit:    make(chan struct{}),
		logger:  logger,
	}
	p.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// submit hands a job to the pool. Blocks only when the internal queue
// is full, and then only until space frees or ctx is cancelled. Returns
// errPoolClosed once close has begun.
func (p *workerPool) submit(ctx context.Context, job func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errPoolClosed
	}
	p.jobWG.Add(1)
	p.mu.Unlock()

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		p.jobWG.Done()
		return ctx.Err()
	}
}

// close stops accepting jobs, waits for every submitted job to finish,
// then shuts the workers down. Idempotent.
func (p *workerPool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.jobWG.Wait()
	close(p.quit)
	p.workerWG.Wait()
}

func (p *workerPool) worker() {
	defer p.workerWG.Done()
	for {
		select {
		case job := <-p.jobs:
			p.run(job)
		case <-p.quit:
			// Drain anything still queued before exiting.
			for {
				select {
				case job := <-p.jobs:
					p.run(job)
				default:
					return
				}
			}
		}
	}
}

func (p *workerPool) run(job func()) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer p.jobWG.Done()
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("pool job panic", "panic", r)
		}
	}()
	job()
}

// PoolInfo reports worker pool occupancy, surfaced in DispatchStats.
type PoolInfo struct {
	Workers int `json:"workers"`
	Active  int `json:"active"`
	Queued  int `json:"queued"`
}

func (p *workerPool) info() PoolInfo {
	return PoolInfo{
		Workers: p.workers,
		Active:  int(p.active.Load()),
		Queued:  len(p.jobs),
	}
}
