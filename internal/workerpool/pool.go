// Package workerpool provides a fixed-size FIFO task queue drained by N
// long-lived, context-cancellable, logger-aware worker goroutines.
package workerpool

import (
	"context"
	"errors"
	"sync"

	"github.com/kvant-labs/dalink/internal/logging"
)

// ErrStopped is returned by Enqueue once the pool has been stopped.
var ErrStopped = errors.New("workerpool: stopped")

// Task is a unit of work submitted to the pool.
type Task func()

// Pool is a fixed-size worker pool with a FIFO task channel buffered to
// 1024 tasks; Enqueue blocks while it is full.
type Pool struct {
	tasks   chan Task
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	logger  *logging.Logger
	name    string
}

// New starts a pool of n workers named for logging purposes.
func New(name string, n int, logger *logging.Logger) *Pool {
	if logger == nil {
		logger = logging.Default()
	}
	p := &Pool{
		tasks:  make(chan Task, 1024),
		logger: logger,
		name:   name,
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for task := range p.tasks {
		task()
	}
	p.logger.Debug("worker exiting", "pool", p.name, "worker", id)
}

// Enqueue submits a task to run on some worker. Returns ErrStopped if the
// pool has already been stopped.
func (p *Pool) Enqueue(task Task) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	p.mu.Unlock()

	select {
	case p.tasks <- task:
		return nil
	default:
		// Queue briefly full; block the caller rather than drop the task.
		// Enqueue after stop is the only error case here.
		p.tasks <- task
		return nil
	}
}

// Go is a convenience wrapper that runs fn as a long-lived task for the
// lifetime of the pool (used for the read/write event-loop workers and
// URB monitors, which never return on their own until ctx is done).
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context)) error {
	return p.Enqueue(func() { fn(ctx) })
}

// Stop marks the pool stopped and waits for all queued tasks already
// accepted to drain; it does not interrupt a long-running task already
// executing in a worker (callers of Go are expected to observe ctx.Done()
// themselves).
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.wg.Wait()
}
