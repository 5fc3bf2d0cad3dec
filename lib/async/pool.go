// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/coachpo/waterfall/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
	// mu orders Submit sends before Close so no job is queued after workers exit.
	mu     sync.RWMutex
	logger *log.Logger

	completed atomic.Uint64
	failed    atomic.Uint64
}

type job struct {
	ctx context.Context
	fn  Task
}

// PoolOption customises a pool.
type PoolOption func(*Pool)

// WithLogger routes task failures and panics to logger.
func WithLogger(logger *log.Logger) PoolOption {
	return func(p *Pool) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...PoolOption) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(chan job, queue),
		logger: log.New(os.Stdout, "async-pool ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.ctx.Err() != nil {
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}
	p.wg.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.cancel()
		p.mu.Unlock()
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Completed reports tasks that returned without error.
func (p *Pool) Completed() uint64 { return p.completed.Load() }

// Failed reports tasks that returned an error or panicked.
func (p *Pool) Failed() uint64 { return p.failed.Load() }

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			p.drainCancelled()
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

// drainCancelled releases queued jobs that will never run after Close.
func (p *Pool) drainCancelled() {
	for {
		select {
		case <-p.jobs:
			p.failed.Add(1)
			p.wg.Done()
		default:
			return
		}
	}
}

func (p *Pool) run(j job) {
	defer p.wg.Done()
	ctx := j.ctx
	if ctx == nil {
		ctx = p.ctx
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v\n%s", r, debug.Stack())
			}
		}()
		return j.fn(ctx)
	}()
	if err != nil {
		p.failed.Add(1)
		p.logger.Printf("task failed: %v", err)
		return
	}
	p.completed.Add(1)
}
