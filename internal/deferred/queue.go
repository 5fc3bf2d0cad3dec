// Package deferred hands callbacks from arbitrary goroutines to the single owning context.
package deferred

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Call is an opaque zero-argument action executed on the owning context.
type Call func()

// Queue is an unbounded FIFO mailbox. Enqueue is safe from any goroutine; Drain must
// only run on the owning context.
type Queue struct {
	mu      sync.Mutex
	pending []Call

	draining atomic.Bool
	panics   atomic.Uint64
	executed atomic.Uint64

	logger *log.Logger
}

// Option configures optional queue behaviour.
type Option func(*Queue)

// WithLogger overrides the logger used to report recovered panics.
func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue constructs an empty queue.
func NewQueue(opts ...Option) *Queue {
	q := &Queue{
		mu:      sync.Mutex{},
		pending: nil,
		logger:  log.New(os.Stdout, "deferred ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q
}

// Enqueue appends call for execution on the next drain. Nil calls are ignored.
func (q *Queue) Enqueue(call Call) {
	if call == nil {
		return
	}
	q.mu.Lock()
	q.pending = append(q.pending, call)
	q.mu.Unlock()
}

// Len reports the number of calls waiting for the next drain.
func (q *Queue) Len() int {
	q.mu.Lock()
	n := len(q.pending)
	q.mu.Unlock()
	return n
}

// Drain executes every call enqueued before it started, in order. Calls enqueued while
// draining run on the next drain. A nested Drain from inside a call is a no-op.
func (q *Queue) Drain() int {
	if !q.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer q.draining.Store(false)

	q.mu.Lock()
	batch := q.pending
	q.pending = nil
	q.mu.Unlock()

	for i, call := range batch {
		q.invoke(call)
		batch[i] = nil
	}
	q.executed.Add(uint64(len(batch)))
	return len(batch)
}

func (q *Queue) invoke(call Call) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			q.logger.Printf("%v", fmt.Errorf("deferred call panic: %v\n%s", r, debug.Stack()))
		}
	}()
	call()
}

// Panics reports how many drained calls panicked since construction.
func (q *Queue) Panics() uint64 {
	return q.panics.Load()
}

// Executed reports how many calls were drained since construction.
func (q *Queue) Executed() uint64 {
	return q.executed.Load()
}

// Run drains the queue every interval until ctx is done, then performs a final drain.
// The goroutine calling Run becomes the owning context.
func (q *Queue) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			q.Drain()
			return
		case <-ticker.C:
			q.Drain()
		}
	}
}
