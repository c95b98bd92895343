package fleet

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// DefaultPoolSize bounds concurrent asynchronous tasks.
const DefaultPoolSize = 8

// Pool runs short tasks (registration, graceful shutdown) with bounded
// concurrency, and long-lived launch loops unbounded, under one context
// that Close cancels.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool running at most size bounded tasks at once.
func NewPool(size int64) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: semaphore.NewWeighted(size), ctx: ctx, cancel: cancel}
}

// Submit schedules a bounded task without blocking the caller. It reports
// false if the pool is closed. A task still queued when the pool closes
// runs anyway, without a slot and with a canceled context, so it can
// settle whatever it owns.
func (p *Pool) Submit(task func(ctx context.Context)) bool {
	return p.spawn(func() {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			task(p.ctx)
			return
		}
		defer p.sem.Release(1)
		task(p.ctx)
	})
}

// Go runs a long-lived task outside the concurrency bound. It reports
// false if the pool is closed.
func (p *Pool) Go(task func(ctx context.Context)) bool {
	return p.spawn(func() { task(p.ctx) })
}

func (p *Pool) spawn(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

// Close cancels every task's context and waits for them to return.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
