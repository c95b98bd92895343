package fleet

import "context"

// Future resolves once a planned worker is registered, or its slot failed.
type Future struct {
	done   chan struct{}
	worker *Worker
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(w *Worker, err error) {
	f.worker, f.err = w, err
	close(f.done)
}

// Done is closed when the future resolves.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the future resolves or ctx ends.
func (f *Future) Wait(ctx context.Context) (*Worker, error) {
	select {
	case <-f.done:
		return f.worker, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
