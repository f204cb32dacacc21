// Package future provides the small concurrency primitives the execution
// engine is built on: one-shot settled values, a single-consumer checkpoint
// queue, a cooperative settle barrier, and a resettable deadline timer.
package future

import (
	"context"
	"sync"
)

// Deferred is a one-shot future. It settles exactly once, by either Resolve
// or Reject; later settle attempts are ignored. Any number of goroutines may
// Await the outcome.
type Deferred[T any] struct {
	mu      sync.Mutex
	done    chan struct{}
	value   T
	err     error
	settled bool
}

func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{done: make(chan struct{})}
}

// Resolve settles the future with a value. Returns false if it was already
// settled.
func (d *Deferred[T]) Resolve(v T) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.value = v
	d.settled = true
	close(d.done)
	return true
}

// Reject settles the future with an error. Returns false if it was already
// settled.
func (d *Deferred[T]) Reject(err error) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return false
	}
	d.err = err
	d.settled = true
	close(d.done)
	return true
}

// Await blocks until the future settles or ctx is done.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Settled reports whether the future has been resolved or rejected.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Done exposes the settle signal for select loops.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}
