// Package latch implements the one-shot value/error handoff used to
// signal per-author bucket fulfillment across relay workers.
package latch

import (
	"context"
	"sync"
)

// Latch is a one-shot cell holding either a value or an error. The first
// call to Resolve or Reject wins; later calls are no-ops. Any number of
// goroutines may Await the same outcome.
type Latch[T any] struct {
	once sync.Once
	done chan struct{}
	val  T
	err  error
}

// New returns an unresolved Latch.
func New[T any]() *Latch[T] {
	return &Latch[T]{done: make(chan struct{})}
}

// Resolve sets the latch's value. A no-op if already resolved or rejected.
func (l *Latch[T]) Resolve(v T) {
	l.once.Do(func() {
		l.val = v
		close(l.done)
	})
}

// Reject sets the latch's error. A no-op if already resolved or rejected.
func (l *Latch[T]) Reject(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// Await blocks until the latch resolves or rejects, or ctx is done.
func (l *Latch[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-l.done:
		return l.val, l.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done reports whether the latch has been resolved or rejected.
func (l *Latch[T]) Done() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}
