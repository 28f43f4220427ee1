// Package promise provides the two settlement primitives the pipeline is
// built on: a one-shot broadcast Signal and a single-assignment Promise.
package promise

import (
	"context"
	"sync"
)

// Signal is a one-shot broadcast. Set is idempotent; any number of waiters
// may observe it concurrently, registered before or after the set.
type Signal struct {
	once sync.Once
	ch   chan struct{}
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set fires the signal. Safe to call any number of times.
func (s *Signal) Set() {
	s.once.Do(func() { close(s.ch) })
}

// IsSet reports whether the signal has fired.
func (s *Signal) IsSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} {
	return s.ch
}

// Wait blocks until the signal fires or ctx is done.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Promise is a single-assignment result container. Exactly one terminal
// transition (value or error) is permitted; later attempts are no-ops and
// report false rather than overwriting.
type Promise[T any] struct {
	mu    sync.Mutex
	done  chan struct{}
	value T
	err   error
}

// New creates a pending promise.
func New[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// SetValue resolves the promise. Returns false if already settled.
func (p *Promise[T]) SetValue(v T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.value = v
	close(p.done)
	return true
}

// SetError rejects the promise. Returns false if already settled.
func (p *Promise[T]) SetError(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return false
	default:
	}
	p.err = err
	close(p.done)
	return true
}

// Settled reports whether the promise has a terminal state.
func (p *Promise[T]) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on settlement.
func (p *Promise[T]) Done() <-chan struct{} {
	return p.done
}

// Await blocks until settlement or ctx expiry. On ctx expiry the promise
// itself stays pending and ctx.Err() is returned.
func (p *Promise[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
