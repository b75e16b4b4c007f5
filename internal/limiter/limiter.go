// Package limiter provides a non-blocking bounded counter used to cap how
// many concurrent services of a kind the agent will run (spec §C5).
// Grounded in the original agent's limiter.Limiter: unlike a semaphore it
// never blocks — Acquire either grants a slot or fails immediately with
// ErrLimitReached.
package limiter

import (
	"fmt"
	"sync"
)

// ErrLimitReached is returned by Acquire when the limiter is already at its
// configured bound.
type ErrLimitReached struct {
	Name  string
	Limit int
}

func (e *ErrLimitReached) Error() string {
	return fmt.Sprintf("%s limit (%d) reached", e.Name, e.Limit)
}

// Limiter is a thread-safe counter with an upper bound.
type Limiter struct {
	name  string
	limit int

	mu    sync.Mutex
	value int
}

// New creates a limiter. limit must be positive.
func New(name string, limit int) *Limiter {
	if limit <= 0 {
		panic("limiter: limit must be positive")
	}
	return &Limiter{name: name, limit: limit}
}

// Name returns the limiter's name, used in error messages and metrics.
func (l *Limiter) Name() string { return l.name }

// Value returns the current count.
func (l *Limiter) Value() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}

// Acquire grants one slot, or returns *ErrLimitReached if the limiter is
// already at its bound.
func (l *Limiter) Acquire() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.value >= l.limit {
		return &ErrLimitReached{Name: l.name, Limit: l.limit}
	}
	l.value++
	return nil
}

// Release gives back one slot. It panics if called more times than Acquire
// succeeded — that indicates a bug in the caller, same as the original.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.value <= 0 {
		panic("limiter: released below zero")
	}
	l.value--
}

// Grant represents one acquired slot. Release is idempotent after the first
// call so deferred cleanup composes safely with an explicit early release.
type Grant struct {
	once sync.Once
	l    *Limiter
}

// TryAcquire acquires a slot and returns a Grant that releases it exactly
// once, matching the original's limiter_context: acquire up front, release
// on any error path via defer.
func (l *Limiter) TryAcquire() (*Grant, error) {
	if err := l.Acquire(); err != nil {
		return nil, err
	}
	return &Grant{l: l}, nil
}

// Release gives back the grant's slot. Safe to call multiple times or on a
// nil Grant.
func (g *Grant) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.l.Release()
	})
}
