package concurrency

import "sync"

// Guarded owns a value that is only reachable while its mutex is held.
type Guarded[T any] struct {
	mu    sync.Mutex
	value T
}

// NewGuarded wraps v.
func NewGuarded[T any](v T) *Guarded[T] {
	return &Guarded[T]{value: v}
}

// Locked is an access handle returned by Guarded.Lock. It must be released
// with Unlock exactly once; Value must not be used afterwards.
type Locked[T any] struct {
	g *Guarded[T]
}

func (g *Guarded[T]) Lock() *Locked[T] {
	g.mu.Lock()
	return &Locked[T]{g: g}
}

func (l *Locked[T]) Value() *T {
	return &l.g.value
}

func (l *Locked[T]) Unlock() {
	l.g.mu.Unlock()
}

// With runs fn with the lock held. The lock is released even if fn panics.
func (g *Guarded[T]) With(fn func(v *T)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fn(&g.value)
}

// Load returns a copy of the guarded value.
func (g *Guarded[T]) Load() T {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.value
}
