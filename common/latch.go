package common

import "sync"

// Latch is a one-shot broadcast signal: any number of goroutines can Wait on
// it, and a single Trigger wakes them all. Triggering an already-triggered
// Latch is a no-op.
//
// Used by internal/comms, which gives every open comm a Latch that is
// triggered when the comm closes.
type Latch struct {
	mu        sync.Mutex
	ch        chan struct{}
	triggered bool
}

// NewLatch returns a Latch that hasn't been triggered yet.
func NewLatch() *Latch {
	return &Latch{ch: make(chan struct{})}
}

// Trigger wakes up all current and future waiters. Safe to call more than
// once or concurrently; only the first call has an effect.
func (l *Latch) Trigger() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.triggered {
		return
	}
	l.triggered = true
	close(l.ch)
}

// Wait blocks until Trigger is called.
func (l *Latch) Wait() {
	<-l.ch
}

// Done returns the underlying channel, for use in a select statement.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// LatchWithValue is a Latch that also carries a value set by the triggering
// call, for places (heartbeat ping/pong style waits) where the waiter needs
// to know not just that something happened but what.
type LatchWithValue[T any] struct {
	mu        sync.Mutex
	ch        chan struct{}
	triggered bool
	value     T
}

// NewLatchWithValue returns a LatchWithValue that hasn't been triggered yet.
func NewLatchWithValue[T any]() *LatchWithValue[T] {
	return &LatchWithValue[T]{ch: make(chan struct{})}
}

// Trigger sets the value and wakes up all waiters. Only the first call has
// an effect; later calls (including their value) are discarded.
func (l *LatchWithValue[T]) Trigger(value T) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.triggered {
		return
	}
	l.value = value
	l.triggered = true
	close(l.ch)
}

// Wait blocks until Trigger is called and returns the value it was given.
func (l *LatchWithValue[T]) Wait() T {
	<-l.ch
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.value
}
