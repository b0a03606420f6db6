package rtask

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/internal/errtype"
	"github.com/posit-dev/ark/internal/interrupt"
)

// MaxQueueDepth bounds the Sync/FireAndForget queue the same way the
// teacher bounds busyMessagesChan: past this many pending tasks, submission
// fails loudly instead of blocking the submitter forever.
const MaxQueueDepth = 10000

// Broker is the single FIFO (plus an idle-only side queue) that RMain drains.
// Safe for concurrent Spawn* calls from any goroutine; Next must only be
// called from RMain's own goroutine.
type Broker struct {
	mu     sync.Mutex
	queue  []*Task
	idle   []*Task
	notify chan struct{}
	closed bool

	// running is the task currently executing, if any -- set only by
	// RMain's goroutine via Run, read by CancelRunning.
	running   *Task
	runningMu sync.Mutex
}

// New returns an empty Broker. If plane is non-nil, the broker subscribes
// to it and cancels whatever task is currently running whenever the plane
// is raised (spec §4.J "Interrupt cancels").
func New(plane *interrupt.Plane) *Broker {
	b := &Broker{notify: make(chan struct{}, 1)}
	if plane != nil {
		plane.Subscribe(func(interrupt.SubscriptionID) {
			b.CancelRunning()
		})
	}
	return b
}

// Spawn submits a Sync task and blocks until RMain has run it (or the
// broker closes first, or ctx is cancelled before RMain gets to it).
func (b *Broker) Spawn(ctx context.Context, label string, fn Fn) (any, error) {
	t, err := b.enqueue(ctx, KindSync, label, fn)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-t.result:
		return res.Value, res.Err
	case <-t.ctx.Done():
		return nil, errtype.Cancelled()
	}
}

// SpawnFireAndForget queues fn to run on RMain without blocking the caller.
// Errors are only visible via logging, since nobody is watching.
func (b *Broker) SpawnFireAndForget(label string, fn Fn) error {
	_, err := b.enqueue(context.Background(), KindFireAndForget, label, fn)
	return err
}

// SpawnIdle queues fn to run only once RMain's regular queue is empty.
func (b *Broker) SpawnIdle(label string, fn Fn) error {
	_, err := b.enqueue(context.Background(), KindIdleOnly, label, fn)
	return err
}

func (b *Broker) enqueue(ctx context.Context, kind Kind, label string, fn Fn) (*Task, error) {
	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{Kind: kind, Label: label, fn: fn, ctx: taskCtx, cancel: cancel}
	if kind == KindSync {
		t.result = make(chan Result, 1)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		cancel()
		return nil, errors.Errorf("rtask: broker is closed, rejecting %s task %q", kind, label)
	}
	switch kind {
	case KindIdleOnly:
		b.idle = append(b.idle, t)
	default:
		if len(b.queue) >= MaxQueueDepth {
			b.mu.Unlock()
			cancel()
			err := errors.Errorf("rtask: queue full (%d tasks pending), rejecting %q", MaxQueueDepth, label)
			klog.Errorf("%v", err)
			return nil, err
		}
		b.queue = append(b.queue, t)
	}
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return t, nil
}

// Next returns the next task to run, preferring the regular queue over the
// idle queue, or nil if there is nothing pending. Only RMain's pump should
// call this.
func (b *Broker) Next() *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		t := b.queue[0]
		b.queue = b.queue[1:]
		return t
	}
	if len(b.idle) > 0 {
		t := b.idle[0]
		b.idle = b.idle[1:]
		return t
	}
	return nil
}

// Peek reports whether a task is currently queued, without dequeuing it.
func (b *Broker) Peek() *Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) > 0 {
		return b.queue[0]
	}
	if len(b.idle) > 0 {
		return b.idle[0]
	}
	return nil
}

// NotifyChan is readable whenever a task may be waiting; RMain's pump
// selects on it (with a short timeout) instead of busy-polling Next.
func (b *Broker) NotifyChan() <-chan struct{} { return b.notify }

// Run dequeues and runs one task if any is pending, reports whether it ran
// one. Only RMain's goroutine should call this.
func (b *Broker) Run() bool {
	t := b.Next()
	if t == nil {
		return false
	}
	b.runningMu.Lock()
	b.running = t
	b.runningMu.Unlock()

	klog.V(2).Infof("rtask: running %s task %q", t.Kind, t.Label)
	t.run()

	b.runningMu.Lock()
	b.running = nil
	b.runningMu.Unlock()
	return true
}

// CancelRunning cancels whatever task is currently executing, if any. Tasks
// are expected to observe ctx.Err() (directly, or via rffi's interrupt
// check while inside R) and return promptly.
func (b *Broker) CancelRunning() {
	b.runningMu.Lock()
	t := b.running
	b.runningMu.Unlock()
	if t != nil {
		t.cancel()
	}
}

// Pending reports the number of tasks queued but not yet running, split by
// regular vs idle-only -- used by internal/metrics.
func (b *Broker) Pending() (regular, idleOnly int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue), len(b.idle)
}

// Close marks the broker closed: further Spawn* calls fail, and any tasks
// still queued are cancelled without running.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.queue {
		t.cancel()
	}
	for _, t := range b.idle {
		t.cancel()
	}
	b.queue = nil
	b.idle = nil
}
