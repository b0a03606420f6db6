// Package interrupt implements the kernel's interrupt & signal plane
// (spec §4.J): a process-wide flag, raised by process signals (SIGINT and
// the other CaptureSignals), that RMain's pump checks once per iteration
// and that the task broker subscribes to in order to cancel the running
// task. A control-channel "interrupt_request" and a DAP "pause" request do
// not raise it: they call rtask.Broker.CancelRunning directly. Nothing
// here sets R's own pending-interrupt flag.
//
// Grounded on the teacher's internal/kernel.Kernel.HandleInterrupt /
// SubscribeInterrupt / CallInterruptSubscribers, generalized out of the
// Kernel struct into its own package since here it is shared by RMain, the
// task broker and cmd/ark's signal wiring, not just the socket layer.
package interrupt

import (
	"container/list"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// SubscriptionID is returned by Plane.Subscribe and consumed by Plane.Unsubscribe.
type SubscriptionID *list.Element

// Fn is called, on its own goroutine, whenever an interruption is raised.
type Fn func(id SubscriptionID)

// Plane is the process-wide interrupt flag plus its subscriber list.
//
// Raise/Clear/IsSet is the entire contract on every platform: Raise sets the
// Go-side flag and notifies subscribers, and fires no platform-specific
// signal of its own.
type Plane struct {
	flag atomic.Bool

	mu            sync.Mutex
	subscriptions *list.List

	signalsChan chan os.Signal
	stop        chan struct{}
}

// New returns a Plane with no flag set and no subscribers.
func New() *Plane {
	return &Plane{subscriptions: list.New(), stop: make(chan struct{})}
}

// Raise sets the interrupt flag and notifies every subscriber. Idempotent:
// raising an already-raised flag still renotifies subscribers, since a
// second SIGINT while one is already being handled is meaningful (some
// frontends double-send during a slow interrupt).
func (p *Plane) Raise() {
	p.flag.Store(true)
	p.notifySubscribers()
}

// Clear resets the interrupt flag. Called by RMain once it has observed and
// acted on a raised flag (e.g. after a Sync task resolves to Cancelled).
func (p *Plane) Clear() {
	p.flag.Store(false)
}

// IsSet reports whether the interrupt flag is currently raised.
func (p *Plane) IsSet() bool {
	return p.flag.Load()
}

// Subscribe registers fn to be called whenever Raise is called. Returns an
// id to later Unsubscribe with.
func (p *Plane) Subscribe(fn Fn) SubscriptionID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subscriptions.PushBack(fn)
}

// Unsubscribe stops fn from being called on future Raise calls.
func (p *Plane) Unsubscribe(id SubscriptionID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id.Value == nil {
		return // already unsubscribed
	}
	id.Value = nil
	p.subscriptions.Remove(id)
}

func (p *Plane) notifySubscribers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for e := p.subscriptions.Front(); e != nil; e = e.Next() {
		if e.Value == nil {
			continue
		}
		fn := e.Value.(Fn)
		go fn(e)
	}
}

// HandleProcessSignals starts a goroutine translating process signals into
// Plane.Raise calls. os.Interrupt (SIGINT) just raises the flag -- Jupyter
// sends it to mean "interrupt the running cell" -- every other captured
// signal additionally closes stopped.
func (p *Plane) HandleProcessSignals(stopped chan<- struct{}) {
	if p.signalsChan != nil {
		return
	}
	p.signalsChan = make(chan os.Signal, 1)
	signal.Notify(p.signalsChan, CaptureSignals...)
	go func() {
		defer func() {
			signal.Reset(os.Interrupt)
			p.signalsChan = nil
		}()
		for {
			select {
			case sig := <-p.signalsChan:
				p.Raise()
				klog.Infof("interrupt: signal %s received", sig)
				if sig == os.Interrupt {
					continue // just interrupt the running task
				}
				klog.Errorf("interrupt: signal %s triggers kernel shutdown", sig)
				select {
				case <-stopped:
				default:
					close(stopped)
				}
				return
			case <-p.stop:
				return
			}
		}
	}()
}

// Close stops HandleProcessSignals' goroutine, if running.
func (p *Plane) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
}
