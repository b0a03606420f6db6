// Package rmain implements RMain (spec §4.A): the single goroutine that
// ever touches R. Its pump loop, each iteration, (1) checks the interrupt
// plane and clears R's own interrupt flag once observed, (2) lets R run one
// iteration of its own idle/event processing, (3) drains one pending
// rtask.Task if any, (4) if no task ran, lets the DAP server's pending
// directive (step, continue, pause) take effect if one is queued, and (5)
// repeats.
//
// Grounded on the teacher's goexec.State.ExecuteCell, the one place gonb
// itself funnels all user-code execution through a single call path --
// generalized here into a perpetual pump since an R kernel's "main thread"
// owns R for the whole process lifetime, not just for the duration of one
// cell.
package rmain

import (
	"context"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/internal/errtype"
	"github.com/posit-dev/ark/internal/interrupt"
	"github.com/posit-dev/ark/internal/rffi"
	"github.com/posit-dev/ark/internal/rtask"
	"github.com/posit-dev/ark/internal/streamcapture"
)

// PollInterval bounds how long one pump iteration waits for a new task
// before looping back to let R's own idle processing run again.
const PollInterval = 20 * time.Millisecond

// State is the execution state RMain reports via "status" messages.
type State int

const (
	StateStarting State = iota
	StateBusy
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateBusy:
		return "busy"
	default:
		return "idle"
	}
}

// DebugHook lets the DAP server inject a directive into the pump loop
// (spec §4.H): "run this one statement then stop", "continue to
// completion", etc. Implemented by internal/dap.Server.
type DebugHook interface {
	// PollDirective returns a pending debug directive to act on, if any,
	// consuming it.
	PollDirective() (fn func(ctx context.Context) error, ok bool)
}

// RMain owns the embedded R session and the task broker feeding it.
type RMain struct {
	broker  *rtask.Broker
	plane   *interrupt.Plane
	capture *streamcapture.Capture
	debug   DebugHook

	onStateChange func(State)

	stop chan struct{}
}

// New wires together a fresh RMain. capture attributes console output to
// the request currently executing; debug may be nil until the DAP server
// is constructed.
func New(broker *rtask.Broker, plane *interrupt.Plane, capture *streamcapture.Capture, onStateChange func(State)) *RMain {
	return &RMain{
		broker:        broker,
		plane:         plane,
		capture:       capture,
		onStateChange: onStateChange,
		stop:          make(chan struct{}),
	}
}

// SetDebugHook attaches the DAP server once it exists -- RMain and the DAP
// server are constructed in sequence, each needing the other, so this is a
// two-phase wiring rather than a constructor cycle.
func (m *RMain) SetDebugHook(h DebugHook) { m.debug = h }

// Run embeds R (rffi.Init) and pumps until Stop is called. Must be run on
// its own dedicated goroutine -- the only goroutine in the process that
// ever calls into internal/rffi.
func (m *RMain) Run() error {
	rffi.SetConsoleWriter(m.capture.OnConsoleWrite)
	rffi.SetReadConsole(m.capture.OnReadConsole)
	if err := rffi.Init(); err != nil {
		return errtype.Wrap(errtype.KindInternal, err, "rmain: failed to embed R")
	}
	defer rffi.Shutdown()

	m.setState(StateIdle)
	for {
		select {
		case <-m.stop:
			return nil
		default:
		}
		m.pumpOnce()
	}
}

// Stop asks Run to return after its current iteration.
func (m *RMain) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
}

func (m *RMain) pumpOnce() {
	// Step 1: observe and clear the interrupt plane (spec §4.J).
	if m.plane.IsSet() {
		m.broker.CancelRunning()
		rffi.ClearInterrupt()
		m.plane.Clear()
	}

	// Step 2: let R service its own idle/event processing.
	rffi.RunOnce()

	// Step 3: run one pending task, if any.
	select {
	case <-m.broker.NotifyChan():
	case <-time.After(PollInterval):
	}
	if ran := m.runTaskWithStateTransition(); ran {
		return
	}

	// Step 4: let a pending DAP directive take effect (spec §4.H).
	if m.debug != nil {
		if fn, ok := m.debug.PollDirective(); ok {
			m.setState(StateBusy)
			if err := fn(context.Background()); err != nil {
				klog.Warningf("rmain: debug directive failed: %+v", err)
			}
			m.setState(StateIdle)
		}
	}
}

func (m *RMain) runTaskWithStateTransition() bool {
	if m.broker.Peek() == nil {
		return false
	}
	m.setState(StateBusy)
	ran := m.broker.Run()
	m.setState(StateIdle)
	return ran
}

func (m *RMain) setState(s State) {
	if m.onStateChange != nil {
		m.onStateChange(s)
	}
}

// Eval is the Fn rtask tasks servicing execute_request/DAP-evaluate call:
// a thin, state-free wrapper over rffi.Eval kept here so callers depend on
// rmain's API surface rather than reaching into rffi directly.
func Eval(ctx context.Context, code string) ([]rffi.EvalResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, errtype.Cancelled()
	}
	results, err := rffi.Eval(code)
	if err != nil {
		return results, errtype.Wrap(errtype.KindRError, err, "%s", err.Error())
	}
	return results, nil
}

// EvalLines evaluates code and returns its printed output split into lines,
// for callers (inspect_request, complete_request) that want simple text
// rather than the full per-expression EvalResult slice.
func EvalLines(ctx context.Context, code string) ([]string, error) {
	results, err := Eval(ctx, code)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, r := range results {
		if r.Printed == "" {
			continue
		}
		lines = append(lines, strings.Split(strings.TrimRight(r.Printed, "\n"), "\n")...)
	}
	return lines, nil
}
