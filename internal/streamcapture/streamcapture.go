// Package streamcapture redirects R's stdout/stderr to IOPub "stream"
// messages (spec §4.I). R writes through the rffi console callback rather
// than an OS file descriptor, so unlike a subprocess's stdout there is no
// pipe to dup2 over -- instead Capture.OnConsoleWrite is the callback
// internal/rffi.SetConsoleWriter is pointed at. Bytes written straight to
// the process's stdout/stderr file descriptors (e.g. C-level printf) bypass
// that callback and are not captured.
//
// Grounded on the teacher's internal/jpyexec.Executor, which copies a child
// process's stdout/stderr into the notebook via io.Copy(jupyterWriter,
// cmdPipe) goroutines; the same "writer fed from whatever produces the
// bytes" shape is kept here, just fed by rffi's callback instead of an
// os.Pipe reader goroutine.
package streamcapture

import (
	"sync"

	"github.com/posit-dev/ark/internal/kernel"
)

// Sink is where captured bytes end up -- internal/iopub.Publisher.Write.
type Sink interface {
	Write(parent kernel.ComposedMsg, streamName string, data []byte) error
}

// Capture attributes R's console output to whatever request is currently
// "current" -- set by the dispatcher around each execute_request, since
// R's console callback carries no request context of its own.
type Capture struct {
	sink Sink

	mu      sync.Mutex
	current kernel.ComposedMsg
	hasMsg  bool

	// currentMsg is the full Message the output above is attributed to,
	// kept separately from current/hasMsg because OnReadConsole needs
	// Message.PromptInput, not just the ComposedMsg header. allowStdin
	// mirrors execute_request's allow_stdin field (spec §3): when false,
	// OnReadConsole refuses to prompt at all.
	currentMsg kernel.Message
	allowStdin bool
}

// New returns a Capture writing through sink.
func New(sink Sink) *Capture {
	return &Capture{sink: sink}
}

// SetCurrent marks parent as the request any console output arriving right
// now should be attributed to. Call with hasMsg=false to attribute
// subsequent output to nothing (it is dropped) -- e.g. between requests.
func (c *Capture) SetCurrent(parent kernel.ComposedMsg, hasMsg bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = parent
	c.hasMsg = hasMsg
}

// OnConsoleWrite is the rffi.ConsoleWriter callback: forwards data to the
// sink as a "stdout" or "stderr" stream, attributed to whatever request is
// current.
func (c *Capture) OnConsoleWrite(data []byte, isError bool) {
	c.mu.Lock()
	parent, hasMsg := c.current, c.hasMsg
	c.mu.Unlock()
	if !hasMsg || len(data) == 0 {
		return
	}
	name := "stdout"
	if isError {
		name = "stderr"
	}
	// Errors are swallowed here deliberately: a failed stream write must
	// never propagate back into R's console callback, which has no
	// facility for reporting it and would otherwise wedge R's print loop.
	_ = c.sink.Write(parent, name, data)
}

// SetCurrentMessage records the Message whose stdin input_request
// (spec §4.F) any read-console callback arriving right now should be
// prompted on behalf of, and whether that request's allow_stdin permits
// prompting at all. Call with msg=nil between requests.
func (c *Capture) SetCurrentMessage(msg kernel.Message, allowStdin bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.currentMsg = msg
	c.allowStdin = allowStdin
}

// OnReadConsole is the rffi.ReadConsoleFn callback: R calls this whenever it
// needs a line of input, both at its own top-level prompt and from a
// mid-evaluation readline()/scan(). It blocks on Message.PromptInput, which
// sends "input_request" on the stdin socket and waits for "input_reply" --
// this is the production wiring Testable Scenario 4 depends on. Returns
// ok=false (surfaced to R as EOF) if there is no current request or it
// declared allow_stdin=false.
func (c *Capture) OnReadConsole(prompt string) (string, bool) {
	c.mu.Lock()
	msg, allowStdin := c.currentMsg, c.allowStdin
	c.mu.Unlock()
	if msg == nil || !allowStdin {
		return "", false
	}
	value, err := msg.PromptInput(prompt, false)
	if err != nil {
		return "", false
	}
	return value, true
}
