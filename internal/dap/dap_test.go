package dap

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/ark/internal/interrupt"
	"github.com/posit-dev/ark/internal/kernel"
	"github.com/posit-dev/ark/internal/rtask"
)

// fakeMessage is a minimal kernel.Message double, same shape as the one in
// internal/comms -- each package keeps its own since Message has no public
// test double and the two packages otherwise wouldn't share test code.
type fakeMessage struct {
	published []struct {
		msgType string
		content any
	}
}

func (f *fakeMessage) Err() error                  { return nil }
func (f *fakeMessage) Compose() kernel.ComposedMsg { return kernel.ComposedMsg{} }
func (f *fakeMessage) MsgType() string             { return "debug_request" }
func (f *fakeMessage) Content(v any) error         { return nil }
func (f *fakeMessage) Reply(string, any) error     { return nil }
func (f *fakeMessage) Publish(msgType string, content any) error {
	f.published = append(f.published, struct {
		msgType string
		content any
	}{msgType, content})
	return nil
}
func (f *fakeMessage) PromptInput(string, bool) (string, error) { return "", nil }
func (f *fakeMessage) DeliverInput(string, error)               {}

func newTestServer() *Server {
	return New(rtask.New(interrupt.New()))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "NotDebugging", NotDebugging.String())
	assert.Equal(t, "Stopped", Stopped.String())
	assert.Equal(t, "TerminateRequested", TerminateRequested.String())
}

func TestHandleSetBreakpoints(t *testing.T) {
	s := newTestServer()
	args, _ := json.Marshal(map[string]any{
		"source":      map[string]any{"path": "script.R"},
		"breakpoints": []map[string]any{{"line": 3}, {"line": 9}},
	})
	body, err := s.handleSetBreakpoints(args)
	require.NoError(t, err)
	resp, ok := body.(map[string]any)
	require.True(t, ok)
	bps := resp["breakpoints"].([]*Breakpoint)
	require.Len(t, bps, 2)
	assert.Equal(t, 3, bps[0].Line)
	assert.True(t, bps[0].Verified)
}

func TestHandleContinueTransitionsStateAndEmitsEvent(t *testing.T) {
	s := newTestServer()
	msg := &fakeMessage{}
	_, err := s.handleContinue(msg)
	require.NoError(t, err)
	assert.Equal(t, Continuing, s.State())

	fn, ok := s.PollDirective()
	require.True(t, ok)
	require.NoError(t, fn(context.Background()))
	assert.Equal(t, NotDebugging, s.State())

	require.Len(t, msg.published, 1)
	assert.Equal(t, "debug_event", msg.published[0].msgType)
}

func TestHandlePauseCancelsRunningAndStops(t *testing.T) {
	s := newTestServer()
	msg := &fakeMessage{}
	_, err := s.handlePause(msg)
	require.NoError(t, err)
	assert.Equal(t, Stopped, s.State())
	require.Len(t, msg.published, 1)
}

func TestHandleDisconnectReturnsToNotDebugging(t *testing.T) {
	s := newTestServer()
	msg := &fakeMessage{}
	_, err := s.handleDisconnect(msg)
	require.NoError(t, err)
	assert.Equal(t, NotDebugging, s.State())
}

func TestHandleEvaluateUsesInjectedEvaluator(t *testing.T) {
	SetEvaluator(func(ctx context.Context, expr string) (any, error) {
		return "42", nil
	})
	defer SetEvaluator(func(ctx context.Context, expr string) (any, error) {
		return nil, nil
	})

	s := newTestServer()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				s.broker.Run()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	args, _ := json.Marshal(map[string]any{"expression": "6 * 7"})
	body, err := s.handleEvaluate(&fakeMessage{}, args)
	require.NoError(t, err)
	resp := body.(map[string]any)
	assert.Equal(t, "42", resp["result"])
}

// withBrokerRunning starts a goroutine draining s.broker the way
// TestHandleEvaluateUsesInjectedEvaluator does, for tests that call
// s.evalText indirectly through handleStackTrace/handleScopes/handleVariables.
func withBrokerRunning(s *Server) (stop func()) {
	stopCh := make(chan struct{})
	go func() {
		for {
			select {
			case <-stopCh:
				return
			default:
				s.broker.Run()
				time.Sleep(time.Millisecond)
			}
		}
	}()
	return func() { close(stopCh) }
}

func TestHandleStackTraceReportsRealFrameDepth(t *testing.T) {
	SetEvaluator(func(ctx context.Context, expr string) (any, error) {
		if expr == "as.character(sys.nframe())" {
			return "2", nil
		}
		return "f(1)", nil
	})
	defer SetEvaluator(func(ctx context.Context, expr string) (any, error) { return nil, nil })

	s := newTestServer()
	stop := withBrokerRunning(s)
	defer stop()

	body, err := s.handleStackTrace()
	require.NoError(t, err)
	resp := body.(map[string]any)
	assert.Equal(t, 2, resp["totalFrames"])
	frames := resp["stackFrames"].([]map[string]any)
	require.Len(t, frames, 2)
	assert.Equal(t, 1, frames[0]["id"])
	assert.Equal(t, "f(1)", frames[0]["name"])
}

func TestHandleStackTraceEmptyOutsideCall(t *testing.T) {
	SetEvaluator(func(ctx context.Context, expr string) (any, error) { return "0", nil })
	defer SetEvaluator(func(ctx context.Context, expr string) (any, error) { return nil, nil })

	s := newTestServer()
	stop := withBrokerRunning(s)
	defer stop()

	body, err := s.handleStackTrace()
	require.NoError(t, err)
	resp := body.(map[string]any)
	assert.Equal(t, 0, resp["totalFrames"])
	assert.Empty(t, resp["stackFrames"].([]map[string]any))
}

func TestHandleScopesReturnsGlobalEnvironment(t *testing.T) {
	s := newTestServer()
	body, err := s.handleScopes(json.RawMessage(`{}`))
	require.NoError(t, err)
	resp := body.(map[string]any)
	scopes := resp["scopes"].([]map[string]any)
	require.Len(t, scopes, 1)
	assert.Equal(t, "Global Environment", scopes[0]["name"])
	assert.Equal(t, globalScopeRef, scopes[0]["variablesReference"])
}

func TestHandleVariablesListsGlobalEnvBindings(t *testing.T) {
	SetEvaluator(func(ctx context.Context, expr string) (any, error) {
		return "x\t1\ny\t2 3", nil
	})
	defer SetEvaluator(func(ctx context.Context, expr string) (any, error) { return nil, nil })

	s := newTestServer()
	stop := withBrokerRunning(s)
	defer stop()

	args, _ := json.Marshal(map[string]any{"variablesReference": globalScopeRef})
	body, err := s.handleVariables(args)
	require.NoError(t, err)
	resp := body.(map[string]any)
	vars := resp["variables"].([]map[string]any)
	require.Len(t, vars, 2)
	assert.Equal(t, "x", vars[0]["name"])
	assert.Equal(t, "1", vars[0]["value"])
	assert.Equal(t, "y", vars[1]["name"])
	assert.Equal(t, "2 3", vars[1]["value"])
}

func TestHandleVariablesUnknownReferenceReturnsEmpty(t *testing.T) {
	s := newTestServer()
	args, _ := json.Marshal(map[string]any{"variablesReference": 99})
	body, err := s.handleVariables(args)
	require.NoError(t, err)
	resp := body.(map[string]any)
	assert.Empty(t, resp["variables"].([]map[string]any))
}

func TestPollDirectiveReturnsFalseWhenEmpty(t *testing.T) {
	s := newTestServer()
	_, ok := s.PollDirective()
	assert.False(t, ok)
}

func TestNextSeqIncrements(t *testing.T) {
	s := newTestServer()
	a := s.nextSeq()
	b := s.nextSeq()
	assert.Equal(t, a+1, b)
}
