package rmain

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/posit-dev/ark/internal/interrupt"
	"github.com/posit-dev/ark/internal/rtask"
	"github.com/posit-dev/ark/internal/streamcapture"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "busy", StateBusy.String())
	assert.Equal(t, "idle", StateIdle.String())
}

func TestSetDebugHookAndStop(t *testing.T) {
	broker := rtask.New(interrupt.New())
	capture := streamcapture.New(nil)
	var states []State
	m := New(broker, interrupt.New(), capture, func(s State) { states = append(states, s) })

	fake := &fakeDebugHook{}
	m.SetDebugHook(fake)
	assert.Equal(t, fake, m.debug)

	m.Stop()
	// Stop is idempotent.
	m.Stop()
}

type fakeDebugHook struct{}

func (*fakeDebugHook) PollDirective() (func(ctx context.Context) error, bool) {
	return nil, false
}
