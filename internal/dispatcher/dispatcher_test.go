package dispatcher

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/ark/internal/comms"
	"github.com/posit-dev/ark/internal/dap"
	"github.com/posit-dev/ark/internal/interrupt"
	"github.com/posit-dev/ark/internal/kernel"
	"github.com/posit-dev/ark/internal/rtask"
)

// fakeMessage is a minimal kernel.Message double, same shape as the one in
// internal/comms's tests: Content unmarshals from a canned payload, Reply
// and Publish record what was sent so assertions can inspect it.
type fakeMessage struct {
	raw     []byte
	replied []repliedMsg
}

type repliedMsg struct {
	msgType string
	content any
}

func newFakeMessage(t *testing.T, content any) *fakeMessage {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return &fakeMessage{raw: raw}
}

func (f *fakeMessage) Err() error                  { return nil }
func (f *fakeMessage) Compose() kernel.ComposedMsg { return kernel.ComposedMsg{} }
func (f *fakeMessage) MsgType() string             { return "test" }
func (f *fakeMessage) Content(v any) error          { return json.Unmarshal(f.raw, v) }
func (f *fakeMessage) Reply(msgType string, content any) error {
	f.replied = append(f.replied, repliedMsg{msgType, content})
	return nil
}
func (f *fakeMessage) Publish(string, any) error                { return nil }
func (f *fakeMessage) PromptInput(string, bool) (string, error) { return "", nil }
func (f *fakeMessage) DeliverInput(string, error)               {}

func newTestDispatcher() *Dispatcher {
	plane := interrupt.New()
	broker := rtask.New(plane)
	return New(nil, broker, comms.New(), dap.New(broker), nil)
}

func TestIdentifierAtFindsTrailingIdentifier(t *testing.T) {
	assert.Equal(t, "foo", identifierAt("bar::foo", 8))
	assert.Equal(t, "foo.bar", identifierAt("x <- foo.bar", 12))
	assert.Equal(t, "", identifierAt("x <- (", 6))
}

func TestIdentifierAtClampsCursorPastEndOfCode(t *testing.T) {
	assert.Equal(t, "abc", identifierAt("abc", 100))
}

func TestIdentifierAtNegativeCursorReturnsEmpty(t *testing.T) {
	assert.Equal(t, "", identifierAt("abc", -1))
}

func TestRecordHistoryBoundedAtMax(t *testing.T) {
	d := newTestDispatcher()
	for i := 0; i < 1005; i++ {
		d.recordHistory(i, "code", nil)
	}
	assert.Len(t, d.history, 1000)
	assert.Equal(t, 1004, d.history[len(d.history)-1][0])
}

func TestHandleHistoryRepliesWithSnapshot(t *testing.T) {
	d := newTestDispatcher()
	d.recordHistory(1, "1+1", "2")

	msg := newFakeMessage(t, map[string]any{})
	require.NoError(t, d.handleHistory(msg))
	require.Len(t, msg.replied, 1)
	assert.Equal(t, "history_reply", msg.replied[0].msgType)

	reply, ok := msg.replied[0].content.(kernel.HistoryReply)
	require.True(t, ok)
	require.Len(t, reply.History, 1)
	assert.Equal(t, 1, reply.History[0][0])
}

func TestHandleKernelInfoRepliesWithRLanguageInfo(t *testing.T) {
	d := newTestDispatcher()
	msg := newFakeMessage(t, map[string]any{})
	require.NoError(t, d.handleKernelInfo(msg))

	require.Len(t, msg.replied, 1)
	assert.Equal(t, "kernel_info_reply", msg.replied[0].msgType)

	info, ok := msg.replied[0].content.(kernel.KernelInfo)
	require.True(t, ok)
	assert.Equal(t, "R", info.LanguageInfo.Name)
	assert.Equal(t, ImplementationName, info.Implementation)
	assert.True(t, info.Debugger)
}

func TestHandleAsyncUnknownMessageTypeIgnored(t *testing.T) {
	d := newTestDispatcher()
	msg := newFakeMessage(t, map[string]any{})
	require.NoError(t, d.handleAsync(msg))
}
