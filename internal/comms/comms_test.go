package comms

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/ark/internal/kernel"
)

// fakeMessage is a minimal kernel.Message double: Content unmarshals from a
// canned JSON payload, Publish records what was published.
type fakeMessage struct {
	raw    []byte
	published []publishedMsg
}

type publishedMsg struct {
	msgType string
	content any
}

func newFakeMessage(t *testing.T, content any) *fakeMessage {
	t.Helper()
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	return &fakeMessage{raw: raw}
}

func (f *fakeMessage) Err() error               { return nil }
func (f *fakeMessage) Compose() kernel.ComposedMsg { return kernel.ComposedMsg{} }
func (f *fakeMessage) MsgType() string          { return "test" }
func (f *fakeMessage) Content(v any) error       { return json.Unmarshal(f.raw, v) }
func (f *fakeMessage) Reply(string, any) error   { return nil }
func (f *fakeMessage) Publish(msgType string, content any) error {
	f.published = append(f.published, publishedMsg{msgType, content})
	return nil
}
func (f *fakeMessage) PromptInput(string, bool) (string, error) { return "", nil }
func (f *fakeMessage) DeliverInput(string, error)               {}

func TestHandleOpenUnknownTargetIgnored(t *testing.T) {
	r := New()
	msg := newFakeMessage(t, map[string]any{"comm_id": "c1", "target_name": "not.a.target"})
	require.NoError(t, r.HandleOpen(msg))
	assert.Empty(t, r.Info())
}

func TestHandleOpenNoHandlerIgnored(t *testing.T) {
	r := New()
	msg := newFakeMessage(t, map[string]any{"comm_id": "c1", "target_name": TargetVariables})
	require.NoError(t, r.HandleOpen(msg))
	assert.Empty(t, r.Info())
}

func TestOpenHandleMsgHandleClose(t *testing.T) {
	r := New()
	r.RegisterTarget(TargetVariables, func(commID string, data map[string]any) (map[string]any, error) {
		return map[string]any{"echo": data["x"]}, nil
	})

	openMsg := newFakeMessage(t, map[string]any{"comm_id": "c1", "target_name": TargetVariables})
	require.NoError(t, r.HandleOpen(openMsg))

	info := r.Info()
	require.Len(t, info, 1)
	assert.Equal(t, TargetVariables, info["c1"].TargetName)

	msgMsg := newFakeMessage(t, map[string]any{"comm_id": "c1", "data": map[string]any{"x": 42.0}})
	require.NoError(t, r.HandleMsg(msgMsg))
	require.Len(t, msgMsg.published, 1)
	assert.Equal(t, "comm_msg", msgMsg.published[0].msgType)

	closeMsg := newFakeMessage(t, map[string]any{"comm_id": "c1"})
	require.NoError(t, r.HandleClose(closeMsg))
	assert.Empty(t, r.Info())
}

func TestSendToUnknownCommErrors(t *testing.T) {
	r := New()
	msg := newFakeMessage(t, map[string]any{})
	err := r.Send(msg, "nope", map[string]any{})
	assert.Error(t, err)
}

func TestOpenKernelInitiated(t *testing.T) {
	r := New()
	msg := newFakeMessage(t, map[string]any{})
	id, err := r.Open(msg, TargetPlots, map[string]any{"uri": "plot://1"}, func(string, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.Len(t, msg.published, 1)
	assert.Equal(t, "comm_open", msg.published[0].msgType)

	info := r.Info()
	assert.Equal(t, TargetPlots, info[id].TargetName)
}

func TestCloseAllSendsCommCloseForEachOpenComm(t *testing.T) {
	r := New()
	openMsg := newFakeMessage(t, map[string]any{})
	_, err := r.Open(openMsg, TargetHelp, nil, func(string, map[string]any) (map[string]any, error) { return nil, nil })
	require.NoError(t, err)

	closeMsg := newFakeMessage(t, map[string]any{})
	r.CloseAll(closeMsg)
	require.Len(t, closeMsg.published, 1)
	assert.Equal(t, "comm_close", closeMsg.published[0].msgType)
	assert.Empty(t, r.Info())
}
