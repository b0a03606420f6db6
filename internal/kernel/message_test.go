package kernel

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageContentDecodesJSON(t *testing.T) {
	raw, err := json.Marshal(map[string]any{"code": "print('hi')"})
	require.NoError(t, err)
	m := &MessageImpl{rawContent: raw}

	var content struct {
		Code string `json:"code"`
	}
	require.NoError(t, m.Content(&content))
	assert.Equal(t, "print('hi')", content.Code)
}

func TestMessageErrShortCircuitsContent(t *testing.T) {
	m := &MessageImpl{err: assert.AnError}
	var content struct{}
	assert.Equal(t, assert.AnError, m.Content(&content))
}

func TestMessageTypeAndCompose(t *testing.T) {
	m := &MessageImpl{compose: ComposedMsg{Header: MsgHeader{MsgType: "comm_msg"}}}
	assert.Equal(t, "comm_msg", m.MsgType())
	assert.Equal(t, "comm_msg", m.Compose().Header.MsgType)
}

func TestDeliverInputWakesWaiter(t *testing.T) {
	m := &MessageImpl{inputReply: make(chan inputResult, 1)}
	m.DeliverInput("hello", nil)

	select {
	case res := <-m.inputReply:
		assert.Equal(t, "hello", res.value)
		assert.NoError(t, res.err)
	default:
		t.Fatal("DeliverInput did not deliver to the waiting channel")
	}
}

func TestDeliverInputWithoutWaiterDoesNotPanic(t *testing.T) {
	m := &MessageImpl{}
	assert.NotPanics(t, func() { m.DeliverInput("ignored", nil) })
}

func TestNewComposedCarriesParentHeader(t *testing.T) {
	m := &MessageImpl{
		session: &Session{SessionID: "sess-1"},
		compose: ComposedMsg{Header: MsgHeader{MsgID: "parent-1", Username: "alice", MsgType: "execute_request"}},
	}
	out := m.newComposed("execute_reply", map[string]any{"status": "ok"})
	assert.Equal(t, "parent-1", out.ParentHeader.MsgID)
	assert.Equal(t, "alice", out.Header.Username)
	assert.Equal(t, "sess-1", out.Header.Session)
	assert.Equal(t, "execute_reply", out.Header.MsgType)
	assert.NotEmpty(t, out.Header.MsgID)
	assert.NotEqual(t, out.Header.MsgID, out.ParentHeader.MsgID)
}
