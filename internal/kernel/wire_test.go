package kernel

import (
	"encoding/hex"
	"testing"

	"github.com/go-zeromq/zmq4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSession(key string) *Session {
	return &Session{sockets: &SocketGroup{Key: []byte(key)}}
}

func TestToWireAndFromWireRoundTrip(t *testing.T) {
	k := newTestSession("s3cr3t")
	compose := ComposedMsg{
		Header:   MsgHeader{MsgID: "m1", MsgType: "execute_request", Session: "sess", ProtocolVersion: ProtocolVersion},
		Metadata: map[string]any{"foo": "bar"},
		Content:  map[string]any{"code": "1+1"},
	}

	parts, err := k.toWireParts(compose)
	require.NoError(t, err)
	require.Len(t, parts, 5)

	frames := append([][]byte{[]byte("identity-1")}, delimiter)
	frames = append(frames, parts...)

	msg := k.FromWireMsg(zmq4.NewMsgFrom(frames...))
	require.NoError(t, msg.Err())
	assert.Equal(t, "execute_request", msg.MsgType())
	assert.Equal(t, [][]byte{[]byte("identity-1")}, msg.identities)

	var content struct {
		Code string `json:"code"`
	}
	require.NoError(t, msg.Content(&content))
	assert.Equal(t, "1+1", content.Code)
}

func TestFromWireMsgRejectsBadSignature(t *testing.T) {
	k := newTestSession("s3cr3t")
	compose := ComposedMsg{Header: MsgHeader{MsgID: "m1", MsgType: "execute_request"}}
	parts, err := k.toWireParts(compose)
	require.NoError(t, err)

	other := newTestSession("different-key")
	frames := append([][]byte{}, delimiter)
	frames = append(frames, parts...)
	msg := other.FromWireMsg(zmq4.NewMsgFrom(frames...))
	require.Error(t, msg.Err())
	assert.IsType(t, &InvalidSignatureError{}, msg.Err())
}

func TestFromWireMsgRejectsMissingDelimiter(t *testing.T) {
	k := newTestSession("")
	msg := k.FromWireMsg(zmq4.NewMsgFrom([]byte("frame-1"), []byte("frame-2")))
	assert.Error(t, msg.Err())
}

func TestSignEmptyKeyProducesNoSignature(t *testing.T) {
	sig := sign(nil, []byte("a"), []byte("b"))
	assert.Nil(t, sig)
}

func TestSignIsDeterministicHex(t *testing.T) {
	sig := sign([]byte("key"), []byte("part1"), []byte("part2"))
	_, err := hex.DecodeString(string(sig))
	require.NoError(t, err)
	sig2 := sign([]byte("key"), []byte("part1"), []byte("part2"))
	assert.Equal(t, sig, sig2)
}
