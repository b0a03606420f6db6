package kernel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
)

var delimiter = []byte("<IDS|MSG>")

// MsgHeader is the common header every Jupyter message carries (spec §6).
type MsgHeader struct {
	MsgID           string `json:"msg_id"`
	Username        string `json:"username"`
	Session         string `json:"session"`
	MsgType         string `json:"msg_type"`
	ProtocolVersion string `json:"version"`
	Date            string `json:"date,omitempty"`
}

// ComposedMsg is a message fully decoded off (or about to be encoded onto)
// the wire (spec §6).
type ComposedMsg struct {
	Header       MsgHeader
	ParentHeader MsgHeader
	Metadata     map[string]any
	Content      any
}

// InvalidSignatureError is returned when a received message's HMAC signature
// does not validate against the session's key.
type InvalidSignatureError struct{}

func (e *InvalidSignatureError) Error() string { return "kernel: message had an invalid signature" }

// sign computes the HMAC-SHA256 signature, hex-encoded, over header/parent/
// metadata/content, matching the Jupyter wire protocol's signature scheme.
func sign(key []byte, parts ...[]byte) []byte {
	if len(key) == 0 {
		return nil
	}
	mac := hmac.New(sha256.New, key)
	for _, p := range parts {
		mac.Write(p)
	}
	sig := make([]byte, hex.EncodedLen(mac.Size()))
	hex.Encode(sig, mac.Sum(nil))
	return sig
}

// FromWireMsg decodes a raw zmq4 message into a Message, verifying its HMAC
// signature against the session's key. A signature or framing failure yields
// a Message whose Err() is non-nil; callers must check Err() before using
// anything else on it.
func (k *Session) FromWireMsg(zmqMsg zmq4.Msg) *MessageImpl {
	m := &MessageImpl{session: k}
	parts := zmqMsg.Frames

	i := 0
	for ; i < len(parts); i++ {
		if string(parts[i]) == string(delimiter) {
			break
		}
	}
	if i == len(parts) || i+5 >= len(parts) {
		m.err = errors.Errorf("kernel: malformed wire message: delimiter not found or too few frames")
		return m
	}
	m.identities = append([][]byte(nil), parts[:i]...)

	signature := parts[i+1]
	headerB := parts[i+2]
	parentB := parts[i+3]
	metadataB := parts[i+4]
	contentB := parts[i+5]

	if len(k.sockets.Key) > 0 {
		decoded := make([]byte, hex.DecodedLen(len(signature)))
		if _, err := hex.Decode(decoded, signature); err != nil {
			m.err = errors.WithMessage(&InvalidSignatureError{}, "while decoding signature")
			return m
		}
		expected := sign(k.sockets.Key, headerB, parentB, metadataB, contentB)
		if !hmac.Equal(signature, expected) {
			m.err = &InvalidSignatureError{}
			return m
		}
	}

	if err := json.Unmarshal(headerB, &m.compose.Header); err != nil {
		m.err = errors.WithMessage(err, "kernel: failed to unmarshal header")
		return m
	}
	if len(parentB) > 2 { // more than "{}"
		_ = json.Unmarshal(parentB, &m.compose.ParentHeader)
	}
	if err := json.Unmarshal(metadataB, &m.compose.Metadata); err != nil {
		m.compose.Metadata = map[string]any{}
	}
	m.rawContent = contentB
	return m
}

// toWireParts marshals compose into the five signed body frames (signature,
// header, parent header, metadata, content) -- everything but the
// identities and delimiter, which the caller prepends.
func (k *Session) toWireParts(compose ComposedMsg) ([][]byte, error) {
	headerB, err := json.Marshal(compose.Header)
	if err != nil {
		return nil, errors.WithMessage(err, "kernel: failed to marshal header")
	}
	parentB, err := json.Marshal(compose.ParentHeader)
	if err != nil {
		return nil, errors.WithMessage(err, "kernel: failed to marshal parent header")
	}
	metadata := compose.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataB, err := json.Marshal(metadata)
	if err != nil {
		return nil, errors.WithMessage(err, "kernel: failed to marshal metadata")
	}
	content := compose.Content
	if content == nil {
		content = struct{}{}
	}
	contentB, err := json.Marshal(content)
	if err != nil {
		return nil, errors.WithMessage(err, "kernel: failed to marshal content")
	}
	sig := sign(k.sockets.Key, headerB, parentB, metadataB, contentB)
	return [][]byte{sig, headerB, parentB, metadataB, contentB}, nil
}

// sendMessage assembles identities + delimiter + the signed body of compose
// and writes it to socket as one multipart message.
func (k *Session) sendMessage(socket zmq4.Socket, identities [][]byte, compose ComposedMsg) error {
	parts, err := k.toWireParts(compose)
	if err != nil {
		return err
	}
	frames := make([][]byte, 0, len(identities)+1+len(parts))
	frames = append(frames, identities...)
	frames = append(frames, delimiter)
	frames = append(frames, parts...)
	return socket.SendMulti(zmq4.NewMsgFrom(frames...))
}
