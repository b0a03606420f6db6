package kernel

import (
	"encoding/json"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/common"
)

// Message is the interface the dispatcher, DAP server and comms registry
// program against: a single shell/control/stdin request, with everything
// needed to reply to it, publish IOPub traffic attributed to it, or prompt
// on stdin on its behalf.
//
// Grounded on the teacher's kernel.Message (top-level kernel/messages.go).
type Message interface {
	// Err returns a non-nil error if the message failed to decode or
	// authenticate; Content, Reply, Publish and PromptInput return an error
	// if called on such a message.
	Err() error

	// Compose returns the fully decoded message.
	Compose() ComposedMsg

	// MsgType returns the decoded header's msg_type.
	MsgType() string

	// Content unmarshals the message's content field into v.
	Content(v any) error

	// Reply sends back a msgType/content pair on the socket the request
	// arrived on, addressed to the request's identities and parented on its
	// header (spec §4.D).
	Reply(msgType string, content any) error

	// Publish sends an IOPub message parented on this request, through the
	// session's single IOPubWriter (spec §4.E).
	Publish(msgType string, content any) error

	// PromptInput sends an "input_request" on the stdin socket and blocks
	// until a reply (or session shutdown) arrives (spec §4.F).
	PromptInput(prompt string, password bool) (string, error)

	// DeliverInput is called by the stdin poller to hand an "input_reply" to
	// whichever PromptInput call is waiting for it on this message.
	DeliverInput(value string, err error)
}

// MessageImpl is the concrete Message, produced by Session.FromWireMsg.
type MessageImpl struct {
	session *Session
	err     error

	identities [][]byte
	compose    ComposedMsg
	rawContent []byte

	inputReply chan inputResult
}

type inputResult struct {
	value string
	err   error
}

func (m *MessageImpl) Err() error { return m.err }

func (m *MessageImpl) Compose() ComposedMsg { return m.compose }

func (m *MessageImpl) MsgType() string { return m.compose.Header.MsgType }

func (m *MessageImpl) Content(v any) error {
	if m.err != nil {
		return m.err
	}
	if err := json.Unmarshal(m.rawContent, v); err != nil {
		return errors.WithMessagef(err, "kernel: failed to unmarshal content for msg_type %q", m.MsgType())
	}
	return nil
}

// newComposed builds the outgoing ComposedMsg for a reply or publish
// parented on m, with a fresh msg_id (spec §6's parent-header linkage).
func (m *MessageImpl) newComposed(msgType string, content any) ComposedMsg {
	return ComposedMsg{
		Header: MsgHeader{
			MsgID:           common.NewID(),
			Username:        m.compose.Header.Username,
			Session:         m.session.SessionID,
			MsgType:         msgType,
			ProtocolVersion: ProtocolVersion,
			Date:            time.Now().UTC().Format(time.RFC3339Nano),
		},
		ParentHeader: m.compose.Header,
		Content:      content,
	}
}

func (m *MessageImpl) Reply(msgType string, content any) error {
	if m.err != nil {
		return errors.WithMessage(m.err, "kernel: cannot reply to an errored message")
	}
	composed := m.newComposed(msgType, content)
	return m.session.sockets.ShellSocket.RunLocked(func(socket zmq4.Socket) error {
		return m.session.sendMessage(socket, m.identities, composed)
	})
}

func (m *MessageImpl) Publish(msgType string, content any) error {
	if m.err != nil {
		return errors.WithMessage(m.err, "kernel: cannot publish from an errored message")
	}
	if m.session.IOPub == nil {
		return errors.Errorf("kernel: Publish(%s) called before an IOPubWriter was attached", msgType)
	}
	return m.session.IOPub.Publish(m.compose, msgType, content)
}

func (m *MessageImpl) PromptInput(prompt string, password bool) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.inputReply = make(chan inputResult, 1)
	defer func() { m.inputReply = nil }()

	composed := m.newComposed("input_request", map[string]any{
		"prompt":   prompt,
		"password": password,
	})
	err := m.session.sockets.StdinSocket.RunLocked(func(socket zmq4.Socket) error {
		return m.session.sendMessage(socket, m.identities, composed)
	})
	if err != nil {
		return "", errors.WithMessage(err, "kernel: failed to send input_request")
	}

	select {
	case res := <-m.inputReply:
		return res.value, res.err
	case <-m.session.StoppedChan():
		return "", errors.Errorf("kernel: session stopped while waiting for input_reply")
	}
}

func (m *MessageImpl) DeliverInput(value string, err error) {
	if m.inputReply == nil {
		klog.Warningf("kernel: DeliverInput called but nothing is waiting for input on this message")
		return
	}
	m.inputReply <- inputResult{value: value, err: err}
}
