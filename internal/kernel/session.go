// Package kernel implements the Jupyter Session (spec §4.C): parsing the
// connection file, binding the five ZeroMQ sockets, signing/verifying wire
// messages, and the heartbeat echo loop. It does not decide what to do with
// a message -- that is internal/dispatcher's job -- it only gets messages
// on and off the wire.
//
// Grounded on the teacher's internal/kernel/kernel.go.
package kernel

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/common"
)

func timeNowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// ProtocolVersion is the Jupyter messaging protocol version this kernel
// implements (spec §6: kernel_info_reply.protocol_version).
const ProtocolVersion = "5.3"

const (
	StatusStarting = "starting"
	StatusBusy     = "busy"
	StatusIdle     = "idle"
)

// connectionInfo is the Jupyter-provided connection file contents.
type connectionInfo struct {
	SignatureScheme string `json:"signature_scheme"`
	Transport       string `json:"transport"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	IOPubPort       int    `json:"iopub_port"`
	HBPort          int    `json:"hb_port"`
	ShellPort       int    `json:"shell_port"`
	Key             string `json:"key"`
	IP              string `json:"ip"`
}

// SyncSocket wraps a zmq4 socket with a lock that must be held by any writer.
// Every socket but IOPub has a single writer by construction (the handler
// replying to the request it just read); IOPub's single writer is the
// internal/iopub actor, which is also the enforcement point for spec §4.E's
// "IOPub is a total order" guarantee.
type SyncSocket struct {
	Socket zmq4.Socket
	Lock   sync.Mutex
}

// RunLocked locks the socket and runs fn against it.
func (s *SyncSocket) RunLocked(fn func(socket zmq4.Socket) error) error {
	s.Lock.Lock()
	defer s.Lock.Unlock()
	return fn(s.Socket)
}

// SocketGroup holds the five sockets plus the signing key (spec §3 Session).
type SocketGroup struct {
	ShellSocket   SyncSocket
	ControlSocket SyncSocket
	StdinSocket   SyncSocket
	IOPubSocket   SyncSocket
	HBSocket      SyncSocket
	Key           []byte
}

// Session owns the sockets and the raw message channels. It is immutable
// after New except for ExecCounter (see its field) and IOPub, which is set
// once right after New.
type Session struct {
	stop chan struct{}

	sockets *SocketGroup

	shell, stdin, control chan Message

	pollingWait sync.WaitGroup

	// ExecCounter is the monotonically increasing execution counter (spec §3
	// "Execution Request"). Only touched while the dispatcher handles an
	// execute_request on one of its socket poll goroutines (the shell
	// socket's, in practice); it has no lock of its own.
	ExecCounter int

	// SessionID is the opaque Jupyter session id, parsed out of the
	// connection file path the same way the teacher recovers its
	// JupyterKernelId.
	SessionID string

	// IOPub is the single writer for the IOPub socket (spec §4.E). Set once,
	// right after New, before any message is dispatched -- kernel itself
	// never writes IOPub directly, to keep the single-writer invariant
	// structural rather than conventional.
	IOPub IOPubWriter
}

// IOPubWriter is the seam through which Message.Publish reaches the IOPub
// actor, implemented by internal/iopub.Publisher. Kept as an interface here,
// rather than importing internal/iopub directly, to avoid a kernel<->iopub
// import cycle (iopub needs kernel's ComposedMsg type).
type IOPubWriter interface {
	Publish(parent ComposedMsg, msgType string, content any) error
}

// IsStopped reports whether Stop has been called.
func (k *Session) IsStopped() bool {
	select {
	case <-k.stop:
		return true
	default:
		return false
	}
}

// StoppedChan returns a channel closed when the session is stopped.
func (k *Session) StoppedChan() <-chan struct{} {
	return k.stop
}

// Stop tears down the session: closes every socket so blocked Recv calls
// return, and signals every poller goroutine to exit.
func (k *Session) Stop() {
	klog.V(1).Infof("kernel.Session.Stop()")
	select {
	case <-k.stop:
		return // already stopped
	default:
	}
	close(k.stop)
	for name, sck := range map[string]zmq4.Socket{
		"shell":     k.sockets.ShellSocket.Socket,
		"control":   k.sockets.ControlSocket.Socket,
		"stdin":     k.sockets.StdinSocket.Socket,
		"iopub":     k.sockets.IOPubSocket.Socket,
		"heartbeat": k.sockets.HBSocket.Socket,
	} {
		if err := sck.Close(); err != nil {
			klog.Errorf("kernel: failed to close %s socket: %v", name, err)
		}
	}
}

// ExitWait blocks until every poller goroutine has returned.
func (k *Session) ExitWait() {
	k.pollingWait.Wait()
}

// Stdin returns the channel of incoming stdin-socket messages.
func (k *Session) Stdin() <-chan Message { return k.stdin }

// Shell returns the channel of incoming shell-socket messages.
func (k *Session) Shell() <-chan Message { return k.shell }

// Control returns the channel of incoming control-socket messages.
func (k *Session) Control() <-chan Message { return k.control }

var reKernelID = regexp.MustCompile(`kernel-([0-9a-f-]+)\.json$`)

// New parses connectionFile, binds the five sockets, and starts the
// heartbeat echo plus the shell/stdin/control pollers. Call Shell/Control/
// Stdin to read incoming messages, and Stop/ExitWait to tear down.
func New(connectionFile string) (*Session, error) {
	k := &Session{
		stop:    make(chan struct{}),
		shell:   make(chan Message, 1),
		stdin:   make(chan Message, 1),
		control: make(chan Message, 1),
	}

	if m := reKernelID.FindStringSubmatch(connectionFile); len(m) == 2 {
		k.SessionID = m[1]
	} else {
		klog.Warningf("kernel: could not parse a session id out of connection file path %q", connectionFile)
	}

	var connInfo connectionInfo
	connData, err := os.ReadFile(connectionFile)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to open connection file %s", connectionFile)
	}
	if err = json.Unmarshal(connData, &connInfo); err != nil {
		return nil, errors.WithMessagef(err, "failed to parse connection file %s", connectionFile)
	}

	k.sockets, err = bindSockets(connInfo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to bind sockets described in connection file %s", connectionFile)
	}

	k.pollHeartbeat()
	k.pollSocket(k.shell, k.sockets.ShellSocket.Socket, "shell")
	k.pollSocket(k.stdin, k.sockets.StdinSocket.Socket, "stdin")
	k.pollSocket(k.control, k.sockets.ControlSocket.Socket, "control")
	return k, nil
}

// pollSocket starts the goroutine that reads zmq messages off sck, decodes
// and verifies them, and forwards them to msgChan.
func (k *Session) pollSocket(msgChan chan Message, sck zmq4.Socket, name string) {
	k.pollingWait.Add(1)
	go func() {
		klog.V(1).Infof("kernel: %s socket poller started", name)
		defer func() {
			klog.V(1).Infof("kernel: %s socket poller finished", name)
			k.pollingWait.Done()
			close(msgChan)
		}()
		for {
			zmqMsg, err := sck.Recv()
			var msg Message
			if err != nil {
				msg = &MessageImpl{session: k, err: err}
			} else {
				msg = k.FromWireMsg(zmqMsg)
			}
			select {
			case msgChan <- msg:
			case <-k.stop:
				return
			}
		}
	}()
}

// pollHeartbeat echoes every message received on the heartbeat socket
// unchanged -- its only contract (spec §4.C).
func (k *Session) pollHeartbeat() {
	k.pollingWait.Add(1)
	go func() {
		klog.V(1).Infof("kernel: heartbeat poller started")
		defer func() {
			klog.V(1).Infof("kernel: heartbeat poller finished")
			k.pollingWait.Done()
		}()
		var err error
		var msg zmq4.Msg
		for err == nil {
			msg, err = k.sockets.HBSocket.Socket.Recv()
			if k.IsStopped() {
				return
			}
			if err != nil {
				err = errors.WithMessagef(err, "heartbeat recv failed")
				break
			}
			err = k.sockets.HBSocket.RunLocked(func(echo zmq4.Socket) error {
				return errors.WithMessagef(echo.Send(msg), "heartbeat echo failed")
			})
		}
		klog.Errorf("kernel: heartbeat loop exiting, stopping session: %+v", err)
		k.Stop()
	}()
}

// bindSockets creates and binds the five ZeroMQ sockets per the connection
// description (spec §6).
func bindSockets(connInfo connectionInfo) (sg *SocketGroup, err error) {
	ctx := context.Background()
	sg = &SocketGroup{
		Key: []byte(connInfo.Key),

		// Shell: ROUTER, receives execute/inspect/complete/etc requests.
		ShellSocket: SyncSocket{Socket: zmq4.NewRouter(ctx)},
		// Control: ROUTER, races the shell socket for interrupt/shutdown.
		ControlSocket: SyncSocket{Socket: zmq4.NewRouter(ctx)},
		// Stdin: ROUTER, models readline()/password prompts.
		StdinSocket: SyncSocket{Socket: zmq4.NewRouter(ctx)},
		// IOPub: PUB, broadcasts status/streams/display data/comm messages.
		IOPubSocket: SyncSocket{Socket: zmq4.NewPub(ctx)},
		// Heartbeat: REP, echoes whatever it receives.
		HBSocket: SyncSocket{Socket: zmq4.NewRep(ctx)},
	}

	var addrFn func(port int) string
	switch connInfo.Transport {
	case "tcp":
		addrFn = func(port int) string { return fmt.Sprintf("tcp://%s:%d", connInfo.IP, port) }
	case "ipc":
		addrFn = func(port int) string { return fmt.Sprintf("ipc://%s-%d", connInfo.IP, port) }
	default:
		return nil, errors.Errorf("unsupported transport %q", connInfo.Transport)
	}

	sockets := []*SyncSocket{&sg.ShellSocket, &sg.ControlSocket, &sg.StdinSocket, &sg.IOPubSocket, &sg.HBSocket}
	names := []string{"shell-socket", "control-socket", "stdin-socket", "iopub-socket", "heartbeat-socket"}
	ports := []int{connInfo.ShellPort, connInfo.ControlPort, connInfo.StdinPort, connInfo.IOPubPort, connInfo.HBPort}
	for i, port := range ports {
		if err := sockets[i].Socket.Listen(addrFn(port)); err != nil {
			return sg, errors.WithMessagef(err, "failed to listen on %s", names[i])
		}
	}
	return sg, nil
}

// IOPubSocket returns the raw IOPub socket. Nothing in this repository calls
// it: IOPub writes go through SendIOPub, which internal/iopub is given as
// its sendFn.
func (k *Session) IOPubSocket() *SyncSocket { return &k.sockets.IOPubSocket }

// SendIOPub encodes and writes one IOPub message parented on parent. This
// is the sendFn internal/iopub.New is constructed with; internal/iopub is
// the only caller, enforcing the single-writer invariant structurally.
func (k *Session) SendIOPub(parent ComposedMsg, msgType string, content any) error {
	composed := ComposedMsg{
		Header: MsgHeader{
			MsgID:           common.NewID(),
			Username:        parent.Header.Username,
			Session:         k.SessionID,
			MsgType:         msgType,
			ProtocolVersion: ProtocolVersion,
			Date:            timeNowRFC3339(),
		},
		ParentHeader: parent.Header,
		Content:      content,
	}
	return k.sockets.IOPubSocket.RunLocked(func(socket zmq4.Socket) error {
		return k.sendMessage(socket, nil, composed)
	})
}
