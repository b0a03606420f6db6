// Package comms implements the Comm Manager (spec §4.G): the registry of
// open comm channels used to talk to rich front-end widgets (variables
// pane, data explorer, plot viewer, help pane, a generic "ui" channel, and
// the debugger's own side-channel), each identified by a target name and a
// per-connection comm_id.
//
// Grounded on the teacher's internal/comms.State, generalized from gonb's
// single hardcoded "gonb_comm" target/websocket bridge into a registry of
// named targets, since this kernel's front-end panes are independent
// comms rather than one shared pipe.
package comms

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/common"
	"github.com/posit-dev/ark/internal/kernel"
)

// Target names the kernel recognizes for comm_open (spec §4.G).
const (
	TargetVariables    = "positron.variables"
	TargetDataExplorer = "positron.dataExplorer"
	TargetPlots        = "positron.plot"
	TargetHelp         = "positron.help"
	TargetUI           = "positron.ui"
	TargetDebugger     = "positron.debugger"
)

// KnownTargets lists every target name HandleOpen will accept.
var KnownTargets = func() common.Set[string] {
	s := common.MakeSet[string]()
	for _, t := range []string{TargetVariables, TargetDataExplorer, TargetPlots, TargetHelp, TargetUI, TargetDebugger} {
		s.Insert(t)
	}
	return s
}()

// Handler processes comm_msg content addressed to one open comm. Returning
// a non-nil reply causes it to be sent back as another comm_msg; returning
// nil sends nothing.
type Handler func(commID string, data map[string]any) (reply map[string]any, err error)

// comm is one open channel.
type comm struct {
	id         string
	target     string
	handler    Handler
	closeLatch *common.Latch
}

// Registry tracks every open comm, keyed by comm_id (spec §4.G's open/send/
// close lifecycle plus comm_info_request support).
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*comm
	handlers map[string]Handler // registered per target, used for comms opened by the front-end
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		byID:     make(map[string]*comm),
		handlers: make(map[string]Handler),
	}
}

// RegisterTarget installs the handler used for comms the front-end opens
// against targetName. Must be called before any comm_open for that target
// arrives.
func (r *Registry) RegisterTarget(targetName string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[targetName] = h
}

// HandleOpen processes a "comm_open" message: spec §4.G requires the
// kernel accept opens for any of KnownTargets and silently ignore (per the
// Jupyter comm protocol) opens for targets it doesn't recognize.
func (r *Registry) HandleOpen(msg kernel.Message) error {
	var content struct {
		CommID     string         `json:"comm_id"`
		TargetName string         `json:"target_name"`
		Data       map[string]any `json:"data"`
	}
	if err := msg.Content(&content); err != nil {
		return errors.WithMessage(err, "comms: failed to decode comm_open content")
	}
	if !KnownTargets.Has(content.TargetName) {
		klog.V(1).Infof("comms: ignoring comm_open for unknown target %q", content.TargetName)
		return nil
	}

	r.mu.Lock()
	handler, ok := r.handlers[content.TargetName]
	if !ok {
		r.mu.Unlock()
		klog.Warningf("comms: comm_open for target %q has no registered handler", content.TargetName)
		return nil
	}
	r.byID[content.CommID] = &comm{id: content.CommID, target: content.TargetName, handler: handler, closeLatch: common.NewLatch()}
	r.mu.Unlock()

	klog.V(1).Infof("comms: opened comm %q for target %q", content.CommID, content.TargetName)
	return nil
}

// HandleMsg processes a "comm_msg" message, dispatching to the comm's
// handler and replying with another comm_msg if the handler produced one.
func (r *Registry) HandleMsg(msg kernel.Message) error {
	var content struct {
		CommID string         `json:"comm_id"`
		Data   map[string]any `json:"data"`
	}
	if err := msg.Content(&content); err != nil {
		return errors.WithMessage(err, "comms: failed to decode comm_msg content")
	}

	r.mu.Lock()
	c, ok := r.byID[content.CommID]
	r.mu.Unlock()
	if !ok {
		klog.Warningf("comms: comm_msg for unknown comm_id %q", content.CommID)
		return nil
	}

	reply, err := c.handler(c.id, content.Data)
	if err != nil {
		return errors.WithMessagef(err, "comms: handler for target %q failed", c.target)
	}
	if reply == nil {
		return nil
	}
	return msg.Publish("comm_msg", map[string]any{"comm_id": c.id, "data": reply})
}

// HandleClose processes a "comm_close" message.
func (r *Registry) HandleClose(msg kernel.Message) error {
	var content struct {
		CommID string `json:"comm_id"`
	}
	if err := msg.Content(&content); err != nil {
		return errors.WithMessage(err, "comms: failed to decode comm_close content")
	}
	r.mu.Lock()
	c, ok := r.byID[content.CommID]
	delete(r.byID, content.CommID)
	r.mu.Unlock()
	if ok {
		c.closeLatch.Trigger()
		klog.V(1).Infof("comms: closed comm %q", content.CommID)
	}
	return nil
}

// Send publishes a comm_msg on an already-open comm, initiated kernel-side
// (e.g. the variables pane pushing an update after an assignment).
func (r *Registry) Send(msg kernel.Message, commID string, data map[string]any) error {
	r.mu.Lock()
	_, ok := r.byID[commID]
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("comms: Send to unknown comm_id %q", commID)
	}
	return msg.Publish("comm_msg", map[string]any{"comm_id": commID, "data": data})
}

// Open opens a kernel-initiated comm (e.g. the debugger announcing itself)
// and returns its comm_id.
func (r *Registry) Open(msg kernel.Message, targetName string, data map[string]any, handler Handler) (string, error) {
	id := common.NewID()
	r.mu.Lock()
	r.byID[id] = &comm{id: id, target: targetName, handler: handler, closeLatch: common.NewLatch()}
	r.mu.Unlock()

	if err := msg.Publish("comm_open", map[string]any{
		"comm_id": id, "target_name": targetName, "data": data,
	}); err != nil {
		r.mu.Lock()
		delete(r.byID, id)
		r.mu.Unlock()
		return "", errors.WithMessagef(err, "comms: failed to open comm for target %q", targetName)
	}
	return id, nil
}

// Info returns the comm_info_request reply: every currently open comm,
// keyed by comm_id (spec's supplemented comm_info_request/reply feature).
func (r *Registry) Info() map[string]kernel.CommInfoTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]kernel.CommInfoTarget, len(r.byID))
	for id, c := range r.byID {
		out[id] = kernel.CommInfoTarget{TargetName: c.target}
	}
	return out
}

// CloseAll closes every open comm, used on shutdown_request (spec §4.D).
func (r *Registry) CloseAll(msg kernel.Message) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.byID = make(map[string]*comm)
	r.mu.Unlock()

	for _, id := range ids {
		if err := msg.Publish("comm_close", map[string]any{"comm_id": id}); err != nil {
			klog.Warningf("comms: failed to send comm_close for %q during shutdown: %+v", id, err)
		}
	}
}
