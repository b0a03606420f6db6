// Package dispatcher implements the Shell/Control Loop (spec §4.D): reads
// messages off the shell and control sockets, pairs each with a busy/idle
// status, and routes it to the right handler -- execute_request into the
// R Task Broker as a Sync task, comm traffic to internal/comms, debug
// traffic to internal/dap, everything else answered directly.
//
// Grounded on the teacher's internal/dispatcher.RunKernel/handleShellMsg:
// one poll goroutine per socket, a control-channel message handled the same
// way a shell one is except it's also allowed to interrupt/shut down the
// kernel out of band. BusyMessageTypes generalizes into the explicit list
// of request types that get the busy/idle wrapper; everything else
// (comm_*, comm_info_request) is dispatched without it, same as the
// teacher.
package dispatcher

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/internal/comms"
	"github.com/posit-dev/ark/internal/dap"
	"github.com/posit-dev/ark/internal/errtype"
	"github.com/posit-dev/ark/internal/kernel"
	"github.com/posit-dev/ark/internal/metrics"
	"github.com/posit-dev/ark/internal/rffi"
	"github.com/posit-dev/ark/internal/rmain"
	"github.com/posit-dev/ark/internal/rtask"
	"github.com/posit-dev/ark/internal/streamcapture"
)

// busyMessageTypes get the busy/idle status wrapper (spec §4.D ordering
// invariant: busy precedes any traffic for the request, idle follows it).
var busyMessageTypes = map[string]bool{
	"execute_request":     true,
	"inspect_request":     true,
	"complete_request":    true,
	"kernel_info_request": true,
	"is_complete_request": true,
	"history_request":     true,
	"debug_request":       true,
}

// Implementation reports the kernel's implementation name/version for
// kernel_info_reply.
const (
	ImplementationName    = "ark"
	ImplementationVersion = "0.1.0"
)

// Dispatcher routes incoming shell/control/stdin messages.
type Dispatcher struct {
	session *kernel.Session
	broker  *rtask.Broker
	comms   *comms.Registry
	dap     *dap.Server
	capture *streamcapture.Capture

	historyMu sync.Mutex
	history   [][3]any // [execution_count, input_code, output]
}

// New returns a Dispatcher wired against the given components. capture may
// be nil, in which case console output during execute_request is not
// attributed to any particular request (and so never reaches the front-end).
func New(session *kernel.Session, broker *rtask.Broker, commsReg *comms.Registry, dapServer *dap.Server, capture *streamcapture.Capture) *Dispatcher {
	return &Dispatcher{session: session, broker: broker, comms: commsReg, dap: dapServer, capture: capture}
}

// Run polls shell, control and stdin until the session stops. Grounded on
// RunKernel's one-poll-goroutine-per-socket shape.
func (d *Dispatcher) Run() {
	var wg sync.WaitGroup
	poll := func(ch <-chan kernel.Message, fn func(msg kernel.Message) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stopped := d.session.StoppedChan()
			for {
				select {
				case <-stopped:
					return
				case msg, ok := <-ch:
					if !ok {
						return
					}
					if err := fn(msg); err != nil {
						klog.Errorf("dispatcher: handler failed, stopping session: %+v", err)
						d.session.Stop()
						return
					}
				}
			}
		}()
	}

	poll(d.session.Stdin(), d.handleStdin)
	poll(d.session.Shell(), d.handleShellOrControl)
	poll(d.session.Control(), d.handleShellOrControl)
	wg.Wait()
}

func (d *Dispatcher) handleStdin(msg kernel.Message) error {
	if err := msg.Err(); err != nil {
		return errors.WithMessage(err, "dispatcher: stdin message error")
	}
	var content struct {
		Value string `json:"value"`
	}
	if msg.MsgType() != "input_reply" {
		klog.Warningf("dispatcher: unexpected stdin msg_type %q", msg.MsgType())
		return nil
	}
	if err := msg.Content(&content); err != nil {
		return errors.WithMessage(err, "dispatcher: failed to decode input_reply")
	}
	msg.DeliverInput(content.Value, nil)
	return nil
}

func (d *Dispatcher) handleShellOrControl(msg kernel.Message) error {
	if err := msg.Err(); err != nil {
		return errors.WithMessage(err, "dispatcher: shell/control message error")
	}
	msgType := msg.MsgType()

	// interrupt_request and shutdown_request race ahead of anything queued
	// on the regular shell channel -- the control channel is how Jupyter
	// expects that (spec §4.D).
	switch msgType {
	case "interrupt_request":
		d.broker.CancelRunning()
		return msg.Reply("interrupt_reply", map[string]any{"status": "ok"})
	case "shutdown_request":
		return d.handleShutdown(msg)
	}

	if !busyMessageTypes[msgType] {
		return d.handleAsync(msg)
	}

	metrics.TasksDispatched.WithLabelValues(msgType).Inc()
	if err := msg.Publish("status", map[string]any{"execution_state": kernel.StatusBusy}); err != nil {
		return errors.WithMessage(err, "dispatcher: publishing busy status")
	}
	err := d.handleBusy(msg, msgType)
	if d.session != nil {
		if flusher, ok := d.session.IOPub.(interface{ FlushAll() }); ok {
			flusher.FlushAll()
		}
	}
	if idleErr := msg.Publish("status", map[string]any{"execution_state": kernel.StatusIdle}); idleErr != nil && err == nil {
		err = errors.WithMessage(idleErr, "dispatcher: publishing idle status")
	}
	return err
}

func (d *Dispatcher) handleAsync(msg kernel.Message) error {
	msgType := msg.MsgType()
	switch msgType {
	case "comm_open":
		return d.comms.HandleOpen(msg)
	case "comm_msg":
		return d.comms.HandleMsg(msg)
	case "comm_close":
		return d.comms.HandleClose(msg)
	case "comm_info_request":
		return msg.Reply("comm_info_reply", kernel.CommInfoReply{Status: "ok", Comms: d.comms.Info()})
	default:
		klog.Infof("dispatcher: unhandled shell-socket message type %q", msgType)
		return nil
	}
}

func (d *Dispatcher) handleBusy(msg kernel.Message, msgType string) error {
	switch msgType {
	case "kernel_info_request":
		return d.handleKernelInfo(msg)
	case "execute_request":
		return d.handleExecute(msg)
	case "inspect_request":
		return d.handleInspect(msg)
	case "complete_request":
		return d.handleComplete(msg)
	case "is_complete_request":
		return msg.Reply("is_complete_reply", kernel.IsCompleteReply{Status: "unknown"})
	case "history_request":
		return d.handleHistory(msg)
	case "debug_request":
		return d.dap.HandleDebugRequest(msg)
	default:
		klog.Infof("dispatcher: unhandled busy message type %q", msgType)
		return nil
	}
}

func (d *Dispatcher) handleKernelInfo(msg kernel.Message) error {
	info := kernel.KernelInfo{
		ProtocolVersion:       kernel.ProtocolVersion,
		Implementation:        ImplementationName,
		ImplementationVersion: ImplementationVersion,
		LanguageInfo: kernel.LanguageInfo{
			Name:              "R",
			MIMEType:          "text/x-r-source",
			FileExtension:     ".R",
			PygmentsLexer:     "r",
			CodeMirrorMode:    "r",
			NBConvertExporter: "script",
		},
		Banner:    "ark: an R kernel",
		HelpLinks: []kernel.HelpLink{},
		Debugger:  true,
		Status:    "ok",
	}
	return msg.Reply("kernel_info_reply", info)
}

func (d *Dispatcher) handleExecute(msg kernel.Message) (err error) {
	var content struct {
		Code         string `json:"code"`
		Silent       bool   `json:"silent"`
		StoreHistory bool   `json:"store_history"`
		AllowStdin   bool   `json:"allow_stdin"`
		// StopOnError defaults to true per the Jupyter messaging spec when
		// the client omits it -- a bare bool would silently invert that, so
		// it's decoded as a pointer and only overridden when present.
		StopOnError *bool `json:"stop_on_error"`
	}
	if err = msg.Content(&content); err != nil {
		return errors.WithMessage(err, "dispatcher: failed to decode execute_request")
	}
	stopOnError := true
	if content.StopOnError != nil {
		stopOnError = *content.StopOnError
	}

	d.session.ExecCounter++
	execCount := d.session.ExecCounter

	if !content.Silent {
		if err = msg.Publish("execute_input", map[string]any{"execution_count": execCount, "code": content.Code}); err != nil {
			return errors.WithMessage(err, "dispatcher: publishing execute_input")
		}
	}

	if d.capture != nil {
		d.capture.SetCurrent(msg.Compose(), true)
		d.capture.SetCurrentMessage(msg, content.AllowStdin)
		defer func() {
			d.capture.SetCurrent(kernel.ComposedMsg{}, false)
			d.capture.SetCurrentMessage(nil, false)
		}()
	}
	result, evalErr := d.broker.Spawn(context.Background(), "execute_request", func(ctx context.Context) (any, error) {
		return rmain.Eval(ctx, content.Code)
	})

	reply := kernel.ExecuteReply{ExecutionCount: execCount, UserExpressions: kernel.MIMEMap{}}
	if evalErr != nil {
		reply.Status = "error"
		reply.ErrorName, reply.ErrorValue, reply.ErrorTraceback = errtype.JupyterFields(evalErr)
		if pubErr := msg.Publish("error", map[string]any{
			"ename": reply.ErrorName, "evalue": reply.ErrorValue, "traceback": reply.ErrorTraceback,
		}); pubErr != nil {
			klog.Errorf("dispatcher: failed to publish error event: %+v", pubErr)
		}
	} else {
		reply.Status = "ok"
	}

	results, _ := result.([]rffi.EvalResult)
	if evalErr == nil && !content.Silent && len(results) > 0 {
		if last := results[len(results)-1]; last.Visible && last.Printed != "" {
			if pubErr := msg.Publish("execute_result", map[string]any{
				"execution_count": execCount,
				"data":            kernel.MIMEMap{"text/plain": last.Printed},
				"metadata":        kernel.MIMEMap{},
			}); pubErr != nil {
				klog.Errorf("dispatcher: failed to publish execute_result: %+v", pubErr)
			}
		}
	}

	if content.StoreHistory {
		d.recordHistory(execCount, content.Code, results)
	}

	if err = msg.Reply("execute_reply", reply); err != nil {
		return errors.WithMessage(err, "dispatcher: replying to execute_request")
	}

	if evalErr != nil && stopOnError {
		d.drainQueuedExecutesAsAborted()
	}
	return nil
}

// drainQueuedExecutesAsAborted implements the stop_on_error contract
// best-effort (spec.md's Open Question (a)): once an execute_request has
// failed, any execute_request already sitting in the shell socket's
// buffered channel -- not anything that might arrive later -- gets replied
// to with status "aborted" instead of being run. It stops as soon as it
// hits a non-execute_request message (handled normally) or an empty
// channel, since it must never block waiting for more input.
func (d *Dispatcher) drainQueuedExecutesAsAborted() {
	for {
		select {
		case msg, ok := <-d.session.Shell():
			if !ok {
				return
			}
			if msg.Err() != nil {
				continue
			}
			if msg.MsgType() != "execute_request" {
				if err := d.handleShellOrControl(msg); err != nil {
					klog.Errorf("dispatcher: handler failed while draining aborted queue: %+v", err)
				}
				return
			}
			d.session.ExecCounter++
			reply := kernel.ExecuteReply{Status: "aborted", ExecutionCount: d.session.ExecCounter, UserExpressions: kernel.MIMEMap{}}
			if err := msg.Reply("execute_reply", reply); err != nil {
				klog.Errorf("dispatcher: failed to reply aborted to queued execute_request: %+v", err)
			}
		default:
			return
		}
	}
}

func (d *Dispatcher) recordHistory(execCount int, code string, output any) {
	const maxHistory = 1000
	d.historyMu.Lock()
	defer d.historyMu.Unlock()
	d.history = append(d.history, [3]any{execCount, code, output})
	if len(d.history) > maxHistory {
		d.history = d.history[len(d.history)-maxHistory:]
	}
}

func (d *Dispatcher) handleHistory(msg kernel.Message) error {
	d.historyMu.Lock()
	snapshot := append([][3]any(nil), d.history...)
	d.historyMu.Unlock()
	return msg.Reply("history_reply", kernel.HistoryReply{Status: "ok", History: snapshot})
}

func (d *Dispatcher) handleInspect(msg kernel.Message) error {
	var content struct {
		Code      string `json:"code"`
		CursorPos int    `json:"cursor_pos"`
	}
	if err := msg.Content(&content); err != nil {
		return errors.WithMessage(err, "dispatcher: failed to decode inspect_request")
	}
	ident := identifierAt(content.Code, content.CursorPos)
	if ident == "" {
		return msg.Reply("inspect_reply", kernel.InspectReply{Status: "ok", Found: false, Data: kernel.MIMEMap{}, Metadata: kernel.MIMEMap{}})
	}
	val, err := d.broker.Spawn(context.Background(), "inspect_request", func(ctx context.Context) (any, error) {
		return rmain.EvalLines(ctx, "help("+ident+")")
	})
	if err != nil {
		return msg.Reply("inspect_reply", kernel.InspectReply{Status: "ok", Found: false, Data: kernel.MIMEMap{}, Metadata: kernel.MIMEMap{}})
	}
	lines, _ := val.([]string)
	return msg.Reply("inspect_reply", kernel.InspectReply{
		Status: "ok", Found: len(lines) > 0,
		Data:     kernel.MIMEMap{"text/plain": strings.Join(lines, "\n")},
		Metadata: kernel.MIMEMap{},
	})
}

func (d *Dispatcher) handleComplete(msg kernel.Message) error {
	var content struct {
		Code      string `json:"code"`
		CursorPos int    `json:"cursor_pos"`
	}
	if err := msg.Content(&content); err != nil {
		return errors.WithMessage(err, "dispatcher: failed to decode complete_request")
	}
	prefix := identifierAt(content.Code, content.CursorPos)
	val, err := d.broker.Spawn(context.Background(), "complete_request", func(ctx context.Context) (any, error) {
		return rmain.EvalLines(ctx, "apropos(\"^"+prefix+"\")")
	})
	reply := kernel.CompleteReply{
		Status:      "ok",
		Matches:     []string{},
		CursorStart: content.CursorPos - len(prefix),
		CursorEnd:   content.CursorPos,
		Metadata:    kernel.MIMEMap{},
	}
	if err == nil {
		if matches, ok := val.([]string); ok {
			reply.Matches = matches
		}
	}
	return msg.Reply("complete_reply", reply)
}

// identifierAt returns the run of identifier characters immediately before
// cursorPos in code -- a minimal heuristic, good enough to drive
// help()/apropos() lookups without a real R tokenizer.
func identifierAt(code string, cursorPos int) string {
	if cursorPos > len(code) {
		cursorPos = len(code)
	}
	if cursorPos < 0 {
		return ""
	}
	start := cursorPos
	isIdentChar := func(r byte) bool {
		return r == '.' || r == '_' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
	}
	for start > 0 && isIdentChar(code[start-1]) {
		start--
	}
	return strings.TrimSpace(code[start:cursorPos])
}

func (d *Dispatcher) handleShutdown(msg kernel.Message) error {
	klog.Infof("dispatcher: shutting down in response to shutdown_request")
	var content struct {
		Restart bool `json:"restart"`
	}
	_ = msg.Content(&content)

	d.comms.CloseAll(msg)
	if err := msg.Reply("shutdown_reply", map[string]any{"status": "ok", "restart": content.Restart}); err != nil {
		klog.Errorf("dispatcher: failed to reply to shutdown_request: %+v", err)
	}
	d.broker.Close()
	d.session.Stop()
	return nil
}
