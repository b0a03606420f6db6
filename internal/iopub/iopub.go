// Package iopub implements the IOPub Publisher (spec §4.E): the single
// writer for the kernel's IOPub broadcast socket, responsible for the
// ordering guarantees front-ends depend on (busy before any traffic for a
// request, that request's own idle only after everything else it
// published) and for coalescing rapid stdout/stderr writes into
// size/time-bounded "stream" messages instead of one wire message per
// Write call.
//
// The teacher never needed this as its own package: gonb's IOPub writes are
// already serialized by construction (a single busyMessagesChan consumer
// goroutine holds the only reference to the socket while a cell runs). This
// kernel needs IOPub written from RMain, from the DAP server's debug_event
// emissions, and from the comms registry's async comm_msg traffic, so the
// single-writer property has to be a real actor with its own request queue,
// not just a convention -- grounded on the same "one goroutine owns the
// socket" shape as the teacher's busyMessagesChan consumer.
package iopub

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/posit-dev/ark/internal/kernel"
)

// CoalesceBytes and CoalesceWindow bound how long a stream write is held
// before being flushed as its own "stream" message: whichever limit is hit
// first wins (spec's supplemented "bounded IOPub stream-coalescing buffer").
const (
	CoalesceBytes  = 4096
	CoalesceWindow = 100 * time.Millisecond
)

type writeRequest struct {
	parent  kernel.ComposedMsg
	msgType string
	content any
	done    chan error
}

// Publisher is the actor owning the IOPub socket. Construct with New, start
// with Run (in its own goroutine), and call Publish from any goroutine.
type Publisher struct {
	toWire func(parent kernel.ComposedMsg, msgType string, content any) error

	requests chan writeRequest
	stop     chan struct{}
	wg       sync.WaitGroup

	streamMu  sync.Mutex
	streams   map[streamKey]*streamBuffer
}

type streamKey struct {
	sessionID string
	name      string // "stdout" or "stderr"
}

type streamBuffer struct {
	parent kernel.ComposedMsg
	buf    []byte
	timer  *time.Timer
}

// New returns a Publisher writing to the given session's IOPub socket.
// sendFn does the actual wire encode+send (session.SendIOPub, say) so this
// package does not need to import kernel's wire internals directly.
func New(sessionID string, sendFn func(parent kernel.ComposedMsg, msgType string, content any) error) *Publisher {
	return &Publisher{
		toWire:   sendFn,
		requests: make(chan writeRequest, 256),
		stop:     make(chan struct{}),
		streams:  make(map[streamKey]*streamBuffer),
	}
}

// Run drains the request queue until Close is called. Must be started
// before any Publish call is expected to complete.
func (p *Publisher) Run() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case req := <-p.requests:
				err := p.toWire(req.parent, req.msgType, req.content)
				if err != nil {
					klog.Errorf("iopub: failed to publish %q: %+v", req.msgType, err)
				}
				req.done <- err
			case <-p.stop:
				return
			}
		}
	}()
}

// Publish enqueues an IOPub message and blocks until it has been written
// (or the publisher has stopped). This is the method kernel.MessageImpl's
// IOPubWriter seam calls.
func (p *Publisher) Publish(parent kernel.ComposedMsg, msgType string, content any) error {
	req := writeRequest{parent: parent, msgType: msgType, content: content, done: make(chan error, 1)}
	select {
	case p.requests <- req:
	case <-p.stop:
		return errors.Errorf("iopub: publisher stopped, dropping %q", msgType)
	}
	select {
	case err := <-req.done:
		return err
	case <-p.stop:
		return errors.Errorf("iopub: publisher stopped before %q was confirmed written", msgType)
	}
}

// PublishStatus publishes "status" -- busy/idle pairing is spec §4.D's
// responsibility (wrap the handler between these two calls), not this
// package's; iopub only guarantees ordering once asked to publish.
func (p *Publisher) PublishStatus(parent kernel.ComposedMsg, state string) error {
	return p.Publish(parent, "status", map[string]any{"execution_state": state})
}

// Write appends data to the coalescing buffer for (parent.Header.Session,
// streamName), flushing immediately once the buffer reaches CoalesceBytes,
// and otherwise on a CoalesceWindow timer started by the first buffered
// write. Grounded on the size/time coalescing
// idea in the teacher's jpyexec.Executor io.Copy loop, generalized from
// per-Write publishing into a bounded buffer.
func (p *Publisher) Write(parent kernel.ComposedMsg, streamName string, data []byte) error {
	key := streamKey{sessionID: parent.Header.Session, name: streamName}

	p.streamMu.Lock()
	sb, ok := p.streams[key]
	if !ok {
		sb = &streamBuffer{parent: parent}
		p.streams[key] = sb
	}
	sb.parent = parent // always attribute to the most recent request
	sb.buf = append(sb.buf, data...)
	flush := len(sb.buf) >= CoalesceBytes
	if !flush && sb.timer == nil {
		sb.timer = time.AfterFunc(CoalesceWindow, func() { p.flushStream(key) })
	}
	var toSend []byte
	if flush {
		toSend = sb.buf
		sb.buf = nil
		if sb.timer != nil {
			sb.timer.Stop()
			sb.timer = nil
		}
	}
	p.streamMu.Unlock()

	if toSend != nil {
		return p.Publish(parent, "stream", map[string]any{"name": streamName, "text": string(toSend)})
	}
	return nil
}

func (p *Publisher) flushStream(key streamKey) {
	p.streamMu.Lock()
	sb, ok := p.streams[key]
	if !ok || len(sb.buf) == 0 {
		if ok {
			sb.timer = nil
		}
		p.streamMu.Unlock()
		return
	}
	toSend := sb.buf
	sb.buf = nil
	sb.timer = nil
	parent := sb.parent
	p.streamMu.Unlock()

	if err := p.Publish(parent, "stream", map[string]any{"name": key.name, "text": string(toSend)}); err != nil {
		klog.Errorf("iopub: failed to flush coalesced %s stream: %+v", key.name, err)
	}
}

// FlushAll force-flushes every pending coalescing buffer -- called by the
// dispatcher before emitting "idle", so no buffered output is left stranded
// after a reply (spec §4.E ordering: stream before idle).
func (p *Publisher) FlushAll() {
	p.streamMu.Lock()
	keys := make([]streamKey, 0, len(p.streams))
	for k := range p.streams {
		keys = append(keys, k)
	}
	p.streamMu.Unlock()
	for _, k := range keys {
		p.flushStream(k)
	}
}

// Close stops Run's goroutine. Pending Publish calls in flight return an
// error rather than block forever.
func (p *Publisher) Close() {
	select {
	case <-p.stop:
	default:
		close(p.stop)
	}
	p.wg.Wait()
}
