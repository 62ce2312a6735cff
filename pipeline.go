package reactor

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// Sink is the write path at the head of a pipeline, usually the connection.
type Sink interface {
	// Write delivers fully encoded outbound bytes.
	Write(p []byte) error
	// Close closes the underlying connection.
	Close() error
}

// State is the lifecycle state of a pipeline.
type State int32

const (
	StateCreated State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// node binds one handler to its position in the pipeline.
type node struct {
	ctx *Context
	in  InboundHandler
	out OutboundHandler
}

// Pipeline is the ordered, per-connection chain of handlers. Inbound
// messages travel head to tail, outbound messages tail to head. It owns
// the connection's inbound Buffer.
//
// Inbound events and lifecycle notifications are serialized under one lock.
// Outbound encoding is serialized under a second lock that is released
// before the encoded bytes reach the sink, so a sink applying backpressure
// never stalls writers coming from other goroutines. A handler consuming
// both directions may therefore see HandleRead and HandleWrite run
// concurrently. The handler order is fixed at construction.
type Pipeline struct {
	mu      sync.Mutex // inbound and lifecycle
	outMu   sync.Mutex // outbound handlers and pending
	pending []byte
	nodes   []node
	buf     *Buffer
	sink    Sink
	logger  Logger
	state   atomic.Int32
}

// NewPipeline builds a pipeline over handlers in the given order.
// A handler advertising a consuming capability it does not implement is
// rejected with ErrCapability.
func NewPipeline(sink Sink, handlers ...Handler) (*Pipeline, error) {
	p := &Pipeline{
		nodes:  make([]node, len(handlers)),
		buf:    NewBuffer(defaultReadSize),
		sink:   sink,
		logger: defaultLogger(),
	}

	for i, h := range handlers {
		if h == nil {
			return nil, errors.Wrapf(ErrCapability, "handler %d is nil", i)
		}
		n := node{ctx: &Context{p: p, index: i, handler: h}}
		c := h.Capability()
		if c.Has(ConsumesInbound) {
			in, ok := h.(InboundHandler)
			if !ok {
				return nil, errors.Wrapf(ErrCapability, "handler %d (%T) consumes inbound but has no HandleRead", i, h)
			}
			n.in = in
		}
		if c.Has(ConsumesOutbound) {
			out, ok := h.(OutboundHandler)
			if !ok {
				return nil, errors.Wrapf(ErrCapability, "handler %d (%T) consumes outbound but has no HandleWrite", i, h)
			}
			n.out = out
		}
		p.nodes[i] = n
	}

	return p, nil
}

// SetLogger replaces the pipeline logger.
func (p *Pipeline) SetLogger(logger Logger) {
	p.logger = logger
}

// Buffer returns the inbound buffer. Only the goroutine feeding the
// pipeline may use it.
func (p *Pipeline) Buffer() *Buffer {
	return p.buf
}

// Len returns the number of handlers.
func (p *Pipeline) Len() int {
	return len(p.nodes)
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// Activate moves a created pipeline to the active state and notifies
// every ActiveHandler in order.
func (p *Pipeline) Activate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.activate()
}

func (p *Pipeline) activate() error {
	if !p.state.CompareAndSwap(int32(StateCreated), int32(StateActive)) {
		if p.State() == StateClosed {
			return ErrPipelineClosed
		}
		return nil
	}
	for _, n := range p.nodes {
		if h, ok := n.ctx.handler.(ActiveHandler); ok {
			if err := h.HandleActive(n.ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Feed appends data to the inbound buffer and propagates it.
// A created pipeline is activated first.
func (p *Pipeline) Feed(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.activate(); err != nil {
		return err
	}
	if err := p.buf.Append(data); err != nil {
		return err
	}
	return p.fire()
}

// Fire propagates whatever is currently buffered, for callers that fill
// Buffer directly.
func (p *Pipeline) Fire() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.activate(); err != nil {
		return err
	}
	return p.fire()
}

func (p *Pipeline) fire() error {
	if p.buf.Remaining() == 0 {
		return nil
	}
	err := p.fireRead(0, p.buf)
	if p.buf.shouldCompact() {
		p.buf.Compact()
	}
	return err
}

// Write sends msg through every outbound handler, tail to head, and
// delivers the resulting bytes to the sink.
func (p *Pipeline) Write(msg any) error {
	if p.State() == StateClosed {
		return ErrPipelineClosed
	}
	return p.write(msg)
}

// Encode runs msg through the outbound handlers like Write but returns the
// encoded bytes instead of delivering them to the sink. It only waits for
// other outbound encoding, never for inbound propagation.
func (p *Pipeline) Encode(msg any) ([]byte, error) {
	if p.State() == StateClosed {
		return nil, ErrPipelineClosed
	}
	return p.encode(msg)
}

// write encodes msg from the tail and hands the bytes to the sink once the
// outbound lock is released.
func (p *Pipeline) write(msg any) error {
	b, err := p.encode(msg)
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}
	return p.writeSink(b)
}

// encode runs msg through the outbound handlers and collects what reaches
// the head. Outbound handlers must not call Context.Write.
func (p *Pipeline) encode(msg any) ([]byte, error) {
	p.outMu.Lock()
	defer p.outMu.Unlock()

	p.pending = nil
	err := p.fireWrite(len(p.nodes)-1, msg)
	out := p.pending
	p.pending = nil
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Close moves the pipeline to the closed state, notifies every
// InactiveHandler and discards buffered bytes. It waits for any
// in-flight propagation and is safe to call more than once.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if State(p.state.Swap(int32(StateClosed))) == StateClosed {
		return
	}
	if residual := p.buf.Remaining(); residual > 0 {
		p.logger.Debug("discarding partial frame", "bytes", residual)
	}
	p.buf.Reset()
	for _, n := range p.nodes {
		if h, ok := n.ctx.handler.(InactiveHandler); ok {
			h.HandleInactive(n.ctx)
		}
	}
}

// fireRead hands msg to the first inbound handler at or after index from.
func (p *Pipeline) fireRead(from int, msg any) error {
	for i := from; i < len(p.nodes); i++ {
		if n := p.nodes[i]; n.in != nil {
			return n.in.HandleRead(n.ctx, msg)
		}
	}

	// Nothing left to consume it. Raw bytes are dropped so they do not pile up.
	if b, ok := msg.(*Buffer); ok {
		b.Skip(b.Remaining())
	}
	p.logger.Debug("inbound message reached pipeline tail", "type", fmt.Sprintf("%T", msg))
	return nil
}

// fireWrite hands msg to the first outbound handler at or before index
// from, or to the head when none is left. The caller holds outMu.
func (p *Pipeline) fireWrite(from int, msg any) error {
	for i := from; i >= 0; i-- {
		if n := p.nodes[i]; n.out != nil {
			return n.out.HandleWrite(n.ctx, msg)
		}
	}

	b, ok := msg.([]byte)
	if !ok {
		return errors.Wrapf(ErrUnencoded, "%T at pipeline head", msg)
	}
	p.pending = append(p.pending, b...)
	return nil
}

func (p *Pipeline) writeSink(b []byte) error {
	if p.sink == nil {
		return ErrConnectionClosed
	}
	return p.sink.Write(b)
}

func (p *Pipeline) remoteAddr() net.Addr {
	if a, ok := p.sink.(interface{ RemoteAddr() net.Addr }); ok {
		return a.RemoteAddr()
	}
	return nil
}
