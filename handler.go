package reactor

import "strings"

// Capability describes which directions of a pipeline a handler takes part in.
type Capability uint8

const (
	// ConsumesInbound marks a handler that receives inbound messages.
	ConsumesInbound Capability = 1 << iota
	// ProducesInbound marks a handler that passes messages further inbound.
	ProducesInbound
	// ConsumesOutbound marks a handler that receives outbound messages.
	ConsumesOutbound
	// ProducesOutbound marks a handler that passes messages further outbound.
	ProducesOutbound
)

// Has reports whether all bits of o are set in c.
func (c Capability) Has(o Capability) bool {
	return c&o == o
}

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	for _, v := range []struct {
		bit  Capability
		name string
	}{
		{ConsumesInbound, "consumes-inbound"},
		{ProducesInbound, "produces-inbound"},
		{ConsumesOutbound, "consumes-outbound"},
		{ProducesOutbound, "produces-outbound"},
	} {
		if c.Has(v.bit) {
			parts = append(parts, v.name)
		}
	}
	return strings.Join(parts, "|")
}

// Handler is a unit of pluggable behavior in a pipeline.
// The pipeline only inspects the Consumes bits; the Produces bits are
// descriptive.
type Handler interface {
	Capability() Capability
}

// InboundHandler is implemented by handlers advertising ConsumesInbound.
type InboundHandler interface {
	Handler
	// HandleRead receives one inbound message. The first inbound handler of
	// a pipeline receives the connection's *Buffer; later handlers receive
	// whatever the previous handler passed to ctx.FireRead.
	HandleRead(ctx *Context, msg any) error
}

// OutboundHandler is implemented by handlers advertising ConsumesOutbound.
type OutboundHandler interface {
	Handler
	// HandleWrite receives one outbound message and usually forwards a
	// transformed message with ctx.FireWrite.
	HandleWrite(ctx *Context, msg any) error
}

// ActiveHandler is notified once when its pipeline becomes active.
type ActiveHandler interface {
	HandleActive(ctx *Context) error
}

// InactiveHandler is notified once when its pipeline is closed.
type InactiveHandler interface {
	HandleInactive(ctx *Context)
}

// Cloner is implemented by stateful handlers so that a fixed handler list
// can be reused across connections without sharing state.
type Cloner interface {
	Clone() Handler
}

// Initializer produces a fresh ordered handler sequence for each accepted connection.
type Initializer interface {
	Init() []Handler
}

// InitializerFunc adapts a function to an Initializer.
type InitializerFunc func() []Handler

// Init calls f.
func (f InitializerFunc) Init() []Handler {
	return f()
}

// Handlers returns an Initializer that replays a fixed handler list.
// Handlers implementing Cloner are cloned on every call; the others are
// shared between connections and must therefore be stateless.
func Handlers(hs ...Handler) Initializer {
	template := append([]Handler(nil), hs...)
	return InitializerFunc(func() []Handler {
		out := make([]Handler, len(template))
		for i, h := range template {
			if c, ok := h.(Cloner); ok {
				out[i] = c.Clone()
			} else {
				out[i] = h
			}
		}
		return out
	})
}

// InboundFunc adapts a function to a terminal or pass-through InboundHandler.
type InboundFunc func(ctx *Context, msg any) error

// Capability implements Handler.
func (f InboundFunc) Capability() Capability {
	return ConsumesInbound | ProducesInbound
}

// HandleRead calls f.
func (f InboundFunc) HandleRead(ctx *Context, msg any) error {
	return f(ctx, msg)
}

// OutboundFunc adapts a function to an OutboundHandler.
type OutboundFunc func(ctx *Context, msg any) error

// Capability implements Handler.
func (f OutboundFunc) Capability() Capability {
	return ConsumesOutbound | ProducesOutbound
}

// HandleWrite calls f.
func (f OutboundFunc) HandleWrite(ctx *Context, msg any) error {
	return f(ctx, msg)
}
