package reactor

import "net"

// Context is a handler's view of its pipeline. Each handler gets its own
// Context, valid for the lifetime of the pipeline.
type Context struct {
	p       *Pipeline
	index   int
	handler Handler
}

// Handler returns the handler bound to this context.
func (c *Context) Handler() Handler {
	return c.handler
}

// FireRead passes msg to the next inbound handler.
func (c *Context) FireRead(msg any) error {
	return c.p.fireRead(c.index+1, msg)
}

// FireWrite passes msg to the previous outbound handler, or to the
// pipeline head when this handler is the closest to it. Encoders use it
// to forward what they produced.
func (c *Context) FireWrite(msg any) error {
	return c.p.fireWrite(c.index-1, msg)
}

// Write sends msg from the tail of the pipeline so that every outbound
// handler sees it, then delivers the bytes to the connection. Business
// handlers reply with Write; encoders must use FireWrite instead.
func (c *Context) Write(msg any) error {
	return c.p.write(msg)
}

// Close closes the connection. The pipeline itself is closed once the
// connection loop has stopped.
func (c *Context) Close() error {
	if c.p.sink == nil {
		return nil
	}
	return c.p.sink.Close()
}

// RemoteAddr returns the peer address when the sink knows it.
func (c *Context) RemoteAddr() net.Addr {
	return c.p.remoteAddr()
}

// Logger returns the pipeline logger.
func (c *Context) Logger() Logger {
	return c.p.logger
}
