// Package reactor provides a TCP server framework that routes each
// connection's byte stream through an ordered pipeline of handlers.
// Frame decoders turn the stream into discrete messages, business handlers
// act on them, and encoders turn replies back into bytes.
package reactor

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// errPeerClosed ends the read loop when the peer closes its side.
var errPeerClosed = errors.New("peer closed connection")

// Conn represents a client connection to a TCP server.
// It owns the underlying TCP connection and the pipeline bound to it,
// and runs the read and write loops that pump bytes between them.
type Conn struct {
	rawConn  *net.TCPConn
	pipeline *Pipeline
	logger   Logger

	opts options

	sendMsg chan []byte
	closed  atomic.Bool
	done    chan struct{}   // closed by Close
	stopped <-chan struct{} // done channel of the running loops
}

// Default configuration values.
const (
	// defaultBufferSize is the default size of the outbound message queue.
	defaultBufferSize = 1
	// defaultMaxPackageLength is the default maximum of buffered inbound bytes (1MB).
	defaultMaxPackageLength = 1024 * 1024
)

// NewConn creates a new connection wrapper around the given TCP connection.
// The initializer is invoked once to build the connection's pipeline.
// Returns an error if the initializer is missing or yields an invalid handler.
func NewConn(conn *net.TCPConn, initializer Initializer, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if initializer == nil {
		return nil, ErrInvalidInitializer
	}

	checkOptions(&opts)

	return newClientConnWithOptions(conn, initializer.Init(), opts)
}

// checkOptions sets default values for connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.idleTimeout < 0 {
		opts.idleTimeout = 0
	}

	if opts.onError == nil {
		opts.onError = func(err error) ErrorAction { return Disconnect }
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	if opts.clock == nil {
		opts.clock = clock.New()
	}
}

// newClientConnWithOptions creates a new Conn with the given handlers and options.
func newClientConnWithOptions(c *net.TCPConn, handlers []Handler, opts options) (*Conn, error) {
	cc := &Conn{
		rawConn: c,
		logger:  opts.logger,
		opts:    opts,
		sendMsg: make(chan []byte, opts.bufferSize),
		done:    make(chan struct{}),
	}

	p, err := NewPipeline(connSink{cc}, handlers...)
	if err != nil {
		return nil, err
	}
	p.SetLogger(opts.logger)
	p.Buffer().SetLimit(opts.maxReadLength)
	cc.pipeline = p

	return cc, nil
}

// Run activates the pipeline and starts the connection's read and write loops.
// It blocks until the peer closes the connection, Close is called, the
// context is canceled or an unrecoverable error occurs. The connection and
// its pipeline are closed when Run returns.
//
// Run returns nil for an ordinary close, the context error when ctx was
// canceled, and the error that ended the connection otherwise.
func (c *Conn) Run(ctx context.Context) error {
	c.logger.Info("connection established", "addr", c.Addr())
	c.logger.Debug("connection options", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_read_length", c.opts.maxReadLength,
		"idle_timeout", c.opts.idleTimeout,
		"handlers", c.pipeline.Len())

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, child := errgroup.WithContext(ctx)
	c.stopped = child.Done()

	go func() {
		select {
		case <-c.done:
		case <-child.Done():
		}
		cancel()
		// Unblock a pending socket read.
		_ = c.rawConn.SetReadDeadline(time.Now())
	}()

	// The write loop must be draining before active handlers may write.
	group.Go(func() error {
		return c.writeLoop(child)
	})

	group.Go(func() error {
		if err := c.pipeline.Activate(); err != nil {
			return err
		}
		return c.readLoop(child)
	})

	err := group.Wait()

	c.closeConn()
	c.pipeline.Close()

	switch {
	case errors.Is(err, errPeerClosed), errors.Is(err, ErrConnectionClosed):
		err = nil
	case errors.Is(err, context.Canceled) && parent.Err() == nil:
		err = nil
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.Addr())
	}

	if c.opts.onClose != nil {
		c.opts.onClose(c, err)
	}

	return err
}

// Close closes the connection and stops its loops.
// Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	close(c.done)
	return c.rawConn.Close()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the receiver is not consuming messages fast enough.
// Recommended handling strategies:
//   - Drop the message (for non-critical data like metrics)
//   - Use WriteBlocking or WriteTimeout to wait for buffer space
//   - Implement application-level flow control
var ErrBufferFull = errors.New("send buffer full")

// Write sends a message through the connection without blocking (fire-and-forget).
// The message passes through every outbound handler of the pipeline and
// the resulting bytes are queued for sending. Encoding only waits for other
// outbound encoding, not for handlers blocked on a full queue.
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if an outbound handler fails
//
// Handlers reply with Context.Write instead; Write is meant for other goroutines.
func (c *Conn) Write(message any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	bytes, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking sends a message through the connection, blocking until the message
// is queued or the context is canceled.
//
// Returns:
//   - nil: message was successfully queued
//   - context.Canceled or context.DeadlineExceeded: context was canceled
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if an outbound handler fails
func (c *Conn) WriteBlocking(ctx context.Context, message any) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	bytes, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteTimeout sends a message through the connection with a timeout.
// This provides a middle ground between Write (non-blocking) and WriteBlocking.
//
// Returns:
//   - nil: message was successfully queued
//   - ErrBufferFull: timeout expired before message could be queued
//   - ErrConnectionClosed: connection is closed
//   - encoding error: if an outbound handler fails
func (c *Conn) WriteTimeout(message any, timeout time.Duration) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	bytes, err := c.encode(message)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- bytes:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-c.opts.clock.After(timeout):
		return ErrBufferFull
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

func (c *Conn) encode(message any) ([]byte, error) {
	b, err := c.pipeline.Encode(message)
	if errors.Is(err, ErrPipelineClosed) {
		return nil, ErrConnectionClosed
	}
	return b, err
}

// readLoop reads from the socket into the pipeline buffer and propagates
// each batch of bytes through the pipeline.
// Returns when the context is canceled, the peer closes or an unrecoverable error occurs.
func (c *Conn) readLoop(ctx context.Context) error {
	in := c.pipeline.Buffer()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		c.setDeadline(c.rawConn.SetReadDeadline)

		n, rerr := in.ReadOnce(c.rawConn)
		if n > 0 {
			if err := c.fire(); err != nil {
				return err
			}
		}
		if rerr != nil {
			return c.readError(ctx, rerr)
		}
	}
}

// fire propagates buffered bytes and applies the error policy.
// A suppressed error re-fires while the pipeline keeps consuming, so
// frames behind a rejected one are not stranded until the next read.
func (c *Conn) fire() error {
	in := c.pipeline.Buffer()
	for {
		before := in.Remaining()
		err := c.pipeline.Fire()
		if err == nil {
			return nil
		}

		if IsFramingError(err) {
			c.logger.Warn("framing error", "addr", c.Addr(), "error", err)
			return err
		}
		if errors.Is(err, ErrConnectionClosed) || errors.Is(err, ErrPipelineClosed) {
			return ErrConnectionClosed
		}

		c.logger.Debug("handler error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
		if in.Remaining() == 0 || in.Remaining() == before {
			return nil
		}
	}
}

// readError classifies a socket read error.
func (c *Conn) readError(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case c.closed.Load():
		return ErrConnectionClosed
	case errors.Is(err, io.EOF):
		c.logger.Debug("peer closed connection", "addr", c.Addr(),
			"residual_bytes", c.pipeline.Buffer().Remaining())
		return errPeerClosed
	case errors.Is(err, ErrBufferOverflow):
		c.logger.Warn("inbound buffer limit exceeded", "addr", c.Addr(),
			"limit", c.opts.maxReadLength)
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		c.logger.Info("idle timeout", "addr", c.Addr(), "timeout", c.opts.idleTimeout)
		return err
	}

	c.logger.Debug("read error", "addr", c.Addr(), "error", err)
	return err
}

// writeLoop continuously sends messages from the send channel to the connection.
// On shutdown it flushes what is still queued while the socket is open.
// Returns when the context is canceled or an unrecoverable error occurs.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.flush()
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				return err
			}
		}
	}
}

// flush writes queued messages without waiting for new ones.
func (c *Conn) flush() {
	for !c.closed.Load() {
		select {
		case data := <-c.sendMsg:
			c.setDeadline(c.rawConn.SetWriteDeadline)
			if _, err := c.rawConn.Write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

// write sends data to the connection with a deadline.
// If an error occurs and onError returns Disconnect, the error is propagated.
// Otherwise, the error is suppressed and writing continues.
func (c *Conn) write(data []byte) error {
	c.setDeadline(c.rawConn.SetWriteDeadline)

	_, err := c.rawConn.Write(data)

	if err != nil {
		c.logger.Debug("write error", "addr", c.Addr(), "error", err)
		if c.opts.onError(err) == Disconnect {
			return err
		}
	}

	return nil
}

func (c *Conn) setDeadline(set func(time.Time) error) {
	if c.opts.idleTimeout > 0 {
		_ = set(c.opts.clock.Now().Add(c.opts.idleTimeout))
	}
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn) closeConn() {
	_ = c.Close()
}

// enqueue hands encoded bytes from the pipeline to the write loop, waiting
// while the queue is full.
func (c *Conn) enqueue(p []byte) error {
	select {
	case c.sendMsg <- p:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	case <-c.stopped:
		return ErrConnectionClosed
	}
}

// connSink is the head of a connection's pipeline.
type connSink struct {
	c *Conn
}

func (s connSink) Write(p []byte) error  { return s.c.enqueue(p) }
func (s connSink) Close() error          { return s.c.Close() }
func (s connSink) RemoteAddr() net.Addr { return s.c.Addr() }
