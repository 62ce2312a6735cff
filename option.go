package reactor

import (
	"time"

	"github.com/benbjohnson/clock"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	logger Logger
	clock  clock.Clock

	// onError is called when a handler or write error occurs.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	// Framing errors always close the connection.
	onError func(error) ErrorAction
	// onClose is called once after the connection has been torn down.
	onClose func(*Conn, error)

	bufferSize    int           // size of the outbound queue
	maxReadLength int           // maximum unread inbound bytes
	idleTimeout   time.Duration // read/write deadline, 0 disables it
}

// Option is a function that configures connection options.
type Option func(*options)

// BufferSizeOption returns an Option that sets the size of the outbound message queue.
// A larger queue allows more encoded messages to wait for the socket.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// IdleTimeoutOption returns an Option that closes the connection when no
// data is read or written within timeout. Zero, the default, disables it.
func IdleTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = timeout
	}
}

// MessageMaxSize returns an Option that bounds the inbound bytes buffered
// while waiting for a complete frame. Exceeding it closes the connection.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// OnErrorOption returns an Option that sets the error callback.
// The callback is invoked for handler errors (e.g. a DecodeError) and write errors.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnCloseOption returns an Option that sets a callback invoked once the
// connection is closed, with the error that ended it or nil for an
// ordinary close.
func OnCloseOption(cb func(*Conn, error)) Option {
	return func(o *options) {
		o.onClose = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// ClockOption returns an Option that sets the clock deadlines are computed from.
func ClockOption(clk clock.Clock) Option {
	return func(o *options) {
		o.clock = clk
	}
}
