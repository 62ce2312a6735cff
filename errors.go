package reactor

import (
	"fmt"

	"github.com/pkg/errors"
)

// Errors returned by connection and pipeline operations.
var (
	// ErrInvalidInitializer is returned when no handler initializer is provided.
	ErrInvalidInitializer = errors.New("invalid handler initializer")
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferOverflow is returned when buffered inbound bytes would exceed the buffer limit.
	ErrBufferOverflow = errors.New("buffer limit exceeded")
	// ErrCapability is returned when a handler advertises a capability it does not implement.
	ErrCapability = errors.New("handler capability mismatch")
	// ErrUnencoded is returned when an outbound message reaches the head of
	// the pipeline without having been encoded to bytes.
	ErrUnencoded = errors.New("outbound message not encoded")
	// ErrPipelineClosed is returned when an event is fired into a closed pipeline.
	ErrPipelineClosed = errors.New("pipeline closed")
)

// Errors returned by server lifecycle operations.
var (
	ErrNoHandlers    = errors.New("no handlers configured")
	ErrServerStarted = errors.New("server already started")
	ErrServerClosed  = errors.New("server closed")
)

// BindError reports that the requested address could not be reserved.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// FramingError reports malformed or implausible framing metadata. The
// stream can no longer be resynchronised, so the connection is always closed.
type FramingError struct {
	Decoder string
	Reason  string
	Length  int64
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("%s: %s (length %d)", e.Decoder, e.Reason, e.Length)
}

// DecodeError reports a payload that could not be decoded by a codec.
// Whether it closes the connection is decided by the OnErrorOption callback.
type DecodeError struct {
	Codec string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Codec, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsFramingError reports whether err, or any error it wraps, is a *FramingError.
func IsFramingError(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe)
}
