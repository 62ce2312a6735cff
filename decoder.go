package reactor

import (
	"github.com/pkg/errors"
)

// ErrUnsupportedMessage is returned when a codec receives a message type it cannot handle.
var ErrUnsupportedMessage = errors.New("unsupported message type")

// FrameDecoder extracts frames from buffered bytes. Decode must emit every
// complete frame available in in, consuming exactly the bytes of those
// frames, and leave a trailing partial frame untouched.
type FrameDecoder interface {
	Decode(in *Buffer, emit func(frame []byte) error) error
}

type decoderOptions struct {
	maxFrameLength int
}

// DecoderOption configures a frame decoder.
type DecoderOption func(*decoderOptions)

// MaxFrameLength rejects frames whose payload exceeds n bytes with a
// FramingError. Zero disables the check.
func MaxFrameLength(n int) DecoderOption {
	return func(o *decoderOptions) {
		o.maxFrameLength = n
	}
}

func newDecoderOptions(opts []DecoderOption) decoderOptions {
	var o decoderOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// cumulation gathers the bytes a frame decoder works on. The first decoder
// of a pipeline reads the connection buffer directly; a decoder placed
// after another one accumulates the frames it receives in its own buffer.
type cumulation struct {
	buf *Buffer
}

func (c *cumulation) input(msg any) (*Buffer, error) {
	var p []byte
	switch m := msg.(type) {
	case *Buffer:
		return m, nil
	case []byte:
		p = m
	case string:
		p = []byte(m)
	default:
		return nil, errors.Wrapf(ErrUnsupportedMessage, "%T", msg)
	}
	if c.buf == nil {
		c.buf = NewBuffer(len(p))
	}
	if err := c.buf.Append(p); err != nil {
		return nil, err
	}
	return c.buf, nil
}

// decodeRead runs d over msg and forwards each frame to the next handler.
func (c *cumulation) decodeRead(ctx *Context, d FrameDecoder, msg any) error {
	in, err := c.input(msg)
	if err != nil {
		return err
	}
	err = d.Decode(in, func(frame []byte) error {
		return ctx.FireRead(frame)
	})
	if in == c.buf && in.shouldCompact() {
		in.Compact()
	}
	return err
}
