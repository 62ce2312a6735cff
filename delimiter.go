package reactor

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
)

// DelimiterBasedDecoder splits a stream at every occurrence of a single
// delimiter byte. The delimiter is not part of the emitted frame; two
// consecutive delimiters produce an empty frame. Bytes after the last
// delimiter wait for more data and are dropped if the connection closes.
type DelimiterBasedDecoder struct {
	delim byte
	opts  decoderOptions
	cumulation
}

// NewDelimiterBasedDecoder returns a decoder splitting at delim.
func NewDelimiterBasedDecoder(delim byte, opts ...DecoderOption) *DelimiterBasedDecoder {
	return &DelimiterBasedDecoder{delim: delim, opts: newDecoderOptions(opts)}
}

// Capability implements Handler.
func (d *DelimiterBasedDecoder) Capability() Capability {
	return ConsumesInbound | ProducesInbound
}

// Clone returns a decoder with the same configuration and no buffered state.
func (d *DelimiterBasedDecoder) Clone() Handler {
	return &DelimiterBasedDecoder{delim: d.delim, opts: d.opts}
}

// HandleRead implements InboundHandler.
func (d *DelimiterBasedDecoder) HandleRead(ctx *Context, msg any) error {
	return d.decodeRead(ctx, d, msg)
}

// Decode implements FrameDecoder.
func (d *DelimiterBasedDecoder) Decode(in *Buffer, emit func([]byte) error) error {
	maxLen := d.opts.maxFrameLength
	for {
		k := bytes.IndexByte(in.Bytes(), d.delim)
		if k < 0 {
			if n := in.Remaining(); maxLen > 0 && n > maxLen {
				return d.framingError(maxLen, n)
			}
			return nil
		}
		if maxLen > 0 && k > maxLen {
			return d.framingError(maxLen, k)
		}
		frame := in.Read(k)
		in.Skip(1)
		if err := emit(frame); err != nil {
			return err
		}
	}
}

func (d *DelimiterBasedDecoder) framingError(maxLen, n int) error {
	return errors.WithStack(&FramingError{
		Decoder: "DelimiterBasedDecoder",
		Reason:  fmt.Sprintf("no delimiter %q within %d bytes", d.delim, maxLen),
		Length:  int64(n),
	})
}

// DelimiterAppender is the outbound counterpart of DelimiterBasedDecoder:
// it terminates each []byte or string message with the delimiter.
type DelimiterAppender struct {
	delim byte
}

// NewDelimiterAppender returns an encoder appending delim to every message.
func NewDelimiterAppender(delim byte) *DelimiterAppender {
	return &DelimiterAppender{delim: delim}
}

// Capability implements Handler.
func (e *DelimiterAppender) Capability() Capability {
	return ConsumesOutbound | ProducesOutbound
}

// HandleWrite implements OutboundHandler.
func (e *DelimiterAppender) HandleWrite(ctx *Context, msg any) error {
	var out []byte
	switch m := msg.(type) {
	case []byte:
		out = make([]byte, 0, len(m)+1)
		out = append(out, m...)
	case string:
		out = make([]byte, 0, len(m)+1)
		out = append(out, m...)
	default:
		return errors.Wrapf(ErrUnsupportedMessage, "DelimiterAppender: %T", msg)
	}
	return ctx.FireWrite(append(out, e.delim))
}
