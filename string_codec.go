package reactor

import (
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ErrInvalidUTF8 is wrapped by the DecodeError StringDecoder returns for
// payloads that are not valid UTF-8.
var ErrInvalidUTF8 = errors.New("invalid UTF-8 sequence")

// StringDecoder turns each inbound frame into a UTF-8 string. Placed first
// in a pipeline it decodes everything read so far, without framing.
type StringDecoder struct{}

// NewStringDecoder returns a StringDecoder.
func NewStringDecoder() *StringDecoder {
	return &StringDecoder{}
}

// Capability implements Handler.
func (d *StringDecoder) Capability() Capability {
	return ConsumesInbound | ProducesInbound
}

// HandleRead implements InboundHandler.
func (d *StringDecoder) HandleRead(ctx *Context, msg any) error {
	var p []byte
	switch m := msg.(type) {
	case []byte:
		p = m
	case *Buffer:
		// Keep a rune split across reads for the next call.
		n := m.Remaining() - partialRune(m.Bytes())
		if n == 0 {
			return nil
		}
		p = m.Read(n)
	case string:
		return ctx.FireRead(m)
	default:
		return errors.Wrapf(ErrUnsupportedMessage, "StringDecoder: %T", msg)
	}

	if !utf8.Valid(p) {
		return &DecodeError{Codec: "StringDecoder", Err: errors.WithStack(ErrInvalidUTF8)}
	}
	return ctx.FireRead(string(p))
}

// partialRune returns the length of an incomplete UTF-8 sequence at the end of b.
func partialRune(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax+1; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return 0
			}
			return len(b) - i
		}
	}
	return 0
}

// StringEncoder turns outbound strings into their UTF-8 bytes. Other
// messages are forwarded unchanged.
type StringEncoder struct{}

// NewStringEncoder returns a StringEncoder.
func NewStringEncoder() *StringEncoder {
	return &StringEncoder{}
}

// Capability implements Handler.
func (e *StringEncoder) Capability() Capability {
	return ConsumesOutbound | ProducesOutbound
}

// HandleWrite implements OutboundHandler.
func (e *StringEncoder) HandleWrite(ctx *Context, msg any) error {
	if s, ok := msg.(string); ok {
		return ctx.FireWrite([]byte(s))
	}
	return ctx.FireWrite(msg)
}
