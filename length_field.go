package reactor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// LengthFieldBasedDecoder splits a stream of frames, each prefixed by
// headerOffset skipped bytes and a big-endian unsigned length field giving
// the payload length. The emitted frame is the payload only.
//
// Four and eight byte length fields whose top bit is set are read as
// negative lengths and rejected.
type LengthFieldBasedDecoder struct {
	offset int
	size   int
	opts   decoderOptions
	cumulation
}

// NewLengthFieldBasedDecoder returns a decoder for a length field of size
// bytes (1, 2, 4 or 8) located offset bytes into each frame header.
// It panics on any other size.
func NewLengthFieldBasedDecoder(offset, size int, opts ...DecoderOption) *LengthFieldBasedDecoder {
	checkLengthFieldSize(size)
	if offset < 0 {
		panic(fmt.Sprintf("reactor: negative length field offset %d", offset))
	}
	return &LengthFieldBasedDecoder{
		offset: offset,
		size:   size,
		opts:   newDecoderOptions(opts),
	}
}

// Capability implements Handler.
func (d *LengthFieldBasedDecoder) Capability() Capability {
	return ConsumesInbound | ProducesInbound
}

// Clone returns a decoder with the same configuration and no buffered state.
func (d *LengthFieldBasedDecoder) Clone() Handler {
	return &LengthFieldBasedDecoder{offset: d.offset, size: d.size, opts: d.opts}
}

// HandleRead implements InboundHandler.
func (d *LengthFieldBasedDecoder) HandleRead(ctx *Context, msg any) error {
	return d.decodeRead(ctx, d, msg)
}

// Decode implements FrameDecoder.
func (d *LengthFieldBasedDecoder) Decode(in *Buffer, emit func([]byte) error) error {
	header := d.offset + d.size
	for in.Remaining() >= header {
		length, err := d.length(in)
		if err != nil {
			return err
		}
		if in.Remaining()-header < length {
			return nil
		}
		in.Skip(header)
		if err := emit(in.Read(length)); err != nil {
			return err
		}
	}
	return nil
}

// length reads and validates the length field without consuming it.
func (d *LengthFieldBasedDecoder) length(in *Buffer) (int, error) {
	field := in.PeekAt(d.offset, d.size)

	var v uint64
	switch d.size {
	case 1:
		v = uint64(field[0])
	case 2:
		v = uint64(binary.BigEndian.Uint16(field))
	case 4:
		v = uint64(binary.BigEndian.Uint32(field))
		if int32(v) < 0 {
			return 0, d.framingError("negative length field", int64(int32(v)))
		}
	case 8:
		v = binary.BigEndian.Uint64(field)
		if int64(v) < 0 {
			return 0, d.framingError("negative length field", int64(v))
		}
	}

	if v > math.MaxInt32 {
		return 0, d.framingError("length field too large", int64(v))
	}
	length := int(v)
	if maxLen := d.opts.maxFrameLength; maxLen > 0 && length > maxLen {
		return 0, d.framingError(fmt.Sprintf("frame exceeds max length %d", maxLen), int64(length))
	}
	// The frame could never be buffered completely, do not wait for it.
	if limit := in.Limit(); limit > 0 && d.offset+d.size+length > limit {
		return 0, d.framingError(fmt.Sprintf("frame exceeds buffer limit %d", limit), int64(length))
	}
	return length, nil
}

func (d *LengthFieldBasedDecoder) framingError(reason string, length int64) error {
	return errors.WithStack(&FramingError{Decoder: "LengthFieldBasedDecoder", Reason: reason, Length: length})
}

// LengthFieldPrepender is the outbound counterpart of
// LengthFieldBasedDecoder with a zero header offset: it prefixes each
// []byte or string message with its length.
type LengthFieldPrepender struct {
	size int
}

// NewLengthFieldPrepender returns an encoder writing size-byte (1, 2, 4 or
// 8) big-endian length fields. It panics on any other size.
func NewLengthFieldPrepender(size int) *LengthFieldPrepender {
	checkLengthFieldSize(size)
	return &LengthFieldPrepender{size: size}
}

// Capability implements Handler.
func (e *LengthFieldPrepender) Capability() Capability {
	return ConsumesOutbound | ProducesOutbound
}

// HandleWrite implements OutboundHandler.
func (e *LengthFieldPrepender) HandleWrite(ctx *Context, msg any) error {
	var payload []byte
	switch m := msg.(type) {
	case []byte:
		payload = m
	case string:
		payload = []byte(m)
	default:
		return errors.Wrapf(ErrUnsupportedMessage, "LengthFieldPrepender: %T", msg)
	}

	n := uint64(len(payload))
	if e.size < 8 && n >= 1<<(8*uint(e.size)) {
		return errors.Errorf("LengthFieldPrepender: payload of %d bytes does not fit a %d byte length field", n, e.size)
	}

	out := make([]byte, e.size+len(payload))
	switch e.size {
	case 1:
		out[0] = byte(n)
	case 2:
		binary.BigEndian.PutUint16(out, uint16(n))
	case 4:
		binary.BigEndian.PutUint32(out, uint32(n))
	case 8:
		binary.BigEndian.PutUint64(out, n)
	}
	copy(out[e.size:], payload)
	return ctx.FireWrite(out)
}

func checkLengthFieldSize(size int) {
	switch size {
	case 1, 2, 4, 8:
	default:
		panic(fmt.Sprintf("reactor: unsupported length field size %d", size))
	}
}
