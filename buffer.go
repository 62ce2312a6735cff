package reactor

import (
	"fmt"
	"io"
)

const (
	// defaultReadSize is the initial capacity of a connection's inbound buffer
	// and the minimum free space guaranteed before each socket read.
	defaultReadSize = 4096
)

// Buffer is a growable byte accumulator with independent read and write
// cursors. Bytes before the read cursor have been consumed and are
// discarded by Compact.
//
// A Buffer is owned by a single pipeline and is not safe for concurrent use.
type Buffer struct {
	buf   []byte
	r     int // read cursor
	w     int // write cursor, end of valid data
	limit int // maximum unread bytes, 0 means unlimited
}

// NewBuffer creates a buffer with the given initial capacity.
func NewBuffer(size int) *Buffer {
	if size < 0 {
		size = 0
	}
	return &Buffer{buf: make([]byte, size)}
}

// SetLimit bounds the number of unread bytes the buffer accepts.
// Zero disables the limit.
func (b *Buffer) SetLimit(n int) {
	b.limit = n
}

// Limit returns the configured unread byte limit, 0 if unlimited.
func (b *Buffer) Limit() int {
	return b.limit
}

// Remaining returns the number of unread bytes.
func (b *Buffer) Remaining() int {
	return b.w - b.r
}

// Cap returns the capacity of the underlying storage.
func (b *Buffer) Cap() int {
	return len(b.buf)
}

// Bytes returns a view of the unread bytes. The view is only valid until
// the next call that modifies the buffer.
func (b *Buffer) Bytes() []byte {
	return b.buf[b.r:b.w]
}

// Append copies p after the write cursor, growing the buffer when needed.
func (b *Buffer) Append(p []byte) error {
	if b.limit > 0 && b.Remaining()+len(p) > b.limit {
		return ErrBufferOverflow
	}
	b.ensure(len(p))
	b.w += copy(b.buf[b.w:], p)
	return nil
}

// ReadOnce performs a single Read from r into the free tail of the buffer.
// It returns the number of bytes read and any error from r.
func (b *Buffer) ReadOnce(r io.Reader) (int, error) {
	free := defaultReadSize
	if b.limit > 0 {
		if room := b.limit - b.Remaining(); room <= 0 {
			return 0, ErrBufferOverflow
		} else if room < free {
			free = room
		}
	}
	b.ensure(free)
	n, err := r.Read(b.buf[b.w : b.w+free])
	b.w += n
	return n, err
}

// Peek returns the next n unread bytes without advancing the read cursor.
func (b *Buffer) Peek(n int) []byte {
	return b.PeekAt(0, n)
}

// PeekAt returns n unread bytes starting off bytes after the read cursor,
// without advancing it.
func (b *Buffer) PeekAt(off, n int) []byte {
	if off < 0 || n < 0 {
		panic(fmt.Sprintf("reactor: negative buffer access at offset %d of %d bytes", off, n))
	}
	b.check(off + n)
	start := b.r + off
	return b.buf[start : start+n]
}

// Read returns a copy of the next n unread bytes and advances the read cursor.
func (b *Buffer) Read(n int) []byte {
	b.check(n)
	p := make([]byte, n)
	copy(p, b.buf[b.r:b.r+n])
	b.r += n
	return p
}

// Skip advances the read cursor by n bytes.
func (b *Buffer) Skip(n int) {
	b.check(n)
	b.r += n
}

// Compact discards consumed bytes by moving the unread bytes to index 0.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r = 0
	b.w = n
}

// Reset discards all bytes, read or not.
func (b *Buffer) Reset() {
	b.r = 0
	b.w = 0
}

// shouldCompact reports whether compacting now keeps the cost amortized:
// either nothing is left to move or the consumed prefix dominates.
func (b *Buffer) shouldCompact() bool {
	if b.r == 0 {
		return false
	}
	return b.r == b.w || b.r >= len(b.buf)/2
}

// ensure guarantees at least n bytes of free space after the write cursor.
func (b *Buffer) ensure(n int) {
	if len(b.buf)-b.w >= n {
		return
	}
	// Reclaim the consumed prefix before growing.
	b.Compact()
	if len(b.buf)-b.w >= n {
		return
	}
	size := 2 * len(b.buf)
	if size < b.w+n {
		size = b.w + n
	}
	buf := make([]byte, size)
	copy(buf, b.buf[:b.w])
	b.buf = buf
}

func (b *Buffer) check(n int) {
	if n < 0 || n > b.Remaining() {
		panic(fmt.Sprintf("reactor: buffer access of %d bytes with %d remaining", n, b.Remaining()))
	}
}
