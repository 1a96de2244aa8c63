// Package cursor provides a byte region with independent read and write
// offsets, used to stage partially received and partially sent data.
//
// A Cursor has no read or write "mode". Writers append at the write offset,
// readers consume from the read offset, and Compact moves the unread bytes to
// the front so the region can be reused without unbounded growth.
package cursor

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrOverflow is returned when a write does not fit in the cursor.
	ErrOverflow = errors.New("cursor overflow")
	// ErrUnderflow is returned when a read asks for more bytes than are unread.
	ErrUnderflow = errors.New("cursor underflow")
)

// A Cursor is a byte region with a read offset and a write offset.
// The invariant 0 <= r <= w <= cap(buf) holds between calls.
//
// A Cursor is not safe for concurrent use.
type Cursor struct {
	buf   []byte
	r, w  int
	limit int // maximum capacity when growable; 0 means fixed
}

// New returns a fixed-capacity cursor.
func New(capacity int) *Cursor {
	return &Cursor{buf: make([]byte, capacity)}
}

// NewGrowable returns a cursor that starts at capacity bytes and doubles as
// needed, never exceeding limit. A limit less than capacity is treated as
// capacity.
func NewGrowable(capacity, limit int) *Cursor {
	return &Cursor{buf: make([]byte, capacity), limit: max(limit, capacity, 1)}
}

// Len reports the number of unread bytes.
func (c *Cursor) Len() int { return c.w - c.r }

// Cap reports the current capacity of the backing storage.
func (c *Cursor) Cap() int { return len(c.buf) }

// Free reports how many bytes can be written before the cursor must grow,
// counting space reclaimed by compaction.
func (c *Cursor) Free() int { return len(c.buf) - c.Len() }

// Bytes returns a view of the unread bytes. The view is valid until the next
// call that modifies c, and the caller must not modify its contents.
func (c *Cursor) Bytes() []byte { return c.buf[c.r:c.w] }

// Put appends p at the write offset.
func (c *Cursor) Put(p []byte) error {
	if err := c.reserve(len(p)); err != nil {
		return err
	}
	c.w += copy(c.buf[c.w:], p)
	return nil
}

// PutUint32 appends v in big-endian order.
func (c *Cursor) PutUint32(v uint32) error {
	if err := c.reserve(4); err != nil {
		return err
	}
	binary.BigEndian.PutUint32(c.buf[c.w:], v)
	c.w += 4
	return nil
}

// PutInt32 appends v in big-endian two's complement.
func (c *Cursor) PutInt32(v int32) error { return c.PutUint32(uint32(v)) }

// Take returns the next n unread bytes and advances the read offset past
// them. The result aliases the cursor storage and is valid until the next
// call that modifies c.
func (c *Cursor) Take(n int) ([]byte, error) {
	if n < 0 || n > c.Len() {
		return nil, errors.Wrapf(ErrUnderflow, "take %d of %d bytes", n, c.Len())
	}
	out := c.buf[c.r : c.r+n]
	c.r += n
	c.settle()
	return out, nil
}

// TakeAtMost is like Take, but returns as many as n bytes without failing
// when fewer are unread.
func (c *Cursor) TakeAtMost(n int) []byte {
	out, _ := c.Take(min(max(n, 0), c.Len()))
	return out
}

// Skip discards the next n unread bytes.
func (c *Cursor) Skip(n int) error {
	_, err := c.Take(n)
	return err
}

// Compact moves the unread bytes to offset 0.
func (c *Cursor) Compact() {
	if c.r == 0 {
		return
	}
	c.w = copy(c.buf, c.buf[c.r:c.w])
	c.r = 0
}

// Reset discards all contents.
func (c *Cursor) Reset() { c.r, c.w = 0, 0 }

// Spare compacts c and returns the writable tail of its storage. After
// writing k bytes into the result, the caller must call Commit(k).
func (c *Cursor) Spare() []byte {
	c.Compact()
	return c.buf[c.w:]
}

// Commit records that n bytes were written into the slice most recently
// returned by Spare. It panics if n exceeds that slice.
func (c *Cursor) Commit(n int) {
	if n < 0 || c.w+n > len(c.buf) {
		panic("cursor: commit beyond spare capacity")
	}
	c.w += n
}

// reserve ensures n bytes can be written at c.w, compacting or growing c as
// required.
func (c *Cursor) reserve(n int) error {
	if len(c.buf)-c.w >= n {
		return nil
	}
	if c.Free() >= n {
		c.Compact()
		return nil
	}
	need := c.Len() + n
	if c.limit == 0 || need > c.limit {
		return errors.Wrapf(ErrOverflow, "put %d bytes with %d free", n, c.Free())
	}
	size := max(len(c.buf), 1)
	for size < need {
		size *= 2
	}
	buf := make([]byte, min(size, c.limit))
	c.w = copy(buf, c.buf[c.r:c.w])
	c.r = 0
	c.buf = buf
	return nil
}

// settle rewinds both offsets once everything written has been read.
func (c *Cursor) settle() {
	if c.r == c.w {
		c.r, c.w = 0, 0
	}
}
