package decoder

import (
	"encoding/binary"

	"github.com/Zereker/chatmux/cursor"
)

type intState uint8

const (
	intWaiting intState = iota
	intDone
)

// Int decodes a 4-byte big-endian signed integer. It never reports Malformed.
type Int struct {
	state   intState
	scratch *cursor.Cursor
	value   int32
}

var _ Decoder[int32] = (*Int)(nil)

// NewInt returns an Int ready to decode.
func NewInt() *Int { return &Int{scratch: cursor.New(4)} }

// Process implements [Decoder].
func (d *Int) Process(in *cursor.Cursor) Status {
	switch d.state {
	case intWaiting:
		if !fill(d.scratch, in, 4) {
			return NeedsMore
		}
		b, _ := d.scratch.Take(4)
		d.value = int32(binary.BigEndian.Uint32(b))
		d.state = intDone
		return Done
	default:
		misuse("Process")
		return Malformed
	}
}

// Get implements [Decoder].
func (d *Int) Get() int32 {
	if d.state != intDone {
		misuse("Get")
	}
	return d.value
}

// Err implements [Decoder]. It always returns nil.
func (d *Int) Err() error { return nil }

// Reset implements [Decoder].
func (d *Int) Reset() {
	d.state = intWaiting
	d.scratch.Reset()
}
