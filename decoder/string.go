package decoder

import (
	"unicode/utf8"

	"github.com/Zereker/chatmux/cursor"
	"github.com/pkg/errors"
)

// DefaultMaxLen is the default bound on the declared length of a string.
const DefaultMaxLen = 1024

// initialBodyCap is the starting capacity of a String's body scratch. It
// grows on demand up to the decoder's maximum.
const initialBodyCap = 64

type stringState uint8

const (
	stringLength stringState = iota
	stringBody
	stringDone
	stringFailed
)

// String decodes an int32 length n followed by n bytes of text.
//
// A length below zero or above the configured maximum is Malformed, so a
// hostile length prefix cannot make the decoder claim more than max bytes.
type String struct {
	state  stringState
	length *Int
	body   *cursor.Cursor
	size   int
	max    int
	strict bool
	value  string
	err    error
}

var _ Decoder[string] = (*String)(nil)

// NewString returns a String that accepts lengths in [0, maxLen]. If strict
// is true, bodies that are not valid UTF-8 are Malformed; otherwise the bytes
// are returned unchanged.
func NewString(maxLen int, strict bool) *String {
	return &String{
		length: NewInt(),
		body:   cursor.NewGrowable(min(initialBodyCap, maxLen), maxLen),
		max:    maxLen,
		strict: strict,
	}
}

// Process implements [Decoder].
func (d *String) Process(in *cursor.Cursor) Status {
	switch d.state {
	case stringLength:
		if d.length.Process(in) == NeedsMore {
			return NeedsMore
		}
		n := d.length.Get()
		if n < 0 {
			return d.fail(errors.Wrapf(ErrNegativeLength, "length %d", n))
		}
		if int64(n) > int64(d.max) {
			return d.fail(errors.Wrapf(ErrFieldTooLarge, "length %d exceeds %d", n, d.max))
		}
		d.size = int(n)
		d.state = stringBody
		fallthrough

	case stringBody:
		if !fill(d.body, in, d.size) {
			return NeedsMore
		}
		b, _ := d.body.Take(d.size)
		if d.strict && !utf8.Valid(b) {
			return d.fail(ErrInvalidUTF8)
		}
		d.value = string(b)
		d.state = stringDone
		return Done

	default:
		misuse("Process")
		return Malformed
	}
}

func (d *String) fail(err error) Status {
	d.state = stringFailed
	d.err = err
	return Malformed
}

// Get implements [Decoder].
func (d *String) Get() string {
	if d.state != stringDone {
		misuse("Get")
	}
	return d.value
}

// Err implements [Decoder].
func (d *String) Err() error { return d.err }

// Reset implements [Decoder].
func (d *String) Reset() {
	d.state = stringLength
	d.length.Reset()
	d.body.Reset()
	d.size = 0
	d.value = ""
	d.err = nil
}
