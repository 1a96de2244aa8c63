// Package decoder implements resumable decoders for length-prefixed binary
// fields.
//
// A decoder consumes bytes from a [cursor.Cursor] as they arrive. When the
// input runs out before a value is complete, Process reports [NeedsMore] after
// moving every available byte into the decoder's own scratch state, so a later
// call resumes exactly where the previous one stopped and no byte is examined
// twice. When a value completes, Process reports [Done] and leaves any bytes
// that follow the value unread in the input.
package decoder

import (
	"fmt"

	"github.com/Zereker/chatmux/cursor"
	"github.com/pkg/errors"
)

// Status is the outcome of a call to Process.
type Status int

const (
	// NeedsMore means all available input was consumed and the value is not
	// yet complete.
	NeedsMore Status = iota
	// Done means a complete value is available from Get.
	Done
	// Malformed means the input cannot be decoded. Err reports why.
	Malformed
)

func (s Status) String() string {
	switch s {
	case NeedsMore:
		return "NEEDS_MORE"
	case Done:
		return "DONE"
	case Malformed:
		return "MALFORMED"
	default:
		return fmt.Sprintf("status %d", int(s))
	}
}

// Errors reported by Err after a Malformed result.
var (
	// ErrNegativeLength is reported for a length prefix below zero.
	ErrNegativeLength = errors.New("negative field length")
	// ErrFieldTooLarge is reported for a length prefix above the maximum.
	ErrFieldTooLarge = errors.New("field too large")
	// ErrInvalidUTF8 is reported by strict string decoders for bytes that are
	// not valid UTF-8.
	ErrInvalidUTF8 = errors.New("invalid UTF-8")
)

// A Decoder is a resumable parser for values of type T.
//
// Process must not be called again after it reports Done or Malformed until
// Reset is called, and Get must only be called after Done. Implementations in
// this module panic when either rule is broken.
type Decoder[T any] interface {
	// Process consumes input from in and reports the decoder's status.
	Process(in *cursor.Cursor) Status

	// Get returns the value decoded by the last successful Process.
	Get() T

	// Err returns the reason for a Malformed status, or nil.
	Err() error

	// Reset returns the decoder to its initial state.
	Reset()
}

func misuse(method string) {
	panic("decoder: " + method + " called in wrong state")
}

// fill moves up to want-dst.Len() bytes from src into dst and reports whether
// dst now holds want bytes.
func fill(dst, src *cursor.Cursor, want int) bool {
	if err := dst.Put(src.TakeAtMost(want - dst.Len())); err != nil {
		// The scratch cursor can hold want bytes, so this is unreachable.
		panic(err)
	}
	return dst.Len() == want
}
