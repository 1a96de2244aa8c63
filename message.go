package chatmux

import (
	"encoding/binary"
	"fmt"

	"github.com/Zereker/chatmux/cursor"
	"github.com/Zereker/chatmux/decoder"
	"github.com/pkg/errors"
)

// Message is one chat frame. On the wire it is encoded as
//
//	int32 len(Sender) | Sender | int32 len(Body) | Body
//
// with both lengths in big-endian order and no outer frame length.
type Message struct {
	Sender string
	Body   string
}

// MaxFrameLen reports the largest encoded frame whose fields are each at most
// maxFieldLen bytes.
func MaxFrameLen(maxFieldLen int) int { return 8 + 2*maxFieldLen }

// EncodedLen reports the number of bytes m occupies on the wire.
func (m Message) EncodedLen() int { return 8 + len(m.Sender) + len(m.Body) }

// Append appends the wire encoding of m to buf and returns the result.
func (m Message) Append(buf []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Sender)))
	buf = append(buf, m.Sender...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Body)))
	return append(buf, m.Body...)
}

// Encode returns the wire encoding of m.
func (m Message) Encode() []byte { return m.Append(make([]byte, 0, m.EncodedLen())) }

// put writes the wire encoding of m into c.
func (m Message) put(c *cursor.Cursor) error {
	if c.Free() < m.EncodedLen() {
		return errors.Wrapf(cursor.ErrOverflow, "frame of %d bytes", m.EncodedLen())
	}
	// With the space checked above none of these can fail.
	_ = c.PutUint32(uint32(len(m.Sender)))
	_ = c.Put([]byte(m.Sender))
	_ = c.PutUint32(uint32(len(m.Body)))
	return c.Put([]byte(m.Body))
}

func (m Message) String() string {
	return fmt.Sprintf("Message(Sender=%q, Body=%q)", m.Sender, m.Body)
}

type messageState uint8

const (
	messageSender messageState = iota
	messageBody
	messageDone
	messageFailed
)

// A MessageDecoder is a resumable [decoder.Decoder] for [Message] frames.
// It decodes the sender and then the body with one string decoder that is
// reset between the two fields.
type MessageDecoder struct {
	state  messageState
	field  *decoder.String
	sender string
	value  Message
	err    error
}

var _ decoder.Decoder[Message] = (*MessageDecoder)(nil)

// NewMessageDecoder returns a decoder whose fields may each be at most
// maxFieldLen bytes. See [decoder.NewString] for the meaning of strict.
func NewMessageDecoder(maxFieldLen int, strict bool) *MessageDecoder {
	return &MessageDecoder{field: decoder.NewString(maxFieldLen, strict)}
}

// Process implements [decoder.Decoder].
func (d *MessageDecoder) Process(in *cursor.Cursor) decoder.Status {
	switch d.state {
	case messageSender:
		switch d.field.Process(in) {
		case decoder.NeedsMore:
			return decoder.NeedsMore
		case decoder.Malformed:
			return d.fail(errors.Wrap(d.field.Err(), "sender"))
		}
		d.sender = d.field.Get()
		d.field.Reset()
		d.state = messageBody
		fallthrough

	case messageBody:
		switch d.field.Process(in) {
		case decoder.NeedsMore:
			return decoder.NeedsMore
		case decoder.Malformed:
			return d.fail(errors.Wrap(d.field.Err(), "body"))
		}
		d.value = Message{Sender: d.sender, Body: d.field.Get()}
		d.field.Reset()
		d.state = messageDone
		return decoder.Done

	default:
		panic("chatmux: MessageDecoder.Process called in wrong state")
	}
}

func (d *MessageDecoder) fail(err error) decoder.Status {
	d.state = messageFailed
	d.err = err
	return decoder.Malformed
}

// Get implements [decoder.Decoder].
func (d *MessageDecoder) Get() Message {
	if d.state != messageDone {
		panic("chatmux: MessageDecoder.Get called in wrong state")
	}
	return d.value
}

// Err implements [decoder.Decoder].
func (d *MessageDecoder) Err() error { return d.err }

// Reset implements [decoder.Decoder].
func (d *MessageDecoder) Reset() {
	d.state = messageSender
	d.field.Reset()
	d.sender = ""
	d.value = Message{}
	d.err = nil
}
