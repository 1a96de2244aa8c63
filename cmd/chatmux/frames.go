package main

import (
	"io"

	"github.com/Zereker/chatmux"
	"github.com/Zereker/chatmux/cursor"
	"github.com/Zereker/chatmux/decoder"
	"github.com/pkg/errors"
)

// frameReader decodes messages from a blocking stream with the same
// resumable decoder the server uses.
type frameReader struct {
	r       io.Reader
	in      *cursor.Cursor
	dec     *chatmux.MessageDecoder
	partial int   // bytes consumed since the last complete frame
	readErr error // from the last read, reported once buffered input is decoded
	err     error // sticky
}

func newFrameReader(r io.Reader, maxFieldLen int) *frameReader {
	return &frameReader{
		r:   r,
		in:  cursor.New(chatmux.MaxFrameLen(maxFieldLen)),
		dec: chatmux.NewMessageDecoder(maxFieldLen, false),
	}
}

// Next returns the next message. At a clean end of stream it reports io.EOF;
// a stream that ends inside a frame reports io.ErrUnexpectedEOF.
func (f *frameReader) Next() (chatmux.Message, error) {
	for f.err == nil {
		before := f.in.Len()
		switch f.dec.Process(f.in) {
		case decoder.Done:
			msg := f.dec.Get()
			f.dec.Reset()
			f.partial = 0
			return msg, nil
		case decoder.Malformed:
			f.err = errors.Wrap(f.dec.Err(), "decode")
			continue
		}
		f.partial += before - f.in.Len()

		if f.readErr != nil {
			f.err = f.readErr
			if errors.Is(f.err, io.EOF) && f.partial > 0 {
				f.err = io.ErrUnexpectedEOF
			}
			continue
		}
		n, err := f.r.Read(f.in.Spare())
		f.in.Commit(n)
		f.readErr = err
	}
	return chatmux.Message{}, f.err
}

// writeMessage writes the frame of msg to w.
func writeMessage(w io.Writer, msg chatmux.Message) error {
	_, err := w.Write(msg.Encode())
	return errors.Wrap(err, "write")
}
