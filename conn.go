// Package chatmux implements a broadcast chat server on a single-goroutine,
// readiness-driven connection multiplexer.
//
// Clients exchange [Message] frames over TCP. Every frame decoded from any
// connection is broadcast to all registered connections, the sender
// included. Frames may arrive split across any number of reads; each
// connection owns a resumable [MessageDecoder] that keeps partial progress
// between readiness events.
package chatmux

import (
	"fmt"
	"io"

	"github.com/Zereker/chatmux/cursor"
	"github.com/Zereker/chatmux/decoder"
	"github.com/creachadair/mds/queue"
	"github.com/pkg/errors"
)

// Errors returned by connection operations.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrMessageTooLarge is returned when a message cannot fit in an empty
	// outbound buffer.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrQueueFull is returned when a connection's outbound queue is at its
	// limit because the peer is not reading.
	ErrQueueFull = errors.New("outbound queue full")
)

// A FrameError reports input from a connection that could not be decoded.
// The connection stops reading and closes once its pending output drains.
type FrameError struct {
	Handle Handle
	Err    error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed frame from conn %d: %v", e.Handle, e.Err)
}

func (e *FrameError) Unwrap() error { return e.Err }

// host is the part of the Loop a Conn may use. It gives no access to the
// registration table.
type host interface {
	// deliver hands a fully decoded message to the broadcaster.
	deliver(from *Conn, msg Message) error

	// setInterest updates the poller registration of c.
	setInterest(c *Conn, in Interest) error

	// release unregisters c. The table entry is removed after the current
	// dispatch step.
	release(c *Conn)
}

// Conn is the state of one client connection: its inbound and outbound
// buffers, pending outbound messages, and the decoder for its inbound frames.
//
// A Conn is owned by the goroutine running its [Loop] and is not safe for
// concurrent use.
type Conn struct {
	transport Transport
	host      host
	metrics   *loopMetrics

	in      *cursor.Cursor
	out     *cursor.Cursor
	queue   queue.Queue[Message]
	queued  int // encoded bytes held in queue
	limit   int // maximum for queued
	decoder *MessageDecoder

	interest Interest // as last registered with the poller
	closing  bool     // no further reads; close once output drains
	closed   bool
}

func newConn(h host, t Transport, opts *options, m *loopMetrics) *Conn {
	return &Conn{
		transport: t,
		host:      h,
		metrics:   m,
		in:        cursor.New(opts.bufferSize),
		out:       cursor.New(opts.bufferSize),
		decoder:   NewMessageDecoder(opts.maxFieldLen, opts.strictUTF8),
		limit:     opts.maxQueue,
		interest:  InterestRead,
	}
}

// Handle reports the poller handle of the connection.
func (c *Conn) Handle() Handle { return c.transport.Handle() }

// RemoteAddr reports the address of the peer.
func (c *Conn) RemoteAddr() string { return c.transport.RemoteAddr() }

// Pending reports the number of outbound bytes not yet written, counting both
// the outbound buffer and queued messages.
func (c *Conn) Pending() int {
	return c.out.Len() + c.queued
}

// IsClosed reports whether the connection has been closed.
func (c *Conn) IsClosed() bool { return c.closed }

// Enqueue queues msg for delivery to the peer and moves as many queued
// messages as fit into the outbound buffer. It reports ErrQueueFull, and
// queues nothing, if the queue would grow past its limit.
func (c *Conn) Enqueue(msg Message) error {
	if c.closed {
		return ErrConnectionClosed
	}
	n := msg.EncodedLen()
	if n > c.out.Cap() {
		return errors.Wrapf(ErrMessageTooLarge, "%d bytes exceeds buffer of %d", n, c.out.Cap())
	}
	if c.queued+n > c.limit {
		return errors.Wrapf(ErrQueueFull, "%d bytes queued, limit %d", c.queued, c.limit)
	}
	c.queue.Add(msg)
	c.queued += n
	c.metrics.enqueued.Inc(1)
	c.processOut()
	return c.updateInterest()
}

// Close closes the connection. Only the first call has any effect.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.closing = true
	c.host.release(c)
	return c.transport.Close()
}

// onReadable reads what the transport has available and decodes as many
// complete frames as the inbound buffer holds.
func (c *Conn) onReadable() error {
	// Hangup is reported regardless of interest, so a draining conn may
	// still be told it is readable.
	if c.closing {
		return nil
	}
	spare := c.in.Spare()
	if len(spare) == 0 {
		return c.updateInterest()
	}
	n, err := c.transport.Read(spare)
	eof := errors.Is(err, io.EOF)
	if err != nil && !eof {
		return errors.Wrap(err, "read")
	}
	if n > 0 {
		c.in.Commit(n)
		c.metrics.bytesRead.Inc(int64(n))
		if perr := c.processIn(); perr != nil {
			var fe *FrameError
			if !errors.As(perr, &fe) {
				return perr
			}
			c.closing = true
			if err := c.updateInterest(); err != nil {
				return err
			}
			return perr
		}
	}
	if eof {
		c.closing = true
	}
	return c.updateInterest()
}

// processIn drives the decoder over the inbound buffer. A single read may
// hold several frames, so it continues until the decoder needs more input.
func (c *Conn) processIn() error {
	for !c.closed {
		switch c.decoder.Process(c.in) {
		case decoder.Done:
			msg := c.decoder.Get()
			c.decoder.Reset()
			c.metrics.decoded.Inc(1)
			if err := c.host.deliver(c, msg); err != nil {
				return err
			}
		case decoder.NeedsMore:
			return nil
		case decoder.Malformed:
			return &FrameError{Handle: c.Handle(), Err: c.decoder.Err()}
		}
	}
	return nil
}

// onWritable writes as much of the outbound buffer as the transport accepts
// and refills it from the queue.
func (c *Conn) onWritable() error {
	if c.closed || c.out.Len() == 0 {
		return nil
	}
	n, err := c.transport.Write(c.out.Bytes())
	if err != nil {
		return errors.Wrap(err, "write")
	}
	if n == 0 {
		return nil
	}
	if err := c.out.Skip(n); err != nil {
		return err
	}
	c.metrics.bytesWritten.Inc(int64(n))
	c.out.Compact()
	c.processOut()
	return c.updateInterest()
}

// processOut serializes queued messages into the outbound buffer, in order,
// while the next one fits.
func (c *Conn) processOut() {
	for {
		msg, ok := c.queue.Peek(0)
		if !ok || msg.EncodedLen() > c.out.Free() {
			return
		}
		c.queue.Pop()
		c.queued -= msg.EncodedLen()
		if err := msg.put(c.out); err != nil {
			panic(err) // space was checked above
		}
	}
}

// desiredInterest computes the readiness c needs from its buffers and state.
func (c *Conn) desiredInterest() Interest {
	var in Interest
	if c.out.Len() > 0 {
		in |= InterestWrite
	}
	if !c.closing && c.in.Free() > 0 {
		in |= InterestRead
	}
	return in
}

// updateInterest registers the interest c needs, or closes c when it needs
// none: a closing connection with no pending output has nothing left to do.
func (c *Conn) updateInterest() error {
	if c.closed {
		return nil
	}
	in := c.desiredInterest()
	if in == 0 {
		return c.Close()
	}
	if in == c.interest {
		return nil
	}
	if err := c.host.setInterest(c, in); err != nil {
		return errors.Wrapf(err, "set interest %v", in)
	}
	c.interest = in
	return nil
}
