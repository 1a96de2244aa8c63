package chatmux

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

// A Broadcaster delivers a message to every registered connection.
type Broadcaster interface {
	Broadcast(msg Message)
}

// Loop multiplexes a listener and its accepted connections on the goroutine
// that calls Run. It owns the registration table: every Conn is created,
// dispatched to, and removed by that goroutine, so none of them need locks.
//
// Only Stop may be called from other goroutines.
type Loop struct {
	poller   Poller
	listener Listener
	opts     *options
	logger   Logger
	metrics  *loopMetrics

	conns  map[Handle]*Conn
	dead   []*Conn // closed during the current step, not yet removed
	events []Event

	stopped atomic.Bool
}

var _ Broadcaster = (*Loop)(nil)

// NewLoop returns a loop that accepts connections from l and waits for
// readiness with p. The loop does not take ownership of p or l.
func NewLoop(p Poller, l Listener, opt ...Option) (*Loop, error) {
	opts, err := newOptions(opt...)
	if err != nil {
		return nil, err
	}
	return &Loop{
		poller:   p,
		listener: l,
		opts:     opts,
		logger:   opts.logger,
		metrics:  newLoopMetrics(opts.registry),
		conns:    make(map[Handle]*Conn),
		events:   make([]Event, opts.eventBuffer),
	}, nil
}

// Metrics returns the registry holding the loop's counters.
func (l *Loop) Metrics() gometrics.Registry { return l.opts.registry }

// Len reports the number of registered connections.
func (l *Loop) Len() int { return len(l.conns) }

// Run dispatches readiness events until Stop is called or ctx ends, and
// reports nil after Stop. The context is checked between polls, so a caller
// that cancels ctx must also call Stop to interrupt a blocked poll. When Run
// returns, every registered connection has been closed.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.poller.Add(l.listener.Handle(), InterestRead); err != nil {
		return errors.Wrap(err, "register listener")
	}
	defer l.shutdown()

	l.logger.Info("loop started", "addr", l.listener.Addr())
	for {
		if l.stopped.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := l.poller.Wait(l.events)
		if err != nil {
			return errors.Wrap(err, "poll")
		}
		for _, ev := range l.events[:n] {
			l.dispatch(ev)
		}
		l.reap()
	}
}

// Stop causes Run to return. It is safe to call from any goroutine and more
// than once.
func (l *Loop) Stop() error {
	if l.stopped.Swap(true) {
		return nil
	}
	return l.poller.Wake()
}

// Broadcast enqueues msg on every registered connection, including the one
// that sent it. A connection that cannot accept the message is closed.
//
// Broadcast must be called from the loop goroutine, typically from an
// OnMessageOption callback.
func (l *Loop) Broadcast(msg Message) {
	for _, c := range l.conns {
		if c.closed {
			continue
		}
		if err := c.Enqueue(msg); err != nil {
			l.fail(c, err)
		}
	}
}

// dispatch routes one readiness event. Output is drained before input is
// read, so a connection that is ready for both frees buffer space first.
func (l *Loop) dispatch(ev Event) {
	if ev.Handle == l.listener.Handle() {
		l.accept()
		return
	}
	c, ok := l.conns[ev.Handle]
	if !ok {
		return
	}
	if ev.Writable && !c.closed {
		if err := c.onWritable(); err != nil {
			l.fail(c, err)
		}
	}
	if ev.Readable && !c.closed {
		if err := c.onReadable(); err != nil {
			l.fail(c, err)
		}
	}
}

// accept registers every pending connection with read interest.
func (l *Loop) accept() {
	for {
		t, err := l.listener.Accept()
		if err != nil {
			l.logger.Warn("accept error", "error", err)
			return
		}
		if t == nil {
			return
		}
		if err := l.poller.Add(t.Handle(), InterestRead); err != nil {
			l.logger.Warn("register connection failed", "addr", t.RemoteAddr(), "error", err)
			_ = t.Close()
			continue
		}

		c := newConn(l, t, l.opts, l.metrics)
		l.conns[c.Handle()] = c
		l.metrics.accepted.Inc(1)
		l.metrics.open.Inc(1)
		l.logger.Info("connection established", connAttrs(c)...)
	}
}

// fail handles an error reported while servicing c. Malformed input leaves
// c draining its output; any other error closes c at once.
func (l *Loop) fail(c *Conn, err error) {
	var fe *FrameError
	if errors.As(err, &fe) {
		l.metrics.malformed.Inc(1)
		l.logger.Info("malformed frame", connAttrs(c, "error", fe.Err)...)
		return
	}
	l.logger.Debug("connection error", connAttrs(c, "error", err)...)
	_ = c.Close()
}

// reap removes connections closed during the last dispatch step.
func (l *Loop) reap() {
	for _, c := range l.dead {
		if l.conns[c.Handle()] == c {
			delete(l.conns, c.Handle())
		}
	}
	clear(l.dead)
	l.dead = l.dead[:0]
}

// shutdown closes every registered connection.
func (l *Loop) shutdown() {
	for _, c := range l.conns {
		_ = c.Close()
	}
	l.reap()
	_ = l.poller.Remove(l.listener.Handle())
	l.logger.Info("loop stopped", "addr", l.listener.Addr())
}

// deliver implements host. It runs the message hook and then broadcasts.
func (l *Loop) deliver(from *Conn, msg Message) error {
	if l.opts.onMessage != nil {
		if err := l.opts.onMessage(from, msg); err != nil {
			return errors.Wrap(err, "message rejected")
		}
	}
	l.Broadcast(msg)
	return nil
}

// setInterest implements host.
func (l *Loop) setInterest(c *Conn, in Interest) error {
	return l.poller.Modify(c.Handle(), in)
}

// release implements host.
func (l *Loop) release(c *Conn) {
	if err := l.poller.Remove(c.Handle()); err != nil {
		l.logger.Debug("unregister failed", connAttrs(c, "error", err)...)
	}
	l.dead = append(l.dead, c)
	l.metrics.open.Dec(1)
	l.logger.Info("connection closed", connAttrs(c)...)
}
