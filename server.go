package chatmux

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	gometrics "github.com/rcrowley/go-metrics"
	"golang.org/x/sync/errgroup"
)

// ErrServerClosed is returned by Serve after Close has been called.
var ErrServerClosed = errors.New("server closed")

// ErrUnsupported is returned by New on platforms without a poller backend.
var ErrUnsupported = errors.New("no poller backend for this platform")

// Server is a chat server listening on one TCP address. It owns its
// listening socket, its poller, and the [Loop] multiplexing them.
type Server struct {
	listener Listener
	poller   Poller
	loop     *Loop
	logger   Logger

	mu      sync.Mutex
	serving bool
	closed  bool

	closeOnce sync.Once
	closeErr  error
}

// New creates a server bound to addr. Options configure the loop and its
// connections. Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...Option) (*Server, error) {
	listener, err := listenTCP(addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %v", addr)
	}
	poller, err := newPoller()
	if err != nil {
		listener.Close()
		return nil, errors.Wrap(err, "create poller")
	}
	loop, err := NewLoop(poller, listener, opts...)
	if err != nil {
		listener.Close()
		poller.Close()
		return nil, err
	}

	return &Server{
		listener: listener,
		poller:   poller,
		loop:     loop,
		logger:   loop.logger,
	}, nil
}

// Serve runs the server loop on the calling goroutine until ctx ends or Close
// is called. It returns ctx.Err() when ctx ends, nil after Close, and
// otherwise the error that stopped the loop. All connections are closed
// before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.serving {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.serving = true
	s.mu.Unlock()
	defer s.release()

	runCtx, cancel := context.WithCancel(ctx)
	group, child := errgroup.WithContext(runCtx)

	group.Go(func() error {
		defer cancel()
		return s.loop.Run(child)
	})

	// The loop blocks in the poller, so cancellation has to wake it.
	group.Go(func() error {
		<-child.Done()
		return s.loop.Stop()
	})

	err := group.Wait()
	if err == nil && !s.isClosed() {
		err = ctx.Err()
	}
	s.logger.Info("server stopped", "addr", s.Addr(), "error", err)
	return err
}

// Close stops the server. A running Serve returns after closing every
// connection; if Serve is not running, the listener and poller are released
// immediately.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	serving := s.serving
	s.mu.Unlock()

	if err := s.loop.Stop(); err != nil {
		return err
	}
	if !serving {
		return s.release()
	}
	return nil
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) release() error {
	s.closeOnce.Do(func() {
		lerr := s.listener.Close()
		perr := s.poller.Close()
		if lerr != nil {
			s.closeErr = lerr
		} else {
			s.closeErr = perr
		}
	})
	return s.closeErr
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Broadcast sends msg to every connection. Like [Loop.Broadcast] it must be
// called on the loop goroutine, from an OnMessageOption callback.
func (s *Server) Broadcast(msg Message) { s.loop.Broadcast(msg) }

// Metrics returns the registry holding the server's counters.
func (s *Server) Metrics() gometrics.Registry {
	return s.loop.Metrics()
}
