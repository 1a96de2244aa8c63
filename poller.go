package chatmux

import (
	"net"
	"strings"
)

// Handle identifies a registered endpoint. For the epoll backend it is the
// socket's file descriptor.
type Handle int

// Interest is the set of readiness conditions a connection wants reported.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

func (i Interest) String() string {
	var parts []string
	if i&InterestRead != 0 {
		parts = append(parts, "read")
	}
	if i&InterestWrite != 0 {
		parts = append(parts, "write")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// An Event reports readiness of one registered handle.
type Event struct {
	Handle   Handle
	Readable bool
	Writable bool
}

// A Poller waits for readiness on a set of registered handles.
//
// Every method except Wake is called only from the goroutine running the
// [Loop]. Wake may be called from any goroutine.
type Poller interface {
	// Add registers h with the given interest.
	Add(h Handle, in Interest) error

	// Modify replaces the interest of a registered handle.
	Modify(h Handle, in Interest) error

	// Remove unregisters h. Removing an unknown handle is not an error.
	Remove(h Handle) error

	// Wait blocks until at least one handle is ready or Wake is called, fills
	// events, and reports how many entries it filled. A wakeup may report zero.
	Wait(events []Event) (int, error)

	// Wake causes a pending or future Wait to return.
	Wake() error

	// Close releases the poller.
	Close() error
}

// A Transport is one non-blocking connection.
type Transport interface {
	// Handle reports the poller handle of the connection.
	Handle() Handle

	// Read reads available bytes into p. It reports (0, nil) when no data is
	// available and io.EOF once the peer has finished sending.
	Read(p []byte) (int, error)

	// Write writes a prefix of p. It reports (0, nil) when the transport
	// cannot accept data right now.
	Write(p []byte) (int, error)

	// Close closes the connection.
	Close() error

	// RemoteAddr reports the peer address, for logging.
	RemoteAddr() string
}

// A Listener accepts non-blocking transports.
type Listener interface {
	// Handle reports the poller handle of the listening endpoint.
	Handle() Handle

	// Accept returns the next pending connection, or (nil, nil) if none is
	// pending.
	Accept() (Transport, error)

	// Close stops listening.
	Close() error

	// Addr reports the bound address.
	Addr() net.Addr
}
