//go:build linux

package chatmux

import (
	"encoding/binary"
	"io"
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR
	writeEvents = unix.EPOLLOUT | unix.EPOLLERR
)

// epoller is a level-triggered epoll instance with an eventfd for wakeups.
type epoller struct {
	fd     int
	wakeFD int
	raw    []unix.EpollEvent
}

func newPoller() (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, os.NewSyscallError("eventfd", err)
	}
	p := &epoller{fd: fd, wakeFD: wfd}
	if err := p.ctl(unix.EPOLL_CTL_ADD, Handle(wfd), InterestRead); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func epollMask(in Interest) uint32 {
	var mask uint32
	if in&InterestRead != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&InterestWrite != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *epoller) ctl(op int, h Handle, in Interest) error {
	ev := unix.EpollEvent{Events: epollMask(in), Fd: int32(h)}
	if err := unix.EpollCtl(p.fd, op, int(h), &ev); err != nil {
		return os.NewSyscallError("epoll_ctl", err)
	}
	return nil
}

func (p *epoller) Add(h Handle, in Interest) error { return p.ctl(unix.EPOLL_CTL_ADD, h, in) }

func (p *epoller) Modify(h Handle, in Interest) error { return p.ctl(unix.EPOLL_CTL_MOD, h, in) }

func (p *epoller) Remove(h Handle) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, int(h), nil)
	if err == nil || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return os.NewSyscallError("epoll_ctl", err)
}

func (p *epoller) Wait(events []Event) (int, error) {
	if cap(p.raw) < len(events) {
		p.raw = make([]unix.EpollEvent, len(events))
	}
	raw := p.raw[:len(events)]
	n, err := unix.EpollWait(p.fd, raw, -1)
	if errors.Is(err, unix.EINTR) {
		return 0, nil
	} else if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}

	out := 0
	for _, ev := range raw[:n] {
		if int(ev.Fd) == p.wakeFD {
			p.drainWake()
			continue
		}
		events[out] = Event{
			Handle:   Handle(ev.Fd),
			Readable: ev.Events&readEvents != 0,
			Writable: ev.Events&writeEvents != 0,
		}
		out++
	}
	return out, nil
}

func (p *epoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

func (p *epoller) Wake() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(p.wakeFD, buf[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return os.NewSyscallError("eventfd write", err)
	}
	return nil
}

func (p *epoller) Close() error {
	werr := unix.Close(p.wakeFD)
	if err := unix.Close(p.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	if werr != nil {
		return os.NewSyscallError("close", werr)
	}
	return nil
}

// tcpListener is a non-blocking listening socket.
type tcpListener struct {
	fd   int
	addr *net.TCPAddr
}

func listenTCP(addr *net.TCPAddr) (Listener, error) {
	if addr == nil {
		addr = &net.TCPAddr{}
	}
	sa, family := toSockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	fail := func(call string, err error) (Listener, error) {
		unix.Close(fd)
		return nil, os.NewSyscallError(call, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		return fail("listen", err)
	}
	bound, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	return &tcpListener{fd: fd, addr: fromSockaddr(bound)}, nil
}

func (l *tcpListener) Handle() Handle { return Handle(l.fd) }

func (l *tcpListener) Addr() net.Addr { return l.addr }

func (l *tcpListener) Accept() (Transport, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
			return &fdTransport{fd: fd, remote: fromSockaddr(sa).String()}, nil
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		case errors.Is(err, unix.EAGAIN):
			return nil, nil
		default:
			return nil, os.NewSyscallError("accept4", err)
		}
	}
}

func (l *tcpListener) Close() error {
	if err := unix.Close(l.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// fdTransport is an accepted non-blocking TCP socket.
type fdTransport struct {
	fd     int
	remote string
}

func (t *fdTransport) Handle() Handle { return Handle(t.fd) }

func (t *fdTransport) RemoteAddr() string { return t.remote }

func (t *fdTransport) Read(p []byte) (int, error) {
	n, err := unix.Read(t.fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, os.NewSyscallError("read", err)
	case n == 0 && len(p) > 0:
		return 0, io.EOF
	}
	return n, nil
}

func (t *fdTransport) Write(p []byte) (int, error) {
	n, err := unix.Write(t.fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, nil
	case err != nil:
		return 0, os.NewSyscallError("write", err)
	}
	return n, nil
}

func (t *fdTransport) Close() error {
	if err := unix.Close(t.fd); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

func toSockaddr(addr *net.TCPAddr) (unix.Sockaddr, int) {
	if addr.IP == nil || addr.IP.To4() != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	return sa, unix.AF_INET6
}

func fromSockaddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	}
	return &net.TCPAddr{}
}
