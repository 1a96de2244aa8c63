//go:build !linux

package chatmux

import "net"

func newPoller() (Poller, error) { return nil, ErrUnsupported }

func listenTCP(*net.TCPAddr) (Listener, error) { return nil, ErrUnsupported }
