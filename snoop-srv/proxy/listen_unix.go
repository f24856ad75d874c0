//go:build unix

package proxy

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCP opens a TCP listener with an explicit accept backlog, which
// net.Listen does not expose.
func listenTCP(address string, backlog int) (net.Listener, error) {
	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, newError(ErrCodeInvalidAddress, fmt.Errorf("%s: %w", address, err))
	}

	family := unix.AF_INET
	var sa unix.Sockaddr
	if ip4 := addr.IP.To4(); addr.IP == nil || ip4 != nil {
		inet4 := &unix.SockaddrInet4{Port: addr.Port}
		if ip4 != nil {
			copy(inet4.Addr[:], ip4)
		}
		sa = inet4
	} else {
		family = unix.AF_INET6
		inet6 := &unix.SockaddrInet6{Port: addr.Port}
		copy(inet6.Addr[:], addr.IP.To16())
		sa = inet6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, newError(ErrCodeListenerCreateFailed, fmt.Errorf("socket: %w", err))
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (net.Listener, error) {
		_ = unix.Close(fd)
		return nil, newError(ErrCodeListenerCreateFailed, fmt.Errorf("%s %s: %w", op, address, err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	file := os.NewFile(uintptr(fd), "snoop-listener")
	defer func() { _ = file.Close() }()
	listener, err := net.FileListener(file)
	if err != nil {
		return nil, newError(ErrCodeListenerCreateFailed, fmt.Errorf("%s: %w", address, err))
	}
	return listener, nil
}
