//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package transport

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"

	"github.com/diagnet/doipmux/internal/sockio"
)

// SocketDialer opens non-blocking IPv4 TCP sockets with raw system calls so
// that every later operation can report would-block instead of waiting.
type SocketDialer struct{}

// Dial implements Dialer.
func (SocketDialer) Dial(remote netip.AddrPort, timeout time.Duration) (Conn, error) {
	addr := remote.Addr().Unmap()
	if !addr.Is4() {
		return nil, fmt.Errorf("only IPv4 targets are supported: %s", addr)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set nonblock: %w", err)
	}

	sa := &unix.SockaddrInet4{Port: int(remote.Port()), Addr: addr.As4()}
	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return &socketConn{fd: fd}, nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR):
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EHOSTUNREACH):
		_ = unix.Close(fd)
		return nil, &RejectedError{Err: err}
	default:
		_ = unix.Close(fd)
		return nil, &RejectedError{Err: fmt.Errorf("connect: %w", err)}
	}

	ready, err := waitWritable(fd, timeout)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("poll: %w", err)
	}
	if !ready {
		// Half-open socket; the next attempt starts from scratch.
		_ = unix.Close(fd)
		return nil, ErrDialTimeout
	}

	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("getsockopt SO_ERROR: %w", err)
	}
	if soErr != 0 {
		_ = unix.Close(fd)
		return nil, &RejectedError{Err: unix.Errno(soErr)}
	}

	return &socketConn{fd: fd}, nil
}

// waitWritable polls fd for writability. It returns false when the timeout
// expired without an event.
func waitWritable(fd int, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return false, err
		}
		if n == 0 {
			return false, nil
		}
		// POLLERR/POLLHUP also end the wait; SO_ERROR tells the outcome.
		return fds[0].Revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP) != 0, nil
	}
}

type socketConn struct {
	fd int
}

func (c *socketConn) Write(p []byte) (int, error) {
	n, err := unix.SendmsgN(c.fd, p, nil, nil, sendFlags)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	return n, nil
}

func (c *socketConn) Available() (int, error) {
	return sockio.Pending(c.fd)
}

func (c *socketConn) Read(p []byte) (int, error) {
	n, err := unix.Read(c.fd, p)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, ErrWouldBlock
		}
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *socketConn) Peek() (bool, error) {
	var b [1]byte
	n, _, err := unix.Recvfrom(c.fd, b[:], unix.MSG_PEEK|unix.MSG_DONTWAIT)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return true, nil
		}
		return false, err
	}
	return n > 0, nil
}

func (c *socketConn) Shutdown() error {
	return unix.Shutdown(c.fd, unix.SHUT_RDWR)
}

func (c *socketConn) Close() error {
	return unix.Close(c.fd)
}
