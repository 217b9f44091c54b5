//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package discovery

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/diagnet/doipmux/internal/sockio"
)

func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

func broadcastControl(_, _ string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

// ready reports whether a datagram is queued on conn, without reading it.
func ready(conn *net.UDPConn) (bool, error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return false, err
	}
	n, err := sockio.PendingRaw(rc)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
