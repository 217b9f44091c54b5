//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

// Package sockio holds socket queries shared by the TCP and UDP paths.
package sockio

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// Pending returns the number of bytes queued for reading on fd.
func Pending(fd int) (int, error) {
	return unix.IoctlGetInt(fd, fionread)
}

// PendingRaw is Pending for sockets owned by the net package.
func PendingRaw(rc syscall.RawConn) (int, error) {
	var n int
	var opErr error
	err := rc.Control(func(fd uintptr) {
		n, opErr = Pending(int(fd))
	})
	if err != nil {
		return 0, err
	}
	return n, opErr
}
