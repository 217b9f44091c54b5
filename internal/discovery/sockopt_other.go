//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package discovery

import (
	"net"
	"syscall"
	"time"
)

// readDeadline bounds reads where pending bytes cannot be queried.
const readDeadline = time.Millisecond

// The net package already enables SO_BROADCAST on datagram sockets; the
// remaining options are left at their platform defaults.
func reuseAddrControl(_, _ string, _ syscall.RawConn) error { return nil }

func broadcastControl(_, _ string, _ syscall.RawConn) error { return nil }

// ready arms a short read deadline; a read that times out counts as no data.
func ready(conn *net.UDPConn) (bool, error) {
	return true, conn.SetReadDeadline(time.Now().Add(readDeadline))
}
