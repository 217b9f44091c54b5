//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package transport

import (
	"errors"
	"net/netip"
	"time"
)

// SocketDialer is unavailable on this platform.
type SocketDialer struct{}

// Dial implements Dialer.
func (SocketDialer) Dial(netip.AddrPort, time.Duration) (Conn, error) {
	return nil, errors.ErrUnsupported
}
