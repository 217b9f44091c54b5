// Package transport owns the physical TCP connections to diagnostic targets.
//
// A Registry hands out stable integer handles, one per connection record,
// and never shrinks. The Manager drives each record through
// unconnected -> connecting -> connected -> closed using non-blocking
// sockets: nothing blocks the caller except the bounded connect wait, and
// "no data yet" is an ordinary return value.
package transport

import (
	"net/netip"
	"time"
)

// Conn is a connected, non-blocking stream socket. Implementations are
// selected per platform at build time.
type Conn interface {
	// Write performs a single send call and returns how many bytes were accepted.
	Write(p []byte) (int, error)

	// Available returns how many bytes can be read without blocking.
	Available() (int, error)

	// Read reads without blocking. It returns ErrWouldBlock when no data is
	// queued and io.EOF when the peer shut down its side.
	Read(p []byte) (int, error)

	// Peek reports whether the peer is still connected without consuming
	// data: queued data or would-block mean alive, an orderly shutdown means not.
	Peek() (bool, error)

	// Shutdown shuts down both directions.
	Shutdown() error

	// Close releases the socket.
	Close() error
}

// Dialer opens Conns. Dial blocks for at most timeout waiting for the
// socket to become writable. It returns ErrDialTimeout when the wait
// expired, a *RejectedError when the target refused, and any other error
// when the readiness wait itself failed.
type Dialer interface {
	Dial(remote netip.AddrPort, timeout time.Duration) (Conn, error)
}
