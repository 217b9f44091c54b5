//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package transport

// The Go runtime ignores SIGPIPE on non-stdio descriptors, so writes to a
// reset peer already return EPIPE.
const sendFlags = 0
