// Package testutil provides shared test utilities for doipmux tests.
package testutil

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// TempDir creates a temporary directory for testing and returns a cleanup function.
func TempDir(t *testing.T) (string, func()) {
	t.Helper()
	dir, err := os.MkdirTemp("", "doipmux-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	return dir, func() {
		_ = os.RemoveAll(dir)
	}
}

// TempFile creates a temporary file with the given content and returns its path.
func TempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}
	return path
}

// FreePort returns an available TCP port on localhost.
func FreePort(t *testing.T) int {
	t.Helper()

	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to resolve address: %v", err)
	}

	l, err := net.ListenTCP("tcp", addr)
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	return l.Addr().(*net.TCPAddr).Port
}

// FreeUDPPort returns an available UDP port on localhost.
func FreeUDPPort(t *testing.T) int {
	t.Helper()

	c, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer func() { _ = c.Close() }()

	return c.LocalAddr().(*net.UDPAddr).Port
}

// Target is a loopback TCP listener standing in for a diagnostic target.
// It accepts connections in the background and hands them to the test.
type Target struct {
	listener *net.TCPListener
	conns    chan *net.TCPConn

	mu     sync.Mutex
	closed bool
}

// ListenTarget starts a Target on 127.0.0.1 with an ephemeral port. The
// listener and any accepted connections are closed when the test ends.
func ListenTarget(t *testing.T) *Target {
	t.Helper()

	l, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	tg := &Target{listener: l, conns: make(chan *net.TCPConn, 16)}
	go tg.acceptLoop()
	t.Cleanup(tg.Close)
	return tg
}

func (tg *Target) acceptLoop() {
	for {
		c, err := tg.listener.AcceptTCP()
		if err != nil {
			close(tg.conns)
			return
		}
		tg.conns <- c
	}
}

// AddrPort returns the listening address.
func (tg *Target) AddrPort() netip.AddrPort {
	ap := tg.listener.Addr().(*net.TCPAddr).AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Accept waits for the next accepted connection.
func (tg *Target) Accept(t *testing.T, timeout time.Duration) *net.TCPConn {
	t.Helper()
	select {
	case c, ok := <-tg.conns:
		if !ok {
			t.Fatal("target listener closed")
		}
		t.Cleanup(func() { _ = c.Close() })
		return c
	case <-time.After(timeout):
		t.Fatalf("no connection accepted within %s", timeout)
		return nil
	}
}

// Close stops the listener.
func (tg *Target) Close() {
	tg.mu.Lock()
	defer tg.mu.Unlock()
	if tg.closed {
		return
	}
	tg.closed = true
	_ = tg.listener.Close()
}

// Eventually polls cond every 5ms until it returns true or timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
