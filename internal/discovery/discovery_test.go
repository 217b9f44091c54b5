//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnet/doipmux/internal/netif"
	"github.com/diagnet/doipmux/pkg/doip"
	"github.com/diagnet/doipmux/testutil"
)

func loopback(name string, ip string) netif.Interface {
	return netif.Interface{
		Name: name,
		IP:   net.ParseIP(ip).To4(),
		Mask: net.CIDRMask(32, 32),
	}
}

func newTestChannel(t *testing.T, ifaces ...netif.Interface) *Channel {
	t.Helper()
	c, err := New(Config{Port: testutil.FreeUDPPort(t)})
	require.NoError(t, err)
	c.enumerate = func(netif.Config) ([]netif.Interface, error) {
		return ifaces, nil
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receive(t *testing.T, c *Channel) *Datagram {
	t.Helper()
	var d *Datagram
	var err error
	ok := testutil.Eventually(t, time.Second, func() bool {
		d, err = c.ReceiveOne()
		return err == nil
	})
	require.True(t, ok, "no datagram received: %v", err)
	return d
}

func TestNew(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)
	assert.Equal(t, doip.Port, c.cfg.Port)

	_, err = New(Config{Port: 70000})
	assert.Error(t, err)
}

func TestChannel_NotInitialized(t *testing.T) {
	c, err := New(Config{})
	require.NoError(t, err)

	assert.ErrorIs(t, c.BroadcastSend([]byte{1}), ErrNotInitialized)
	_, err = c.ReceiveOne()
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, c.Close())
}

func TestChannel_OwnBroadcastIsNotAuthoritative(t *testing.T) {
	c := newTestChannel(t, loopback("lo", "127.0.0.1"))
	require.NoError(t, c.Init())
	require.Len(t, c.Interfaces(), 1)

	_, err := c.ReceiveOne()
	assert.ErrorIs(t, err, ErrNoData)

	req := doip.VehicleIdentificationRequest()
	require.NoError(t, c.BroadcastSend(req))

	d := receive(t, c)
	assert.Equal(t, req, d.Payload)
	assert.False(t, d.Authoritative)
	assert.Equal(t, "lo", d.Interface)
	assert.Equal(t, "127.0.0.1", d.From.Addr().String())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Received)
	assert.Equal(t, uint64(1), stats.Ignored)
	assert.False(t, stats.Fallback)

	// Exactly one datagram was consumed.
	_, err = c.ReceiveOne()
	assert.ErrorIs(t, err, ErrNoData)
}

func TestChannel_UnbindableInterfaceSkipped(t *testing.T) {
	c := newTestChannel(t, loopback("bogus", "192.0.2.77"), loopback("lo", "127.0.0.1"))
	require.NoError(t, c.Init())

	ifaces := c.Interfaces()
	require.Len(t, ifaces, 1)
	assert.Equal(t, "lo", ifaces[0].Name)
}

func TestChannel_FallbackToWildcard(t *testing.T) {
	c := newTestChannel(t)
	c.enumerate = func(netif.Config) ([]netif.Interface, error) {
		return nil, errors.New("netlink unavailable")
	}
	require.NoError(t, c.Init())

	ifaces := c.Interfaces()
	require.Len(t, ifaces, 1)
	assert.Equal(t, "any", ifaces[0].Name)
	assert.True(t, ifaces[0].IP.Equal(net.IPv4zero))
	assert.True(t, c.Stats().Fallback)

	c.mu.Lock()
	dest := c.bindings[0].dest
	c.mu.Unlock()
	assert.True(t, dest.IP.Equal(net.IPv4bcast))
}

func TestChannel_InitReplacesSockets(t *testing.T) {
	c := newTestChannel(t, loopback("lo", "127.0.0.1"))
	require.NoError(t, c.Init())
	require.NoError(t, c.Init())

	assert.Len(t, c.Interfaces(), 1)
	assert.Equal(t, uint64(2), c.Stats().Inits)
}

// fakeWatcher emits events pushed by the test.
type fakeWatcher struct {
	events chan netif.Event
}

func (w *fakeWatcher) Start(context.Context) (<-chan netif.Event, error) {
	return w.events, nil
}

func (w *fakeWatcher) Close() error { return nil }

func TestChannel_WatchRebindsOnChange(t *testing.T) {
	c := newTestChannel(t)

	var mu sync.Mutex
	current := []netif.Interface{loopback("lo", "127.0.0.1")}
	c.enumerate = func(netif.Config) ([]netif.Interface, error) {
		mu.Lock()
		defer mu.Unlock()
		return current, nil
	}
	require.NoError(t, c.Init())

	w := &fakeWatcher{events: make(chan netif.Event)}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx, w) }()

	// Same set: no rebind.
	w.events <- netif.Event{Type: netif.ChangeInterfaceUp, Interface: "lo"}

	mu.Lock()
	current = nil
	mu.Unlock()
	w.events <- netif.Event{Type: netif.ChangeAddressRemoved, Interface: "lo"}

	ok := testutil.Eventually(t, time.Second, func() bool {
		return c.Stats().Fallback
	})
	assert.True(t, ok, "channel should have fallen back to wildcard")
	assert.Equal(t, uint64(2), c.Stats().Inits)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

func TestChannel_WatchReturnsWhenWatcherStops(t *testing.T) {
	c := newTestChannel(t, loopback("lo", "127.0.0.1"))
	w := &fakeWatcher{events: make(chan netif.Event)}
	close(w.events)

	assert.NoError(t, c.Watch(context.Background(), w))
}
