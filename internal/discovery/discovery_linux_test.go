package discovery

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnet/doipmux/pkg/doip"
)

// Linux routes all of 127.0.0.0/8 to loopback, so a second address can
// stand in for a vehicle answering from the diagnostic port.

func TestChannel_AnswerFromDiagnosticPortIsAuthoritative(t *testing.T) {
	c := newTestChannel(t, loopback("lo", "127.0.0.1"))
	require.NoError(t, c.Init())

	vehicle, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 2), Port: c.cfg.Port})
	require.NoError(t, err)
	defer func() { _ = vehicle.Close() }()

	body := make([]byte, 32)
	copy(body, "WDB1234567890ABCD")
	body[17], body[18] = 0x10, 0x01
	announcement := doip.AppendGenericHeader(nil, doip.PayloadVehicleAnnouncement, uint32(len(body)))
	announcement = append(announcement, body...)

	_, err = vehicle.WriteToUDP(announcement, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: c.cfg.Port})
	require.NoError(t, err)

	d := receive(t, c)
	assert.True(t, d.Authoritative)
	assert.Equal(t, "127.0.0.2", d.From.Addr().String())
	assert.Equal(t, uint16(c.cfg.Port), d.From.Port())

	va, err := doip.ParseVehicleAnnouncement(d.Payload)
	require.NoError(t, err)
	assert.Equal(t, "WDB1234567890ABCD", va.VIN)
	assert.Equal(t, doip.LogicalAddress(0x1001), va.LogicalAddress)

	assert.Equal(t, uint64(0), c.Stats().Ignored)
}

func TestChannel_SendFailureOnOneInterfaceDoesNotAbortOthers(t *testing.T) {
	c := newTestChannel(t, loopback("lo0", "127.0.0.1"), loopback("lo1", "127.0.0.2"))
	require.NoError(t, c.Init())
	require.Len(t, c.Interfaces(), 2)

	c.mu.Lock()
	_ = c.bindings[0].client.Close()
	c.mu.Unlock()

	err := c.BroadcastSend([]byte{0x02, 0xfd, 0x00, 0x01, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrSendIncomplete)

	d := receive(t, c)
	assert.Equal(t, "lo1", d.Interface)
	assert.False(t, d.Authoritative)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.SendFailures)
}
