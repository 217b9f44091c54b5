package demux

import (
	"errors"
	"sync"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnet/doipmux/internal/connection"
	"github.com/diagnet/doipmux/internal/transport"
	"github.com/diagnet/doipmux/pkg/doip"
)

// streamTransport serves RecvExact from an in-memory byte stream per handle.
type streamTransport struct {
	mu      sync.Mutex
	streams map[transport.Handle][]byte
	sent    [][]byte
	reads   int
}

func newStreamTransport() *streamTransport {
	return &streamTransport{streams: make(map[transport.Handle][]byte)}
}

func (s *streamTransport) feed(h transport.Handle, p []byte) {
	s.mu.Lock()
	s.streams[h] = append(s.streams[h], p...)
	s.mu.Unlock()
}

func (s *streamTransport) RecvExact(h transport.Handle, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if len(s.streams[h]) < length {
		return nil, &transport.Error{Op: "recv", Handle: h, Kind: transport.ErrNoDataYet}
	}
	out := make([]byte, length)
	copy(out, s.streams[h])
	s.streams[h] = s.streams[h][length:]
	return out, nil
}

func (s *streamTransport) Send(_ transport.Handle, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

var (
	tester = doip.NodeID{Bus: 1, Node: 2}
	ecuA   = doip.NodeID{Bus: 3, Node: 4}
	ecuB   = doip.NodeID{Bus: 3, Node: 5}
)

// inbound builds a frame sent by ecu to the tester.
func inbound(ecu doip.NodeID, seq byte) []byte {
	return append(doip.AppendAddressHeader(nil, ecu, tester), 0x62, seq)
}

func TestRecvForEndpoint_Matching(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())
	key := doip.NewEndpointKey(tester, ecuA)

	tr.feed(0, inbound(ecuA, 1))
	got, err := d.RecvForEndpoint(0, key, 6)
	require.NoError(t, err)
	assert.Equal(t, inbound(ecuA, 1), got)
	assert.Equal(t, uint64(1), d.Stats().Delivered)
}

func TestRecvForEndpoint_NoDataPropagates(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())

	_, err := d.RecvForEndpoint(0, doip.NewEndpointKey(tester, ecuA), 6)
	assert.ErrorIs(t, err, transport.ErrNoDataYet)
	assert.True(t, transport.IsRetryable(err))
}

func TestRecvForEndpoint_ShortLengthIsInsufficientHeader(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())
	tr.feed(0, []byte{0, 0x83, 0x01, 0x85, 0xff})

	_, err := d.RecvForEndpoint(0, doip.NewEndpointKey(tester, ecuA), 4)
	assert.ErrorIs(t, err, transport.ErrNoDataYet)
	assert.ErrorIs(t, err, doip.ErrShortHeader)
	assert.Equal(t, 0, tr.reads, "socket must not be read")
}

func TestRecvForEndpoint_MisroutedIsParked(t *testing.T) {
	tr := newStreamTransport()
	buf := NewBuffer()
	d := New(tr, buf)
	keyA := doip.NewEndpointKey(tester, ecuA)
	keyB := doip.NewEndpointKey(tester, ecuB)

	tr.feed(0, inbound(ecuB, 7))

	_, err := d.RecvForEndpoint(0, keyA, 6)
	assert.ErrorIs(t, err, transport.ErrMisrouted)
	assert.True(t, transport.IsRetryable(err))
	assert.Equal(t, 1, buf.Len(keyB))
	assert.Equal(t, 0, buf.Len(keyA))

	// B finds it without touching the socket.
	reads := tr.reads
	got, err := d.RecvForEndpoint(0, keyB, 6)
	require.NoError(t, err)
	assert.Equal(t, inbound(ecuB, 7), got)
	assert.Equal(t, reads, tr.reads)

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Parked)
	assert.Equal(t, uint64(1), stats.FromBuffer)
}

func TestRecvForEndpoint_BufferDrainedBeforeSocket(t *testing.T) {
	tr := newStreamTransport()
	buf := NewBuffer()
	d := New(tr, buf)
	keyA := doip.NewEndpointKey(tester, ecuA)

	buf.Push(keyA, inbound(ecuA, 1))
	tr.feed(0, inbound(ecuA, 2))

	first, err := d.RecvForEndpoint(0, keyA, 6)
	require.NoError(t, err)
	second, err := d.RecvForEndpoint(0, keyA, 6)
	require.NoError(t, err)

	assert.Equal(t, byte(1), first[5])
	assert.Equal(t, byte(2), second[5])
}

func TestRecvForEndpoint_WrongTesterIsMisrouted(t *testing.T) {
	tr := newStreamTransport()
	buf := NewBuffer()
	d := New(tr, buf)
	other := doip.NodeID{Bus: 1, Node: 9}

	frame := append(doip.AppendAddressHeader(nil, ecuA, other), 0x62, 0)
	tr.feed(0, frame)

	_, err := d.RecvForEndpoint(0, doip.NewEndpointKey(tester, ecuA), 6)
	assert.ErrorIs(t, err, transport.ErrMisrouted)
	assert.Equal(t, 1, buf.Len(doip.NewEndpointKey(other, ecuA)))
}

func TestInterleavedSessionsSeeOnlyTheirOwnFrames(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())
	sa := d.NewSession(0, tester, ecuA)
	sb := d.NewSession(0, tester, ecuB)

	require.Equal(t, doip.EndpointKey{ClientBus: 1, ClientNode: 2, ServerBus: 3, ServerNode: 4}, sa.Key())
	require.Equal(t, doip.EndpointKey{ClientBus: 1, ClientNode: 2, ServerBus: 3, ServerNode: 5}, sb.Key())

	order := []doip.NodeID{ecuA, ecuB, ecuB, ecuA, ecuB, ecuA, ecuA, ecuB}
	for i, ecu := range order {
		tr.feed(0, inbound(ecu, byte(i)))
	}

	var gotA, gotB []byte
	for range 4 * len(order) {
		if p, err := sa.Recv(6); err == nil {
			require.Equal(t, ecuA.LogicalAddress()+1, doip.LogicalAddress(uint16(p[0])<<8|uint16(p[1])))
			gotA = append(gotA, p[5])
		} else {
			require.True(t, transport.IsRetryable(err), "unexpected error: %v", err)
		}
		if p, err := sb.Recv(6); err == nil {
			require.Equal(t, ecuB.LogicalAddress()+1, doip.LogicalAddress(uint16(p[0])<<8|uint16(p[1])))
			gotB = append(gotB, p[5])
		} else {
			require.True(t, transport.IsRetryable(err), "unexpected error: %v", err)
		}
	}

	assert.Equal(t, []byte{0, 3, 5, 6}, gotA)
	assert.Equal(t, []byte{1, 2, 4, 7}, gotB)
}

func TestConcurrentSessions(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())
	ecus := []doip.NodeID{{Bus: 0, Node: 10}, {Bus: 0, Node: 11}, {Bus: 2, Node: 10}, {Bus: 15, Node: 127}}
	const perECU = 50

	for i := 0; i < perECU; i++ {
		for _, ecu := range ecus {
			tr.feed(0, inbound(ecu, byte(i)))
		}
	}

	var wg sync.WaitGroup
	results := make([][]byte, len(ecus))
	for idx, ecu := range ecus {
		wg.Add(1)
		go func(idx int, s *Session) {
			defer wg.Done()
			for len(results[idx]) < perECU {
				p, err := s.Recv(6)
				if err != nil {
					if !transport.IsRetryable(err) {
						t.Errorf("session %s: %v", s, err)
						return
					}
					continue
				}
				results[idx] = append(results[idx], p[5])
			}
		}(idx, d.NewSession(0, tester, ecu))
	}
	wg.Wait()

	for idx := range ecus {
		require.Len(t, results[idx], perECU)
		for i, seq := range results[idx] {
			if seq != byte(i) {
				t.Errorf("ecu %s: frame %d has seq %d", ecus[idx], i, seq)
			}
		}
	}
	assert.Equal(t, 0, d.Buffer().Depth())
}

func TestSession_Send(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())
	s := d.NewSession(3, doip.NodeID{Bus: 0, Node: 0x0E}, doip.NodeID{Bus: 0, Node: 0x10})

	require.NoError(t, s.Send([]byte{0x3E, 0x00}))
	require.Len(t, tr.sent, 1)
	assert.Equal(t, []byte{0x00, 0x0F, 0x00, 0x11, 0x3E, 0x00}, tr.sent[0])
	assert.Equal(t, transport.Handle(3), s.Handle())
	assert.NotEqual(t, s.ID, d.NewSession(3, tester, ecuA).ID)
}

func TestSession_DropSignalledOnce(t *testing.T) {
	tr := newStreamTransport()
	d := New(tr, NewBuffer())
	s0 := d.NewSession(0, tester, ecuA)
	s1 := d.NewSession(0, tester, ecuB)
	other := d.NewSession(1, tester, ecuA)

	d.OnTransition(connection.Transition{
		Handle: 0,
		From:   connection.StateConnected,
		To:     connection.StateUnconnected,
		Error:  syscall.ECONNRESET,
	})
	// Orderly transitions are not drops.
	d.OnTransition(connection.Transition{Handle: 1, From: connection.StateConnected, To: connection.StateClosed})

	for _, s := range []*Session{s0, s1} {
		_, err := s.Recv(6)
		assert.ErrorIs(t, err, transport.ErrConnectionDropped)
		assert.True(t, transport.IsRetryable(err))

		_, err = s.Recv(6)
		assert.ErrorIs(t, err, transport.ErrNoDataYet)
	}

	_, err := other.Recv(6)
	assert.ErrorIs(t, err, transport.ErrNoDataYet)

	// A session created after the drop does not see it.
	late := d.NewSession(0, tester, doip.NodeID{Bus: 3, Node: 6})
	_, err = late.Recv(6)
	assert.False(t, errors.Is(err, transport.ErrConnectionDropped))

	assert.Equal(t, uint64(2), d.Stats().DropsSignalled)
}
