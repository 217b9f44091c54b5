package capture

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/diagnet/doipmux/internal/demux"
	"github.com/diagnet/doipmux/internal/transport"
	"github.com/diagnet/doipmux/pkg/doip"
)

// loopTransport serves a fixed inbound stream and keeps sent frames.
type loopTransport struct {
	in   []byte
	sent [][]byte
}

func (l *loopTransport) RecvExact(h transport.Handle, length int) ([]byte, error) {
	if len(l.in) < length {
		return nil, &transport.Error{Op: "recv", Handle: h, Kind: transport.ErrNoDataYet}
	}
	out := append([]byte(nil), l.in[:length]...)
	l.in = l.in[length:]
	return out, nil
}

func (l *loopTransport) Send(_ transport.Handle, p []byte) error {
	l.sent = append(l.sent, p)
	return nil
}

func TestTap_RecordsBothDirections(t *testing.T) {
	tester := doip.NodeID{Bus: 1, Node: 2}
	ecu := doip.NodeID{Bus: 3, Node: 4}

	tr := &loopTransport{in: append(doip.AppendAddressHeader(nil, ecu, tester), 0x62, 0x01)}
	d := demux.New(tr, demux.NewBuffer())

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	tap := NewTap(d.NewSession(3, tester, ecu), w)
	require.NoError(t, tap.Send([]byte{0x22, 0x01}))

	frame, err := tap.Recv(6)
	require.NoError(t, err)
	assert.Len(t, frame, 6)

	// Nothing is recorded for a failed receive
	_, err = tap.Recv(6)
	assert.ErrorIs(t, err, transport.ErrNoDataYet)

	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)

	sent, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Sent, sent.Direction)
	assert.Equal(t, []byte{0x22, 0x01}, sent.Payload)
	assert.Equal(t, transport.Handle(3), sent.Handle)
	assert.Equal(t, tap.ID, sent.SessionID)
	assert.Equal(t, doip.NewEndpointKey(tester, ecu), sent.Key)

	recv, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Received, recv.Direction)
	assert.Equal(t, []byte{0x62, 0x01}, recv.Payload)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestTap_FullCaptureDoesNotFailSession(t *testing.T) {
	tr := &loopTransport{}
	d := demux.New(tr, demux.NewBuffer())

	w, err := NewWriter(io.Discard, WithLimit(int64(len(magic))))
	require.NoError(t, err)
	defer func() { _ = w.Close() }()

	tap := NewTap(d.NewSession(0, doip.NodeID{Node: 1}, doip.NodeID{Node: 2}), w)
	require.NoError(t, tap.Send([]byte{0x3e}))
	require.NoError(t, tap.Send([]byte{0x3e}))
	assert.Len(t, tr.sent, 2)
	assert.Equal(t, uint64(0), w.Records())
}
