package demux

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/diagnet/doipmux/internal/transport"
	"github.com/diagnet/doipmux/pkg/doip"
)

// Session is one addressed diagnostic conversation on a shared connection.
// A Session is polled by a single goroutine.
type Session struct {
	ID uuid.UUID

	demux  *Demultiplexer
	handle transport.Handle
	key    doip.EndpointKey
	epoch  uint64
}

// Handle returns the connection handle the session reads from.
func (s *Session) Handle() transport.Handle {
	return s.handle
}

// Key returns the session's endpoint key.
func (s *Session) Key() doip.EndpointKey {
	return s.key
}

// Recv returns the next payload of exactly length bytes addressed to this
// session, header included. If the connection dropped since the last call,
// it returns transport.ErrConnectionDropped once before anything else.
func (s *Session) Recv(length int) ([]byte, error) {
	if epoch := s.demux.dropEpoch(s.handle); epoch != s.epoch {
		s.epoch = epoch
		s.demux.dropsSignalled.Add(1)
		return nil, &transport.Error{Op: "session_recv", Handle: s.handle, Kind: transport.ErrConnectionDropped}
	}
	return s.demux.RecvForEndpoint(s.handle, s.key, length)
}

// Send prefixes payload with the session's address header (client as
// source, server as target) and sends it in a single call.
func (s *Session) Send(payload []byte) error {
	frame := make([]byte, 0, doip.AddressHeaderLen+len(payload))
	frame = doip.AppendAddressHeader(frame, s.key.Client(), s.key.Server())
	frame = append(frame, payload...)
	return s.demux.tr.Send(s.handle, frame)
}

func (s *Session) String() string {
	return fmt.Sprintf("%s@%d", s.key, s.handle)
}
