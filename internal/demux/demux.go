// Package demux routes payloads read from a shared TCP connection to the
// logical session they are addressed to.
//
// Several sessions can poll the same connection handle. Whichever session
// happens to read a payload inspects its address header; payloads for a
// sibling are parked in a shared Buffer, where the sibling finds them
// before it next touches the socket.
package demux

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/diagnet/doipmux/internal/connection"
	"github.com/diagnet/doipmux/internal/transport"
	"github.com/diagnet/doipmux/pkg/doip"
)

// Transport is the raw connection layer a Demultiplexer reads through.
// *transport.Manager implements it.
type Transport interface {
	RecvExact(h transport.Handle, length int) ([]byte, error)
	Send(h transport.Handle, p []byte) error
}

var (
	_ Transport           = (*transport.Manager)(nil)
	_ connection.Observer = (*Demultiplexer)(nil)
)

// Stats is a snapshot of demultiplexer counters.
type Stats struct {
	Delivered      uint64 // payloads returned to the reading session
	FromBuffer     uint64 // payloads returned from the shared buffer
	Parked         uint64 // payloads parked for a sibling endpoint
	DropsSignalled uint64 // ErrConnectionDropped results handed to sessions
}

// Demultiplexer implements per-endpoint reads over shared connections.
// It also observes connection transitions so sessions learn about drops.
type Demultiplexer struct {
	tr  Transport
	buf *Buffer

	mu      sync.Mutex
	drops   map[transport.Handle]uint64
	readers map[transport.Handle]*sync.Mutex

	delivered      atomic.Uint64
	fromBuffer     atomic.Uint64
	parked         atomic.Uint64
	dropsSignalled atomic.Uint64
}

// New creates a Demultiplexer reading through tr and parking into buf.
func New(tr Transport, buf *Buffer) *Demultiplexer {
	return &Demultiplexer{
		tr:      tr,
		buf:     buf,
		drops:   make(map[transport.Handle]uint64),
		readers: make(map[transport.Handle]*sync.Mutex),
	}
}

// Buffer returns the shared misrouted buffer.
func (d *Demultiplexer) Buffer() *Buffer {
	return d.buf
}

// RecvForEndpoint returns the next payload of exactly length bytes addressed
// to key. Parked payloads for key are always returned before the socket is
// read. A payload read for another endpoint is parked under its own key and
// reported as transport.ErrMisrouted.
//
// Reads on one handle are serialized from the buffer check through the
// park, which keeps per-endpoint delivery in arrival order.
func (d *Demultiplexer) RecvForEndpoint(h transport.Handle, key doip.EndpointKey, length int) ([]byte, error) {
	rl := d.readLock(h)
	rl.Lock()
	defer rl.Unlock()

	if payload, ok := d.buf.PopOldest(key); ok {
		d.fromBuffer.Add(1)
		d.delivered.Add(1)
		return payload, nil
	}

	if length <= doip.AddressHeaderLen {
		return nil, &transport.Error{
			Op:     "recv_for_endpoint",
			Handle: h,
			Kind:   transport.ErrNoDataYet,
			Err:    doip.ErrShortHeader,
		}
	}

	payload, err := d.tr.RecvExact(h, length)
	if err != nil {
		return nil, err
	}

	hdr, err := doip.ParseAddressHeader(payload)
	if err != nil {
		return nil, &transport.Error{Op: "recv_for_endpoint", Handle: h, Kind: transport.ErrNoDataYet, Err: err}
	}

	if !key.Matches(hdr) {
		owner := doip.KeyForInbound(hdr)
		d.buf.Push(owner, payload)
		d.parked.Add(1)
		log.Debug().
			Int("handle", int(h)).
			Str("key", key.String()).
			Str("owner", owner.String()).
			Int("bytes", len(payload)).
			Msg("parked payload for sibling endpoint")
		return nil, &transport.Error{Op: "recv_for_endpoint", Handle: h, Kind: transport.ErrMisrouted}
	}

	d.delivered.Add(1)
	return payload, nil
}

// OnTransition implements connection.Observer. A drop bumps the handle's
// drop epoch, which every session on that handle notices once.
func (d *Demultiplexer) OnTransition(t connection.Transition) {
	if !t.Dropped() {
		return
	}
	d.mu.Lock()
	d.drops[transport.Handle(t.Handle)]++
	d.mu.Unlock()
}

func (d *Demultiplexer) readLock(h transport.Handle) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	rl, ok := d.readers[h]
	if !ok {
		rl = &sync.Mutex{}
		d.readers[h] = rl
	}
	return rl
}

func (d *Demultiplexer) dropEpoch(h transport.Handle) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.drops[h]
}

// Stats returns a snapshot of the demultiplexer counters.
func (d *Demultiplexer) Stats() Stats {
	return Stats{
		Delivered:      d.delivered.Load(),
		FromBuffer:     d.fromBuffer.Load(),
		Parked:         d.parked.Load(),
		DropsSignalled: d.dropsSignalled.Load(),
	}
}

// NewSession binds a logical session for the client/server pair to handle h.
// Drops that happened before the session existed are not reported to it.
func (d *Demultiplexer) NewSession(h transport.Handle, client, server doip.NodeID) *Session {
	return &Session{
		ID:     uuid.New(),
		demux:  d,
		handle: h,
		key:    doip.NewEndpointKey(client, server),
		epoch:  d.dropEpoch(h),
	}
}
