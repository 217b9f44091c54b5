package transport

import (
	"net/netip"
	"sync"

	"github.com/diagnet/doipmux/internal/connection"
)

// Handle is a stable index into the Registry. Once issued it stays valid
// for the lifetime of the Registry.
type Handle int

// Record is one physical TCP connection. The socket field is mutated only
// by Manager methods for this record's handle, under mu.
type Record struct {
	mu     sync.Mutex
	remote netip.AddrPort
	conn   Conn // nil is the unopened sentinel
	link   *connection.Link
}

// Remote returns the target address of the record.
func (r *Record) Remote() netip.AddrPort {
	return r.remote
}

// Link returns the record's state machine.
func (r *Record) Link() *connection.Link {
	return r.link
}

// Registry is an append-only list of connection records.
type Registry struct {
	mu      sync.RWMutex
	records []*Record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends a new unconnected record and returns its handle.
func (r *Registry) Add(remote netip.AddrPort, observers []connection.Observer) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle(len(r.records))
	r.records = append(r.records, &Record{
		remote: remote,
		link: connection.NewLink(connection.LinkConfig{
			Handle:    int(h),
			Remote:    remote.String(),
			Observers: observers,
		}),
	})
	return h
}

// Get returns the record for a handle.
func (r *Registry) Get(h Handle) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h < 0 || int(h) >= len(r.records) {
		return nil, false
	}
	return r.records[h], true
}

// Len returns the number of records ever issued.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// All returns a snapshot of every record in handle order.
func (r *Registry) All() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Record, len(r.records))
	copy(result, r.records)
	return result
}
