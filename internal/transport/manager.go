package transport

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/diagnet/doipmux/internal/connection"
	"github.com/diagnet/doipmux/pkg/doip"
)

// DefaultConnectTimeout bounds the connect readiness wait.
const DefaultConnectTimeout = 2 * time.Second

// Config holds manager configuration.
type Config struct {
	// Port is the TCP port used by Open. Default: doip.Port
	Port int

	// ConnectTimeout bounds how long Connect waits for the socket to
	// become writable. Default: 2s
	ConnectTimeout time.Duration

	// Dialer opens sockets. Default: SocketDialer{}
	Dialer Dialer

	// Observers receive state transitions of every connection.
	Observers []connection.Observer
}

// Stats is a snapshot of manager counters.
type Stats struct {
	ConnectAttempts uint64
	ConnectTimeouts uint64
	ConnectFailures uint64
	Drops           uint64
	BytesSent       uint64
	BytesReceived   uint64
	FramesReceived  uint64
}

// Manager performs connect, reconnect, close, send and receive on the
// records of a Registry. Calls on different handles are independent.
// Send, Reconnect and Close on one handle must come from a single writer;
// RecvExact may be called concurrently on one handle.
type Manager struct {
	cfg      Config
	registry *Registry

	obsMu     sync.RWMutex
	observers []connection.Observer

	connectAttempts atomic.Uint64
	connectTimeouts atomic.Uint64
	connectFailures atomic.Uint64
	drops           atomic.Uint64
	bytesSent       atomic.Uint64
	bytesReceived   atomic.Uint64
	framesReceived  atomic.Uint64
}

// NewManager creates a manager over a new, empty registry.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Port == 0 {
		cfg.Port = doip.Port
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ConnectTimeout < 0 {
		return nil, fmt.Errorf("invalid connect timeout %s", cfg.ConnectTimeout)
	}
	if cfg.Dialer == nil {
		cfg.Dialer = SocketDialer{}
	}

	observers := make([]connection.Observer, len(cfg.Observers))
	copy(observers, cfg.Observers)

	return &Manager{
		cfg:       cfg,
		registry:  NewRegistry(),
		observers: observers,
	}, nil
}

// Registry returns the manager's registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// AddObserver registers an observer on every existing and future connection.
func (m *Manager) AddObserver(o connection.Observer) {
	m.obsMu.Lock()
	m.observers = append(m.observers, o)
	m.obsMu.Unlock()

	for _, rec := range m.registry.All() {
		rec.link.AddObserver(o)
	}
}

// Open registers a new unconnected record for remote on the configured port.
// It never touches the network.
func (m *Manager) Open(remote netip.Addr) Handle {
	return m.OpenAddrPort(netip.AddrPortFrom(remote.Unmap(), uint16(m.cfg.Port)))
}

// OpenAddrPort registers a new unconnected record for an explicit address and port.
func (m *Manager) OpenAddrPort(remote netip.AddrPort) Handle {
	m.obsMu.RLock()
	observers := make([]connection.Observer, len(m.observers))
	copy(observers, m.observers)
	m.obsMu.RUnlock()

	h := m.registry.Add(remote, observers)
	log.Debug().Int("handle", int(h)).Str("remote", remote.String()).Msg("connection record opened")
	return h
}

func (m *Manager) record(op string, h Handle) (*Record, error) {
	rec, ok := m.registry.Get(h)
	if !ok {
		return nil, newError(op, h, ErrInvalidHandle, nil)
	}
	return rec, nil
}

// Connect opens a non-blocking socket and waits up to the connect timeout
// for it to become writable. A timeout is not an error: the record stays
// unconnected so the caller can retry once the target is powered.
func (m *Manager) Connect(h Handle) error {
	rec, err := m.record("connect", h)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	switch rec.link.State() {
	case connection.StateConnected:
		rec.mu.Unlock()
		return nil
	case connection.StateClosed:
		if err := rec.link.TransitionTo(connection.StateUnconnected, "re-armed", nil); err != nil {
			rec.mu.Unlock()
			return newError("connect", h, ErrNotConfigured, err)
		}
	}
	if err := rec.link.TransitionTo(connection.StateConnecting, "connect", nil); err != nil {
		rec.mu.Unlock()
		return newError("connect", h, ErrNotConfigured, err)
	}
	rec.mu.Unlock()

	m.connectAttempts.Add(1)
	conn, dialErr := m.cfg.Dialer.Dial(rec.remote, m.cfg.ConnectTimeout)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if dialErr == nil {
		rec.conn = conn
		return rec.link.TransitionTo(connection.StateConnected, "connected", nil)
	}

	var rejected *RejectedError
	switch {
	case errors.Is(dialErr, ErrDialTimeout):
		m.connectTimeouts.Add(1)
		log.Debug().
			Int("handle", int(h)).
			Str("remote", rec.remote.String()).
			Dur("timeout", m.cfg.ConnectTimeout).
			Msg("connect timed out, target may not be up yet")
		return rec.link.TransitionTo(connection.StateUnconnected, "connect timeout", nil)

	case errors.As(dialErr, &rejected):
		m.connectFailures.Add(1)
		_ = rec.link.TransitionTo(connection.StateUnconnected, "connect rejected", dialErr)
		return newError("connect", h, ErrConnectFailed, rejected.Err)

	default:
		m.connectFailures.Add(1)
		_ = rec.link.TransitionTo(connection.StateUnconnected, "readiness wait failed", dialErr)
		return newError("connect", h, ErrIO, dialErr)
	}
}

// IsConnected peeks at the socket without consuming data. An unopened
// record reports false rather than an error.
func (m *Manager) IsConnected(h Handle) (bool, error) {
	rec, err := m.record("is_connected", h)
	if err != nil {
		return false, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.conn == nil {
		return false, nil
	}
	alive, err := rec.conn.Peek()
	if err != nil {
		if isReset(err) {
			return false, nil
		}
		return false, newError("is_connected", h, ErrIO, err)
	}
	return alive, nil
}

// Reconnect tears down any existing socket and connects afresh. Whatever
// the outcome, the record never keeps a stale socket.
func (m *Manager) Reconnect(h Handle) error {
	rec, err := m.record("reconnect", h)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	if rec.conn != nil {
		teardown(rec.conn)
		rec.conn = nil
		_ = rec.link.TransitionTo(connection.StateUnconnected, "reconnect", nil)
	}
	rec.mu.Unlock()

	return m.Connect(h)
}

// Close shuts down both directions and releases the socket. Closing a
// record without a socket, including a second close, is ErrNotConfigured.
func (m *Manager) Close(h Handle) error {
	rec, err := m.record("close", h)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.conn == nil {
		return newError("close", h, ErrNotConfigured, nil)
	}

	conn := rec.conn
	rec.conn = nil
	shutErr := conn.Shutdown()
	closeErr := conn.Close()
	_ = rec.link.TransitionTo(connection.StateClosed, "closed", nil)

	if closeErr != nil {
		return newError("close", h, ErrIO, closeErr)
	}
	if shutErr != nil && !errors.Is(shutErr, syscall.ENOTCONN) {
		return newError("close", h, ErrIO, shutErr)
	}
	return nil
}

// Send performs exactly one send call. A short write is an error; there is
// no partial-write retry. A reset drops the record to unconnected.
func (m *Manager) Send(h Handle, p []byte) error {
	rec, err := m.record("send", h)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.conn == nil {
		return newError("send", h, ErrNotConfigured, nil)
	}

	n, err := rec.conn.Write(p)
	if n > 0 {
		m.bytesSent.Add(uint64(n))
	}
	if err != nil {
		if isReset(err) {
			m.drop(rec, "send", err)
		}
		return newError("send", h, ErrIO, err)
	}
	if n != len(p) {
		return newError("send", h, ErrIO, fmt.Errorf("short write: %d/%d bytes", n, len(p)))
	}
	return nil
}

// RecvExact returns exactly length bytes or nothing at all. When fewer
// bytes are queued it returns ErrNoDataYet without consuming anything.
func (m *Manager) RecvExact(h Handle, length int) ([]byte, error) {
	rec, err := m.record("recv", h)
	if err != nil {
		return nil, err
	}
	if length <= 0 {
		return nil, newError("recv", h, ErrIO, fmt.Errorf("invalid length %d", length))
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.conn == nil {
		return nil, newError("recv", h, ErrNotConfigured, nil)
	}

	avail, err := rec.conn.Available()
	if err != nil {
		return nil, newError("recv", h, ErrIO, err)
	}
	if avail < length {
		if avail == 0 {
			// Nothing queued: either the peer is quiet or the socket is dead.
			alive, perr := rec.conn.Peek()
			switch {
			case perr != nil && isReset(perr):
				m.drop(rec, "recv", perr)
				return nil, newError("recv", h, ErrIO, perr)
			case perr != nil:
				return nil, newError("recv", h, ErrIO, perr)
			case !alive:
				m.drop(rec, "recv", io.EOF)
				return nil, newError("recv", h, ErrIO, io.EOF)
			}
		}
		return nil, newError("recv", h, ErrNoDataYet, nil)
	}

	buf := make([]byte, length)
	got := 0
	for got < length {
		n, err := rec.conn.Read(buf[got:])
		if n > 0 {
			got += n
		}
		if err == nil {
			continue
		}
		if isReset(err) || errors.Is(err, io.EOF) {
			m.drop(rec, "recv", err)
		}
		return nil, newError("recv", h, ErrIO, fmt.Errorf("read %d/%d bytes: %w", got, length, err))
	}

	m.bytesReceived.Add(uint64(length))
	m.framesReceived.Add(1)
	return buf, nil
}

// State returns the current state of a record.
func (m *Manager) State(h Handle) (connection.State, error) {
	rec, err := m.record("state", h)
	if err != nil {
		return connection.StateUnconnected, err
	}
	return rec.link.State(), nil
}

// Links returns a snapshot of every record's state in handle order.
func (m *Manager) Links() []connection.LinkInfo {
	records := m.registry.All()
	infos := make([]connection.LinkInfo, 0, len(records))
	for _, rec := range records {
		infos = append(infos, rec.link.Info())
	}
	return infos
}

// CloseAll closes every record that still holds a socket.
func (m *Manager) CloseAll() {
	for i := range m.registry.Len() {
		err := m.Close(Handle(i))
		if err != nil && !errors.Is(err, ErrNotConfigured) {
			log.Debug().Int("handle", i).Err(err).Msg("close failed")
		}
	}
}

// Stats returns a snapshot of the manager counters.
func (m *Manager) Stats() Stats {
	return Stats{
		ConnectAttempts: m.connectAttempts.Load(),
		ConnectTimeouts: m.connectTimeouts.Load(),
		ConnectFailures: m.connectFailures.Load(),
		Drops:           m.drops.Load(),
		BytesSent:       m.bytesSent.Load(),
		BytesReceived:   m.bytesReceived.Load(),
		FramesReceived:  m.framesReceived.Load(),
	}
}

// drop releases a dead socket and moves the record back to unconnected.
// The transition carries the cause, which observers use to tell sessions
// the connection dropped. Caller holds rec.mu.
func (m *Manager) drop(rec *Record, op string, cause error) {
	teardown(rec.conn)
	rec.conn = nil
	m.drops.Add(1)
	_ = rec.link.TransitionTo(connection.StateUnconnected, op+" failed", cause)
	log.Debug().
		Int("handle", rec.link.Handle()).
		Str("remote", rec.remote.String()).
		Err(cause).
		Msg("connection dropped")
}

func teardown(c Conn) {
	_ = c.Shutdown()
	_ = c.Close()
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}
