// Package discovery broadcasts vehicle identification requests on every
// local IPv4 interface and collects the answers.
//
// Each interface gets a server socket bound to its address on the
// diagnostic port and a broadcast-enabled client socket on an ephemeral
// port. Receiving never blocks: a socket is only read once the kernel
// reports a datagram pending on it.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"

	"github.com/diagnet/doipmux/internal/netif"
	"github.com/diagnet/doipmux/pkg/doip"
)

var (
	// ErrNoData means no server socket had a datagram pending.
	ErrNoData = errors.New("no datagram pending")

	// ErrSendIncomplete means the broadcast failed on at least one interface.
	ErrSendIncomplete = errors.New("broadcast not sent on every interface")

	// ErrNotInitialized means Init has not bound any sockets yet.
	ErrNotInitialized = errors.New("discovery channel not initialized")
)

const maxDatagram = 65535

// Config holds discovery channel configuration.
type Config struct {
	// Port is the well-known diagnostic port. Default: doip.Port
	Port int

	// Netif controls which interfaces are used.
	Netif netif.Config
}

// Datagram is one received UDP datagram.
type Datagram struct {
	Payload []byte
	From    netip.AddrPort

	// Interface and IfIndex name the server socket's interface. IfIndex
	// comes from the arrival control message when the platform reports one.
	Interface string
	IfIndex   int

	// Authoritative is false when the sender did not use the diagnostic
	// port, which is how this host's own broadcasts come back.
	Authoritative bool
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Inits        uint64
	Sent         uint64
	SendFailures uint64
	Received     uint64
	Ignored      uint64
	Interfaces   int
	Fallback     bool
}

type binding struct {
	iface    netif.Interface
	server   *net.UDPConn
	serverPC *ipv4.PacketConn
	client   *net.UDPConn
	dest     *net.UDPAddr
}

func (b *binding) close() error {
	return errors.Join(b.server.Close(), b.client.Close())
}

// Channel is the set of discovery sockets for the current interface set.
type Channel struct {
	cfg       Config
	enumerate func(netif.Config) ([]netif.Interface, error)

	mu       sync.Mutex
	bindings []*binding
	fallback bool

	inits        atomic.Uint64
	sent         atomic.Uint64
	sendFailures atomic.Uint64
	received     atomic.Uint64
	ignored      atomic.Uint64
}

// New creates an uninitialized channel.
func New(cfg Config) (*Channel, error) {
	if cfg.Port == 0 {
		cfg.Port = doip.Port
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid discovery port %d", cfg.Port)
	}
	return &Channel{cfg: cfg, enumerate: netif.Enumerate}, nil
}

// Init enumerates the local interfaces and binds a socket pair on each,
// replacing any sockets from an earlier call. If enumeration fails or
// finds nothing usable, a single pair is bound to the wildcard address.
// An interface whose sockets cannot be bound is logged and skipped.
func (c *Channel) Init() error {
	ifaces, err := c.enumerate(c.cfg.Netif)
	fallback := false
	if err != nil || len(ifaces) == 0 {
		log.Debug().Err(err).Msg("no usable interfaces, binding wildcard address")
		ifaces = []netif.Interface{{Name: "any", IP: net.IPv4zero.To4()}}
		fallback = true
	}

	var bindings []*binding
	var bindErrs []error
	for _, iface := range ifaces {
		b, err := c.bind(iface, fallback)
		if err != nil {
			log.Warn().Str("iface", iface.String()).Err(err).Msg("failed to bind discovery sockets")
			bindErrs = append(bindErrs, err)
			continue
		}
		bindings = append(bindings, b)
	}

	c.mu.Lock()
	old := c.bindings
	c.bindings = bindings
	c.fallback = fallback
	c.mu.Unlock()

	for _, b := range old {
		_ = b.close()
	}
	c.inits.Add(1)

	if len(bindings) == 0 {
		return fmt.Errorf("bind discovery sockets: %w", errors.Join(bindErrs...))
	}
	log.Debug().Int("interfaces", len(bindings)).Bool("fallback", fallback).Msg("discovery channel initialized")
	return nil
}

func (c *Channel) bind(iface netif.Interface, fallback bool) (*binding, error) {
	ctx := context.Background()
	ip := iface.IP.String()

	serverLC := net.ListenConfig{Control: reuseAddrControl}
	spc, err := serverLC.ListenPacket(ctx, "udp4", net.JoinHostPort(ip, fmt.Sprint(c.cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("listen server %s: %w", iface, err)
	}
	server := spc.(*net.UDPConn)

	clientLC := net.ListenConfig{Control: broadcastControl}
	cpc, err := clientLC.ListenPacket(ctx, "udp4", net.JoinHostPort(ip, "0"))
	if err != nil {
		_ = server.Close()
		return nil, fmt.Errorf("listen client %s: %w", iface, err)
	}
	client := cpc.(*net.UDPConn)

	pc := ipv4.NewPacketConn(server)
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		log.Debug().Str("iface", iface.String()).Err(err).Msg("arrival interface unavailable")
	}

	dest := iface.Broadcast()
	if fallback {
		dest = net.IPv4bcast
	}

	return &binding{
		iface:    iface,
		server:   server,
		serverPC: pc,
		client:   client,
		dest:     &net.UDPAddr{IP: dest, Port: c.cfg.Port},
	}, nil
}

// BroadcastSend sends payload to the broadcast address of every bound
// interface. A failure on one interface is logged and does not stop the
// others; the result is nil only if every interface succeeded.
func (c *Channel) BroadcastSend(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.bindings) == 0 {
		return ErrNotInitialized
	}

	var errs []error
	for _, b := range c.bindings {
		n, err := b.client.WriteToUDP(payload, b.dest)
		if err == nil && n != len(payload) {
			err = fmt.Errorf("short write: %d/%d bytes", n, len(payload))
		}
		if err != nil {
			c.sendFailures.Add(1)
			log.Warn().
				Str("iface", b.iface.String()).
				Str("dest", b.dest.String()).
				Err(err).
				Msg("discovery broadcast failed")
			errs = append(errs, fmt.Errorf("%s: %w", b.iface, err))
			continue
		}
		c.sent.Add(1)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSendIncomplete, errors.Join(errs...))
	}
	return nil
}

// ReceiveOne reads at most one datagram from the first server socket that
// has one pending. It returns ErrNoData when none has.
func (c *Channel) ReceiveOne() (*Datagram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.bindings) == 0 {
		return nil, ErrNotInitialized
	}

	for _, b := range c.bindings {
		ok, err := ready(b.server)
		if err != nil {
			return nil, fmt.Errorf("check pending on %s: %w", b.iface, err)
		}
		if !ok {
			continue
		}

		d, err := c.read(b)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return nil, fmt.Errorf("receive on %s: %w", b.iface, err)
		}
		return d, nil
	}
	return nil, ErrNoData
}

func (c *Channel) read(b *binding) (*Datagram, error) {
	buf := make([]byte, maxDatagram)
	n, cm, src, err := b.serverPC.ReadFrom(buf)
	if err != nil {
		return nil, err
	}

	payload := make([]byte, n)
	copy(payload, buf[:n])

	d := &Datagram{
		Payload:   payload,
		Interface: b.iface.Name,
		IfIndex:   b.iface.Index,
	}
	if cm != nil && cm.IfIndex != 0 {
		d.IfIndex = cm.IfIndex
	}
	if ua, ok := src.(*net.UDPAddr); ok {
		ap := ua.AddrPort()
		d.From = netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	d.Authoritative = int(d.From.Port()) == c.cfg.Port

	c.received.Add(1)
	if !d.Authoritative {
		c.ignored.Add(1)
	}
	return d, nil
}

// Interfaces returns the interfaces currently bound.
func (c *Channel) Interfaces() []netif.Interface {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]netif.Interface, 0, len(c.bindings))
	for _, b := range c.bindings {
		out = append(out, b.iface)
	}
	return out
}

// Close releases every socket. The channel can be initialized again.
func (c *Channel) Close() error {
	c.mu.Lock()
	old := c.bindings
	c.bindings = nil
	c.mu.Unlock()

	var errs []error
	for _, b := range old {
		if err := b.close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Watch re-initializes the channel whenever w reports that the local
// interface set changed. It returns when ctx is done or w stops.
func (c *Channel) Watch(ctx context.Context, w netif.Watcher) error {
	events, err := w.Start(ctx)
	if err != nil {
		return fmt.Errorf("start interface watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			current, err := c.enumerate(c.cfg.Netif)
			if err == nil && c.unchanged(current) {
				continue
			}
			log.Info().
				Str("change", ev.Type.String()).
				Str("iface", ev.Interface).
				Msg("network interfaces changed, rebinding discovery sockets")
			if err := c.Init(); err != nil {
				log.Warn().Err(err).Msg("discovery rebind failed")
			}
		}
	}
}

func (c *Channel) unchanged(current []netif.Interface) bool {
	c.mu.Lock()
	fallback := c.fallback
	c.mu.Unlock()

	if fallback {
		return len(current) == 0
	}
	return netif.Equal(current, c.Interfaces())
}

// Stats returns a snapshot of the channel counters.
func (c *Channel) Stats() Stats {
	c.mu.Lock()
	n, fallback := len(c.bindings), c.fallback
	c.mu.Unlock()

	return Stats{
		Inits:        c.inits.Load(),
		Sent:         c.sent.Load(),
		SendFailures: c.sendFailures.Load(),
		Received:     c.received.Load(),
		Ignored:      c.ignored.Load(),
		Interfaces:   n,
		Fallback:     fallback,
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
