package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/diagnet/doipmux/internal/connection"
	"github.com/diagnet/doipmux/internal/demux"
	"github.com/diagnet/doipmux/internal/discovery"
	"github.com/diagnet/doipmux/internal/transport"
)

// Snapshot holds the last-seen counters for delta calculation.
type Snapshot struct {
	Transport transport.Stats
	Demux     demux.Stats
	Discovery discovery.Stats
}

// ConnectionManager interface for getting connection statistics.
type ConnectionManager interface {
	Stats() transport.Stats
	Links() []connection.LinkInfo
}

// Demultiplexer interface for getting routing statistics.
type Demultiplexer interface {
	Stats() demux.Stats
}

// MisroutedBuffer interface for getting buffer occupancy.
type MisroutedBuffer interface {
	Stats() demux.BufferStats
}

// DiscoveryChannel interface for getting discovery statistics.
type DiscoveryChannel interface {
	Stats() discovery.Stats
}

// CollectorConfig holds configuration for the collector. Nil sources are skipped.
type CollectorConfig struct {
	Connections ConnectionManager
	Demux       Demultiplexer
	Buffer      MisroutedBuffer
	Discovery   DiscoveryChannel
}

// Collector periodically copies component statistics into metrics.
type Collector struct {
	metrics *TransportMetrics

	connections ConnectionManager
	demux       Demultiplexer
	buffer      MisroutedBuffer
	discovery   DiscoveryChannel

	last Snapshot
}

// NewCollector creates a new metrics collector.
func NewCollector(m *TransportMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics:     m,
		connections: cfg.Connections,
		demux:       cfg.Demux,
		buffer:      cfg.Buffer,
		discovery:   cfg.Discovery,
	}
}

// Collect updates all metrics from the current state.
func (c *Collector) Collect() {
	c.collectTransportStats()
	c.collectLinkStats()
	c.collectDemuxStats()
	c.collectBufferStats()
	c.collectDiscoveryStats()
}

// addDelta adds the growth of a monotonic source counter.
func addDelta(counter interface{ Add(float64) }, now, last uint64) {
	if now > last {
		counter.Add(float64(now - last))
	}
}

func (c *Collector) collectTransportStats() {
	if c.connections == nil {
		return
	}

	stats := c.connections.Stats()
	last := c.last.Transport

	addDelta(c.metrics.ConnectAttempts, stats.ConnectAttempts, last.ConnectAttempts)
	addDelta(c.metrics.ConnectTimeouts, stats.ConnectTimeouts, last.ConnectTimeouts)
	addDelta(c.metrics.ConnectFailures, stats.ConnectFailures, last.ConnectFailures)
	addDelta(c.metrics.Drops, stats.Drops, last.Drops)
	addDelta(c.metrics.BytesSent, stats.BytesSent, last.BytesSent)
	addDelta(c.metrics.BytesReceived, stats.BytesReceived, last.BytesReceived)
	addDelta(c.metrics.FramesReceived, stats.FramesReceived, last.FramesReceived)

	c.last.Transport = stats
}

func (c *Collector) collectLinkStats() {
	if c.connections == nil {
		return
	}

	for _, info := range c.connections.Links() {
		handle := strconv.Itoa(info.Handle)
		c.metrics.ConnectionState.WithLabelValues(handle, info.Remote).Set(float64(info.State))
		c.metrics.Reconnects.WithLabelValues(handle, info.Remote).Set(float64(info.ReconnectCount))
	}
}

func (c *Collector) collectDemuxStats() {
	if c.demux == nil {
		return
	}

	stats := c.demux.Stats()
	last := c.last.Demux

	addDelta(c.metrics.FramesDelivered, stats.Delivered, last.Delivered)
	addDelta(c.metrics.BufferHits, stats.FromBuffer, last.FromBuffer)
	addDelta(c.metrics.PayloadsParked, stats.Parked, last.Parked)
	addDelta(c.metrics.DropsSignalled, stats.DropsSignalled, last.DropsSignalled)

	c.last.Demux = stats
}

func (c *Collector) collectBufferStats() {
	if c.buffer == nil {
		return
	}

	stats := c.buffer.Stats()
	c.metrics.BufferDepth.Set(float64(stats.Depth))
	c.metrics.BufferKeys.Set(float64(stats.Keys))
}

func (c *Collector) collectDiscoveryStats() {
	if c.discovery == nil {
		return
	}

	stats := c.discovery.Stats()
	last := c.last.Discovery

	addDelta(c.metrics.DiscoverySent, stats.Sent, last.Sent)
	addDelta(c.metrics.DiscoverySendFailures, stats.SendFailures, last.SendFailures)
	addDelta(c.metrics.DiscoveryReceived, stats.Received, last.Received)
	addDelta(c.metrics.DiscoveryIgnored, stats.Ignored, last.Ignored)

	c.metrics.DiscoveryInterfaces.Set(float64(stats.Interfaces))
	if stats.Fallback {
		c.metrics.DiscoveryFallback.Set(1)
	} else {
		c.metrics.DiscoveryFallback.Set(0)
	}

	c.last.Discovery = stats
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			c.Collect()
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// TransitionObserver returns a connection observer that counts state transitions.
func (c *Collector) TransitionObserver() connection.Observer {
	return connection.ObserverFunc(func(t connection.Transition) {
		c.metrics.Transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()
	})
}
