// Package metrics provides Prometheus metrics for the doipmux transport.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the Prometheus registry for all doipmux metrics.
var Registry = prometheus.NewRegistry()

// TransportMetrics holds all Prometheus metrics for one doipmux process.
type TransportMetrics struct {
	// Connection manager (counters)
	ConnectAttempts prometheus.Counter
	ConnectTimeouts prometheus.Counter
	ConnectFailures prometheus.Counter
	Drops           prometheus.Counter
	BytesSent       prometheus.Counter
	BytesReceived   prometheus.Counter
	FramesReceived  prometheus.Counter

	// Connection state per handle
	ConnectionState *prometheus.GaugeVec   // labels: handle, remote
	Reconnects      *prometheus.GaugeVec   // labels: handle, remote
	Transitions     *prometheus.CounterVec // labels: from, to

	// Demultiplexer
	FramesDelivered prometheus.Counter
	BufferHits      prometheus.Counter
	PayloadsParked  prometheus.Counter
	DropsSignalled  prometheus.Counter
	BufferDepth     prometheus.Gauge
	BufferKeys      prometheus.Gauge

	// Discovery
	DiscoverySent         prometheus.Counter
	DiscoverySendFailures prometheus.Counter
	DiscoveryReceived     prometheus.Counter
	DiscoveryIgnored      prometheus.Counter
	DiscoveryInterfaces   prometheus.Gauge
	DiscoveryFallback     prometheus.Gauge

	// Build info (constant labels exposed as a gauge)
	Info *prometheus.GaugeVec // labels: host, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given host name as a constant label.
func InitMetrics(host, version string) *TransportMetrics {
	constLabels := prometheus.Labels{
		"host": host,
	}
	factory := promauto.With(Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		})
	}

	m := &TransportMetrics{
		ConnectAttempts: counter("doipmux_connect_attempts_total", "Total TCP connect attempts"),
		ConnectTimeouts: counter("doipmux_connect_timeouts_total", "Connect attempts that timed out without an event"),
		ConnectFailures: counter("doipmux_connect_failures_total", "Connect attempts rejected by the target or failed while waiting"),
		Drops:           counter("doipmux_connection_drops_total", "Connections dropped after a reset or peer shutdown"),
		BytesSent:       counter("doipmux_bytes_sent_total", "Total bytes sent on TCP connections"),
		BytesReceived:   counter("doipmux_bytes_received_total", "Total bytes received on TCP connections"),
		FramesReceived:  counter("doipmux_frames_received_total", "Complete frames read off TCP connections"),

		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "doipmux_connection_state",
			Help:        "Connection state per handle (0=unconnected, 1=connecting, 2=connected, 3=closed)",
			ConstLabels: constLabels,
		}, []string{"handle", "remote"}),
		Reconnects: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "doipmux_connection_reconnects",
			Help:        "Times each handle connected after its first connection",
			ConstLabels: constLabels,
		}, []string{"handle", "remote"}),
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "doipmux_connection_transitions_total",
			Help:        "Connection state transitions",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),

		FramesDelivered: counter("doipmux_frames_delivered_total", "Frames returned to the session they were addressed to"),
		BufferHits:      counter("doipmux_buffer_hits_total", "Frames delivered from the misrouted buffer"),
		PayloadsParked:  counter("doipmux_payloads_parked_total", "Frames parked for a sibling endpoint"),
		DropsSignalled:  counter("doipmux_drops_signalled_total", "Connection drop notifications handed to sessions"),
		BufferDepth:     gauge("doipmux_buffer_depth", "Frames waiting in the misrouted buffer"),
		BufferKeys:      gauge("doipmux_buffer_endpoints", "Endpoints with frames waiting in the misrouted buffer"),

		DiscoverySent:         counter("doipmux_discovery_sent_total", "Discovery broadcasts sent, per interface"),
		DiscoverySendFailures: counter("doipmux_discovery_send_failures_total", "Discovery broadcasts that failed, per interface"),
		DiscoveryReceived:     counter("doipmux_discovery_received_total", "Discovery datagrams received"),
		DiscoveryIgnored:      counter("doipmux_discovery_ignored_total", "Discovery datagrams not sent from the diagnostic port"),
		DiscoveryInterfaces:   gauge("doipmux_discovery_interfaces", "Interfaces with bound discovery sockets"),
		DiscoveryFallback:     gauge("doipmux_discovery_fallback", "Whether discovery is bound to the wildcard address (1) or not (0)"),

		Info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "doipmux_info",
			Help: "Process information (value is always 1)",
		}, []string{"host", "version"}),
	}

	m.Info.WithLabelValues(host, version).Set(1)

	return m
}
