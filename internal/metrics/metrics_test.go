package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	dto "github.com/prometheus/client_model/go"
)

// freshRegistry swaps Registry for an empty one for the duration of the test.
func freshRegistry(t *testing.T) {
	t.Helper()
	oldRegistry := Registry
	Registry = prometheus.NewRegistry()
	t.Cleanup(func() { Registry = oldRegistry })

	// Re-register standard collectors
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// toFloat64 reads the value of a single counter or gauge.
func toFloat64(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	switch {
	case pb.Counter != nil:
		return pb.Counter.GetValue()
	case pb.Gauge != nil:
		return pb.Gauge.GetValue()
	default:
		t.Fatalf("metric is neither counter nor gauge")
		return 0
	}
}

func TestInitMetrics(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("bench-01", "1.0.0")
	if m == nil {
		t.Fatal("InitMetrics returned nil")
	}

	// Verify all metrics are initialized
	tests := []struct {
		name   string
		metric interface{}
	}{
		{"ConnectAttempts", m.ConnectAttempts},
		{"ConnectTimeouts", m.ConnectTimeouts},
		{"ConnectFailures", m.ConnectFailures},
		{"Drops", m.Drops},
		{"BytesSent", m.BytesSent},
		{"BytesReceived", m.BytesReceived},
		{"FramesReceived", m.FramesReceived},
		{"ConnectionState", m.ConnectionState},
		{"Reconnects", m.Reconnects},
		{"Transitions", m.Transitions},
		{"FramesDelivered", m.FramesDelivered},
		{"BufferHits", m.BufferHits},
		{"PayloadsParked", m.PayloadsParked},
		{"DropsSignalled", m.DropsSignalled},
		{"BufferDepth", m.BufferDepth},
		{"BufferKeys", m.BufferKeys},
		{"DiscoverySent", m.DiscoverySent},
		{"DiscoverySendFailures", m.DiscoverySendFailures},
		{"DiscoveryReceived", m.DiscoveryReceived},
		{"DiscoveryIgnored", m.DiscoveryIgnored},
		{"DiscoveryInterfaces", m.DiscoveryInterfaces},
		{"DiscoveryFallback", m.DiscoveryFallback},
		{"Info", m.Info},
	}

	for _, tt := range tests {
		if tt.metric == nil {
			t.Errorf("%s is nil", tt.name)
		}
	}

	if got := toFloat64(t, m.Info.WithLabelValues("bench-01", "1.0.0")); got != 1 {
		t.Errorf("Info = %v, want 1", got)
	}
}

func TestInitMetrics_ConstLabels(t *testing.T) {
	freshRegistry(t)

	m := InitMetrics("bench-02", "dev")
	m.ConnectAttempts.Inc()

	families, err := Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	found := false
	for _, mf := range families {
		if mf.GetName() != "doipmux_connect_attempts_total" {
			continue
		}
		found = true
		labels := mf.GetMetric()[0].GetLabel()
		if len(labels) != 1 || labels[0].GetName() != "host" || labels[0].GetValue() != "bench-02" {
			t.Errorf("unexpected labels: %v", labels)
		}
	}
	if !found {
		t.Error("doipmux_connect_attempts_total not gathered")
	}
}
