package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/giapdangle/sapphire/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	if c.NeighborCount == nil {
		t.Error("NeighborCount is nil")
	}
	if c.RouteCount == nil {
		t.Error("RouteCount is nil")
	}
	if c.WarningFlags == nil {
		t.Error("WarningFlags is nil")
	}
	if c.FramesSent == nil {
		t.Error("FramesSent is nil")
	}
	if c.FramesReceived == nil {
		t.Error("FramesReceived is nil")
	}
	if c.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if c.ReplayDrops == nil {
		t.Error("ReplayDrops is nil")
	}
	if c.AuthFailures == nil {
		t.Error("AuthFailures is nil")
	}
	if c.CSMABackoffFailures == nil {
		t.Error("CSMABackoffFailures is nil")
	}
	if c.RouteDiscoveryAttempted == nil {
		t.Error("RouteDiscoveryAttempted is nil")
	}
	if c.RouteDiscoverySucceeded == nil {
		t.Error("RouteDiscoverySucceeded is nil")
	}

	// Verify all metrics are registered by gathering them.
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}

	// No data yet, so families may be empty -- but registration must not panic.
	_ = families
}

func TestTableGauges(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.SetNeighborCount(5)
	if val := gaugeSimpleValue(t, c.NeighborCount); val != 5 {
		t.Errorf("NeighborCount = %v, want 5", val)
	}

	c.SetRouteCount(2)
	if val := gaugeSimpleValue(t, c.RouteCount); val != 2 {
		t.Errorf("RouteCount = %v, want 2", val)
	}

	c.SetWarningFlag("low_battery", true)
	if val := gaugeValue(t, c.WarningFlags, "low_battery"); val != 1 {
		t.Errorf("WarningFlags(low_battery) = %v, want 1", val)
	}

	c.SetWarningFlag("low_battery", false)
	if val := gaugeValue(t, c.WarningFlags, "low_battery"); val != 0 {
		t.Errorf("WarningFlags(low_battery) = %v, want 0 after clear", val)
	}
}

func TestFrameCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncFramesSent()
	c.IncFramesSent()
	c.IncFramesSent()

	if val := counterSimpleValue(t, c.FramesSent); val != 3 {
		t.Errorf("FramesSent = %v, want 3", val)
	}

	c.IncFramesReceived()
	c.IncFramesReceived()

	if val := counterSimpleValue(t, c.FramesReceived); val != 2 {
		t.Errorf("FramesReceived = %v, want 2", val)
	}

	c.IncFramesDropped("queue_full")

	if val := counterValue(t, c.FramesDropped, "queue_full"); val != 1 {
		t.Errorf("FramesDropped(queue_full) = %v, want 1", val)
	}
}

func TestSecurityCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncReplayDrops("0x0002")
	c.IncReplayDrops("0x0002")

	if val := counterValue(t, c.ReplayDrops, "0x0002"); val != 2 {
		t.Errorf("ReplayDrops(0x0002) = %v, want 2", val)
	}

	c.IncAuthFailures("0x0003")

	if val := counterValue(t, c.AuthFailures, "0x0003"); val != 1 {
		t.Errorf("AuthFailures(0x0003) = %v, want 1", val)
	}
}

func TestMACAndRoutingHealthCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)

	c.IncCSMABackoffFailures()
	if val := counterSimpleValue(t, c.CSMABackoffFailures); val != 1 {
		t.Errorf("CSMABackoffFailures = %v, want 1", val)
	}

	c.IncRouteDiscoveryAttempted()
	c.IncRouteDiscoveryAttempted()
	if val := counterSimpleValue(t, c.RouteDiscoveryAttempted); val != 2 {
		t.Errorf("RouteDiscoveryAttempted = %v, want 2", val)
	}

	c.IncRouteDiscoverySucceeded()
	if val := counterSimpleValue(t, c.RouteDiscoverySucceeded); val != 1 {
		t.Errorf("RouteDiscoverySucceeded = %v, want 1", val)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}

func gaugeSimpleValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := g.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterSimpleValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
