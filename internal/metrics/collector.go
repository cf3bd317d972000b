// Package metrics exposes node-wide Prometheus counters and gauges: a
// prometheus.Registerer-backed Collector struct with a namespaced
// NewCollector constructor. Its fields form a per-layer tally:
// frame counters at the MAC layer, neighbor/route
// table gauges, replay and auth-failure counters, and CSMA backoff
// failures.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "sapphire"
	subsystem = "node"
)

// Label names.
const (
	labelNeighbor = "neighbor"
	labelReason   = "reason"
)

// -------------------------------------------------------------------------
// Collector — Node Prometheus Metrics
// -------------------------------------------------------------------------

// Collector holds all node-wide Prometheus metrics:
//   - Neighbor and route table gauges track live mesh state.
//   - Frame counters track TX/RX/drop volumes at the MAC layer.
//   - Replay and auth-failure counters flag security events.
//   - CSMA backoff and route-discovery counters surface MAC and
//     routing health for alerting.
type Collector struct {
	// NeighborCount tracks the number of live entries in the neighbor table.
	NeighborCount prometheus.Gauge

	// RouteCount tracks the number of live entries in the route table.
	RouteCount prometheus.Gauge

	// WarningFlags tracks the node's active warning-flag bitmask as a
	// set of 0/1 gauges, one per named flag.
	WarningFlags *prometheus.GaugeVec

	// FramesSent counts MAC frames successfully transmitted.
	FramesSent prometheus.Counter

	// FramesReceived counts MAC frames successfully received and passed
	// to the reassembly layer.
	FramesReceived prometheus.Counter

	// FramesDropped counts MAC frames dropped, labeled by reason
	// (e.g. "replay", "auth", "queue_full", "cca_failure").
	FramesDropped *prometheus.CounterVec

	// ReplayDrops counts frames dropped by the per-neighbor replay
	// cache.
	ReplayDrops *prometheus.CounterVec

	// AuthFailures counts frames failing AEAD authentication.
	AuthFailures *prometheus.CounterVec

	// CSMABackoffFailures counts CCA attempts that exhausted the
	// backoff exponent range without finding a clear channel.
	CSMABackoffFailures prometheus.Counter

	// RouteDiscoveryAttempted counts RREQ floods initiated.
	RouteDiscoveryAttempted prometheus.Counter

	// RouteDiscoverySucceeded counts RREQ floods that produced a usable
	// RREP before exhausting their retry budget.
	RouteDiscoverySucceeded prometheus.Counter
}

// NewCollector creates a Collector with all node metrics registered
// against reg. If reg is nil, prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "sapphire_node_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.NeighborCount,
		c.RouteCount,
		c.WarningFlags,
		c.FramesSent,
		c.FramesReceived,
		c.FramesDropped,
		c.ReplayDrops,
		c.AuthFailures,
		c.CSMABackoffFailures,
		c.RouteDiscoveryAttempted,
		c.RouteDiscoverySucceeded,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	reasonLabels := []string{labelReason}
	neighborLabels := []string{labelNeighbor}

	return &Collector{
		NeighborCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "neighbor_count",
			Help:      "Number of live entries in the neighbor table.",
		}),

		RouteCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "route_count",
			Help:      "Number of live entries in the route table.",
		}),

		WarningFlags: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "warning_flag",
			Help:      "Active warning flags (1 = set, 0 = clear), labeled by flag name.",
		}, []string{"flag"}),

		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_sent_total",
			Help:      "Total MAC frames transmitted.",
		}),

		FramesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_received_total",
			Help:      "Total MAC frames received and passed to reassembly.",
		}),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Total MAC frames dropped, labeled by reason.",
		}, reasonLabels),

		ReplayDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "replay_drops_total",
			Help:      "Total frames dropped by the per-neighbor replay cache.",
		}, neighborLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total frames failing AEAD authentication.",
		}, neighborLabels),

		CSMABackoffFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "csma_backoff_failures_total",
			Help:      "Total CCA attempts that exhausted the backoff exponent range.",
		}),

		RouteDiscoveryAttempted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "route_discovery_attempted_total",
			Help:      "Total route discovery (RREQ) floods initiated.",
		}),

		RouteDiscoverySucceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "route_discovery_succeeded_total",
			Help:      "Total route discovery floods that produced a usable route.",
		}),
	}
}

// -------------------------------------------------------------------------
// Table Gauges
// -------------------------------------------------------------------------

// SetNeighborCount sets the neighbor table gauge to n.
func (c *Collector) SetNeighborCount(n int) {
	c.NeighborCount.Set(float64(n))
}

// SetRouteCount sets the route table gauge to n.
func (c *Collector) SetRouteCount(n int) {
	c.RouteCount.Set(float64(n))
}

// SetWarningFlag sets the named warning flag's gauge to 1 if set is
// true, 0 otherwise.
func (c *Collector) SetWarningFlag(flag string, set bool) {
	v := 0.0
	if set {
		v = 1.0
	}
	c.WarningFlags.WithLabelValues(flag).Set(v)
}

// -------------------------------------------------------------------------
// Frame Counters
// -------------------------------------------------------------------------

// IncFramesSent increments the transmitted frames counter.
func (c *Collector) IncFramesSent() {
	c.FramesSent.Inc()
}

// IncFramesReceived increments the received frames counter.
func (c *Collector) IncFramesReceived() {
	c.FramesReceived.Inc()
}

// IncFramesDropped increments the dropped frames counter for reason.
func (c *Collector) IncFramesDropped(reason string) {
	c.FramesDropped.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Security Counters
// -------------------------------------------------------------------------

// IncReplayDrops increments the replay-drop counter for neighbor.
func (c *Collector) IncReplayDrops(neighbor string) {
	c.ReplayDrops.WithLabelValues(neighbor).Inc()
}

// IncAuthFailures increments the authentication failure counter for neighbor.
func (c *Collector) IncAuthFailures(neighbor string) {
	c.AuthFailures.WithLabelValues(neighbor).Inc()
}

// -------------------------------------------------------------------------
// MAC and Routing Health
// -------------------------------------------------------------------------

// IncCSMABackoffFailures increments the CSMA backoff exhaustion counter.
func (c *Collector) IncCSMABackoffFailures() {
	c.CSMABackoffFailures.Inc()
}

// IncRouteDiscoveryAttempted increments the route discovery attempt counter.
func (c *Collector) IncRouteDiscoveryAttempted() {
	c.RouteDiscoveryAttempted.Inc()
}

// IncRouteDiscoverySucceeded increments the route discovery success counter.
func (c *Collector) IncRouteDiscoverySucceeded() {
	c.RouteDiscoverySucceeded.Inc()
}
