// Package metrics provides Prometheus metrics for socks5tun.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "socks5tun"

// Metrics contains all Prometheus metrics for the engine.
type Metrics struct {
	// Pair lifecycle metrics. A "pair" is one client<->remote tunnel session
	// (component C2 of the engine).
	PairsActive prometheus.Gauge
	PairsTotal  prometheus.Counter
	PairErrors  *prometheus.CounterVec

	// Handshake metrics.
	HandshakeErrors   *prometheus.CounterVec
	ConnectLatency    prometheus.Histogram
	ConnectFailures   *prometheus.CounterVec

	// Data transfer metrics, split by direction.
	BytesTransferred *prometheus.CounterVec

	// Acceptor metrics.
	AcceptsRejected prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the global
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, so tests and embedders can avoid colliding with the global one.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PairsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pairs_active",
			Help:      "Number of currently active client<->remote tunnel pairs",
		}),
		PairsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairs_total",
			Help:      "Total number of tunnel pairs established",
		}),
		PairErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pair_errors_total",
			Help:      "Total pair teardowns by reason",
		}, []string{"reason"}),
		HandshakeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_errors_total",
			Help:      "Total SOCKS5 handshake errors by stage",
		}, []string{"stage"}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_connect_latency_seconds",
			Help:      "Histogram of remote relay connect latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		ConnectFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_connect_failures_total",
			Help:      "Total remote connect failures by reason",
		}, []string{"reason"}),
		BytesTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_transferred_total",
			Help:      "Total bytes relayed by direction",
		}, []string{"direction"}),
		AcceptsRejected: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accepts_rejected_total",
			Help:      "Total inbound connections rejected by the accept-rate limiter or the connection cap",
		}),
	}
}

// RecordPairOpen records a new pair being established.
func (m *Metrics) RecordPairOpen() {
	m.PairsActive.Inc()
	m.PairsTotal.Inc()
}

// RecordPairClose records a pair tearing down.
func (m *Metrics) RecordPairClose(reason string) {
	m.PairsActive.Dec()
	if reason != "" {
		m.PairErrors.WithLabelValues(reason).Inc()
	}
}

// RecordHandshakeError records a SOCKS5 handshake error at a given stage.
func (m *Metrics) RecordHandshakeError(stage string) {
	m.HandshakeErrors.WithLabelValues(stage).Inc()
}

// RecordConnect records a successful remote connect and its latency.
func (m *Metrics) RecordConnect(latencySeconds float64) {
	m.ConnectLatency.Observe(latencySeconds)
}

// RecordConnectFailure records a failed remote connect attempt.
func (m *Metrics) RecordConnectFailure(reason string) {
	m.ConnectFailures.WithLabelValues(reason).Inc()
}

// RecordBytes records bytes relayed in one direction ("client_to_remote" or
// "remote_to_client").
func (m *Metrics) RecordBytes(direction string, n int64) {
	m.BytesTransferred.WithLabelValues(direction).Add(float64(n))
}

// RecordAcceptRejected records a connection rejected by the accept-rate
// limiter or by the connection cap.
func (m *Metrics) RecordAcceptRejected() {
	m.AcceptsRejected.Inc()
}
