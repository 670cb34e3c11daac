// Package metrics provides Prometheus metrics and byte counters for Reitti Rele.
package metrics

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "reitti_rele"
)

// Traffic counts bytes read from and written to peers, handshake bytes
// included, not only relay payload. Counters are monotonic and safe for
// concurrent use from every connection task; they may optionally mirror
// into Prometheus counters.
type Traffic struct {
	recv atomic.Uint64
	sent atomic.Uint64

	promRecv prometheus.Counter
	promSent prometheus.Counter
}

// NewTraffic creates a standalone byte counter pair.
func NewTraffic() *Traffic {
	return &Traffic{}
}

// AddRecvBytes records n bytes received from a peer.
func (t *Traffic) AddRecvBytes(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.recv.Add(uint64(n))
	if t.promRecv != nil {
		t.promRecv.Add(float64(n))
	}
}

// AddSentBytes records n bytes sent to a peer.
func (t *Traffic) AddSentBytes(n int) {
	if t == nil || n <= 0 {
		return
	}
	t.sent.Add(uint64(n))
	if t.promSent != nil {
		t.promSent.Add(float64(n))
	}
}

// RecvBytesTotal returns the total bytes received.
func (t *Traffic) RecvBytesTotal() uint64 {
	if t == nil {
		return 0
	}
	return t.recv.Load()
}

// SentBytesTotal returns the total bytes sent.
func (t *Traffic) SentBytesTotal() uint64 {
	if t == nil {
		return 0
	}
	return t.sent.Load()
}

// Clear resets the local counters. The Prometheus mirrors are left alone;
// Prometheus counters never go backwards.
func (t *Traffic) Clear() {
	if t == nil {
		return
	}
	t.recv.Store(0)
	t.sent.Store(0)
}

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter

	// Request metrics
	Commands         *prometheus.CounterVec
	Replies          *prometheus.CounterVec
	HandshakeLatency prometheus.Histogram
	DNSLatency       prometheus.Histogram

	// Data transfer metrics
	BytesReceived prometheus.Counter
	BytesSent     prometheus.Counter

	// UDP relay metrics
	UDPAssociationsActive prometheus.Gauge
	UDPDatagramsDropped   *prometheus.CounterVec

	// BIND metrics
	BindAccepts  prometheus.Counter
	BindTimeouts prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of active client connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),
		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total authentication failures",
		}),
		Commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total requests by command",
		}, []string{"command"}),
		Replies: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replies_total",
			Help:      "Total replies by code",
		}, []string{"code"}),
		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of greeting-to-reply latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		DNSLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dns_latency_seconds",
			Help:      "Histogram of name resolution latency",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Total bytes received from peers",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Total bytes sent to peers",
		}),
		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of active UDP associations",
		}),
		UDPDatagramsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_datagrams_dropped_total",
			Help:      "Total UDP datagrams dropped by reason",
		}, []string{"reason"}),
		BindAccepts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_accepts_total",
			Help:      "Total inbound connections accepted for BIND requests",
		}),
		BindTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bind_timeouts_total",
			Help:      "Total BIND requests that timed out waiting for a peer",
		}),
	}
}

// NewTraffic creates a byte counter pair mirrored into the Prometheus
// bytes_received_total / bytes_sent_total counters.
func (m *Metrics) NewTraffic() *Traffic {
	if m == nil {
		return NewTraffic()
	}
	return &Traffic{
		promRecv: m.BytesReceived,
		promSent: m.BytesSent,
	}
}

// RecordConnect records a new client connection.
func (m *Metrics) RecordConnect() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// RecordDisconnect records a client disconnection.
func (m *Metrics) RecordDisconnect() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// RecordAuthFailure records an authentication failure.
func (m *Metrics) RecordAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

// RecordCommand records a dispatched request command.
func (m *Metrics) RecordCommand(command string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command).Inc()
}

// RecordReply records a reply sent to a client.
func (m *Metrics) RecordReply(code string) {
	if m == nil {
		return
	}
	m.Replies.WithLabelValues(code).Inc()
}

// RecordHandshake records handshake latency.
func (m *Metrics) RecordHandshake(latencySeconds float64) {
	if m == nil {
		return
	}
	m.HandshakeLatency.Observe(latencySeconds)
}

// RecordDNS records name resolution latency.
func (m *Metrics) RecordDNS(latencySeconds float64) {
	if m == nil {
		return
	}
	m.DNSLatency.Observe(latencySeconds)
}

// RecordUDPAssociationOpen records a UDP association being created.
func (m *Metrics) RecordUDPAssociationOpen() {
	if m == nil {
		return
	}
	m.UDPAssociationsActive.Inc()
}

// RecordUDPAssociationClose records a UDP association ending.
func (m *Metrics) RecordUDPAssociationClose() {
	if m == nil {
		return
	}
	m.UDPAssociationsActive.Dec()
}

// RecordUDPDrop records a dropped datagram.
func (m *Metrics) RecordUDPDrop(reason string) {
	if m == nil {
		return
	}
	m.UDPDatagramsDropped.WithLabelValues(reason).Inc()
}

// RecordBindAccept records an inbound BIND connection.
func (m *Metrics) RecordBindAccept() {
	if m == nil {
		return
	}
	m.BindAccepts.Inc()
}

// RecordBindTimeout records a BIND wait that expired.
func (m *Metrics) RecordBindTimeout() {
	if m == nil {
		return
	}
	m.BindTimeouts.Inc()
}
