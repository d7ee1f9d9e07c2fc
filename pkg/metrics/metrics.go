// Package metrics exposes Prometheus collectors for connections, packets,
// handshakes and UDP health. A nil *Metrics records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Transport label values.
const (
	TCP = "tcp"
	UDP = "udp"
)

// Handshake result label values.
const (
	HandshakeAccepted = "accepted"
	HandshakeRejected = "rejected"
	HandshakeFailed   = "failed"
)

// Metrics holds the collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	activeConns   prometheus.Gauge
	handshakes    *prometheus.CounterVec
	packetsSent   *prometheus.CounterVec
	packetsRecv   *prometheus.CounterVec
	bytesSent     *prometheus.CounterVec
	bytesRecv     *prometheus.CounterVec
	packetsDrop   *prometheus.CounterVec
	udpDowngrades prometheus.Counter
	disposals     prometheus.Counter
}

// New registers the collectors under namespace in a fresh registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(namespace, reg, reg)
}

// NewWith registers the collectors with reg and serves them from gatherer.
func NewWith(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		gatherer: gatherer,

		activeConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of connections past the teapot handshake",
		}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Teapot handshakes by result",
		}, []string{"result"}),

		packetsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_sent_total",
			Help:      "Packets sent by transport",
		}, []string{"transport"}),

		packetsRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_received_total",
			Help:      "Packets received by transport",
		}, []string{"transport"}),

		bytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written by transport, including framing",
		}, []string{"transport"}),

		bytesRecv: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read by transport, including framing",
		}, []string{"transport"}),

		packetsDrop: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Packets dropped by reason",
		}, []string{"reason"}),

		udpDowngrades: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_downgrades_total",
			Help:      "Connections that abandoned UDP",
		}),

		disposals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disposals_total",
			Help:      "Disposed connections",
		}),
	}
}

// Handler serves the collected metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.activeConns.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.activeConns.Dec()
		m.disposals.Inc()
	}
}

func (m *Metrics) Handshake(result string) {
	if m != nil {
		m.handshakes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Sent(transport string, packets, bytes int) {
	if m != nil {
		m.packetsSent.WithLabelValues(transport).Add(float64(packets))
		m.bytesSent.WithLabelValues(transport).Add(float64(bytes))
	}
}

func (m *Metrics) Received(transport string, packets, bytes int) {
	if m != nil {
		m.packetsRecv.WithLabelValues(transport).Add(float64(packets))
		m.bytesRecv.WithLabelValues(transport).Add(float64(bytes))
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.packetsDrop.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) UDPDowngrade() {
	if m != nil {
		m.udpDowngrades.Inc()
	}
}
