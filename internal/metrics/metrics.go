// Package metrics exposes Prometheus instrumentation for canvas sessions.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels for received messages.
const (
	ResultOK        = "ok"
	ResultMalformed = "malformed"
	ResultSelf      = "self"
)

type Metrics struct {
	received       *prometheus.CounterVec
	segments       prometheus.Counter
	publishFailed  prometheus.Counter
	connectedPeers prometheus.Gauge
}

// New registers the canvas metrics with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		received: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "messages_received_total",
			Help:      "Stroke messages delivered by the substrate, by decode result.",
		}, []string{"result"}),
		segments: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "segments_emitted_total",
			Help:      "Draw segments handed to listeners.",
		}),
		publishFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "canvas",
			Name:      "publish_failures_total",
			Help:      "Stroke messages the substrate refused to publish.",
		}),
		connectedPeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "canvas",
			Name:      "connected_peers",
			Help:      "Peers currently connected to the session.",
		}),
	}
}

func (m *Metrics) MessageReceived(result string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(result).Inc()
}

func (m *Metrics) SegmentEmitted() {
	if m == nil {
		return
	}
	m.segments.Inc()
}

func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishFailed.Inc()
}

func (m *Metrics) SetConnectedPeers(n int) {
	if m == nil {
		return
	}
	m.connectedPeers.Set(float64(n))
}
