// Package metrics defines the Prometheus collectors exported on /metrics.
// Every recording method is safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleethub"

// Connection roles used as label values.
const (
	RoleDevice    = "device"
	RoleDashboard = "dashboard"
)

// Metrics holds the hub's collectors and their registry.
type Metrics struct {
	registry *prometheus.Registry

	connections *prometheus.CounterVec
	messages    *prometheus.CounterVec
	dropped     *prometheus.CounterVec
	sinkWrites  *prometheus.CounterVec
	sinkDropped prometheus.Counter
}

// New creates a registry with the Go runtime and process collectors plus
// the hub's own.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Websocket connections accepted, by role.",
		}, []string{"role"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound websocket messages, by role and frame kind.",
		}, []string{"role", "kind"}),
		dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_dropped_total",
			Help:      "Outbound frames discarded by a full connection queue, by role.",
		}, []string{"role"}),
		sinkWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_writes_total",
			Help:      "Telemetry and log sink writes, by sink and result.",
		}, []string{"sink", "result"}),
		sinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_jobs_dropped_total",
			Help:      "Sink jobs discarded because the dispatch queue was full.",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gauge registers a gauge whose value is read from fn at scrape time.
func (m *Metrics) Gauge(name, help string, fn func() float64) error {
	if m == nil {
		return nil
	}
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

// ConnectionOpened counts an accepted connection.
func (m *Metrics) ConnectionOpened(role string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(role).Inc()
}

// MessageReceived counts an inbound message of the given kind.
func (m *Metrics) MessageReceived(role, kind string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(role, kind).Inc()
}

// FrameDropped counts an outbound frame discarded on overflow.
func (m *Metrics) FrameDropped(role string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(role).Inc()
}

// SinkWrite counts a sink write outcome.
func (m *Metrics) SinkWrite(sink string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.sinkWrites.WithLabelValues(sink, result).Inc()
}

// SinkDropped counts a sink job discarded on a full queue.
func (m *Metrics) SinkDropped() {
	if m == nil {
		return
	}
	m.sinkDropped.Inc()
}
