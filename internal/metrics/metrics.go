// Package metrics holds the prometheus collectors of the routing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feedmux"

// Handshake outcomes, used as the "result" label
const (
	Matched    = "matched"
	Incomplete = "incomplete"
	Unknown    = "unknown"
	Rejected   = "rejected"
)

// Metrics groups the collectors touched by the dispatcher and the connector.
//
// Each Metrics owns its registry, so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Handshakes     *prometheus.CounterVec
	ActiveSessions *prometheus.GaugeVec
	Sessions       *prometheus.CounterVec
	BridgedBytes   *prometheus.CounterVec
}

// New creates and registers every collector
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Inbound handshakes by outcome",
		}, []string{"result"}),
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently bridged",
		}, []string{"side"}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Finished sessions by side and outcome",
		}, []string{"side", "result"}),
		BridgedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridged_bytes_total",
			Help:      "Bytes moved by the bridge, by side and direction",
		}, []string{"side", "direction"}),
	}
	m.registry.MustRegister(
		m.Handshakes,
		m.ActiveSessions,
		m.Sessions,
		m.BridgedBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
