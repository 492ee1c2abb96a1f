// Package metrics exposes gateway counters over Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway instrumentation on a private registry so tests
// can construct as many instances as they need.
type Metrics struct {
	registry *prometheus.Registry

	Connections prometheus.Gauge
	Broadcasts  prometheus.Counter
	Events      *prometheus.CounterVec
	RateLimited *prometheus.CounterVec
}

// New constructs and registers the gateway metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_gateway_connections",
			Help: "Live WebSocket connections.",
		}),
		Broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_gateway_broadcasts_total",
			Help: "Frames fanned out to all live connections.",
		}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_events_total",
			Help: "Inbound events by type and outcome.",
		}, []string{"event", "outcome"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_gateway_rate_limited_total",
			Help: "Events dropped by the sliding-window limiter.",
		}, []string{"event"}),
	}
	registry.MustRegister(m.Connections, m.Broadcasts, m.Events, m.RateLimited)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
