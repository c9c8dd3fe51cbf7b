// Package metrics exposes the proxy's Prometheus metrics, grounded on the
// same registry-per-process / promhttp.Handler pattern used throughout the
// example corpus's own metrics servers.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the proxy records.
type Metrics struct {
	requestsTotal    *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec
	refreshTotal     *prometheus.CounterVec
	registry         *prometheus.Registry
}

// New creates and registers all proxy metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_requests_total",
				Help: "Completion requests handled, by endpoint and result.",
			},
			[]string{"endpoint", "result"},
		),
		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "proxy_upstream_duration_seconds",
				Help:    "Latency of upstream Anthropic API calls.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"stream"},
		),
		refreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "proxy_oauth_refresh_total",
				Help: "OAuth token refresh attempts, by result.",
			},
			[]string{"result"},
		),
		registry: reg,
	}

	reg.MustRegister(m.requestsTotal, m.upstreamDuration, m.refreshTotal)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest increments the completion-request counter for endpoint/result.
func (m *Metrics) RecordRequest(endpoint, result string) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(endpoint, result).Inc()
}

// ObserveUpstreamDuration records how long an upstream call took.
func (m *Metrics) ObserveUpstreamDuration(stream bool, d time.Duration) {
	if m == nil {
		return
	}
	label := "false"
	if stream {
		label = "true"
	}
	m.upstreamDuration.WithLabelValues(label).Observe(d.Seconds())
}

// RecordRefresh increments the OAuth refresh counter for result ("ok" or "failed").
func (m *Metrics) RecordRefresh(result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(result).Inc()
}
