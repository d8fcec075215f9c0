// Package telemetry exposes Prometheus metrics for the auth flows and PDS
// writes.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Label values for the outcome dimension.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Label values for the flow dimension.
const (
	FlowOwner = "owner"
	FlowGuest = "guest"
)

// Metrics holds the counters the handlers increment. Each server gets its
// own registry so tests never share state through package globals.
type Metrics struct {
	registry *prometheus.Registry

	// Logins counts completed login callbacks by flow and outcome.
	Logins *prometheus.CounterVec

	// TokenRefreshes counts transparent token refreshes by outcome.
	TokenRefreshes *prometheus.CounterVec

	// RecordWrites counts PDS record writes by collection and outcome.
	RecordWrites *prometheus.CounterVec
}

// NewMetrics creates and registers the metric set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		Logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteapi_logins_total",
			Help: "Completed login callbacks by flow and outcome.",
		}, []string{"flow", "outcome"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteapi_token_refreshes_total",
			Help: "Transparent access token refreshes by outcome.",
		}, []string{"outcome"}),
		RecordWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "siteapi_record_writes_total",
			Help: "PDS record writes by collection and outcome.",
		}, []string{"collection", "outcome"}),
	}

	registry.MustRegister(m.Logins, m.TokenRefreshes, m.RecordWrites)
	return m
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
