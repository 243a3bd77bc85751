package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's Prometheus collectors, registered on a private
// registry so tests can run multiple servers in one process.
type Metrics struct {
	registry *prometheus.Registry

	noncesIssued   prometheus.Counter
	noncesRejected prometheus.Counter
	requests       *prometheus.CounterVec
	validations    *prometheus.CounterVec
	finalizations  *prometheus.CounterVec
}

// NewMetrics builds and registers the server's collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acme_nonces_issued_total",
			Help: "Nonces issued in Replay-Nonce headers.",
		}),
		noncesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "acme_nonces_rejected_total",
			Help: "Requests rejected with badNonce.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acme_requests_total",
			Help: "ACME requests by endpoint and HTTP status.",
		}, []string{"endpoint", "status"}),
		validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acme_challenge_validations_total",
			Help: "Challenge validations by challenge type and result.",
		}, []string{"type", "result"}),
		finalizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "acme_order_finalizations_total",
			Help: "Order finalizations by server mode and result.",
		}, []string{"mode", "result"}),
	}
	m.registry.MustRegister(
		m.noncesIssued,
		m.noncesRejected,
		m.requests,
		m.validations,
		m.finalizations,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
