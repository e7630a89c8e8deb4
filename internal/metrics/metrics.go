// Package metrics holds the daemon's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors exposed on the control API's /metrics
// endpoint. A nil *Metrics is valid and records nothing, so packages can be
// tested without a registry.
type Metrics struct {
	registry *prometheus.Registry

	messagesIngested   *prometheus.CounterVec
	messagesSent       *prometheus.CounterVec
	fetchFailures      *prometheus.CounterVec
	providersConnected *prometheus.GaugeVec
}

// New creates a metrics bundle on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		messagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "messages_ingested_total",
			Help:      "Messages ingested from provider event channels.",
		}, []string{"source"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "messages_sent_total",
			Help:      "Messages accepted for delivery by a provider.",
		}, []string{"source"}),
		fetchFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chathub",
			Name:      "fetch_failures_total",
			Help:      "Failed chat list or history fetches.",
		}, []string{"source"}),
		providersConnected: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chathub",
			Name:      "provider_connected",
			Help:      "Whether a provider session is currently established.",
		}, []string{"source"}),
	}
}

// Registry returns the underlying registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return prometheus.NewRegistry()
	}
	return m.registry
}

func (m *Metrics) MessageIngested(source string) {
	if m == nil {
		return
	}
	m.messagesIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) MessageSent(source string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(source).Inc()
}

func (m *Metrics) FetchFailed(source string) {
	if m == nil {
		return
	}
	m.fetchFailures.WithLabelValues(source).Inc()
}

func (m *Metrics) SetConnected(source string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1.0
	}
	m.providersConnected.WithLabelValues(source).Set(v)
}
