package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	// Dispatch metrics
	DispatchRuns   *prometheus.CounterVec
	RecipientSends *prometheus.CounterVec

	// Webhook metrics
	WebhookRequests  *prometheus.CounterVec
	ReconciledEvents *prometheus.CounterVec
	CertCacheLookups *prometheus.CounterVec
}

// New registers every metric on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return NewWithRegistry(reg, reg)
}

func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		DispatchRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_dispatch_runs_total",
				Help: "Dispatch runs by terminal campaign status",
			},
			[]string{"status"},
		),
		RecipientSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campaign_recipient_sends_total",
				Help: "Per-recipient send attempts by ledger event type",
			},
			[]string{"outcome"},
		),
		WebhookRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_requests_total",
				Help: "Inbound provider notifications by result",
			},
			[]string{"result"},
		),
		ReconciledEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_reconciled_events_total",
				Help: "Provider events written to the ledger",
			},
			[]string{"event_type"},
		),
		CertCacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhook_cert_cache_lookups_total",
				Help: "Signing certificate cache lookups by result",
			},
			[]string{"result"},
		),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) DispatchRun(status string) {
	if m == nil {
		return
	}
	m.DispatchRuns.WithLabelValues(status).Inc()
}

func (m *Metrics) RecipientSend(outcome string) {
	if m == nil {
		return
	}
	m.RecipientSends.WithLabelValues(outcome).Inc()
}

func (m *Metrics) WebhookRequest(result string) {
	if m == nil {
		return
	}
	m.WebhookRequests.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconciledEvent(eventType string) {
	if m == nil {
		return
	}
	m.ReconciledEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) CertCacheLookup(result string) {
	if m == nil {
		return
	}
	m.CertCacheLookups.WithLabelValues(result).Inc()
}
