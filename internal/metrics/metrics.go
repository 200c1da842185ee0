// Package metrics exposes Prometheus counters and histograms for the
// operator-facing GET /metrics endpoint (§6.1), grounded on the same
// registry-per-subsystem shape as observability.Metrics in the examples.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every counter/histogram the substrate publishes.
type Metrics struct {
	registry *prometheus.Registry

	BreadcrumbsCreated *prometheus.CounterVec
	BreadcrumbsPatched *prometheus.CounterVec
	BreadcrumbsDeleted *prometheus.CounterVec

	SearchRequests *prometheus.CounterVec
	SearchDuration *prometheus.HistogramVec

	WebhookDeliveries *prometheus.CounterVec
	WebhookDeadLetters prometheus.Counter

	HygienePurged   *prometheus.CounterVec
	HygieneDuration prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New builds a Metrics instance registered against a fresh registry, so
// callers never collide with the default global registry's own collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		BreadcrumbsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_breadcrumbs_created_total",
			Help: "Breadcrumbs created, by owner and schema.",
		}, []string{"owner", "schema"}),
		BreadcrumbsPatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_breadcrumbs_patched_total",
			Help: "Breadcrumb patches applied, by owner.",
		}, []string{"owner"}),
		BreadcrumbsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_breadcrumbs_deleted_total",
			Help: "Breadcrumbs deleted, by owner.",
		}, []string{"owner"}),
		SearchRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_search_requests_total",
			Help: "Search requests, by kind (list/vector/hybrid) and outcome.",
		}, []string{"kind", "outcome"}),
		SearchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcrt_search_duration_seconds",
			Help:    "Search latency by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		WebhookDeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rcrt_webhook_dead_letters_total",
			Help: "Webhook deliveries that exhausted retries and were dead-lettered.",
		}),
		HygienePurged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_hygiene_purged_total",
			Help: "Entities purged by the hygiene runner, by kind (ttl/idle_agent).",
		}, []string{"kind"}),
		HygieneDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rcrt_hygiene_cycle_duration_seconds",
			Help:    "Duration of a full hygiene sweep.",
			Buckets: prometheus.DefBuckets,
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rcrt_http_requests_total",
			Help: "HTTP requests, by route and status class.",
		}, []string{"route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rcrt_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(
		m.BreadcrumbsCreated, m.BreadcrumbsPatched, m.BreadcrumbsDeleted,
		m.SearchRequests, m.SearchDuration,
		m.WebhookDeliveries, m.WebhookDeadLetters,
		m.HygienePurged, m.HygieneDuration,
		m.HTTPRequests, m.HTTPDuration,
	)
	return m
}

// Handler returns the promhttp handler serving this registry's collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
