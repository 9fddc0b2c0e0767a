// Package metrics defines Prometheus metrics for researchd.
//
// Metric naming follows Prometheus conventions:
//   - researchd_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every researchd metric on a private registry, so tests
// can build isolated instances without double-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// JobsTotal counts terminal jobs by kind and status.
	JobsTotal *prometheus.CounterVec

	// JobDurationSeconds is a histogram of job runtime by kind.
	JobDurationSeconds *prometheus.HistogramVec

	// JobsInFlight gauges currently leased or running jobs.
	JobsInFlight prometheus.Gauge

	// EventsPublishedTotal counts published events by type.
	EventsPublishedTotal *prometheus.CounterVec

	// SubscriberDropsTotal counts slow-subscriber disconnects.
	SubscriberDropsTotal prometheus.Counter

	// CacheHitsTotal counts cache hits, labelled exact or semantic.
	CacheHitsTotal *prometheus.CounterVec

	// CacheMissesTotal counts cache misses.
	CacheMissesTotal prometheus.Counter

	// TokensUsedTotal counts LLM tokens by provider and direction.
	TokensUsedTotal *prometheus.CounterVec

	// StoreRetriesTotal counts transient storage retries by operation.
	StoreRetriesTotal *prometheus.CounterVec

	// SearchDurationSeconds is a histogram of hybrid search latency.
	SearchDurationSeconds prometheus.Histogram
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researchd_jobs_total",
				Help: "Total jobs reaching a terminal status, by kind and status.",
			},
			[]string{"kind", "status"},
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "researchd_job_duration_seconds",
				Help:    "Duration of jobs from first start to terminal status.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"kind"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "researchd_jobs_in_flight",
				Help: "Jobs currently leased or running.",
			},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researchd_events_published_total",
				Help: "Total job events published, by event type.",
			},
			[]string{"type"},
		),
		SubscriberDropsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "researchd_subscriber_drops_total",
				Help: "Total subscribers disconnected for falling behind.",
			},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researchd_cache_hits_total",
				Help: "Total result cache hits, by match mode.",
			},
			[]string{"mode"},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "researchd_cache_misses_total",
				Help: "Total result cache misses.",
			},
		),
		TokensUsedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researchd_tokens_used_total",
				Help: "Total LLM tokens consumed, by provider and direction.",
			},
			[]string{"provider", "direction"},
		),
		StoreRetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "researchd_store_retries_total",
				Help: "Total transient storage errors that were retried.",
			},
			[]string{"op"},
		),
		SearchDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "researchd_search_duration_seconds",
				Help:    "Latency of hybrid search requests.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.JobsTotal,
		m.JobDurationSeconds,
		m.JobsInFlight,
		m.EventsPublishedTotal,
		m.SubscriberDropsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.TokensUsedTotal,
		m.StoreRetriesTotal,
		m.SearchDurationSeconds,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
