// Package metrics registers and records the engine's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric this module exports.
const Namespace = "worklens"

// Outcome labels for processed jobs and translation attempts.
const (
	OutcomeCompleted   = "completed"
	OutcomeFailed      = "failed"
	OutcomeCancelled   = "cancelled"
	OutcomeInterrupted = "interrupted"
	OutcomeOK          = "ok"
	OutcomeInvalid     = "invalid"
)

// Metrics holds every Prometheus instrument the engine, cache, job
// runner, and translator record into.
type Metrics struct {
	QueriesTotal    *prometheus.CounterVec
	QueryDuration   *prometheus.HistogramVec
	QueriesInFlight prometheus.Gauge

	CacheRequests      *prometheus.CounterVec
	InvalidationSweeps *prometheus.CounterVec
	InvalidatedEntries *prometheus.CounterVec

	JobsClaimed   prometheus.Counter
	JobsProcessed *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	JobsInState   *prometheus.GaugeVec

	Translations *prometheus.CounterVec

	CatalogGeneration prometheus.Gauge
}

// New creates and registers all engine metrics against reg.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	m := &Metrics{}

	m.initQueryMetrics(factory)
	m.initCacheMetrics(factory)
	m.initJobMetrics(factory)
	m.initTranslatorMetrics(factory)
	m.initCatalogMetrics(factory)

	return m
}

func (m *Metrics) initQueryMetrics(factory promauto.Factory) {
	m.QueriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "queries_total",
			Help:      "Total queries answered, by mode and outcome code",
		},
		[]string{"mode", "code"},
	)

	m.QueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	m.QueriesInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "queries_in_flight",
			Help:      "Queries currently executing against the store",
		},
	)
}

func (m *Metrics) initCacheMetrics(factory promauto.Factory) {
	m.CacheRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Result cache lookups, by hit or miss",
		},
		[]string{"result"},
	)

	m.InvalidationSweeps = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "invalidation_sweeps_total",
			Help:      "Invalidation sweeps performed, by scope",
		},
		[]string{"scope"},
	)

	m.InvalidatedEntries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "cache",
			Name:      "invalidated_entries_total",
			Help:      "Cached results removed by invalidation, by scope",
		},
		[]string{"scope"},
	)
}

func (m *Metrics) initJobMetrics(factory promauto.Factory) {
	m.JobsClaimed = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "claimed_total",
			Help:      "Jobs claimed from the queue",
		},
	)

	m.JobsProcessed = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "processed_total",
			Help:      "Jobs brought to rest, by outcome",
		},
		[]string{"outcome"},
	)

	m.JobDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Claim-to-rest job duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
	)

	m.JobsInState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "jobs",
			Name:      "in_state",
			Help:      "Jobs currently in each state, sampled from the queue",
		},
		[]string{"status"},
	)
}

func (m *Metrics) initTranslatorMetrics(factory promauto.Factory) {
	m.Translations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "translator",
			Name:      "requests_total",
			Help:      "Prompt translation attempts, by outcome",
		},
		[]string{"outcome"},
	)
}

func (m *Metrics) initCatalogMetrics(factory promauto.Factory) {
	m.CatalogGeneration = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "catalog",
			Name:      "generation",
			Help:      "Catalog generation currently served",
		},
	)
}

// RecordQuery records one finished query with its outcome code ("ok" or an
// error taxonomy code).
func (m *Metrics) RecordQuery(mode, code string, durationSeconds float64) {
	m.QueriesTotal.WithLabelValues(mode, code).Inc()
	m.QueryDuration.WithLabelValues(mode).Observe(durationSeconds)
}

// QueryStarted increments the in-flight gauge.
func (m *Metrics) QueryStarted() {
	m.QueriesInFlight.Inc()
}

// QueryFinished decrements the in-flight gauge.
func (m *Metrics) QueryFinished() {
	m.QueriesInFlight.Dec()
}

// RecordCacheRequest records one cache lookup.
func (m *Metrics) RecordCacheRequest(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheRequests.WithLabelValues(result).Inc()
}

// RecordInvalidation records one sweep and how many entries it removed.
func (m *Metrics) RecordInvalidation(scope string, removed int) {
	m.InvalidationSweeps.WithLabelValues(scope).Inc()
	m.InvalidatedEntries.WithLabelValues(scope).Add(float64(removed))
}

// RecordJobClaimed counts a successful claim.
func (m *Metrics) RecordJobClaimed() {
	m.JobsClaimed.Inc()
}

// RecordJobProcessed records a job reaching rest.
func (m *Metrics) RecordJobProcessed(outcome string, durationSeconds float64) {
	m.JobsProcessed.WithLabelValues(outcome).Inc()
	m.JobDuration.Observe(durationSeconds)
}

// SetJobsInState publishes the sampled number of jobs in one state.
func (m *Metrics) SetJobsInState(status string, count int64) {
	m.JobsInState.WithLabelValues(status).Set(float64(count))
}

// RecordTranslation records one translation attempt outcome.
func (m *Metrics) RecordTranslation(outcome string) {
	m.Translations.WithLabelValues(outcome).Inc()
}

// SetCatalogGeneration publishes the generation the engine is serving.
func (m *Metrics) SetCatalogGeneration(version int64) {
	m.CatalogGeneration.Set(float64(version))
}
