// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the ingester.
type Metrics struct {
	// Request metrics
	RemoteRequests  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetryAttempts   *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Progress metrics
	PagesFetched   *prometheus.CounterVec
	RecordsEmitted *prometheus.CounterVec
	Operations     *prometheus.CounterVec

	// Quota metrics
	QuotaRemaining prometheus.Gauge
	QuotaWaits     prometheus.Counter

	// Pipeline metrics
	InFlightOperations prometheus.Gauge
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g. ":9090"
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "activity_ingest"
	}

	m := &Metrics{
		RemoteRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remote_requests_total",
				Help:      "Total number of remote API requests issued",
			},
			[]string{"record_type", "outcome"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Remote request latency",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
			},
			[]string{"record_type"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts by failure class",
			},
			[]string{"class"},
		),
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Pages served from the local cache",
			},
			[]string{"record_type"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Pages that required a remote fetch",
			},
			[]string{"record_type"},
		),
		PagesFetched: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pages_fetched_total",
				Help:      "Total pages processed by source",
			},
			[]string{"record_type", "source"},
		),
		RecordsEmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_emitted_total",
				Help:      "Deduplicated records handed downstream",
			},
			[]string{"record_type"},
		),
		Operations: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Fetch operations by terminal state",
			},
			[]string{"record_type", "state"},
		),
		QuotaRemaining: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "quota_remaining",
				Help:      "Most recently observed remaining request budget",
			},
		),
		QuotaWaits: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "quota_waits_total",
				Help:      "Times the executor blocked on an exhausted quota",
			},
		),
		InFlightOperations: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_operations",
				Help:      "Fetch operations currently being processed",
			},
		),
	}

	defaultMetrics = m
	return m
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// StartServer starts an HTTP server for Prometheus metrics scraping.
// Blocks until the server exits.
func StartServer(address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return http.ListenAndServe(address, mux)
}

// IncRemoteRequest increments the remote request counter.
func (m *Metrics) IncRemoteRequest(recordType, outcome string) {
	m.RemoteRequests.WithLabelValues(recordType, outcome).Inc()
}

// ObserveRequestDuration records remote request latency.
func (m *Metrics) ObserveRequestDuration(recordType string, seconds float64) {
	m.RequestDuration.WithLabelValues(recordType).Observe(seconds)
}

// IncRetryAttempt increments the retry counter for a failure class.
func (m *Metrics) IncRetryAttempt(class string) {
	m.RetryAttempts.WithLabelValues(class).Inc()
}

// IncCacheHit increments the cache hit counter.
func (m *Metrics) IncCacheHit(recordType string) {
	m.CacheHits.WithLabelValues(recordType).Inc()
}

// IncCacheMiss increments the cache miss counter.
func (m *Metrics) IncCacheMiss(recordType string) {
	m.CacheMisses.WithLabelValues(recordType).Inc()
}

// IncPagesFetched counts one processed page by source ("cache" | "remote").
func (m *Metrics) IncPagesFetched(recordType, source string) {
	m.PagesFetched.WithLabelValues(recordType, source).Inc()
}

// AddRecordsEmitted adds to the emitted record counter.
func (m *Metrics) AddRecordsEmitted(recordType string, count float64) {
	m.RecordsEmitted.WithLabelValues(recordType).Add(count)
}

// IncOperation counts an operation reaching a terminal state.
func (m *Metrics) IncOperation(recordType, state string) {
	m.Operations.WithLabelValues(recordType, state).Inc()
}

// SetQuotaRemaining records the latest observed quota.
func (m *Metrics) SetQuotaRemaining(remaining float64) {
	m.QuotaRemaining.Set(remaining)
}

// IncQuotaWait counts a block on exhausted quota.
func (m *Metrics) IncQuotaWait() {
	m.QuotaWaits.Inc()
}

// IncInFlightOperations marks one more operation in progress.
func (m *Metrics) IncInFlightOperations() {
	m.InFlightOperations.Inc()
}

// DecInFlightOperations marks one operation finished.
func (m *Metrics) DecInFlightOperations() {
	m.InFlightOperations.Dec()
}
