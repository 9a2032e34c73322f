// Package metrics provides Prometheus metrics for the listing ETL.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline.
type Metrics struct {
	// Run metrics
	RunsTotal      *prometheus.CounterVec
	RunsInFlight   prometheus.Gauge
	RunDuration    prometheus.Histogram
	LastSuccessDay prometheus.Gauge

	// Stage metrics
	StageDuration *prometheus.HistogramVec
	StageFailures *prometheus.CounterVec
	RetryAttempts *prometheus.CounterVec

	// Stage-specific
	ProviderResponses *prometheus.CounterVec
	ArtifactBytes     *prometheus.HistogramVec
	WaitPolls         prometheus.Counter
	RowsLoaded        prometheus.Counter
	LoadsSkipped      prometheus.Counter

	// Side-channel errors
	CatalogErrors prometheus.Counter
	EventErrors   prometheus.Counter
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Address string // Address for metrics HTTP server (e.g., ":9090")
}

var defaultMetrics *Metrics

// Init initializes the metrics package with global metrics.
// Call this once at startup.
func Init(namespace string) *Metrics {
	if namespace == "" {
		namespace = "realtor_etl"
	}

	m := &Metrics{
		RunsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of pipeline runs by terminal state",
			},
			[]string{"state"},
		),
		RunsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Number of pipeline runs currently executing",
			},
		),
		RunDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall time of a whole pipeline run",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
			},
		),
		LastSuccessDay: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_success_logical_date_seconds",
				Help:      "Logical date of the last successful run as Unix epoch seconds",
			},
		),
		StageDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent in each pipeline stage",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 17), // 50ms to ~55min
			},
			[]string{"stage"},
		),
		StageFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Total number of terminal stage failures by error kind",
			},
			[]string{"stage", "kind"},
		),
		RetryAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"stage", "kind"},
		),
		ProviderResponses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_responses_total",
				Help:      "Listing provider responses by status class",
			},
			[]string{"class"}, // 2xx, 4xx, 5xx, transport
		),
		ArtifactBytes: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "artifact_bytes",
				Help:      "Size of staged artifacts in bytes",
				Buckets:   prometheus.ExponentialBuckets(1024, 2, 15), // 1KB to ~32MB
			},
			[]string{"stage"},
		),
		WaitPolls: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wait_polls_total",
				Help:      "Total number of transformed artifact existence checks",
			},
		),
		RowsLoaded: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_loaded_total",
				Help:      "Total number of rows bulk-loaded into the warehouse",
			},
		),
		LoadsSkipped: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loads_skipped_total",
				Help:      "Loads skipped because the artifact was already in the load ledger",
			},
		),
		CatalogErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_errors_total",
				Help:      "Total number of run catalog write errors",
			},
		),
		EventErrors: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "event_errors_total",
				Help:      "Total number of run event emission errors",
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

// The helpers below are nil-safe so components can call them whether or
// not Init ran.

// IncRuns increments the run counter for a terminal state.
func (m *Metrics) IncRuns(state string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(state).Inc()
}

// RunStarted marks a run as in flight.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsInFlight.Inc()
}

// RunFinished records a run's completion and duration.
func (m *Metrics) RunFinished(seconds float64) {
	if m == nil {
		return
	}
	m.RunsInFlight.Dec()
	m.RunDuration.Observe(seconds)
}

// SetLastSuccess records the logical date of the last successful run.
func (m *Metrics) SetLastSuccess(unixSeconds float64) {
	if m == nil {
		return
	}
	m.LastSuccessDay.Set(unixSeconds)
}

// ObserveStageDuration records the time spent in a stage.
func (m *Metrics) ObserveStageDuration(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(seconds)
}

// IncStageFailures increments the terminal stage failure counter.
func (m *Metrics) IncStageFailures(stage, kind string) {
	if m == nil {
		return
	}
	m.StageFailures.WithLabelValues(stage, kind).Inc()
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(stage, kind string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(stage, kind).Inc()
}

// IncProviderResponses counts a provider response by status class.
func (m *Metrics) IncProviderResponses(class string) {
	if m == nil {
		return
	}
	m.ProviderResponses.WithLabelValues(class).Inc()
}

// ObserveArtifactBytes records the size of an artifact handled by a stage.
func (m *Metrics) ObserveArtifactBytes(stage string, bytes float64) {
	if m == nil {
		return
	}
	m.ArtifactBytes.WithLabelValues(stage).Observe(bytes)
}

// IncWaitPolls counts one existence check.
func (m *Metrics) IncWaitPolls() {
	if m == nil {
		return
	}
	m.WaitPolls.Inc()
}

// AddRowsLoaded adds to the rows loaded counter.
func (m *Metrics) AddRowsLoaded(rows float64) {
	if m == nil {
		return
	}
	m.RowsLoaded.Add(rows)
}

// IncLoadsSkipped counts a load skipped by the ledger.
func (m *Metrics) IncLoadsSkipped() {
	if m == nil {
		return
	}
	m.LoadsSkipped.Inc()
}

// IncCatalogErrors increments the catalog errors counter.
func (m *Metrics) IncCatalogErrors() {
	if m == nil {
		return
	}
	m.CatalogErrors.Inc()
}

// IncEventErrors increments the event errors counter.
func (m *Metrics) IncEventErrors() {
	if m == nil {
		return
	}
	m.EventErrors.Inc()
}
