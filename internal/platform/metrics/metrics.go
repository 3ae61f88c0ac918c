// Package metrics exposes extraction run counters. The CLI is short-lived, so
// metrics live on a private registry and are written once per run to a
// node-exporter textfile instead of being scraped.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes used as the "outcome" label.
const (
	OutcomeSuccess        = "success"
	OutcomeDegraded       = "degraded"
	OutcomeInvalidRequest = "invalid_request"
	OutcomeFetchError     = "fetch_error"
	OutcomeHashingError   = "hashing_error"
	OutcomeExportError    = "export_error"
)

// Metrics holds the collectors for extraction runs. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Runs          *prometheus.CounterVec
	RowsFetched   *prometheus.CounterVec
	RowsValidated *prometheus.CounterVec
	RowsInvalid   *prometheus.CounterVec
	AuditFailures prometheus.Counter
	RunDuration   *prometheus.HistogramVec
}

// New creates a Metrics instance on its own registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phi_extract",
			Name:      "runs_total",
			Help:      "Extraction runs by resource and outcome.",
		}, []string{"resource", "outcome"}),

		RowsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phi_extract",
			Name:      "rows_fetched_total",
			Help:      "Rows returned by the records store.",
		}, []string{"resource"}),

		RowsValidated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phi_extract",
			Name:      "rows_validated_total",
			Help:      "Rows that passed schema validation.",
		}, []string{"resource"}),

		RowsInvalid: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phi_extract",
			Name:      "rows_invalid_total",
			Help:      "Rows rejected by schema validation.",
		}, []string{"resource"}),

		AuditFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "phi_extract",
			Name:      "audit_failures_total",
			Help:      "Audit entries that could not be written.",
		}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phi_extract",
			Name:      "run_duration_seconds",
			Help:      "Wall time of an extraction run, fetch through export.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"resource"}),
	}
}

// Registry returns the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveRun records the outcome and duration of one run.
func (m *Metrics) ObserveRun(resource, outcome string, d time.Duration) {
	if m != nil {
		m.Runs.WithLabelValues(resource, outcome).Inc()
		m.RunDuration.WithLabelValues(resource).Observe(d.Seconds())
	}
}

// AddRows records row counts for one run.
func (m *Metrics) AddRows(resource string, fetched, validated, invalid int) {
	if m != nil {
		m.RowsFetched.WithLabelValues(resource).Add(float64(fetched))
		m.RowsValidated.WithLabelValues(resource).Add(float64(validated))
		m.RowsInvalid.WithLabelValues(resource).Add(float64(invalid))
	}
}

// IncAuditFailure counts an audit write that failed.
func (m *Metrics) IncAuditFailure() {
	if m != nil {
		m.AuditFailures.Inc()
	}
}

// WriteTextfile writes the registry in the text exposition format. The parent
// directory must exist; node-exporter owns it.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if _, err := os.Stat(filepath.Dir(path)); err != nil {
		return fmt.Errorf("metrics textfile directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
