package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func counterValue(t *testing.T, m *Metrics, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			actual := make(map[string]string, len(metric.GetLabel()))
			for _, lp := range metric.GetLabel() {
				actual[lp.GetName()] = lp.GetValue()
			}
			match := true
			for k, v := range labels {
				if actual[k] != v {
					match = false
				}
			}
			if match && metric.GetCounter() != nil {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestMetrics_RecordsRunAndRows(t *testing.T) {
	m := New()

	m.ObserveRun("demographics", OutcomeSuccess, 120*time.Millisecond)
	m.ObserveRun("demographics", OutcomeDegraded, 80*time.Millisecond)
	m.AddRows("demographics", 3, 2, 1)
	m.IncAuditFailure()

	if got := counterValue(t, m, "phi_extract_runs_total", map[string]string{"resource": "demographics", "outcome": OutcomeSuccess}); got != 1 {
		t.Errorf("expected 1 successful run, got %v", got)
	}
	if got := counterValue(t, m, "phi_extract_rows_validated_total", map[string]string{"resource": "demographics"}); got != 2 {
		t.Errorf("expected 2 validated rows, got %v", got)
	}
	if got := counterValue(t, m, "phi_extract_rows_invalid_total", map[string]string{"resource": "demographics"}); got != 1 {
		t.Errorf("expected 1 invalid row, got %v", got)
	}
	if got := counterValue(t, m, "phi_extract_audit_failures_total", nil); got != 1 {
		t.Errorf("expected 1 audit failure, got %v", got)
	}
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncAuditFailure()

	if got := counterValue(t, b, "phi_extract_audit_failures_total", nil); got != 0 {
		t.Errorf("expected registries to be independent, got %v", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRun("demographics", OutcomeSuccess, time.Second)
	m.AddRows("demographics", 1, 1, 0)
	m.IncAuditFailure()
	if err := m.WriteTextfile("/nonexistent/metrics.prom"); err != nil {
		t.Errorf("expected nil metrics to skip writing, got %v", err)
	}
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New()
	m.ObserveRun("demographics", OutcomeSuccess, time.Second)

	path := filepath.Join(t.TempDir(), "phi_extract.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read textfile: %v", err)
	}
	if !strings.Contains(string(data), `phi_extract_runs_total{outcome="success",resource="demographics"} 1`) {
		t.Errorf("textfile missing run counter:\n%s", data)
	}
}

func TestMetrics_WriteTextfileMissingDir(t *testing.T) {
	m := New()
	path := filepath.Join(t.TempDir(), "missing", "phi_extract.prom")
	if err := m.WriteTextfile(path); err == nil {
		t.Error("expected error for missing directory")
	}
}
