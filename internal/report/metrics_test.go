package report

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRecord(t *testing.T) {
	m := NewMetrics()
	start := time.Now()

	m.AttemptStarted()
	m.RecordAttempt("static", &AttemptResult{ExitCode: 1, StartedAt: start, FinishedAt: start.Add(time.Second)})
	m.RecordAttempt("static", &AttemptResult{ExitCode: ExitTimeout, TimedOut: true})
	m.RecordAttempt("static", &AttemptResult{ExitCode: 0, ResourceMetrics: ResourceMetrics{PeakCPU: ptr(55)}})
	m.RecordDecision("static", "static")
	m.RecordSummary(&PairSummary{Mode: "static", Success: true})

	if got := testutil.ToFloat64(m.attempts.WithLabelValues("static", "failure")); got != 1 {
		t.Errorf("failure attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.attempts.WithLabelValues("static", "timeout")); got != 1 {
		t.Errorf("timeout attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.pairs.WithLabelValues("static", "true")); got != 1 {
		t.Errorf("successful pairs = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.peakCPU.WithLabelValues("static")); got != 55 {
		t.Errorf("peak cpu gauge = %v, want 55", got)
	}
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestAttemptFinishedClearsInFlight(t *testing.T) {
	m := NewMetrics()
	m.AttemptStarted()
	if got := testutil.ToFloat64(m.inFlight); got != 1 {
		t.Fatalf("in flight = %v, want 1", got)
	}
	m.AttemptFinished()
	if got := testutil.ToFloat64(m.inFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
}

func TestWriteTextfile(t *testing.T) {
	m := NewMetrics()
	m.RecordSummary(&PairSummary{Mode: "adaptive"})

	path := filepath.Join(t.TempDir(), "metrics.prom")
	if err := m.WriteTextfile(path); err != nil {
		t.Fatalf("WriteTextfile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.Contains(text, "# TYPE retrybench_pairs_total counter") {
		t.Errorf("missing TYPE line:\n%s", text)
	}
	if !strings.Contains(text, `retrybench_pairs_total{mode="adaptive",success="false"} 1`) {
		t.Errorf("missing pair sample:\n%s", text)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind")
	}
}
