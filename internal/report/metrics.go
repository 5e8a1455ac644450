package report

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are projections of attempt and pair records. Every counter must be
// explainable by looking at the results table.
type Metrics struct {
	registry *prometheus.Registry

	attempts        *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	pairs           *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	peakCPU         *prometheus.GaugeVec
	availMB         *prometheus.GaugeVec
	inFlight        prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrybench_attempts_total",
				Help: "Executed attempts by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retrybench_attempt_duration_seconds",
				Help:    "Wall time of one attempt",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
			[]string{"mode"},
		),
		pairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrybench_pairs_total",
				Help: "Finished workloads by mode and success",
			},
			[]string{"mode", "success"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retrybench_retry_decisions_total",
				Help: "Retry policy decisions by mode and reason",
			},
			[]string{"mode", "reason"},
		),
		peakCPU: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "retrybench_last_attempt_peak_cpu_percent",
				Help: "Peak CPU of the most recent attempt",
			},
			[]string{"mode"},
		),
		availMB: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "retrybench_last_attempt_avail_memory_mb",
				Help: "Available memory headroom of the most recent attempt",
			},
			[]string{"mode"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retrybench_attempt_in_flight",
			Help: "1 while an attempt is running",
		}),
	}

	m.registry.MustRegister(m.attempts)
	m.registry.MustRegister(m.attemptDuration)
	m.registry.MustRegister(m.pairs)
	m.registry.MustRegister(m.decisions)
	m.registry.MustRegister(m.peakCPU)
	m.registry.MustRegister(m.availMB)
	m.registry.MustRegister(m.inFlight)
	return m
}

// Registry exposes the registry for HTTP exposition and text export
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// AttemptStarted marks an attempt as running
func (m *Metrics) AttemptStarted() {
	m.inFlight.Set(1)
}

// AttemptFinished clears the in-flight gauge, also after a panic or cancellation
func (m *Metrics) AttemptFinished() {
	m.inFlight.Set(0)
}

// RecordAttempt updates counters from one finished attempt
func (m *Metrics) RecordAttempt(mode string, r *AttemptResult) {
	m.inFlight.Set(0)

	outcome := "failure"
	switch {
	case r.Succeeded():
		outcome = "success"
	case r.TimedOut:
		outcome = "timeout"
	case r.ExitCode == ExitUnknown:
		outcome = "unknown"
	}
	m.attempts.WithLabelValues(mode, outcome).Inc()
	m.attemptDuration.WithLabelValues(mode).Observe(r.Duration().Seconds())

	if r.PeakCPU != nil {
		m.peakCPU.WithLabelValues(mode).Set(*r.PeakCPU)
	}
	if r.AvailMB != nil {
		m.availMB.WithLabelValues(mode).Set(*r.AvailMB)
	}
}

// RecordDecision counts one retry policy verdict
func (m *Metrics) RecordDecision(mode, reason string) {
	m.decisions.WithLabelValues(mode, reason).Inc()
}

// RecordSummary counts one finished workload
func (m *Metrics) RecordSummary(s *PairSummary) {
	m.pairs.WithLabelValues(s.Mode, strconv.FormatBool(s.Success)).Inc()
}
