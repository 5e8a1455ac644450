package report

import (
	"fmt"
	"time"

	"github.com/retrythesis/retrybench/internal/sampler"
	"github.com/retrythesis/retrybench/pkg/logging"
)

// Exit code sentinels for attempts that produced no usable status
const (
	ExitUnknown = -1
	ExitTimeout = -2
)

// ResourceMetrics aggregates the samples of one attempt. All fields are nil
// when no sample was collected; they are never invented.
type ResourceMetrics struct {
	PeakCPU    *float64 `json:"max_cpu"`
	PeakUsedMB *float64 `json:"max_used_mb"`
	TotalMB    *float64 `json:"total_mb"`
	AvailMB    *float64 `json:"avail_mb"`
}

// Aggregate reduces a sample series. TotalMB is taken from the first sample
// and AvailMB is TotalMB minus the peak usage.
func Aggregate(samples []sampler.Sample) ResourceMetrics {
	if len(samples) == 0 {
		return ResourceMetrics{}
	}
	peakCPU := samples[0].CPUPercent
	peakUsed := samples[0].UsedMB
	for _, s := range samples[1:] {
		if s.CPUPercent > peakCPU {
			peakCPU = s.CPUPercent
		}
		if s.UsedMB > peakUsed {
			peakUsed = s.UsedMB
		}
	}
	total := samples[0].TotalMB
	avail := total - peakUsed
	return ResourceMetrics{
		PeakCPU:    &peakCPU,
		PeakUsedMB: &peakUsed,
		TotalMB:    &total,
		AvailMB:    &avail,
	}
}

// Empty reports whether no samples backed these metrics
func (m ResourceMetrics) Empty() bool {
	return m.PeakCPU == nil
}

// AttemptResult is the immutable record of one execution of a workload.
type AttemptResult struct {
	Attempt     int       `json:"attempt"`
	Unit        string    `json:"container"`
	ExitCode    int       `json:"exit_code"`
	TimedOut    bool      `json:"timed_out,omitempty"`
	LogFile     string    `json:"log_file"`
	FailureType string    `json:"failure_type,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	SampleCount int       `json:"samples"`

	ResourceMetrics
}

// Succeeded reports a zero exit code
func (r *AttemptResult) Succeeded() bool {
	return r.ExitCode == 0
}

// Duration returns wall time of the attempt
func (r *AttemptResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Fields returns the attempt as structured log fields
func (r *AttemptResult) Fields() logging.Fields {
	f := logging.Fields{
		"attempt":   r.Attempt,
		"container": r.Unit,
		"exit_code": r.ExitCode,
		"samples":   r.SampleCount,
		"duration":  r.Duration().Round(time.Millisecond).String(),
	}
	if r.FailureType != "" {
		f["failure_type"] = r.FailureType
	}
	if r.TimedOut {
		f["timed_out"] = true
	}
	if r.PeakCPU != nil {
		f["max_cpu"] = *r.PeakCPU
	}
	if r.AvailMB != nil {
		f["avail_mb"] = *r.AvailMB
	}
	return f
}

// PairSummary is the one row written per workload.
type PairSummary struct {
	PairID        string `json:"pair_id"`
	Image         string `json:"image"`
	Mode          string `json:"mode"`
	AttemptsTotal int    `json:"attempts_total"`
	Success       bool   `json:"success"`
	FinalFailure  string `json:"final_failure"`

	ResourceMetrics

	Attempts []AttemptResult `json:"attempts"`
}

// FinalFailure derives the failure label of a finished workload: empty on
// success, else the last signature, else exit_code_<n>.
func FinalFailure(last *AttemptResult) string {
	if last == nil || last.Succeeded() {
		return ""
	}
	if last.FailureType != "" {
		return last.FailureType
	}
	return fmt.Sprintf("exit_code_%d", last.ExitCode)
}

// Summarize builds the summary of a workload from its executed attempts
func Summarize(pairID, image, mode string, attempts []AttemptResult) *PairSummary {
	s := &PairSummary{
		PairID:        pairID,
		Image:         image,
		Mode:          mode,
		AttemptsTotal: len(attempts),
		Attempts:      attempts,
	}
	if len(attempts) == 0 {
		return s
	}
	last := &attempts[len(attempts)-1]
	s.Success = last.Succeeded()
	s.FinalFailure = FinalFailure(last)
	s.ResourceMetrics = last.ResourceMetrics
	return s
}

// LogSummary emits the one-line human readable outcome of a workload
func (s *PairSummary) LogSummary(logger *logging.Logger) {
	status := "FAILED"
	if s.Success {
		status = "PASSED"
	}
	f := logging.Fields{
		"pair_id":  s.PairID,
		"mode":     s.Mode,
		"attempts": s.AttemptsTotal,
	}
	if s.FinalFailure != "" {
		f["final_failure"] = s.FinalFailure
	}
	logger.Info(fmt.Sprintf("PAIR %s | %s", s.PairID, status), f)
}
