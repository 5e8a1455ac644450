package report

import "sync"

// FailureSample stores one recently failed workload for quick inspection
// without reading the results table.
type FailureSample struct {
	PairID       string   `json:"pair_id"`
	Mode         string   `json:"mode"`
	Attempts     int      `json:"attempts"`
	FinalFailure string   `json:"final_failure"`
	PeakCPU      *float64 `json:"max_cpu,omitempty"`
	AvailMB      *float64 `json:"avail_mb,omitempty"`
}

// FailureLog maintains a ring buffer of recent failures (last N)
type FailureLog struct {
	samples []FailureSample
	maxSize int
	mu      sync.RWMutex
}

// NewFailureLog creates a failure log with fixed size
func NewFailureLog(maxSize int) *FailureLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	return &FailureLog{
		samples: make([]FailureSample, 0, maxSize),
		maxSize: maxSize,
	}
}

// Record adds a failed summary; successful ones are ignored
func (f *FailureLog) Record(s *PairSummary) {
	if s.Success {
		return
	}

	sample := FailureSample{
		PairID:       s.PairID,
		Mode:         s.Mode,
		Attempts:     s.AttemptsTotal,
		FinalFailure: s.FinalFailure,
		PeakCPU:      s.PeakCPU,
		AvailMB:      s.AvailMB,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.samples) >= f.maxSize {
		f.samples = f.samples[1:]
	}
	f.samples = append(f.samples, sample)
}

// GetRecent returns recent failures (newest first)
func (f *FailureLog) GetRecent(n int) []FailureSample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if n <= 0 || n > len(f.samples) {
		n = len(f.samples)
	}

	result := make([]FailureSample, n)
	for i := 0; i < n; i++ {
		result[i] = f.samples[len(f.samples)-1-i]
	}
	return result
}

// Count returns the number of failures held
func (f *FailureLog) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.samples)
}
