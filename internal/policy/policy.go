// Package policy decides whether a failed attempt is retried.
//
// Decisions are pure functions of the attempt result and the configuration;
// nothing here logs or touches the outside world.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/retrythesis/retrybench/internal/report"
)

// Mode selects the retry strategy
type Mode string

const (
	// Static retries every failure until the retry budget is spent
	Static Mode = "static"
	// Adaptive retries only while the host had CPU and memory headroom
	Adaptive Mode = "adaptive"
)

// Decision reasons
const (
	ReasonSucceeded        = "succeeded"
	ReasonExhausted        = "retries_exhausted"
	ReasonStatic           = "static"
	ReasonWithinThresholds = "within_thresholds"
	ReasonCPUAbove         = "cpu_above_threshold"
	ReasonMemoryBelow      = "memory_below_threshold"
)

// Defaults
const (
	DefaultMaxRetries     = 2
	DefaultCPUThreshold   = 85.0
	DefaultMemThresholdMB = 100.0
	DefaultBackoff        = 5 * time.Second
)

var ErrUnknownMode = errors.New("unknown retry mode")

// ParseMode accepts "static" or "adaptive", case-insensitively
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case Static:
		return Static, nil
	case Adaptive:
		return Adaptive, nil
	}
	return "", fmt.Errorf("%w: %q (want static or adaptive)", ErrUnknownMode, s)
}

// Config is the retry policy of a batch
type Config struct {
	Mode           Mode
	MaxRetries     int
	CPUThreshold   float64
	MemThresholdMB float64
	Backoff        time.Duration
}

// DefaultConfig returns the adaptive policy with default thresholds
func DefaultConfig() Config {
	return Config{
		Mode:           Adaptive,
		MaxRetries:     DefaultMaxRetries,
		CPUThreshold:   DefaultCPUThreshold,
		MemThresholdMB: DefaultMemThresholdMB,
		Backoff:        DefaultBackoff,
	}
}

// Validate rejects configurations that cannot drive a batch
func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.Backoff < 0 {
		return fmt.Errorf("retry backoff must be >= 0, got %s", c.Backoff)
	}
	return nil
}

// MaxAttempts is the upper bound of attempts per workload
func (c Config) MaxAttempts() int {
	return c.MaxRetries + 1
}

// Decision is the verdict on one attempt
type Decision struct {
	Retry  bool
	Reason string
}

// Evaluate decides whether attempt (0-based) should be followed by another.
// In adaptive mode a missing metric never blocks a retry; CPU is checked
// before memory.
func Evaluate(r *report.AttemptResult, attempt int, cfg Config) Decision {
	if r.ExitCode == 0 {
		return Decision{Retry: false, Reason: ReasonSucceeded}
	}
	if attempt >= cfg.MaxRetries {
		return Decision{Retry: false, Reason: ReasonExhausted}
	}
	if cfg.Mode == Static {
		return Decision{Retry: true, Reason: ReasonStatic}
	}
	if r.PeakCPU != nil && *r.PeakCPU > cfg.CPUThreshold {
		return Decision{Retry: false, Reason: ReasonCPUAbove}
	}
	if r.AvailMB != nil && *r.AvailMB < cfg.MemThresholdMB {
		return Decision{Retry: false, Reason: ReasonMemoryBelow}
	}
	return Decision{Retry: true, Reason: ReasonWithinThresholds}
}

// ShouldRetry is Evaluate reduced to its verdict
func ShouldRetry(r *report.AttemptResult, attempt, maxRetries int, mode Mode, cpuThreshold, memThresholdMB float64) bool {
	return Evaluate(r, attempt, Config{
		Mode:           mode,
		MaxRetries:     maxRetries,
		CPUThreshold:   cpuThreshold,
		MemThresholdMB: memThresholdMB,
	}).Retry
}
