package observe

import "time"

// Timing records start/end timestamps only
type Timing struct {
	StartedAt   time.Time
	CompletedAt time.Time

	now func() time.Time
}

// NewTiming starts a timing on the given clock; nil means time.Now
func NewTiming(now func() time.Time) *Timing {
	if now == nil {
		now = time.Now
	}
	return &Timing{StartedAt: now(), now: now}
}

// Complete records completion time once
func (t *Timing) Complete() {
	if t.CompletedAt.IsZero() {
		t.CompletedAt = t.now()
	}
}

// Duration returns execution duration so far
func (t *Timing) Duration() time.Duration {
	if t.CompletedAt.IsZero() {
		return t.now().Sub(t.StartedAt)
	}
	return t.CompletedAt.Sub(t.StartedAt)
}
