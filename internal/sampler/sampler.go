package sampler

import (
	"context"
	"sync"
	"time"

	"github.com/retrythesis/retrybench/internal/container"
	"github.com/retrythesis/retrybench/pkg/logging"
)

// DefaultInterval is the polling cadence used when none is configured
const DefaultInterval = time.Second

// Series is an append-only, goroutine-safe collection of samples owned by
// one attempt. The sampler appends; the runner reads a snapshot.
type Series struct {
	mu      sync.Mutex
	samples []Sample
}

// Append adds a sample
func (s *Series) Append(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples, sample)
}

// Snapshot returns a copy of the samples collected so far
func (s *Series) Snapshot() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples...)
}

// Len returns the number of samples
func (s *Series) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Sampler polls a unit's resource usage at a fixed interval.
type Sampler struct {
	querier  container.MetricsQuerier
	interval time.Duration
	now      func() time.Time
	logger   *logging.Logger
}

// Option configures a Sampler
type Option func(*Sampler)

// WithClock overrides time.Now for sample timestamps
func WithClock(now func() time.Time) Option {
	return func(s *Sampler) { s.now = now }
}

// WithLogger sets the logger used for skipped ticks
func WithLogger(l *logging.Logger) Option {
	return func(s *Sampler) { s.logger = l }
}

// New creates a sampler. A non-positive interval uses DefaultInterval.
func New(q container.MetricsQuerier, interval time.Duration, opts ...Option) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	s := &Sampler{
		querier:  q,
		interval: interval,
		now:      time.Now,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sampling goroutine for unit. It samples once right
// away, then once per interval, until ctx is done. The returned channel is
// closed when the goroutine has exited.
func (s *Sampler) Start(ctx context.Context, unit string, into *Series) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.loop(ctx, unit, into)
	}()
	return done
}

func (s *Sampler) loop(ctx context.Context, unit string, into *Series) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		s.tick(ctx, unit, into)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick takes one reading. Failed or unparsable readings are skipped.
func (s *Sampler) tick(ctx context.Context, unit string, into *Series) {
	usage, err := s.querier.QueryUsage(ctx, unit)
	if err != nil {
		s.logger.Debug("stats query skipped", logging.Fields{"unit": unit, "error": err.Error()})
		return
	}
	cpu, err := ParseCPUPercent(usage.CPUPerc)
	if err != nil {
		s.logger.Debug("stats tick skipped", logging.Fields{"unit": unit, "error": err.Error()})
		return
	}
	used, total, err := ParseMemUsage(usage.MemUsage)
	if err != nil {
		s.logger.Debug("stats tick skipped", logging.Fields{"unit": unit, "error": err.Error()})
		return
	}
	// A reading that raced with cancellation belongs to no attempt.
	if ctx.Err() != nil {
		return
	}
	into.Append(Sample{CPUPercent: cpu, UsedMB: used, TotalMB: total, At: s.now()})
}
