// Package runner executes one attempt of a workload inside a container.
//
// An attempt never fails because the workload failed: launch, wait and
// inspect failures are folded into the exit code of the returned
// AttemptResult. Only local faults, such as an unwritable log directory,
// surface as errors.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/retrythesis/retrybench/internal/container"
	"github.com/retrythesis/retrybench/internal/observe"
	"github.com/retrythesis/retrybench/internal/report"
	"github.com/retrythesis/retrybench/internal/sampler"
	"github.com/retrythesis/retrybench/internal/workload"
	"github.com/retrythesis/retrybench/pkg/logging"
	"github.com/retrythesis/retrybench/pkg/retry"
	"github.com/retrythesis/retrybench/pkg/tracing"
)

// Defaults
const (
	DefaultSamplerJoinTimeout = 5 * time.Second
	DefaultCleanupTimeout     = 30 * time.Second
)

// Log file framing
const (
	LogStartMarker = "-- DOCKER LOGS START --"
	LogEndMarker   = "-- DOCKER LOGS END --"
)

// Config controls how attempts are executed
type Config struct {
	LogDir             string
	SampleInterval     time.Duration
	SamplerJoinTimeout time.Duration
	// AttemptTimeout bounds the wait for a unit; 0 waits forever.
	AttemptTimeout time.Duration
	SkipPull       bool
	PullRetry      retry.Config
}

// Runner executes attempts against a container backend.
type Runner struct {
	backend   container.Backend
	sampler   *sampler.Sampler
	extractor SignatureExtractor
	cfg       Config
	logger    *logging.Logger
	tracer    *tracing.Provider
	now       func() time.Time
	suffix    func() string
}

// Option configures a Runner
type Option func(*Runner)

// WithExtractor replaces the default regex signature extractor
func WithExtractor(e SignatureExtractor) Option {
	return func(r *Runner) { r.extractor = e }
}

// WithLogger sets the runner logger
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTracer enables attempt spans
func WithTracer(p *tracing.Provider) Option {
	return func(r *Runner) { r.tracer = p }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a runner. The querier feeds the resource sampler; it is
// usually the same value as the backend.
func New(backend container.Backend, querier container.MetricsQuerier, cfg Config, opts ...Option) (*Runner, error) {
	if cfg.LogDir == "" {
		return nil, errors.New("runner: log directory is required")
	}
	if cfg.SamplerJoinTimeout <= 0 {
		cfg.SamplerJoinTimeout = DefaultSamplerJoinTimeout
	}

	r := &Runner{
		backend:   backend,
		extractor: DefaultExtractor(),
		cfg:       cfg,
		logger:    logging.Nop(),
		now:       time.Now,
		suffix:    func() string { return uuid.NewString()[:8] },
	}
	for _, opt := range opts {
		opt(r)
	}
	r.sampler = sampler.New(querier, cfg.SampleInterval,
		sampler.WithClock(r.now),
		sampler.WithLogger(r.logger),
	)
	return r, nil
}

// UnitName builds a container name unique per workload, attempt and run
func UnitName(id string, at time.Time, attempt int, suffix string) string {
	return fmt.Sprintf("rb_%s_%d_%d_%s", sanitize(id), at.Unix(), attempt, suffix)
}

// LogFileName returns <id>_attempt<n>_<YYYYmmdd-HHMMSS>.log
func LogFileName(id string, attempt int, at time.Time) string {
	return fmt.Sprintf("%s_attempt%d_%s.log", sanitize(id), attempt, at.Format("20060102-150405"))
}

// sanitize keeps characters docker accepts in names
func sanitize(id string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		}
		return '-'
	}, id)
	if s == "" {
		return "unnamed"
	}
	return s
}

// RunAttempt executes attempt (0-based) of d and collects its outcome.
func (r *Runner) RunAttempt(ctx context.Context, d workload.Descriptor, attempt int) (*report.AttemptResult, error) {
	timing := observe.NewTiming(r.now)
	unit := UnitName(d.ID, timing.StartedAt, attempt, r.suffix())
	log := r.logger.WithFields(logging.Fields{"pair_id": d.ID, "attempt": attempt, "container": unit})

	ctx, span := r.tracer.StartSpan(ctx, "runner.attempt",
		attribute.String("pair_id", d.ID),
		attribute.String("image", d.Image),
		attribute.Int("attempt", attempt),
		attribute.String("container", unit),
	)
	defer span.End()

	result := &report.AttemptResult{
		Attempt:   attempt,
		Unit:      unit,
		ExitCode:  report.ExitUnknown,
		StartedAt: timing.StartedAt,
	}

	if !r.cfg.SkipPull {
		r.pull(ctx, d.Image, log)
	}

	// Removal must run even when the batch was cancelled mid-attempt.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCleanupTimeout)
		defer cancel()
		if err := r.backend.Remove(cleanupCtx, unit); err != nil {
			log.Debug("container removal failed", logging.Fields{"error": err.Error()})
		}
	}()

	series := &sampler.Series{}
	if err := r.backend.RunDetached(ctx, unit, d.Image, d.Command); err != nil {
		log.Warn("container launch failed", logging.Fields{"error": err.Error()})
		tracing.SetError(ctx, err)
	} else {
		tracing.AddEvent(ctx, "started")
		result.ExitCode, result.TimedOut = r.wait(ctx, unit, series, log)
	}
	timing.Complete()
	result.FinishedAt = timing.CompletedAt

	samples := series.Snapshot()
	result.SampleCount = len(samples)
	result.ResourceMetrics = report.Aggregate(samples)

	logs := r.fetchLogs(ctx, unit, log)
	logFile, err := r.writeLog(d.ID, attempt, logs)
	if err != nil {
		tracing.SetError(ctx, err)
		return result, err
	}
	result.LogFile = logFile

	result.FailureType = r.extractor.Extract(logs)
	if result.TimedOut && result.FailureType == "" {
		result.FailureType = SignatureTimeout
	}
	if result.Succeeded() {
		result.FailureType = ""
	}

	span.SetAttributes(
		attribute.Int("exit_code", result.ExitCode),
		attribute.Int("samples", result.SampleCount),
		attribute.String("failure_type", result.FailureType),
	)
	log.Info("attempt finished", result.Fields())
	return result, nil
}

func (r *Runner) pull(ctx context.Context, image string, log *logging.Logger) {
	cfg := r.cfg.PullRetry
	cfg.OnRetry = func(n int, err error, wait time.Duration) {
		log.Warn("image pull failed, retrying", logging.Fields{"image": image, "retry": n, "wait": wait.String(), "error": err.Error()})
	}
	err := retry.Do(ctx, cfg, func() error {
		return r.backend.Pull(ctx, image)
	})
	if err != nil {
		// A cached image can still run.
		log.Warn("image pull failed", logging.Fields{"image": image, "error": err.Error()})
		return
	}
	tracing.AddEvent(ctx, "pulled")
}

// wait runs the sampler alongside the unit and returns its exit code.
// The sampler is always stopped and joined before returning.
func (r *Runner) wait(ctx context.Context, unit string, series *sampler.Series, log *logging.Logger) (int, bool) {
	sampleCtx, stopSampler := context.WithCancel(ctx)
	done := r.sampler.Start(sampleCtx, unit, series)
	defer func() {
		stopSampler()
		select {
		case <-done:
		case <-time.After(r.cfg.SamplerJoinTimeout):
			log.Warn("sampler did not stop in time", logging.Fields{"timeout": r.cfg.SamplerJoinTimeout.String()})
		}
	}()

	waitCtx := ctx
	if r.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, r.cfg.AttemptTimeout)
		defer cancel()
	}

	code, err := r.backend.Wait(waitCtx, unit)
	if err == nil {
		return code, false
	}
	if ctx.Err() != nil {
		return report.ExitUnknown, false
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		log.Warn("attempt timed out", logging.Fields{"timeout": r.cfg.AttemptTimeout.String()})
		return report.ExitTimeout, true
	}

	log.Debug("wait failed, inspecting", logging.Fields{"error": err.Error()})
	code, err = r.backend.InspectExitCode(ctx, unit)
	if err != nil {
		log.Warn("no exit code available", logging.Fields{"error": err.Error()})
		return report.ExitUnknown, false
	}
	return code, false
}

func (r *Runner) fetchLogs(ctx context.Context, unit string, log *logging.Logger) string {
	logCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultCleanupTimeout)
	defer cancel()
	logs, err := r.backend.Logs(logCtx, unit)
	if err != nil {
		log.Debug("log collection failed", logging.Fields{"error": err.Error()})
	}
	return logs
}

func (r *Runner) writeLog(id string, attempt int, logs string) (string, error) {
	if err := os.MkdirAll(r.cfg.LogDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	path := filepath.Join(r.cfg.LogDir, LogFileName(id, attempt, r.now()))

	var b strings.Builder
	b.WriteString(LogStartMarker + "\n")
	b.WriteString(logs)
	b.WriteString("\n" + LogEndMarker + "\n")
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return "", fmt.Errorf("failed to write attempt log: %w", err)
	}
	return path, nil
}
