// Package batch drives a list of workloads through the runner and the
// retry policy, one attempt at a time.
package batch

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/retrythesis/retrybench/internal/policy"
	"github.com/retrythesis/retrybench/internal/report"
	"github.com/retrythesis/retrybench/internal/workload"
	"github.com/retrythesis/retrybench/pkg/logging"
	"github.com/retrythesis/retrybench/pkg/tracing"
)

// RunnerErrorPrefix marks summaries of workloads the runner could not finish
const RunnerErrorPrefix = "runner_error: "

// AttemptRunner executes one attempt of a workload
type AttemptRunner interface {
	RunAttempt(ctx context.Context, d workload.Descriptor, attempt int) (*report.AttemptResult, error)
}

// SummarySink persists finished workloads. A sink error aborts the batch.
type SummarySink interface {
	Write(s *report.PairSummary) error
}

// Coordinator runs workloads sequentially.
type Coordinator struct {
	runner   AttemptRunner
	policy   policy.Config
	sink     SummarySink
	metrics  *report.Metrics
	failures *report.FailureLog
	tracer   *tracing.Provider
	logger   *logging.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithMetrics records attempts, decisions and summaries
func WithMetrics(m *report.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithFailureLog keeps recently failed workloads
func WithFailureLog(f *report.FailureLog) Option {
	return func(c *Coordinator) { c.failures = f }
}

// WithTracer enables workload spans
func WithTracer(p *tracing.Provider) Option {
	return func(c *Coordinator) { c.tracer = p }
}

// WithLogger sets the coordinator logger
func WithLogger(l *logging.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithSleep replaces the backoff sleep (tests)
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = fn }
}

// New validates the policy and builds a coordinator
func New(runner AttemptRunner, cfg policy.Config, sink SummarySink, opts ...Option) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid retry policy: %w", err)
	}
	c := &Coordinator{
		runner: runner,
		policy: cfg,
		sink:   sink,
		logger: logging.Nop(),
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run processes descriptors in order and returns one summary per finished
// workload. Each summary is written to the sink before the next workload
// starts. On cancellation the summaries written so far are returned with
// the context error.
func (c *Coordinator) Run(ctx context.Context, descs []workload.Descriptor) ([]report.PairSummary, error) {
	summaries := make([]report.PairSummary, 0, len(descs))

	c.logger.Info("batch started", logging.Fields{
		"workloads":   len(descs),
		"mode":        string(c.policy.Mode),
		"max_retries": c.policy.MaxRetries,
	})

	for i, d := range descs {
		if err := ctx.Err(); err != nil {
			return summaries, err
		}

		c.logger.Info(fmt.Sprintf("workload %d/%d", i+1, len(descs)), logging.Fields{
			"pair_id": d.ID,
			"image":   d.Image,
		})

		summary, err := c.runPair(ctx, d)
		if err != nil {
			return summaries, err
		}

		if err := c.sink.Write(summary); err != nil {
			return summaries, fmt.Errorf("failed to record %s: %w", d.ID, err)
		}
		c.record(summary)
		summaries = append(summaries, *summary)
	}

	c.logger.Info("batch finished", logging.Fields{"workloads": len(summaries)})
	return summaries, nil
}

func (c *Coordinator) record(s *report.PairSummary) {
	if c.metrics != nil {
		c.metrics.RecordSummary(s)
	}
	if c.failures != nil {
		c.failures.Record(s)
	}
	s.LogSummary(c.logger)
}

// runPair executes the attempt loop of one workload. A nil summary with an
// error means the batch was cancelled mid-workload.
func (c *Coordinator) runPair(ctx context.Context, d workload.Descriptor) (*report.PairSummary, error) {
	ctx, span := c.tracer.StartSpan(ctx, "batch.workload",
		attribute.String("pair_id", d.ID),
		attribute.String("image", d.Image),
		attribute.String("mode", string(c.policy.Mode)),
	)
	defer span.End()

	mode := string(c.policy.Mode)
	log := c.logger.WithField("pair_id", d.ID)
	var attempts []report.AttemptResult

	for attempt := 0; attempt < c.policy.MaxAttempts(); attempt++ {
		result, err := c.runAttempt(ctx, d, attempt)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			log.Error("runner failed", logging.Fields{"attempt": attempt, "error": err.Error()})
			tracing.SetError(ctx, err)
			if result != nil {
				attempts = append(attempts, *result)
				if c.metrics != nil {
					c.metrics.RecordAttempt(mode, result)
				}
			}
			s := report.Summarize(d.ID, d.Image, mode, attempts)
			if !s.Success {
				s.FinalFailure = RunnerErrorPrefix + err.Error()
			}
			return s, nil
		}

		attempts = append(attempts, *result)
		if c.metrics != nil {
			c.metrics.RecordAttempt(mode, result)
		}

		decision := policy.Evaluate(result, attempt, c.policy)
		if c.metrics != nil {
			c.metrics.RecordDecision(mode, decision.Reason)
		}
		tracing.AddEvent(ctx, "decision",
			attribute.Int("attempt", attempt),
			attribute.Bool("retry", decision.Retry),
			attribute.String("reason", decision.Reason),
		)

		if !decision.Retry {
			c.logStop(log, result, decision)
			break
		}

		log.Info("retrying after backoff", logging.Fields{
			"attempt":   attempt,
			"exit_code": result.ExitCode,
			"backoff":   c.policy.Backoff.String(),
		})
		if err := c.sleep(ctx, c.policy.Backoff); err != nil {
			return nil, err
		}
	}

	s := report.Summarize(d.ID, d.Image, mode, attempts)
	span.SetAttributes(
		attribute.Int("attempts", s.AttemptsTotal),
		attribute.Bool("success", s.Success),
	)
	return s, nil
}

// runAttempt shields the batch from a panicking runner
func (c *Coordinator) runAttempt(ctx context.Context, d workload.Descriptor, attempt int) (result *report.AttemptResult, err error) {
	if c.metrics != nil {
		c.metrics.AttemptStarted()
		defer c.metrics.AttemptFinished()
	}
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.runner.RunAttempt(ctx, d, attempt)
}

func (c *Coordinator) logStop(log *logging.Logger, r *report.AttemptResult, d policy.Decision) {
	fields := logging.Fields{"attempt": r.Attempt, "reason": d.Reason}
	switch d.Reason {
	case policy.ReasonCPUAbove:
		fields["max_cpu"] = *r.PeakCPU
		fields["cpu_threshold"] = c.policy.CPUThreshold
		log.Warn("adaptive: not retrying", fields)
	case policy.ReasonMemoryBelow:
		fields["avail_mb"] = *r.AvailMB
		fields["mem_threshold"] = c.policy.MemThresholdMB
		log.Warn("adaptive: not retrying", fields)
	case policy.ReasonSucceeded:
		log.Info("workload passed", fields)
	default:
		log.Warn("workload failed", fields)
	}
}
