package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/retrythesis/retrybench/internal/batch"
	"github.com/retrythesis/retrybench/internal/container"
	"github.com/retrythesis/retrybench/internal/observe"
	"github.com/retrythesis/retrybench/internal/report"
	"github.com/retrythesis/retrybench/internal/runner"
	"github.com/retrythesis/retrybench/internal/workload"
	"github.com/retrythesis/retrybench/pkg/logging"
	"github.com/retrythesis/retrybench/pkg/shutdown"
	"github.com/retrythesis/retrybench/pkg/tracing"
)

const (
	resultsFileName = "results.csv"
	metricsFileName = "metrics.prom"
	failureLogSize  = 100
)

// engine runs containers and reports their usage
type engine interface {
	container.Backend
	container.MetricsQuerier
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Replay every workload of a pair file",
	Long: `Replays every workload listed in the pair file, one at a time. Each
failed attempt is retried according to the retry mode:

  static    retry every failure until --max-retries is spent
  adaptive  retry only while the attempt's peak CPU stayed at or below
            --cpu-threshold and the host kept at least --mem-threshold MB
            available

One summary row per workload is appended to <out-dir>/results.csv and the
container output of every attempt is kept under <out-dir>/logs.`,
	Example: `  retrybench run --pair-file pairs.csv --mode static --max-retries 3
  retrybench run --pair-file pairs.csv --cpu-threshold 150 --metrics-addr :9108`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	f := runCmd.Flags()
	f.String("pair-file", "", "CSV file listing the workloads (required)")
	f.String("out-dir", "./results", "directory for results.csv, logs and metrics")
	f.String("mode", "adaptive", "retry mode: static or adaptive")
	f.Int("max-retries", 2, "retries after the first attempt")
	f.Float64("cpu-threshold", 85.0, "adaptive: retry only if peak CPU% <= this")
	f.Float64("mem-threshold", 100.0, "adaptive: retry only if available MB >= this")
	f.String("retry-backoff", "5s", "pause between attempts (seconds or duration)")
	f.String("sample-interval", "1s", "resource sampling cadence")
	f.String("sampler-join-timeout", "5s", "how long to wait for the sampler to stop")
	f.String("attempt-timeout", "0", "abandon an attempt after this long (0 waits forever)")
	f.String("id-col", "", "column holding the workload id (auto-detected)")
	f.String("image-col", "", "column holding the image (auto-detected)")
	f.String("cmd-col", "", "column holding the command (auto-detected)")
	f.String("docker-binary", "docker", "container CLI to invoke")
	f.Bool("no-pull", false, "do not pull images before running")
	f.Int("pull-retries", 2, "retries of a failed image pull")
	f.String("metrics-addr", "", "serve /metrics, /health and /failures on this address")
	f.Bool("metrics-file", true, "write <out-dir>/metrics.prom when the batch ends")
	f.String("otlp-endpoint", "", "export traces to this OTLP/HTTP collector (host:port)")

	for _, name := range []string{
		"pair-file", "out-dir", "mode", "max-retries", "cpu-threshold", "mem-threshold",
		"retry-backoff", "sample-interval", "sampler-join-timeout", "attempt-timeout",
		"id-col", "image-col", "cmd-col", "docker-binary", "no-pull", "pull-retries",
		"metrics-addr", "metrics-file", "otlp-endpoint",
	} {
		viper.BindPFlag(name, f.Lookup(name))
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	if err := s.Validate(); err != nil {
		return err
	}

	logger, err := newLogger(viper.GetViper(), "run")
	if err != nil {
		return err
	}
	defer logger.Close()

	docker := container.NewDocker(s.DockerBinary)
	return runBatch(cmd.Context(), s, docker, logger, cmd.OutOrStdout())
}

// runBatch executes a whole batch against eng and prints the per-mode
// summary to out.
func runBatch(parent context.Context, s *Settings, eng engine, logger *logging.Logger, out io.Writer) error {
	policyCfg, err := s.PolicyConfig()
	if err != nil {
		return err
	}

	descs, err := workload.Load(s.PairFile, s.Columns())
	if err != nil {
		return err
	}
	logger.Info("loaded workloads", logging.Fields{"pair_file": s.PairFile, "count": len(descs)})

	if err := os.MkdirAll(s.OutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	mgr := shutdown.New(10 * time.Second)
	mgr.SetLogf(func(format string, args ...interface{}) {
		logger.Warn(fmt.Sprintf(format, args...))
	})
	defer mgr.Shutdown()

	table, err := report.OpenTable(filepath.Join(s.OutDir, resultsFileName))
	if err != nil {
		return err
	}
	mgr.Register("results table", shutdown.CloseResource(table))

	tracer, err := tracing.InitTracer(parent, s.TracingConfig())
	if err != nil {
		return err
	}
	mgr.Register("tracer", tracer.Shutdown)

	metrics := report.NewMetrics()
	failures := report.NewFailureLog(failureLogSize)

	if s.MetricsAddr != "" {
		server := observe.NewServer(s.MetricsAddr, metrics, failures, logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		mgr.Register("metrics server", shutdown.StopHTTPServer(server))
	}

	run, err := runner.New(eng, eng, s.RunnerConfig(),
		runner.WithLogger(logger),
		runner.WithTracer(tracer),
	)
	if err != nil {
		return err
	}

	coord, err := batch.New(run, policyCfg, table,
		batch.WithMetrics(metrics),
		batch.WithFailureLog(failures),
		batch.WithTracer(tracer),
		batch.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	ctx, stop := mgr.NotifyContext(parent)
	defer stop()

	summaries, runErr := coord.Run(ctx, descs)

	if s.MetricsFile {
		path := filepath.Join(s.OutDir, metricsFileName)
		if err := metrics.WriteTextfile(path); err != nil {
			logger.Error("failed to write metrics file", logging.Fields{"path": path, "error": err.Error()})
		}
	}

	printModeSummary(out, summaries)
	logger.Info("batch finished", logging.Fields{
		"workloads": len(summaries),
		"results":   table.Path(),
	})

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return fmt.Errorf("batch interrupted after %d of %d workloads: %w", len(summaries), len(descs), runErr)
		}
		return runErr
	}
	return nil
}
