package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrythesis/retrybench/internal/container"
	"github.com/retrythesis/retrybench/internal/container/containertest"
	"github.com/retrythesis/retrybench/internal/report"
	"github.com/retrythesis/retrybench/internal/workload"
	"github.com/retrythesis/retrybench/pkg/retry"
)

func newRunner(t *testing.T, backend *containertest.Backend, cfg Config, opts ...Option) *Runner {
	t.Helper()
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	}
	if cfg.SampleInterval == 0 {
		cfg.SampleInterval = time.Millisecond
	}
	r, err := New(backend, backend, cfg, opts...)
	require.NoError(t, err)
	return r
}

func TestRunAttemptSuccess(t *testing.T) {
	backend := containertest.New().Script("img:ok", containertest.Script{
		Logs:  "BUILD SUCCESS",
		Usage: []container.Usage{{CPUPerc: "12.5%", MemUsage: "100MiB / 1GiB"}},
	})
	r := newRunner(t, backend, Config{})

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p1", Image: "img:ok"}, 0)
	require.NoError(t, err)

	assert.Equal(t, 0, res.ExitCode)
	assert.True(t, res.Succeeded())
	assert.Empty(t, res.FailureType)
	assert.True(t, strings.HasPrefix(res.Unit, "rb_p1_"), res.Unit)
	assert.Equal(t, []string{"img:ok"}, backend.Pulled)
	assert.Equal(t, []string{res.Unit}, backend.RemovedNames(), "unit must be removed")
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	data, err := os.ReadFile(res.LogFile)
	require.NoError(t, err)
	assert.Equal(t, LogStartMarker+"\nBUILD SUCCESS\n"+LogEndMarker+"\n", string(data))
	assert.Regexp(t, `p1_attempt0_\d{8}-\d{6}\.log$`, res.LogFile)
}

func TestRunAttemptFailureSignature(t *testing.T) {
	backend := containertest.New().Script("img:flaky", containertest.Script{
		ExitCodes: []int{1},
		Logs:      "Tests run: 3, Failures: 1\njava.lang.AssertionError: expected 1\nat org.junit.Assert.fail\n",
	})
	r := newRunner(t, backend, Config{})

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p2", Image: "img:flaky"}, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExitCode)
	assert.Equal(t, 1, res.Attempt)
	assert.Equal(t, "java.lang.AssertionError", res.FailureType)
	assert.Contains(t, res.Unit, "_1_")
}

func TestRunAttemptNoSamples(t *testing.T) {
	backend := containertest.New().Script("img", containertest.Script{ExitCodes: []int{2}})
	r := newRunner(t, backend, Config{})

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p3", Image: "img"}, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SampleCount)
	assert.True(t, res.Empty(), "metrics must be absent without samples")
}

func TestRunAttemptLaunchFailure(t *testing.T) {
	backend := containertest.New().Script("img:broken", containertest.Script{
		RunErr: errors.New("docker run: exit status 125: manifest unknown"),
	})
	r := newRunner(t, backend, Config{})

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p4", Image: "img:broken"}, 0)
	require.NoError(t, err)
	assert.Equal(t, report.ExitUnknown, res.ExitCode)
	assert.Len(t, backend.RemovedNames(), 1)
	assert.FileExists(t, res.LogFile)
}

func TestRunAttemptInspectFallback(t *testing.T) {
	tests := []struct {
		name   string
		script containertest.Script
		want   int
	}{
		{
			name:   "inspect recovers",
			script: containertest.Script{WaitErr: container.ErrNoExitCode, InspectCode: 3},
			want:   3,
		},
		{
			name:   "inspect fails",
			script: containertest.Script{WaitErr: errors.New("daemon gone"), InspectErr: errors.New("daemon gone")},
			want:   report.ExitUnknown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := containertest.New().Script("img", tt.script)
			r := newRunner(t, backend, Config{})

			res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p5", Image: "img"}, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.ExitCode)
		})
	}
}

func TestRunAttemptTimeout(t *testing.T) {
	backend := containertest.New().Script("img:hang", containertest.Script{
		BlockWait: true,
		Usage:     []container.Usage{{CPUPerc: "99%", MemUsage: "900MiB / 1GiB"}},
	})
	r := newRunner(t, backend, Config{AttemptTimeout: 50 * time.Millisecond})

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p6", Image: "img:hang"}, 0)
	require.NoError(t, err)
	assert.Equal(t, report.ExitTimeout, res.ExitCode)
	assert.True(t, res.TimedOut)
	assert.Equal(t, SignatureTimeout, res.FailureType)
	assert.Greater(t, res.SampleCount, 0)
	require.NotNil(t, res.PeakCPU)
	assert.Equal(t, 99.0, *res.PeakCPU)
	assert.Len(t, backend.RemovedNames(), 1)
}

func TestRunAttemptPullRetries(t *testing.T) {
	backend := containertest.New().Script("img", containertest.Script{
		PullErr: errors.New("connection reset by peer"),
	})
	r := newRunner(t, backend, Config{PullRetry: retry.Config{MaxRetries: 2, InitialBackoff: time.Millisecond, Multiplier: 1}})

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p7", Image: "img"}, 0)
	require.NoError(t, err)
	assert.Len(t, backend.Pulled, 3, "transient pull errors are retried")
	assert.Equal(t, 0, res.ExitCode, "a failed pull does not stop the attempt")
}

func TestRunAttemptSkipPull(t *testing.T) {
	backend := containertest.New()
	r := newRunner(t, backend, Config{SkipPull: true})

	_, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p8", Image: "img"}, 0)
	require.NoError(t, err)
	assert.Empty(t, backend.Pulled)
}

func TestRunAttemptCancelledStillRemoves(t *testing.T) {
	backend := containertest.New().Script("img", containertest.Script{BlockWait: true})
	r := newRunner(t, backend, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res, err := r.RunAttempt(ctx, workload.Descriptor{ID: "p9", Image: "img"}, 0)
	require.NoError(t, err)
	assert.False(t, res.TimedOut)
	assert.Equal(t, report.ExitUnknown, res.ExitCode)
	assert.Equal(t, []string{res.Unit}, backend.RemovedNames())
}

func TestRunAttemptUnwritableLogDir(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	backend := containertest.New()
	r := newRunner(t, backend, Config{LogDir: filepath.Join(blocker, "logs")})

	_, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p10", Image: "img"}, 0)
	assert.Error(t, err)
	assert.Len(t, backend.RemovedNames(), 1)
}

type fixedExtractor string

func (f fixedExtractor) Extract(string) string { return string(f) }

func TestRunAttemptCustomExtractor(t *testing.T) {
	backend := containertest.New().Script("img", containertest.Script{ExitCodes: []int{1}})
	r := newRunner(t, backend, Config{}, WithExtractor(fixedExtractor("OOMKilled")))

	res, err := r.RunAttempt(context.Background(), workload.Descriptor{ID: "p11", Image: "img"}, 0)
	require.NoError(t, err)
	assert.Equal(t, "OOMKilled", res.FailureType)
}

func TestUnitNameAndLogFileName(t *testing.T) {
	at := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	assert.Equal(t, "rb_org-repo_42_1709993106_2_deadbeef", UnitName("org/repo_42", at, 2, "deadbeef"))
	assert.Equal(t, "org-repo_42_attempt2_20240309-140506.log", LogFileName("org/repo_42", 2, at))
	assert.Equal(t, "rb_unnamed_1709993106_0_x", UnitName("", at, 0, "x"))
}

func TestNewRequiresLogDir(t *testing.T) {
	_, err := New(containertest.New(), containertest.New(), Config{})
	assert.Error(t, err)
}
