package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retrythesis/retrybench/internal/container"
	"github.com/retrythesis/retrybench/internal/container/containertest"
	"github.com/retrythesis/retrybench/internal/policy"
	"github.com/retrythesis/retrybench/internal/report"
	"github.com/retrythesis/retrybench/pkg/logging"
)

func TestLoadSettingsDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	s, err := loadSettings(v)
	require.NoError(t, err)
	assert.Equal(t, "./results", s.OutDir)
	assert.Equal(t, "adaptive", s.Mode)
	assert.Equal(t, 2, s.MaxRetries)
	assert.Equal(t, 85.0, s.CPUThreshold)
	assert.Equal(t, 100.0, s.MemThreshold)
	assert.Equal(t, 5*time.Second, s.RetryBackoff)
	assert.Equal(t, time.Second, s.SampleInterval)
	assert.Equal(t, time.Duration(0), s.AttemptTimeout)

	cfg, err := s.PolicyConfig()
	require.NoError(t, err)
	assert.Equal(t, policy.DefaultConfig(), cfg)
}

func TestDurationSettingAcceptsSeconds(t *testing.T) {
	tests := []struct {
		value interface{}
		want  time.Duration
	}{
		{5, 5 * time.Second},
		{2.5, 2500 * time.Millisecond},
		{"10", 10 * time.Second},
		{"1m30s", 90 * time.Second},
		{250 * time.Millisecond, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		v := viper.New()
		v.Set("retry-backoff", tt.value)
		got, err := durationSetting(v, "retry-backoff")
		require.NoError(t, err, "value %v", tt.value)
		assert.Equal(t, tt.want, got, "value %v", tt.value)
	}

	v := viper.New()
	v.Set("retry-backoff", "soon")
	_, err := durationSetting(v, "retry-backoff")
	assert.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	s, err := loadSettings(v)
	require.NoError(t, err)

	assert.Error(t, s.Validate(), "pair file is required")

	s.PairFile = "pairs.csv"
	require.NoError(t, s.Validate())

	s.Mode = "eager"
	assert.ErrorIs(t, s.Validate(), policy.ErrUnknownMode)

	s.Mode = "static"
	s.MaxRetries = -1
	assert.Error(t, s.Validate())

	s.MaxRetries = 1
	s.SampleInterval = 0
	assert.Error(t, s.Validate())
}

func TestRunnerConfigUsesOutDir(t *testing.T) {
	s := &Settings{OutDir: "out", PullRetries: 4, NoPull: true, SampleInterval: time.Second}
	cfg := s.RunnerConfig()
	assert.Equal(t, filepath.Join("out", "logs"), cfg.LogDir)
	assert.Equal(t, 4, cfg.PullRetry.MaxRetries)
	assert.True(t, cfg.SkipPull)
}

func TestAggregateModes(t *testing.T) {
	stats := aggregateModes([]report.PairSummary{
		{Mode: "static", Success: true, AttemptsTotal: 1},
		{Mode: "static", Success: false, AttemptsTotal: 3},
		{Mode: "static", Success: true, AttemptsTotal: 2},
		{Mode: "adaptive", Success: false, AttemptsTotal: 1},
	})
	require.Len(t, stats, 2)
	assert.Equal(t, ModeStats{Mode: "adaptive", Pairs: 1, Successes: 0, SuccessRate: 0, MeanAttempts: 1}, stats[0])
	assert.Equal(t, ModeStats{Mode: "static", Pairs: 3, Successes: 2, SuccessRate: 66.67, MeanAttempts: 2}, stats[1])

	assert.Empty(t, aggregateModes(nil))
}

func writePairs(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "pairs.csv")
	data := "pair_id,image,test_command\n" +
		"p1,img:flaky,mvn test\n" +
		"p2,img:broken,mvn test\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))
	return path
}

func TestRunBatch(t *testing.T) {
	dir := t.TempDir()
	backend := containertest.New().
		Script("img:flaky", containertest.Script{
			ExitCodes: []int{1, 0},
			Usage:     []container.Usage{{CPUPerc: "10%", MemUsage: "100MiB / 1GiB"}},
		}).
		Script("img:broken", containertest.Script{
			ExitCodes: []int{2},
			Logs:      "java.lang.AssertionError: expected 1",
		})

	s := &Settings{
		PairFile:       writePairs(t, dir),
		OutDir:         filepath.Join(dir, "out"),
		Mode:           "static",
		MaxRetries:     1,
		SampleInterval: time.Millisecond,
		NoPull:         true,
		MetricsFile:    true,
	}
	var out bytes.Buffer
	require.NoError(t, runBatch(context.Background(), s, backend, logging.Nop(), &out))

	summaries, err := report.ReadSummaries(filepath.Join(s.OutDir, resultsFileName))
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.True(t, summaries[0].Success)
	assert.Equal(t, 2, summaries[0].AttemptsTotal)
	assert.False(t, summaries[1].Success)
	assert.Equal(t, "java.lang.AssertionError", summaries[1].FinalFailure)

	assert.FileExists(t, filepath.Join(s.OutDir, metricsFileName))
	assert.Contains(t, out.String(), "static")
}

func TestRunBatchRejectsMissingPairFile(t *testing.T) {
	dir := t.TempDir()
	s := &Settings{
		PairFile:       filepath.Join(dir, "missing.csv"),
		OutDir:         filepath.Join(dir, "out"),
		Mode:           "adaptive",
		SampleInterval: time.Millisecond,
	}
	err := runBatch(context.Background(), s, containertest.New(), logging.Nop(), &bytes.Buffer{})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(s.OutDir, resultsFileName))
}

func TestMergeAndResultsCommands(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, mode := range []string{"static", "adaptive"} {
		path := filepath.Join(dir, mode, resultsFileName)
		table, err := report.OpenTable(path)
		require.NoError(t, err)
		require.NoError(t, table.Write(&report.PairSummary{PairID: "p1", Image: "img", Mode: mode, AttemptsTotal: 1, Success: true}))
		require.NoError(t, table.Close())
		paths = append(paths, path)
	}
	merged := filepath.Join(dir, "combined.csv")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(append([]string{"merge", "-o", merged}, paths...))
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Merged 2 rows")

	out.Reset()
	rootCmd.SetArgs([]string{"results", "--summary-only", merged})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "adaptive")
	assert.Contains(t, out.String(), "100.00%")
}

func TestAnalyzePairsCommand(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pairs.log")
	log := "Pair 1 | Attempt 1 | FAIL\nPair 1 | Attempt 2 | PASS\n"
	require.NoError(t, os.WriteFile(path, []byte(log), 0644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"analyze", "pairs", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "50.00%")
}
