package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/retrythesis/retrybench/internal/policy"
	"github.com/retrythesis/retrybench/internal/runner"
	"github.com/retrythesis/retrybench/internal/workload"
	"github.com/retrythesis/retrybench/pkg/retry"
	"github.com/retrythesis/retrybench/pkg/tracing"
)

// Version is stamped into traces
var Version = "dev"

// Settings is the effective configuration of a batch after flags,
// environment and config file have been merged.
type Settings struct {
	PairFile string `json:"pair_file" yaml:"pair-file"`
	OutDir   string `json:"out_dir" yaml:"out-dir"`

	Mode         string        `json:"mode" yaml:"mode"`
	MaxRetries   int           `json:"max_retries" yaml:"max-retries"`
	CPUThreshold float64       `json:"cpu_threshold" yaml:"cpu-threshold"`
	MemThreshold float64       `json:"mem_threshold" yaml:"mem-threshold"`
	RetryBackoff time.Duration `json:"retry_backoff" yaml:"retry-backoff"`

	SampleInterval     time.Duration `json:"sample_interval" yaml:"sample-interval"`
	SamplerJoinTimeout time.Duration `json:"sampler_join_timeout" yaml:"sampler-join-timeout"`
	AttemptTimeout     time.Duration `json:"attempt_timeout" yaml:"attempt-timeout"`

	DockerBinary string `json:"docker_binary" yaml:"docker-binary"`
	NoPull       bool   `json:"no_pull" yaml:"no-pull"`
	PullRetries  int    `json:"pull_retries" yaml:"pull-retries"`

	IDCol    string `json:"id_col,omitempty" yaml:"id-col,omitempty"`
	ImageCol string `json:"image_col,omitempty" yaml:"image-col,omitempty"`
	CmdCol   string `json:"cmd_col,omitempty" yaml:"cmd-col,omitempty"`

	MetricsAddr  string `json:"metrics_addr,omitempty" yaml:"metrics-addr,omitempty"`
	MetricsFile  bool   `json:"metrics_file" yaml:"metrics-file"`
	OTLPEndpoint string `json:"otlp_endpoint,omitempty" yaml:"otlp-endpoint,omitempty"`

	LogLevel string `json:"log_level" yaml:"log_level"`
	LogJSON  bool   `json:"log_json" yaml:"log_json"`
	LogDir   string `json:"log_dir,omitempty" yaml:"log_dir,omitempty"`
}

// setDefaults registers the batch defaults on v
func setDefaults(v *viper.Viper) {
	v.SetDefault("out-dir", "./results")
	v.SetDefault("mode", string(policy.Adaptive))
	v.SetDefault("max-retries", policy.DefaultMaxRetries)
	v.SetDefault("cpu-threshold", policy.DefaultCPUThreshold)
	v.SetDefault("mem-threshold", policy.DefaultMemThresholdMB)
	v.SetDefault("retry-backoff", policy.DefaultBackoff)
	v.SetDefault("sample-interval", time.Second)
	v.SetDefault("sampler-join-timeout", runner.DefaultSamplerJoinTimeout)
	v.SetDefault("attempt-timeout", time.Duration(0))
	v.SetDefault("docker-binary", "docker")
	v.SetDefault("pull-retries", 2)
	v.SetDefault("metrics-file", true)
	v.SetDefault("log_level", "info")
}

// loadSettings reads the effective settings from v
func loadSettings(v *viper.Viper) (*Settings, error) {
	s := &Settings{
		PairFile:     v.GetString("pair-file"),
		OutDir:       v.GetString("out-dir"),
		Mode:         v.GetString("mode"),
		MaxRetries:   v.GetInt("max-retries"),
		CPUThreshold: v.GetFloat64("cpu-threshold"),
		MemThreshold: v.GetFloat64("mem-threshold"),
		DockerBinary: v.GetString("docker-binary"),
		NoPull:       v.GetBool("no-pull"),
		PullRetries:  v.GetInt("pull-retries"),
		IDCol:        v.GetString("id-col"),
		ImageCol:     v.GetString("image-col"),
		CmdCol:       v.GetString("cmd-col"),
		MetricsAddr:  v.GetString("metrics-addr"),
		MetricsFile:  v.GetBool("metrics-file"),
		OTLPEndpoint: v.GetString("otlp-endpoint"),
		LogLevel:     v.GetString("log_level"),
		LogJSON:      v.GetBool("log_json"),
		LogDir:       v.GetString("log_dir"),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"retry-backoff", &s.RetryBackoff},
		{"sample-interval", &s.SampleInterval},
		{"sampler-join-timeout", &s.SamplerJoinTimeout},
		{"attempt-timeout", &s.AttemptTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationSetting(v, d.key); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// durationSetting accepts Go durations ("5s") and bare numbers, which are
// read as seconds.
func durationSetting(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.Get(key)
	switch val := raw.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return val, nil
	case int, int64, float64, uint, uint64:
		return time.Duration(cast.ToFloat64(val) * float64(time.Second)), nil
	case string:
		val = strings.TrimSpace(val)
		if secs, err := strconv.ParseFloat(val, 64); err == nil {
			return time.Duration(secs * float64(time.Second)), nil
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %q: %w", key, val, err)
		}
		return d, nil
	default:
		d, err := cast.ToDurationE(val)
		if err != nil {
			return 0, fmt.Errorf("invalid %s %v: %w", key, val, err)
		}
		return d, nil
	}
}

// Validate rejects settings that cannot start a batch
func (s *Settings) Validate() error {
	if s.PairFile == "" {
		return fmt.Errorf("pair file is required (--pair-file)")
	}
	if s.OutDir == "" {
		return fmt.Errorf("output directory is required (--out-dir)")
	}
	if s.SampleInterval <= 0 {
		return fmt.Errorf("sample interval must be > 0, got %s", s.SampleInterval)
	}
	if s.AttemptTimeout < 0 {
		return fmt.Errorf("attempt timeout must be >= 0, got %s", s.AttemptTimeout)
	}
	_, err := s.PolicyConfig()
	return err
}

// PolicyConfig returns the retry policy of the batch
func (s *Settings) PolicyConfig() (policy.Config, error) {
	mode, err := policy.ParseMode(s.Mode)
	if err != nil {
		return policy.Config{}, err
	}
	cfg := policy.Config{
		Mode:           mode,
		MaxRetries:     s.MaxRetries,
		CPUThreshold:   s.CPUThreshold,
		MemThresholdMB: s.MemThreshold,
		Backoff:        s.RetryBackoff,
	}
	return cfg, cfg.Validate()
}

// RunnerConfig returns the attempt runner configuration
func (s *Settings) RunnerConfig() runner.Config {
	pull := retry.DefaultConfig()
	pull.MaxRetries = s.PullRetries
	return runner.Config{
		LogDir:             filepath.Join(s.OutDir, "logs"),
		SampleInterval:     s.SampleInterval,
		SamplerJoinTimeout: s.SamplerJoinTimeout,
		AttemptTimeout:     s.AttemptTimeout,
		SkipPull:           s.NoPull,
		PullRetry:          pull,
	}
}

// Columns returns the explicit column overrides
func (s *Settings) Columns() workload.Columns {
	return workload.Columns{ID: s.IDCol, Image: s.ImageCol, Command: s.CmdCol}
}

// TracingConfig enables export only when an OTLP endpoint is set
func (s *Settings) TracingConfig() tracing.Config {
	return tracing.Config{
		ServiceName:    "retrybench",
		ServiceVersion: Version,
		Environment:    "experiment",
		OTLPEndpoint:   s.OTLPEndpoint,
		Enabled:        s.OTLPEndpoint != "",
	}
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for inspecting the configuration retrybench resolves from flags, environment and config file.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Prints the configuration a batch would run with, as YAML (or JSON with
--output json). The output can be saved as $HOME/.retrybench/config.yaml.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	setDefaults(viper.GetViper())
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(viper.GetViper())
	if err != nil {
		return err
	}
	if file := viper.ConfigFileUsed(); file != "" {
		if _, statErr := os.Stat(file); statErr == nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "# config file: %s\n", file)
		}
	}
	if IsJSONOutput() {
		return writeJSON(cmd.OutOrStdout(), s)
	}
	encoder := yaml.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(s)
}
