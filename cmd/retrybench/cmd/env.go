package cmd

import (
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/retrythesis/retrybench/internal/hostinfo"
	"github.com/retrythesis/retrybench/internal/policy"
)

var (
	envOutput   string
	envInterval time.Duration
)

// EnvReport is the output of the env command
type EnvReport struct {
	Host        *hostinfo.Snapshot  `json:"host" yaml:"host"`
	Suggestions hostinfo.Suggestion `json:"suggestions" yaml:"suggestions"`
}

var envCmd = &cobra.Command{
	Use:   "env",
	Short: "Show host capacity and suggested adaptive thresholds",
	Long: `Probes CPU and memory of this machine and suggests --cpu-threshold and
--mem-threshold values scaled to it. Container CPU percentages are relative
to one core, so a busy multi-core host can report more than 100%.`,
	RunE: runEnv,
}

func init() {
	rootCmd.AddCommand(envCmd)
	envCmd.Flags().StringVarP(&envOutput, "output", "o", "text", "Output format: text, json, yaml")
	envCmd.Flags().DurationVar(&envInterval, "interval", 500*time.Millisecond, "CPU measurement window")
}

func runEnv(cmd *cobra.Command, args []string) error {
	snap, err := hostinfo.NewProber(envInterval).Probe(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to probe host: %w", err)
	}
	rep := EnvReport{
		Host:        snap,
		Suggestions: hostinfo.Suggest(snap, policy.DefaultCPUThreshold, policy.DefaultMemThresholdMB),
	}

	out := cmd.OutOrStdout()
	switch envOutput {
	case "json":
		return writeJSON(out, rep)
	case "yaml":
		encoder := yaml.NewEncoder(out)
		encoder.SetIndent(2)
		defer encoder.Close()
		return encoder.Encode(rep)
	case "text":
	default:
		return fmt.Errorf("unknown output format %q (use text, json or yaml)", envOutput)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Property", "Value")
	table.Append("Hostname", snap.Hostname)
	table.Append("OS / Arch", snap.OS+"/"+snap.Arch)
	table.Append("CPU", fmt.Sprintf("%s (%d)", snap.CPUModel, snap.CPUCount))
	table.Append("CPU Usage", fmt.Sprintf("%.1f%%", snap.CPUPercent))
	table.Append("Memory Total", fmt.Sprintf("%.0f MB", snap.MemTotalMB))
	table.Append("Memory Used", fmt.Sprintf("%.0f MB", snap.MemUsedMB))
	table.Append("Memory Available", fmt.Sprintf("%.0f MB", snap.MemAvailMB))
	table.Append("Cgroup Version", fmt.Sprintf("v%d", snap.Limits.Version))
	if snap.Limits.CPUQuota > 0 {
		table.Append("Cgroup CPU Quota", fmt.Sprintf("%.2f cores", snap.Limits.CPUQuota))
	}
	if snap.Limits.MemoryBytes > 0 {
		table.Append("Cgroup Memory Limit", fmt.Sprintf("%d MB", snap.Limits.MemoryBytes/(1024*1024)))
	}
	table.Render()

	fmt.Fprintf(out, "\nSuggested adaptive thresholds:\n")
	fmt.Fprintf(out, "  --cpu-threshold %.0f\n", rep.Suggestions.CPUThreshold)
	fmt.Fprintf(out, "  --mem-threshold %.0f\n", rep.Suggestions.MemThresholdMB)
	return nil
}
