package cmd

import (
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/retrythesis/retrybench/internal/report"
)

var resultsSummaryOnly bool

// ModeStats aggregates the workloads of one retry mode
type ModeStats struct {
	Mode         string  `json:"mode"`
	Pairs        int     `json:"pairs"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	MeanAttempts float64 `json:"mean_attempts"`
}

var resultsCmd = &cobra.Command{
	Use:   "results [results.csv ...]",
	Short: "Summarize results tables",
	Long: `Reads one or more results tables (default <out-dir>/results.csv) and
prints every workload plus per-mode aggregates: workloads, successes,
success rate and mean attempts.`,
	RunE: runResults,
}

func init() {
	rootCmd.AddCommand(resultsCmd)
	resultsCmd.Flags().BoolVar(&resultsSummaryOnly, "summary-only", false, "print only the per-mode aggregates")
}

func runResults(cmd *cobra.Command, args []string) error {
	paths := args
	if len(paths) == 0 {
		paths = []string{filepath.Join(viper.GetString("out-dir"), resultsFileName)}
	}

	var summaries []report.PairSummary
	for _, path := range paths {
		rows, err := report.ReadSummaries(path)
		if err != nil {
			return err
		}
		summaries = append(summaries, rows...)
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return writeJSON(out, map[string]interface{}{
			"workloads": summaries,
			"modes":     aggregateModes(summaries),
		})
	}

	if len(summaries) == 0 {
		fmt.Fprintln(out, "No results recorded")
		return nil
	}
	if !resultsSummaryOnly {
		table := tablewriter.NewWriter(out)
		table.Header("Pair", "Image", "Mode", "Attempts", "Success", "Final Failure", "Max CPU", "Avail MB")
		for _, s := range summaries {
			table.Append(
				s.PairID,
				s.Image,
				s.Mode,
				strconv.Itoa(s.AttemptsTotal),
				strconv.FormatBool(s.Success),
				s.FinalFailure,
				optional(s.PeakCPU),
				optional(s.AvailMB),
			)
		}
		table.Render()
		fmt.Fprintln(out)
	}
	printModeSummary(out, summaries)
	return nil
}

// aggregateModes groups summaries by mode, sorted by mode name
func aggregateModes(summaries []report.PairSummary) []ModeStats {
	byMode := make(map[string]*ModeStats)
	attempts := make(map[string]int)
	for _, s := range summaries {
		m, ok := byMode[s.Mode]
		if !ok {
			m = &ModeStats{Mode: s.Mode}
			byMode[s.Mode] = m
		}
		m.Pairs++
		if s.Success {
			m.Successes++
		}
		attempts[s.Mode] += s.AttemptsTotal
	}

	stats := make([]ModeStats, 0, len(byMode))
	for mode, m := range byMode {
		m.SuccessRate = round2(100 * float64(m.Successes) / float64(m.Pairs))
		m.MeanAttempts = round2(float64(attempts[mode]) / float64(m.Pairs))
		stats = append(stats, *m)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Mode < stats[j].Mode })
	return stats
}

func printModeSummary(out io.Writer, summaries []report.PairSummary) {
	stats := aggregateModes(summaries)
	if len(stats) == 0 {
		return
	}
	table := tablewriter.NewWriter(out)
	table.Header("Mode", "Workloads", "Successes", "Success Rate", "Mean Attempts")
	for _, m := range stats {
		table.Append(
			m.Mode,
			strconv.Itoa(m.Pairs),
			strconv.Itoa(m.Successes),
			fmt.Sprintf("%.2f%%", m.SuccessRate),
			fmt.Sprintf("%.2f", m.MeanAttempts),
		)
	}
	table.Render()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
