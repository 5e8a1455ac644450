package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/retrythesis/retrybench/internal/logparse"
)

const (
	testsJSONName     = "tests.json"
	retryAnalysisName = "retry_analysis.csv"
)

var analyzeOutDir string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze test retry logs",
	Long:  `Commands for turning the logs of retried test runs into tables.`,
}

var analyzeLogsCmd = &cobra.Command{
	Use:   "logs <log-file>...",
	Short: "Convert TestNG retry logs and print retry statistics",
	Long: `Parses TestNG retry-listener logs (retry notices, final results and
finished summaries), writes the deduplicated entries to tests.json and
retry_analysis.csv in --out, and prints the retry distribution, status by
retry count, average duration, cumulative pass rate and retry intervals.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAnalyzeLogs,
}

var analyzePairsCmd = &cobra.Command{
	Use:   "pairs <log-file>",
	Short: "Summarize a pair retry log",
	Long:  `Counts "Pair X | Attempt Y | PASS|FAIL" lines and prints attempts, passes, fails and the success rate.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runAnalyzePairs,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.AddCommand(analyzeLogsCmd)
	analyzeCmd.AddCommand(analyzePairsCmd)

	analyzeLogsCmd.Flags().StringVar(&analyzeOutDir, "out", "analysis", "directory for tests.json and retry_analysis.csv")
}

func runAnalyzeLogs(cmd *cobra.Command, args []string) error {
	entries, err := logparse.ParseFiles(args)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(analyzeOutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := logparse.WriteJSON(filepath.Join(analyzeOutDir, testsJSONName), entries); err != nil {
		return err
	}
	if err := logparse.WriteAnalysisCSV(filepath.Join(analyzeOutDir, retryAnalysisName), entries); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return writeJSON(out, map[string]interface{}{
			"entries":              len(entries),
			"retry_distribution":   logparse.RetryDistribution(entries),
			"status_by_retry":      logparse.StatusByRetry(entries),
			"avg_duration":         logparse.AvgDurationByRetry(entries),
			"cumulative_pass_rate": logparse.CumulativePassRate(entries),
			"retry_intervals":      logparse.RetryIntervals(entries),
		})
	}

	fmt.Fprintf(out, "Parsed %d entries from %d file(s) into %s\n\n", len(entries), len(args), analyzeOutDir)
	if len(entries) == 0 {
		return nil
	}
	printAnalysis(out, entries)
	return nil
}

func printAnalysis(out io.Writer, entries []logparse.Entry) {
	fmt.Fprintln(out, "Retry distribution")
	table := tablewriter.NewWriter(out)
	table.Header("Retries", "Entries")
	for _, r := range logparse.RetryDistribution(entries) {
		table.Append(strconv.Itoa(r.Retries), strconv.Itoa(r.Count))
	}
	table.Render()

	fmt.Fprintln(out, "\nStatus by retry count")
	statusRows := logparse.StatusByRetry(entries)
	statuses := logparse.Statuses(statusRows)
	header := []any{"Retries"}
	for _, s := range statuses {
		header = append(header, s)
	}
	table = tablewriter.NewWriter(out)
	table.Header(header...)
	for _, r := range statusRows {
		row := []any{strconv.Itoa(r.Retries)}
		for _, s := range statuses {
			row = append(row, strconv.Itoa(r.ByStatus[s]))
		}
		table.Append(row...)
	}
	table.Render()

	fmt.Fprintln(out, "\nAverage duration by retry count")
	table = tablewriter.NewWriter(out)
	table.Header("Retries", "Avg ms", "Entries")
	for _, r := range logparse.AvgDurationByRetry(entries) {
		table.Append(strconv.Itoa(r.Retries), fmt.Sprintf("%.1f", r.AvgMS), strconv.Itoa(r.Count))
	}
	table.Render()

	points := logparse.CumulativePassRate(entries)
	if len(points) > 0 {
		last := points[len(points)-1]
		fmt.Fprintf(out, "\nCumulative pass rate: %.2f%% (%d of %d)\n", 100*last.Rate, last.Passed, len(points))
	}

	intervals := logparse.RetryIntervals(entries)
	if len(intervals) == 0 {
		return
	}
	fmt.Fprintln(out, "\nTime between retries")
	table = tablewriter.NewWriter(out)
	table.Header("Test", "Attempt", "Seconds")
	for _, r := range intervals {
		table.Append(r.TestName, strconv.Itoa(r.Attempt), fmt.Sprintf("%.3f", r.Seconds))
	}
	table.Render()
}

func runAnalyzePairs(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open pair log: %w", err)
	}
	defer f.Close()

	s, err := logparse.SummarizePairLog(f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if IsJSONOutput() {
		return writeJSON(out, s)
	}

	table := tablewriter.NewWriter(out)
	table.Header("Attempts", "Passes", "Fails", "Success Rate")
	table.Append(
		strconv.Itoa(s.TotalAttempts),
		strconv.Itoa(s.Passes),
		strconv.Itoa(s.Fails),
		fmt.Sprintf("%.2f%%", s.SuccessRate),
	)
	table.Render()

	if len(s.Pairs) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	table = tablewriter.NewWriter(out)
	table.Header("Pair", "Attempts", "Passed")
	for _, p := range s.Pairs {
		table.Append(p.PairID, strconv.Itoa(p.Attempts), strconv.FormatBool(p.Passed))
	}
	table.Render()
	return nil
}
