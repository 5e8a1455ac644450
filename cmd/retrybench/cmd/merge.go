package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/retrythesis/retrybench/internal/report"
)

var mergeOutput string

var mergeCmd = &cobra.Command{
	Use:   "merge <results.csv>...",
	Short: "Merge results tables of several batches",
	Long: `Concatenates results tables that share the same header into one file,
for example the static and adaptive batches of one experiment.`,
	Example: `  retrybench merge static/results.csv adaptive/results.csv -o combined.csv`,
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := report.MergeTables(mergeOutput, args)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Merged %d rows from %d table(s) into %s\n", n, len(args), mergeOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mergeCmd)
	mergeCmd.Flags().StringVarP(&mergeOutput, "out", "o", "combined_results.csv", "merged table path")
}
