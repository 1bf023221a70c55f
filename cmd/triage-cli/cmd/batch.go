package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mikey/llm-mail-triage/internal/core"
)

var (
	batchUser  string
	batchLimit int
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Score a user's pending emails",
	RunE:  runBatch,
}

func init() {
	rootCmd.AddCommand(batchCmd)

	batchCmd.Flags().StringVarP(&batchUser, "user", "u", "", "User whose pending emails are scored")
	batchCmd.Flags().IntVarP(&batchLimit, "limit", "l", 0, "Maximum emails to score (0 uses the configured default)")
	_ = batchCmd.MarkFlagRequired("user")
}

func runBatch(cmd *cobra.Command, args []string) error {
	return invoke(func(a *app) error {
		outcome, err := a.Service.ScoreBatch(cmd.Context(), batchUser, batchLimit)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), outcome)
		}
		printBatch(cmd.OutOrStdout(), outcome)
		return nil
	})
}

func printBatch(out io.Writer, o *core.BatchOutcome) {
	fmt.Fprintf(out, "Batch for %s: %d requested, %d scored, %d persisted, %d failed in %s\n",
		o.UserID, o.Requested, o.Scored, o.Persisted, o.Failed, o.Duration.Round(time.Millisecond))

	if len(o.Results) == 0 {
		return
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tSCORE\tTIER\tMODEL\tCOST\tCACHED")
	for _, r := range o.Results {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%.4f\t%t\n",
			r.EmailID, r.Score, r.TierUsed, r.ModelIdentifier, r.CostCents, r.Cached)
	}
	w.Flush()

	for _, item := range o.Items {
		if !item.OK {
			fmt.Fprintf(out, "  failed %s: %s\n", item.EmailID, item.Error)
		}
	}
}
