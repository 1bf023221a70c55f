package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mikey/llm-mail-triage/internal/adapters/filter"
	"github.com/mikey/llm-mail-triage/internal/core"
)

var (
	scoreFile    string
	scoreUser    string
	scorePersist bool
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Score a single email",
	Long: `Score a single RFC 5322 message read from --file or stdin.

The result is only written to the database with --persist, in which case the
message is first added to the user's inbox.`,
	RunE: runScore,
}

func init() {
	rootCmd.AddCommand(scoreCmd)

	scoreCmd.Flags().StringVarP(&scoreFile, "file", "f", "", "Input email file (stdin if empty)")
	scoreCmd.Flags().StringVarP(&scoreUser, "user", "u", "", "User the email belongs to")
	scoreCmd.Flags().BoolVar(&scorePersist, "persist", false, "Store the email and its score")
	_ = scoreCmd.MarkFlagRequired("user")
}

func runScore(cmd *cobra.Command, args []string) error {
	in, err := openInput(cmd, scoreFile)
	if err != nil {
		return err
	}
	defer in.Close()

	email, err := filter.ParseMessage(in, scoreUser, filter.DefaultSnippetBytes)
	if err != nil {
		return fmt.Errorf("failed to parse email: %w", err)
	}

	return invoke(func(a *app) error {
		ctx := cmd.Context()
		if scorePersist {
			if _, err := a.Resources.Gateway.InsertEmails(ctx, []core.EmailFeatures{email}); err != nil {
				return fmt.Errorf("failed to store email: %w", err)
			}
		} else {
			// An empty ID keeps ScoreEmail from writing the result.
			email.ID = ""
		}

		result, err := a.Service.ScoreEmail(ctx, email)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), result)
		}
		printResult(cmd.OutOrStdout(), email, result)
		return nil
	})
}

func printResult(out io.Writer, email core.EmailFeatures, r *core.ScoringResult) {
	fmt.Fprintln(out, "Scoring Result")
	fmt.Fprintln(out, "==============")
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "From:\t%s\n", email.From)
	fmt.Fprintf(w, "Subject:\t%s\n", email.Subject)
	fmt.Fprintf(w, "Score:\t%d\n", r.Score)
	fmt.Fprintf(w, "Tier:\t%s\n", r.TierUsed)
	fmt.Fprintf(w, "Model:\t%s\n", r.ModelIdentifier)
	fmt.Fprintf(w, "Confidence:\t%.2f\n", r.Confidence)
	fmt.Fprintf(w, "Cost:\t%.4f¢\n", r.CostCents)
	fmt.Fprintf(w, "Latency:\t%dms\n", r.LatencyMs)
	fmt.Fprintf(w, "Cached:\t%t\n", r.Cached)
	fmt.Fprintf(w, "Fallback:\t%t\n", r.Fallback)
	fmt.Fprintf(w, "Reasoning:\t%s\n", r.Reasoning)
	w.Flush()
}
