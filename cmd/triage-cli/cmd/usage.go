package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mikey/llm-mail-triage/internal/core"
)

var (
	usageUser   string
	usageWindow string
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show a user's model spend and budget",
	RunE:  runUsage,
}

func init() {
	rootCmd.AddCommand(usageCmd)

	usageCmd.Flags().StringVarP(&usageUser, "user", "u", "", "User to report on")
	usageCmd.Flags().StringVarP(&usageWindow, "window", "w", string(core.WindowDaily), "Window (daily, monthly)")
	_ = usageCmd.MarkFlagRequired("user")
}

func runUsage(cmd *cobra.Command, args []string) error {
	window := core.UsageWindow(usageWindow)
	if window != core.WindowDaily && window != core.WindowMonthly {
		return fmt.Errorf("window must be one of daily, monthly")
	}

	return invoke(func(a *app) error {
		summary, err := a.Service.GetUsageSummary(cmd.Context(), usageUser, window)
		if err != nil {
			return err
		}

		if outputFormat == "json" {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		printUsage(cmd.OutOrStdout(), summary)
		return nil
	})
}

func printUsage(out io.Writer, s *core.UsageSummary) {
	fmt.Fprintln(out, "Usage Summary")
	fmt.Fprintln(out, "=============")
	fmt.Fprintln(out)

	fmt.Fprintf(out, "User:          %s\n", s.UserID)
	fmt.Fprintf(out, "Window:        %s since %s\n", s.Window, s.Since.Format("2006-01-02 15:04 MST"))
	fmt.Fprintf(out, "Calls:         %d\n", len(s.Records))
	fmt.Fprintf(out, "Tokens:        %d prompt, %d completion\n", s.TotalPromptTokens, s.TotalCompletionTokens)
	fmt.Fprintf(out, "Total Cost:    %.4f¢\n", s.TotalCostCents)
	fmt.Fprintf(out, "Daily:         %.2f¢ of %.2f¢\n", s.Budget.DailySpentCents, s.Budget.DailyLimitCents)
	fmt.Fprintf(out, "Monthly:       %.2f¢ of %.2f¢\n", s.Budget.MonthlySpentCents, s.Budget.MonthlyLimitCents)

	if len(s.Records) == 0 {
		return
	}
	byModel := make(map[string]float64)
	for _, r := range s.Records {
		byModel[r.Model] += r.CostCents
	}
	fmt.Fprintln(out, "\nBy Model:")
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	for model, cost := range byModel {
		fmt.Fprintf(w, "  %s\t%.4f¢\n", model, cost)
	}
	w.Flush()
}
