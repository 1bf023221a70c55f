package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mikey/llm-mail-triage/internal/core"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the database and model routes",
	RunE:  runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	return invoke(func(a *app) error {
		snapshot := a.Service.GetHealth(cmd.Context())

		if outputFormat == "json" {
			if err := printJSON(cmd.OutOrStdout(), snapshot); err != nil {
				return err
			}
		} else {
			printHealth(cmd.OutOrStdout(), snapshot)
		}

		if snapshot.Status == core.StatusUnhealthy {
			return fmt.Errorf("system is %s", snapshot.Status)
		}
		return nil
	})
}

func printHealth(out io.Writer, h core.HealthSnapshot) {
	fmt.Fprintf(out, "Status: %s\n\n", h.Status)

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tLATENCY\tMESSAGE")
	for _, name := range names {
		c := h.Checks[name]
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", name, c.Status, c.LatencyMs, c.Message)
	}
	w.Flush()
}
