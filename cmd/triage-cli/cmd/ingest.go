package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mikey/llm-mail-triage/internal/adapters/filter"
	"github.com/mikey/llm-mail-triage/internal/core"
)

var ingestUser string

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Add messages to a user's pending inbox",
	Long: `Parse one or more RFC 5322 messages and store them as pending emails.

Messages already in the inbox are skipped, so ingesting the same file twice is
harmless. Use "batch" afterwards to score them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVarP(&ingestUser, "user", "u", "", "User the emails belong to")
	_ = ingestCmd.MarkFlagRequired("user")
}

func runIngest(cmd *cobra.Command, args []string) error {
	emails := make([]core.EmailFeatures, 0, len(args))
	for _, path := range args {
		in, err := openInput(cmd, path)
		if err != nil {
			return err
		}
		email, err := filter.ParseMessage(in, ingestUser, filter.DefaultSnippetBytes)
		in.Close()
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		emails = append(emails, email)
	}

	return invoke(func(a *app) error {
		inserted, err := a.Resources.Gateway.InsertEmails(cmd.Context(), emails)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d of %d emails for %s\n", inserted, len(emails), ingestUser)
		return nil
	})
}
