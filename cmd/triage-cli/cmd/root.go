package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/dig"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/di"
)

var (
	flags        di.CLIFlags
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "triage-cli",
	Short: "Mail triage CLI - score and inspect emails without the server",
	Long: `triage-cli runs the mail triage pipeline in-process.

It can:
- Score a single RFC 5322 message from a file or stdin
- Ingest messages into the pending inbox
- Score a user's pending emails in batch
- Report usage and budget state
- Check the health of the database and model routes`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c", "", "Path to config file")
	rootCmd.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&flags.JSONLog, "json-log", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&flags.DatabaseDSN, "dsn", "", "Database DSN (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flags.Driver, "driver", "", "Database driver: sqlite3, mysql or postgres")
	rootCmd.PersistentFlags().BoolVar(&flags.NoMigrate, "no-migrate", false, "Skip schema migrations")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format (table, json)")
}

// invoke builds the pipeline and runs fn with its dependencies, releasing them afterwards
func invoke(fn func(app *app) error) error {
	container, err := di.BuildCLIContainer(&flags)
	if err != nil {
		return fmt.Errorf("failed to build dependency container: %w", err)
	}
	return container.Invoke(func(a app) error {
		defer a.Resources.Close()
		defer a.Resources.Logger.Sync()
		return fn(&a)
	})
}

type app struct {
	dig.In

	Service   *core.TriageService
	Resources di.Resources
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input file: %w", err)
	}
	return f, nil
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
