package di

import (
	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/logging"
)

// CLIFlags contains the global command line flags of the CLI application
type CLIFlags struct {
	ConfigFile  string
	Verbose     bool
	JSONLog     bool
	DatabaseDSN string
	Driver      string
	NoMigrate   bool
}

// BuildCLIContainer creates and configures a dependency injection container for the CLI application
func BuildCLIContainer(flags *CLIFlags) (*dig.Container, error) {
	container := dig.New()

	// Register flags
	if err := container.Provide(func() *CLIFlags { return flags }); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(func(flags *CLIFlags) (*zap.Logger, error) {
		return logging.InitConsoleLogger(flags.Verbose, flags.JSONLog)
	}); err != nil {
		return nil, err
	}

	// Register configuration, with flag overrides applied on top of file and environment
	if err := container.Provide(func(flags *CLIFlags, logger *zap.Logger) (*config.Config, error) {
		cfg, err := config.Load(flags.ConfigFile)
		if err != nil {
			return nil, err
		}
		if used := cfg.GetViper().ConfigFileUsed(); used != "" {
			logger.Info("Loaded configuration from file", zap.String("file", used))
		}
		applyFlagOverrides(cfg, flags)
		return cfg, nil
	}); err != nil {
		return nil, err
	}

	if err := providePipeline(container); err != nil {
		return nil, err
	}

	return container, nil
}

// applyFlagOverrides copies explicitly set flags into the configuration
func applyFlagOverrides(cfg *config.Config, flags *CLIFlags) {
	v := cfg.GetViper()
	if flags.Driver != "" {
		v.Set("database.driver", flags.Driver)
	}
	if flags.DatabaseDSN != "" {
		v.Set("database.dsn", flags.DatabaseDSN)
	}
	if flags.NoMigrate {
		v.Set("database.migrate", false)
	}
	// Short-lived process, no background cleanup.
	v.Set("cache.cleanup_frequency", "0s")
}
