package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mikey/llm-mail-triage/internal/config"
)

// Options selects how a logger is built
type Options struct {
	Level   zapcore.Level
	JSON    bool
	Outputs []string
	Service string
}

// InitLogger initializes a logger based on configuration
func InitLogger(cfg *config.Config) (*zap.Logger, error) {
	return New(Options{
		Level:   parseLevel(cfg.GetString("logging.level")),
		JSON:    cfg.GetString("logging.format") == "json",
		Outputs: cfg.GetStringSlice("logging.output"),
		Service: cfg.GetString("logging.service"),
	})
}

// InitConsoleLogger initializes a console-friendly logger that shows only
// warnings and errors unless verbose is set
func InitConsoleLogger(verbose bool, jsonFormat bool) (*zap.Logger, error) {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	return New(Options{Level: level, JSON: jsonFormat, Outputs: []string{"stderr"}})
}

// New builds a zap logger from options
func New(opts Options) (*zap.Logger, error) {
	var logConfig zap.Config
	if opts.JSON {
		logConfig = zap.NewProductionConfig()
		logConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		logConfig = zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logConfig.Level = zap.NewAtomicLevelAt(opts.Level)
	if len(opts.Outputs) > 0 {
		logConfig.OutputPaths = opts.Outputs
	}
	if opts.Service != "" {
		logConfig.InitialFields = map[string]any{"service": opts.Service}
	}

	logger, err := logConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

func parseLevel(s string) zapcore.Level {
	level, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}
