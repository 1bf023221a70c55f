package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/filter"
	"github.com/mikey/llm-mail-triage/internal/config"
)

// FilterFactory creates the SMTP ingest filter based on configuration
type FilterFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewFilterFactory creates a new filter factory
func NewFilterFactory(cfg *config.Config, logger *zap.Logger) *FilterFactory {
	return &FilterFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// Enabled reports whether the SMTP filter should run
func (f *FilterFactory) Enabled() bool {
	return f.cfg.GetBool("smtp.enabled")
}

// CreateSMTPFilter creates the SMTP filter around the scoring service
func (f *FilterFactory) CreateSMTPFilter(scorer filter.Scorer, inbox filter.Inbox) (*filter.SMTPFilter, error) {
	opts, err := f.cfg.GetSMTP()
	if err != nil {
		return nil, err
	}
	return filter.NewSMTPFilter(scorer, inbox, opts, f.logger.Named("smtp")), nil
}
