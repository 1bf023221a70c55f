package factory

import (
	"context"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/store"
	"github.com/mikey/llm-mail-triage/internal/config"
)

// StoreFactory opens the database gateway
type StoreFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewStoreFactory creates a new store factory
func NewStoreFactory(cfg *config.Config, logger *zap.Logger) *StoreFactory {
	return &StoreFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateGateway connects to the configured database and migrates it
func (f *StoreFactory) CreateGateway(ctx context.Context) (*store.Gateway, error) {
	cfg, err := f.cfg.GetDatabase()
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, cfg, f.logger.Named("store"))
}
