package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/cache"
	"github.com/mikey/llm-mail-triage/internal/config"
)

// CacheFactory creates the result cache based on configuration
type CacheFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewCacheFactory creates a new cache factory
func NewCacheFactory(cfg *config.Config, logger *zap.Logger) *CacheFactory {
	return &CacheFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateCache creates the multi-tier cache and starts its cleanup task
func (f *CacheFactory) CreateCache() (*cache.MultiTierCache, error) {
	cfg, err := f.cfg.GetCache()
	if err != nil {
		return nil, err
	}
	return cache.NewMultiTierCache(cfg, f.logger.Named("cache"))
}
