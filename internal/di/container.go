package di

import (
	"context"

	"go.uber.org/dig"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/cache"
	"github.com/mikey/llm-mail-triage/internal/adapters/filter"
	"github.com/mikey/llm-mail-triage/internal/adapters/httpapi"
	"github.com/mikey/llm-mail-triage/internal/adapters/store"
	"github.com/mikey/llm-mail-triage/internal/budget"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/factory"
	"github.com/mikey/llm-mail-triage/internal/invoker"
	"github.com/mikey/llm-mail-triage/internal/logging"
	"github.com/mikey/llm-mail-triage/internal/monitor"
	"github.com/mikey/llm-mail-triage/internal/router"
	"github.com/mikey/llm-mail-triage/internal/sender"
	"github.com/mikey/llm-mail-triage/internal/signature"
	"github.com/mikey/llm-mail-triage/internal/utils"
)

// Resources are the long-lived components that need closing on shutdown
type Resources struct {
	dig.In

	Logger  *zap.Logger
	Cache   *cache.MultiTierCache
	Gateway *store.Gateway
	Monitor *monitor.Monitor
	Clients *factory.ModelClients
}

// Close releases resources in reverse dependency order
func (r Resources) Close() {
	r.Cache.Stop()
	r.Monitor.Close()
	if err := r.Clients.Close(); err != nil {
		r.Logger.Error("Failed to close model clients", zap.Error(err))
	}
	if err := r.Gateway.Close(); err != nil {
		r.Logger.Error("Failed to close database", zap.Error(err))
	}
}

type serviceParams struct {
	dig.In

	Signer     *signature.Generator
	Cache      *cache.MultiTierCache
	Classifier *router.Classifier
	Senders    *sender.Matcher
	Invoker    *invoker.Invoker
	Budget     *budget.Tracker
	Gateway    *store.Gateway
	Monitor    *monitor.Monitor
	Health     *monitor.HealthChecker
	Options    core.ServiceOptions
	Logger     *zap.Logger
}

// BuildContainer creates and configures the dependency injection container for the service
func BuildContainer() (*dig.Container, error) {
	container := dig.New()

	// Register configuration
	if err := container.Provide(config.New); err != nil {
		return nil, err
	}

	// Register logger
	if err := container.Provide(logging.InitLogger); err != nil {
		return nil, err
	}

	if err := providePipeline(container); err != nil {
		return nil, err
	}

	// Register HTTP API
	if err := container.Provide(func(cfg *config.Config, service *core.TriageService, logger *zap.Logger) (*httpapi.Server, error) {
		opts, err := cfg.GetServer()
		if err != nil {
			return nil, err
		}
		return httpapi.NewServer(service, opts, logger.Named("http")), nil
	}); err != nil {
		return nil, err
	}

	// Register SMTP filter; nil when disabled
	if err := container.Provide(func(f *factory.FilterFactory, service *core.TriageService, gw *store.Gateway) (*filter.SMTPFilter, error) {
		if !f.Enabled() {
			return nil, nil
		}
		return f.CreateSMTPFilter(service, gw)
	}); err != nil {
		return nil, err
	}

	return container, nil
}

// providePipeline registers the factories and every stage of the scoring pipeline.
// It expects *config.Config and *zap.Logger to be provided already.
func providePipeline(container *dig.Container) error {
	providers := []any{
		factory.NewLLMFactory,
		factory.NewCacheFactory,
		factory.NewStoreFactory,
		factory.NewMonitorFactory,
		factory.NewFilterFactory,
		factory.NewPipelineFactory,

		func(f *factory.LLMFactory) (*factory.ModelClients, error) {
			return f.CreateModelClients(context.Background())
		},
		func(f *factory.CacheFactory) (*cache.MultiTierCache, error) {
			return f.CreateCache()
		},
		func(f *factory.StoreFactory) (*store.Gateway, error) {
			return f.CreateGateway(context.Background())
		},
		func(f *factory.MonitorFactory) (*monitor.Monitor, error) {
			return f.CreateMonitor()
		},
		func(f *factory.PipelineFactory) *utils.TextProcessor {
			return f.CreateTextProcessor()
		},
		func(f *factory.PipelineFactory) *sender.Matcher {
			return f.CreateSenderMatcher()
		},
		func(f *factory.PipelineFactory, m *sender.Matcher) *signature.Generator {
			return f.CreateSigner(m)
		},
		func(f *factory.PipelineFactory, m *sender.Matcher) (*router.Classifier, error) {
			return f.CreateClassifier(m)
		},
		func(f *factory.PipelineFactory, clients *factory.ModelClients, tp *utils.TextProcessor, m *sender.Matcher) (*invoker.Invoker, error) {
			return f.CreateInvoker(clients, tp, m)
		},
		func(f *factory.PipelineFactory, gw *store.Gateway) (*budget.Tracker, error) {
			return f.CreateBudgetTracker(gw)
		},
		func(f *factory.PipelineFactory) (core.ServiceOptions, error) {
			return f.CreateServiceOptions()
		},

		// Health checks cover the database, the model routes and firing alerts.
		func(f *factory.MonitorFactory, gw *store.Gateway, inv *invoker.Invoker, mon *monitor.Monitor) (*monitor.HealthChecker, error) {
			h, err := f.CreateHealthChecker()
			if err != nil {
				return nil, err
			}
			h.Register("database", gw.Ping)
			h.Register("models", inv.HealthCheck)
			h.Register("alerts", mon.HealthCheck)
			return h, nil
		},

		func(p serviceParams) *core.TriageService {
			return core.NewTriageService(core.ServiceDeps{
				Signer:     p.Signer,
				Cache:      p.Cache,
				Classifier: p.Classifier,
				Senders:    p.Senders,
				Invoker:    p.Invoker,
				Budget:     p.Budget,
				Gateway:    p.Gateway,
				Usage:      p.Gateway,
				Monitor:    p.Monitor,
				Health:     p.Health,
			}, p.Options, p.Logger)
		},
	}

	for _, p := range providers {
		if err := container.Provide(p); err != nil {
			return err
		}
	}
	return nil
}
