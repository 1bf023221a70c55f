package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/adapters/webhook"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/monitor"
)

// MonitorFactory creates the performance monitor and health checker
type MonitorFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewMonitorFactory creates a new monitor factory
func NewMonitorFactory(cfg *config.Config, logger *zap.Logger) *MonitorFactory {
	return &MonitorFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateMonitor creates the monitor. Alerts go to the webhook when one is configured.
func (f *MonitorFactory) CreateMonitor() (*monitor.Monitor, error) {
	mc, err := f.cfg.GetMonitor()
	if err != nil {
		return nil, err
	}
	wc, err := f.cfg.GetWebhook()
	if err != nil {
		return nil, err
	}

	var sink core.AlertSink
	if wc.URL != "" {
		s, err := webhook.NewSink(wc, f.logger.Named("webhook"))
		if err != nil {
			return nil, err
		}
		sink = s
	} else if len(mc.Options.Rules) > 0 {
		f.logger.Warn("Alert rules configured without a webhook, alerts will only be logged")
	}

	return monitor.NewMonitor(mc.Options, sink, f.logger.Named("monitor"))
}

// CreateHealthChecker creates an empty health checker; callers register checks
func (f *MonitorFactory) CreateHealthChecker() (*monitor.HealthChecker, error) {
	mc, err := f.cfg.GetMonitor()
	if err != nil {
		return nil, err
	}
	return monitor.NewHealthChecker(mc.HealthTimeout, mc.HealthHistory, f.logger.Named("health")), nil
}
