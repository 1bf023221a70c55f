package factory

import (
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/budget"
	"github.com/mikey/llm-mail-triage/internal/config"
	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/invoker"
	"github.com/mikey/llm-mail-triage/internal/router"
	"github.com/mikey/llm-mail-triage/internal/sender"
	"github.com/mikey/llm-mail-triage/internal/signature"
	"github.com/mikey/llm-mail-triage/internal/utils"
)

// PipelineFactory creates the scoring pipeline stages
type PipelineFactory struct {
	cfg    *config.Config
	logger *zap.Logger
}

// NewPipelineFactory creates a new pipeline factory
func NewPipelineFactory(cfg *config.Config, logger *zap.Logger) *PipelineFactory {
	return &PipelineFactory{
		cfg:    cfg,
		logger: logger,
	}
}

// CreateTextProcessor creates a new TextProcessor
func (f *PipelineFactory) CreateTextProcessor() *utils.TextProcessor {
	return utils.NewTextProcessor(f.logger)
}

// CreateSenderMatcher creates the automated sender matcher
func (f *PipelineFactory) CreateSenderMatcher() *sender.Matcher {
	sc := f.cfg.GetSender()
	return sender.NewMatcher(sc.Patterns, sc.Domains, f.logger)
}

// CreateSigner creates the signature generator
func (f *PipelineFactory) CreateSigner(senders *sender.Matcher) *signature.Generator {
	return signature.NewGenerator(senders)
}

// CreateClassifier creates the tier classifier
func (f *PipelineFactory) CreateClassifier(senders *sender.Matcher) (*router.Classifier, error) {
	return router.NewClassifier(f.cfg.GetRouter(), senders, f.logger.Named("router"))
}

// CreateInvoker creates the resilient model invoker over the given clients
func (f *PipelineFactory) CreateInvoker(clients *ModelClients, tp *utils.TextProcessor, senders *sender.Matcher) (*invoker.Invoker, error) {
	opts, err := f.cfg.GetInvoker()
	if err != nil {
		return nil, err
	}
	return invoker.New(
		clients.Clients,
		opts,
		invoker.NewPromptBuilder(tp, f.cfg.GetMaxSnippetBytes()),
		invoker.NewRuleScorer(senders),
		f.logger.Named("invoker"),
	), nil
}

// CreateBudgetTracker creates the budget tracker backed by the usage store
func (f *PipelineFactory) CreateBudgetTracker(usage core.UsageStore) (*budget.Tracker, error) {
	opts, err := f.cfg.GetBudget()
	if err != nil {
		return nil, err
	}
	return budget.NewTracker(opts, usage, f.logger.Named("budget")), nil
}

// CreateServiceOptions returns the batch pipeline options
func (f *PipelineFactory) CreateServiceOptions() (core.ServiceOptions, error) {
	return f.cfg.GetPipeline()
}
