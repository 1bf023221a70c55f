package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/metrics"
)

// Pricing is the per-1000-token price of a model in cents
type Pricing struct {
	PromptPer1K     float64 `mapstructure:"prompt_per_1k"`
	CompletionPer1K float64 `mapstructure:"completion_per_1k"`
}

// Cost returns the price of a call in cents
func (p Pricing) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)/1000*p.PromptPer1K + float64(completionTokens)/1000*p.CompletionPer1K
}

// Route is one entry of a tier's fallback chain
type Route struct {
	Provider    string  `mapstructure:"provider"`
	Model       string  `mapstructure:"model"`
	Pricing     Pricing `mapstructure:",squash"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// Key identifies the route for breakers and metrics
func (r Route) Key() string {
	return r.Provider + "/" + r.Model
}

// RateLimit bounds the request rate sent to one provider
type RateLimit struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// Options configures the invoker
type Options struct {
	Routes      map[core.Tier][]Route
	Retry       Policy
	CallTimeout time.Duration
	Breaker     BreakerConfig
	RateLimits  map[string]RateLimit

	// EstimatedPromptTokens and EstimatedCompletionTokens size budget reservations
	// and stand in for providers that do not report usage.
	EstimatedPromptTokens     int
	EstimatedCompletionTokens int
}

// Invoker calls models for a tier, walking the tier's fallback chain and
// ending in rule-based scoring. Invoke never fails.
type Invoker struct {
	clients  map[string]core.ModelClient
	routes   map[core.Tier][]Route
	policy   Policy
	timeout  time.Duration
	breakers map[string]*Breaker
	limiters map[string]*rate.Limiter
	prompts  *PromptBuilder
	rules    *RuleScorer
	opts     Options
	logger   *zap.Logger
	now      func() time.Time
}

// New creates an invoker. Routes whose provider has no client are dropped with a warning.
func New(
	clients map[string]core.ModelClient,
	opts Options,
	prompts *PromptBuilder,
	rules *RuleScorer,
	logger *zap.Logger,
) *Invoker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 10 * time.Second
	}
	if opts.EstimatedPromptTokens <= 0 {
		opts.EstimatedPromptTokens = 600
	}
	if opts.EstimatedCompletionTokens <= 0 {
		opts.EstimatedCompletionTokens = 120
	}
	if prompts == nil {
		prompts = NewPromptBuilder(nil, 0)
	}
	if rules == nil {
		rules = NewRuleScorer(nil)
	}

	inv := &Invoker{
		clients:  clients,
		routes:   make(map[core.Tier][]Route, len(opts.Routes)),
		policy:   opts.Retry,
		timeout:  opts.CallTimeout,
		breakers: make(map[string]*Breaker),
		limiters: make(map[string]*rate.Limiter),
		prompts:  prompts,
		rules:    rules,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
	}

	for tier, routes := range opts.Routes {
		for _, route := range routes {
			if _, ok := clients[route.Provider]; !ok {
				logger.Warn("Dropping route without a configured provider client",
					zap.String("tier", string(tier)),
					zap.String("provider", route.Provider),
					zap.String("model", route.Model))
				continue
			}
			inv.routes[tier] = append(inv.routes[tier], route)
			if _, ok := inv.breakers[route.Key()]; !ok {
				inv.breakers[route.Key()] = NewBreaker(route.Key(), opts.Breaker, func() time.Time { return inv.now() }, logger)
			}
		}
		if len(inv.routes[tier]) == 0 {
			logger.Warn("Tier has no usable routes; it will always use rule-based scoring", zap.String("tier", string(tier)))
		}
	}

	for provider, limit := range opts.RateLimits {
		if limit.RequestsPerSecond <= 0 {
			continue
		}
		burst := limit.Burst
		if burst <= 0 {
			burst = 1
		}
		inv.limiters[provider] = rate.NewLimiter(rate.Limit(limit.RequestsPerSecond), burst)
	}

	return inv
}

// EstimateCost returns the expected cost of one call on the tier's primary route
func (inv *Invoker) EstimateCost(tier core.Tier) float64 {
	routes := inv.routes[tier]
	if len(routes) == 0 {
		return 0
	}
	return routes[0].Pricing.Cost(inv.opts.EstimatedPromptTokens, inv.opts.EstimatedCompletionTokens)
}

// Invoke scores an email on the given tier. It always returns a result; when
// every route fails the result comes from the rule scorer. LatencyMs covers
// every attempt, backoff and fallback route, not only the call that answered.
func (inv *Invoker) Invoke(ctx context.Context, tier core.Tier, email core.EmailFeatures) core.ScoringResult {
	started := inv.now()
	req := inv.prompts.Build(email)

	routes := inv.routes[tier]
	for i, route := range routes {
		result, err := inv.invokeRoute(ctx, tier, route, req)
		if err == nil {
			metrics.RecordTier(string(tier))
			result.LatencyMs = inv.now().Sub(started).Milliseconds()
			return *result
		}

		if ctx.Err() != nil {
			inv.logger.Warn("Context done during model invocation, using rule-based scoring",
				zap.String("email_id", email.ID),
				zap.Error(ctx.Err()))
			break
		}
		if core.Classify(err) == core.KindPermanent {
			inv.logger.Error("Permanent model error, using rule-based scoring",
				zap.String("route", route.Key()),
				zap.String("email_id", email.ID),
				zap.Error(err))
			break
		}
		if i < len(routes)-1 {
			metrics.RecordFallback(string(tier), "next_route")
			inv.logger.Warn("Route failed, trying next in chain",
				zap.String("tier", string(tier)),
				zap.String("route", route.Key()),
				zap.String("next", routes[i+1].Key()),
				zap.Error(err))
		}
	}

	metrics.RecordFallback(string(tier), "rules")
	metrics.RecordTier(string(tier))
	result := inv.rules.Score(tier, email)
	result.LatencyMs = inv.now().Sub(started).Milliseconds()
	return result
}

func (inv *Invoker) invokeRoute(ctx context.Context, tier core.Tier, route Route, req core.CompletionRequest) (*core.ScoringResult, error) {
	policy := inv.policy
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		kind := core.Classify(err)
		metrics.RecordRetry(kind.String())
		inv.logger.Debug("Retrying model call",
			zap.String("route", route.Key()),
			zap.Int("attempt", attempt),
			zap.String("kind", kind.String()),
			zap.Duration("delay", delay),
			zap.Error(err))
	}

	return Retry(ctx, policy, func(ctx context.Context, attempt int) (*core.ScoringResult, error) {
		return inv.attempt(ctx, tier, route, req)
	})
}

func (inv *Invoker) attempt(ctx context.Context, tier core.Tier, route Route, req core.CompletionRequest) (*core.ScoringResult, error) {
	breaker := inv.breakers[route.Key()]
	if err := breaker.Allow(); err != nil {
		metrics.RecordModelCall(route.Provider, route.Model, "circuit_open", 0)
		return nil, err
	}

	if limiter := inv.limiters[route.Provider]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			breaker.Release()
			return nil, core.Transient(fmt.Errorf("rate limiter wait for %s: %w", route.Provider, err))
		}
	}

	req.Model = route.Model
	if route.MaxTokens > 0 {
		req.MaxTokens = route.MaxTokens
	}
	req.Temperature = route.Temperature

	callCtx, cancel := context.WithTimeout(ctx, inv.timeout)
	defer cancel()

	started := inv.now()
	completion, err := inv.clients[route.Provider].Complete(callCtx, req)
	elapsed := inv.now().Sub(started)

	if err != nil {
		if ctx.Err() != nil {
			// The caller gave up; the route is not at fault.
			breaker.Release()
			metrics.RecordModelCall(route.Provider, route.Model, "error", elapsed)
			return nil, fmt.Errorf("model call abandoned: %w", ctx.Err())
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = core.Transient(fmt.Errorf("model call timed out after %s: %w", inv.timeout, err))
		}
		breaker.Failure(err)
		metrics.RecordModelCall(route.Provider, route.Model, "error", elapsed)
		inv.logFailure(route, err)
		return nil, err
	}

	parsed, err := ParseResponse(completion.Text)
	if err != nil {
		breaker.Failure(err)
		metrics.RecordModelCall(route.Provider, route.Model, "invalid", elapsed)
		inv.logFailure(route, err)
		return nil, err
	}

	breaker.Success()
	metrics.RecordModelCall(route.Provider, route.Model, "success", elapsed)

	promptTokens, completionTokens := completion.PromptTokens, completion.CompletionTokens
	if promptTokens == 0 && completionTokens == 0 {
		promptTokens, completionTokens = inv.opts.EstimatedPromptTokens, inv.opts.EstimatedCompletionTokens
	}
	cost := route.Pricing.Cost(promptTokens, completionTokens)
	metrics.RecordSpend(string(tier), cost)

	model := completion.Model
	if model == "" {
		model = route.Model
	}

	return &core.ScoringResult{
		Score:            parsed.Score,
		TierUsed:         tier,
		Confidence:       parsed.Confidence,
		Reasoning:        parsed.Reasoning,
		ModelIdentifier:  model,
		CostCents:        cost,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		ScoredAt:         inv.now(),
	}, nil
}

func (inv *Invoker) logFailure(route Route, err error) {
	kind := core.Classify(err)
	fields := []zap.Field{
		zap.String("route", route.Key()),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	switch kind {
	case core.KindPermanent, core.KindValidation:
		inv.logger.Error("Model call failed", fields...)
	default:
		inv.logger.Warn("Model call failed", fields...)
	}
}

// Breakers returns a snapshot of every route breaker
func (inv *Invoker) Breakers() []BreakerSnapshot {
	snapshots := make([]BreakerSnapshot, 0, len(inv.breakers))
	for _, b := range inv.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}
	return snapshots
}

// HealthCheck reports degraded while any breaker is open and an error when
// every route of some tier is open.
func (inv *Invoker) HealthCheck(ctx context.Context) error {
	var degraded []string
	for tier, routes := range inv.routes {
		open := 0
		for _, route := range routes {
			if inv.breakers[route.Key()].State() == StateOpen {
				open++
				degraded = append(degraded, route.Key())
			}
		}
		if len(routes) > 0 && open == len(routes) {
			return fmt.Errorf("all routes for tier %s are open", tier)
		}
	}
	if len(degraded) > 0 {
		return fmt.Errorf("%w: open circuits %v", core.ErrDegraded, degraded)
	}
	return nil
}
