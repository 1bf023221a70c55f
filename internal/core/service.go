package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ServiceDeps groups the ports the triage service depends on
type ServiceDeps struct {
	Signer     Signer
	Cache      ResultCache
	Classifier Classifier
	Senders    SenderClassifier
	Invoker    Invoker
	Budget     BudgetTracker
	Gateway    EmailGateway
	Usage      UsageStore
	Monitor    PerformanceMonitor
	Health     HealthReporter
}

// ServiceOptions tunes batch behaviour
type ServiceOptions struct {
	BatchConcurrency  int
	BatchTimeout      time.Duration
	PersistTimeout    time.Duration
	DefaultBatchLimit int
	MaxBatchLimit     int
}

// DefaultServiceOptions returns the defaults used when configuration is silent
func DefaultServiceOptions() ServiceOptions {
	return ServiceOptions{
		BatchConcurrency:  5,
		BatchTimeout:      2 * time.Minute,
		PersistTimeout:    30 * time.Second,
		DefaultBatchLimit: 50,
		MaxBatchLimit:     500,
	}
}

// TriageService is the core service that scores emails at the lowest adequate cost
type TriageService struct {
	deps   ServiceDeps
	opts   ServiceOptions
	logger *zap.Logger
	now    func() time.Time
}

// NewTriageService creates a new triage service
func NewTriageService(deps ServiceDeps, opts ServiceOptions, logger *zap.Logger) *TriageService {
	defaults := DefaultServiceOptions()
	if opts.BatchConcurrency <= 0 {
		opts.BatchConcurrency = defaults.BatchConcurrency
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = defaults.BatchTimeout
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = defaults.PersistTimeout
	}
	if opts.DefaultBatchLimit <= 0 {
		opts.DefaultBatchLimit = defaults.DefaultBatchLimit
	}
	if opts.MaxBatchLimit <= 0 {
		opts.MaxBatchLimit = defaults.MaxBatchLimit
	}
	return &TriageService{
		deps:   deps,
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
}

// ScoreEmail scores a single email and persists the result on a best-effort basis
func (s *TriageService) ScoreEmail(ctx context.Context, email EmailFeatures) (*ScoringResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := s.score(ctx, email)

	if email.ID != "" && s.deps.Gateway != nil {
		if _, err := s.persist(ctx, []ScoringResult{result}); err != nil {
			s.logger.Warn("Failed to persist scoring result",
				zap.String("email_id", email.ID),
				zap.Error(err))
		}
	}
	return &result, nil
}

// score runs the pipeline for one email: cache lookup, tier choice, budget, invoke, write back
func (s *TriageService) score(ctx context.Context, email EmailFeatures) ScoringResult {
	total := s.deps.Monitor.StartTimer(OpScoreEmail)
	sig := s.deps.Signer.Generate(email)

	lookup := s.deps.Monitor.StartTimer(OpCacheHit)
	if cached, level, ok := s.deps.Cache.Get(sig); ok {
		result := *cached
		result.EmailID = email.ID
		result.UserID = email.UserID
		result.Signature = sig
		result.Cached = true
		result.CostCents = 0
		result.PromptTokens = 0
		result.CompletionTokens = 0
		result.ScoredAt = s.now()
		result.LatencyMs = s.deps.Monitor.Stop(lookup, Outcome{Success: true}).Milliseconds()
		s.deps.Monitor.Stop(total, Outcome{Success: true, Metadata: map[string]string{"cache": string(level)}})

		s.logger.Debug("Cache hit",
			zap.String("signature", string(sig)),
			zap.String("level", string(level)),
			zap.Int("score", result.Score))
		return result
	}

	tier := s.deps.Classifier.Classify(email)
	estimate := 0.0
	charged := false
	if tier.Rank() > TierNano.Rank() {
		estimate = s.deps.Invoker.EstimateCost(tier)
		decision := s.deps.Budget.Charge(ctx, UsageRecord{
			UserID:    email.UserID,
			Operation: OpScoreEmail,
			Tier:      tier,
			CostCents: estimate,
			CreatedAt: s.now(),
		})
		if decision.Allowed {
			charged = true
		} else {
			s.logger.Info("Budget denied, downgrading to nano",
				zap.String("user_id", email.UserID),
				zap.String("requested_tier", string(tier)),
				zap.String("reason", decision.Reason))
			tier = TierNano
		}
	}

	result := s.deps.Invoker.Invoke(ctx, tier, email)
	result.EmailID = email.ID
	result.UserID = email.UserID
	result.Signature = sig
	if result.ScoredAt.IsZero() {
		result.ScoredAt = s.now()
	}

	// Settle the reservation against what the call actually cost.
	switch {
	case charged:
		s.deps.Budget.Adjust(email.UserID, result.CostCents-estimate)
	case result.CostCents > 0:
		s.deps.Budget.Adjust(email.UserID, result.CostCents)
	}

	if !result.Fallback {
		usage := UsageRecord{
			UserID:           email.UserID,
			Operation:        OpScoreEmail,
			Tier:             result.TierUsed,
			Model:            result.ModelIdentifier,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			CostCents:        result.CostCents,
			CreatedAt:        result.ScoredAt,
		}
		if err := s.deps.Budget.Record(ctx, usage); err != nil {
			s.logger.Warn("Failed to record usage",
				zap.String("user_id", email.UserID),
				zap.Error(err))
		}

		s.deps.Cache.Put(sig, result.TierUsed, result)
		if s.deps.Senders != nil && s.deps.Senders.IsAutomated(email.From) {
			s.deps.Cache.PutAt(LevelPattern, sig, result.TierUsed, result)
		}
	}

	s.deps.Monitor.Stop(total, Outcome{
		Success:  !result.Fallback,
		Metadata: map[string]string{"tier": string(result.TierUsed)},
	})
	return result
}

// ScoreBatch fetches a user's pending emails, scores them concurrently and persists the results
func (s *TriageService) ScoreBatch(ctx context.Context, userID string, limit int) (*BatchOutcome, error) {
	if userID == "" {
		return nil, Validation(errors.New("user id is required"))
	}
	if limit <= 0 {
		limit = s.opts.DefaultBatchLimit
	}
	if limit > s.opts.MaxBatchLimit {
		limit = s.opts.MaxBatchLimit
	}

	started := s.now()
	batchTimer := s.deps.Monitor.StartTimer(OpScoreBatch)
	ctx, cancel := context.WithTimeout(ctx, s.opts.BatchTimeout)
	defer cancel()

	fetchTimer := s.deps.Monitor.StartTimer(OpFetchPending)
	emails, err := s.deps.Gateway.FetchPending(ctx, userID, limit)
	s.deps.Monitor.Stop(fetchTimer, Outcome{Success: err == nil})
	if err != nil {
		s.deps.Monitor.Stop(batchTimer, Outcome{Success: false})
		return nil, fmt.Errorf("failed to fetch pending emails: %w", err)
	}

	results := make([]*ScoringResult, len(emails))
	itemErrs := make([]error, len(emails))

	var g errgroup.Group
	g.SetLimit(s.opts.BatchConcurrency)
	for i := range emails {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				itemErrs[i] = fmt.Errorf("not started before batch deadline: %w", err)
				return nil
			}
			r := s.score(ctx, emails[i])
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	scored := make([]ScoringResult, 0, len(emails))
	for _, r := range results {
		if r != nil {
			scored = append(scored, *r)
		}
	}

	outcome := &BatchOutcome{
		UserID:    userID,
		Requested: len(emails),
		Scored:    len(scored),
		Results:   scored,
	}

	var written map[string]ItemOutcome
	var persistErr error
	if len(scored) > 0 {
		// Results already paid for are saved even if the batch deadline has passed.
		persistCtx, persistCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.PersistTimeout)
		writeOutcome, err := s.persist(persistCtx, scored)
		persistCancel()
		if err != nil {
			persistErr = err
			s.logger.Error("Failed to persist batch results",
				zap.String("user_id", userID),
				zap.Int("results", len(scored)),
				zap.Error(err))
		} else {
			written = make(map[string]ItemOutcome, len(writeOutcome.Items))
			for _, item := range writeOutcome.Items {
				written[item.EmailID] = item
			}
			outcome.Persisted = writeOutcome.Persisted
		}
	}

	for i, email := range emails {
		item := ItemOutcome{EmailID: email.ID}
		switch {
		case itemErrs[i] != nil:
			item.Error = itemErrs[i].Error()
		case written == nil:
			item.Error = "results not persisted"
		default:
			w, ok := written[email.ID]
			if !ok {
				item.Error = "missing from write outcome"
			} else {
				item.OK = w.OK
				item.Error = w.Error
			}
		}
		if !item.OK {
			outcome.Failed++
		}
		outcome.Items = append(outcome.Items, item)
	}

	outcome.Duration = s.now().Sub(started)
	s.deps.Monitor.Stop(batchTimer, Outcome{Success: outcome.Failed == 0})

	s.logger.Info("Batch scored",
		zap.String("user_id", userID),
		zap.Int("requested", outcome.Requested),
		zap.Int("scored", outcome.Scored),
		zap.Int("persisted", outcome.Persisted),
		zap.Int("failed", outcome.Failed),
		zap.Duration("duration", outcome.Duration))

	// Losing the database entirely fails the whole batch; the outcome still
	// says what was scored.
	if persistErr != nil {
		return outcome, fmt.Errorf("failed to persist batch results: %w", persistErr)
	}
	return outcome, nil
}

func (s *TriageService) persist(ctx context.Context, results []ScoringResult) (*BatchOutcome, error) {
	timer := s.deps.Monitor.StartTimer(OpBatchWrite)
	outcome, err := s.deps.Gateway.BatchWrite(ctx, results)
	s.deps.Monitor.Stop(timer, Outcome{Success: err == nil && outcome != nil && outcome.Failed == 0})
	return outcome, err
}

// Invalidate drops a signature from every cache tier
func (s *TriageService) Invalidate(sig Signature) bool {
	removed := s.deps.Cache.Invalidate(sig)
	s.logger.Info("Signature invalidated",
		zap.String("signature", string(sig)),
		zap.Bool("removed", removed))
	return removed
}

// GetHealth runs all health checks
func (s *TriageService) GetHealth(ctx context.Context) HealthSnapshot {
	return s.deps.Health.Check(ctx)
}

// GetUsageSummary aggregates a user's usage for the current window
func (s *TriageService) GetUsageSummary(ctx context.Context, userID string, window UsageWindow) (*UsageSummary, error) {
	if userID == "" {
		return nil, Validation(errors.New("user id is required"))
	}
	if window == "" {
		window = WindowDaily
	}
	if window != WindowDaily && window != WindowMonthly {
		return nil, Validation(fmt.Errorf("unknown usage window %q", window))
	}

	since := WindowStart(window, s.now())
	records, err := s.deps.Usage.QueryUsage(ctx, userID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}

	summary := &UsageSummary{
		UserID:  userID,
		Window:  window,
		Since:   since,
		Records: records,
		Budget:  s.deps.Budget.State(ctx, userID),
	}
	for _, r := range records {
		summary.TotalCostCents += r.CostCents
		summary.TotalPromptTokens += r.PromptTokens
		summary.TotalCompletionTokens += r.CompletionTokens
	}
	return summary, nil
}
