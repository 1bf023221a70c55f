package core

import (
	"context"
	"time"
)

// ModelClient defines the interface for interacting with a single LLM provider
type ModelClient interface {
	// Complete sends one completion request to the provider
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)

	// Provider returns the provider name used in route configuration
	Provider() string
}

// Signer derives cache signatures from email features
type Signer interface {
	Generate(email EmailFeatures) Signature
}

// ResultCache stores scoring results keyed by signature
type ResultCache interface {
	// Get checks every tier, hot first
	Get(sig Signature) (*ScoringResult, CacheLevel, bool)

	// Put stores a result in the hot tier
	Put(sig Signature, tier Tier, result ScoringResult)

	// PutAt stores a result in a specific tier
	PutAt(level CacheLevel, sig Signature, tier Tier, result ScoringResult)

	// Invalidate removes a signature from all tiers
	Invalidate(sig Signature) bool
}

// Classifier picks the cheapest adequate model tier for an email
type Classifier interface {
	Classify(email EmailFeatures) Tier
}

// SenderClassifier recognises automated senders
type SenderClassifier interface {
	IsAutomated(from string) bool
}

// Invoker calls models with retry and fallback. Invoke always returns a result.
type Invoker interface {
	Invoke(ctx context.Context, tier Tier, email EmailFeatures) ScoringResult

	// EstimateCost returns the expected cost of one call at tier
	EstimateCost(tier Tier) float64
}

// BudgetTracker enforces per-user spend ceilings
type BudgetTracker interface {
	// Charge atomically checks and reserves the estimated cost of usage
	Charge(ctx context.Context, usage UsageRecord) Decision

	// Adjust adds delta cents to the user's spend without a limit check
	Adjust(userID string, deltaCents float64)

	// Record persists a usage record
	Record(ctx context.Context, usage UsageRecord) error

	// State returns the user's current budget state
	State(ctx context.Context, userID string) BudgetState
}

// EmailGateway reads pending emails and persists scoring results
type EmailGateway interface {
	FetchPending(ctx context.Context, userID string, limit int) ([]EmailFeatures, error)
	BatchWrite(ctx context.Context, results []ScoringResult) (*BatchOutcome, error)
}

// UsageStore persists usage records
type UsageStore interface {
	WriteUsage(ctx context.Context, usage UsageRecord) error
	QueryUsage(ctx context.Context, userID string, since time.Time) ([]UsageRecord, error)
	SumUsage(ctx context.Context, userID string, since time.Time) (float64, error)
}

// PerformanceMonitor measures operation latency against SLAs
type PerformanceMonitor interface {
	StartTimer(operation string) TimerHandle
	Stop(handle TimerHandle, outcome Outcome) time.Duration
}

// HealthReporter runs health checks
type HealthReporter interface {
	Check(ctx context.Context) HealthSnapshot
}

// AlertSink receives alert events
type AlertSink interface {
	Send(ctx context.Context, event AlertEvent) error
}
