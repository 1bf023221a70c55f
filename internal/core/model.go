package core

import (
	"time"
)

// Tier is a cost/capability class of model
type Tier string

const (
	TierNano     Tier = "nano"
	TierMini     Tier = "mini"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Tiers lists every tier from cheapest to most expensive
var Tiers = []Tier{TierNano, TierMini, TierStandard, TierPremium}

// Rank orders tiers by cost; unknown tiers rank below nano
func (t Tier) Rank() int {
	switch t {
	case TierNano:
		return 0
	case TierMini:
		return 1
	case TierStandard:
		return 2
	case TierPremium:
		return 3
	default:
		return -1
	}
}

// Valid reports whether t is one of the declared tiers
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// ParseTier converts a string into a Tier
func ParseTier(s string) (Tier, bool) {
	t := Tier(s)
	return t, t.Valid()
}

// Signature is a deterministic, normalized cache key derived from an email
type Signature string

// EmailFeatures represents the salient features of an email used for scoring
type EmailFeatures struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	From          string    `json:"from"`
	Subject       string    `json:"subject"`
	Snippet       string    `json:"snippet"`
	Important     bool      `json:"important"`
	Starred       bool      `json:"starred"`
	Unread        bool      `json:"unread"`
	HasAttachment bool      `json:"has_attachment"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ScoringResult represents the outcome of scoring a single email
type ScoringResult struct {
	EmailID          string    `json:"email_id,omitempty"`
	UserID           string    `json:"user_id,omitempty"`
	Signature        Signature `json:"signature,omitempty"`
	Score            int       `json:"score"`
	TierUsed         Tier      `json:"tier_used"`
	Confidence       float64   `json:"confidence"`
	Reasoning        string    `json:"reasoning"`
	ModelIdentifier  string    `json:"model_identifier"`
	CostCents        float64   `json:"cost_cents"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cached           bool      `json:"cached"`
	Fallback         bool      `json:"fallback"`
	ScoredAt         time.Time `json:"scored_at"`
}

// FallbackModelIdentifier tags results produced by the rule-based scorer
const FallbackModelIdentifier = "fallback-rules"

const (
	MinScore = 1
	MaxScore = 10
)

// ClampScore forces a score into the valid range
func ClampScore(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// CacheLevel identifies one of the cache tiers
type CacheLevel string

const (
	LevelHot     CacheLevel = "hot"
	LevelWarm    CacheLevel = "warm"
	LevelPattern CacheLevel = "pattern"
)

// CacheEntry is a cached scoring result
type CacheEntry struct {
	Signature  Signature
	Tier       Tier
	Result     ScoringResult
	CreatedAt  time.Time
	TTL        time.Duration
	Level      CacheLevel
	LastAccess time.Time
	Hits       int64
}

// ExpiresAt returns the moment the entry stops being valid
func (e *CacheEntry) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.TTL)
}

// Expired reports whether the entry is past its TTL at now
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt())
}

// UsageRecord is an append-only record of model spend
type UsageRecord struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	Operation        string    `json:"operation"`
	Tier             Tier      `json:"tier"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostCents        float64   `json:"cost_cents"`
	CreatedAt        time.Time `json:"created_at"`
}

// BudgetState is the current spend of a user against their ceilings
type BudgetState struct {
	UserID            string    `json:"user_id"`
	DailyLimitCents   float64   `json:"daily_limit_cents"`
	MonthlyLimitCents float64   `json:"monthly_limit_cents"`
	DailySpentCents   float64   `json:"daily_spent_cents"`
	MonthlySpentCents float64   `json:"monthly_spent_cents"`
	WindowResetAt     time.Time `json:"window_reset_at"`
	MonthlyResetAt    time.Time `json:"monthly_reset_at"`
}

// Decision is the outcome of a budget charge
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow is the decision returned for an accepted charge
var Allow = Decision{Allowed: true}

// Deny builds a rejected decision
func Deny(reason string) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// UsageWindow selects the period covered by a usage summary
type UsageWindow string

const (
	WindowDaily   UsageWindow = "daily"
	WindowMonthly UsageWindow = "monthly"
)

// UsageSummary aggregates usage records for a user over a window
type UsageSummary struct {
	UserID                string        `json:"user_id"`
	Window                UsageWindow   `json:"window"`
	Since                 time.Time     `json:"since"`
	Records               []UsageRecord `json:"records"`
	TotalCostCents        float64       `json:"total_cost_cents"`
	TotalPromptTokens     int           `json:"total_prompt_tokens"`
	TotalCompletionTokens int           `json:"total_completion_tokens"`
	Budget                BudgetState   `json:"budget"`
}

// Comparison is the operator used by an alert rule
type Comparison string

const (
	CompareGreater        Comparison = ">"
	CompareGreaterOrEqual Comparison = ">="
	CompareLess           Comparison = "<"
	CompareLessOrEqual    Comparison = "<="
	CompareEqual          Comparison = "=="
)

// Holds evaluates value <op> threshold
func (c Comparison) Holds(value, threshold float64) bool {
	switch c {
	case CompareGreater:
		return value > threshold
	case CompareGreaterOrEqual:
		return value >= threshold
	case CompareLess:
		return value < threshold
	case CompareLessOrEqual:
		return value <= threshold
	case CompareEqual:
		return value == threshold
	default:
		return false
	}
}

// AlertRule is a static rule evaluated against recorded metrics
type AlertRule struct {
	ID         string        `json:"id" mapstructure:"id"`
	MetricName string        `json:"metric_name" mapstructure:"metric"`
	Threshold  float64       `json:"threshold" mapstructure:"threshold"`
	Comparison Comparison    `json:"comparison" mapstructure:"comparison"`
	Window     time.Duration `json:"window" mapstructure:"window"`
	Severity   string        `json:"severity" mapstructure:"severity"`
}

// AlertState is the edge an alert event reports
type AlertState string

const (
	AlertFiring   AlertState = "firing"
	AlertResolved AlertState = "resolved"
)

// AlertEvent is emitted when a rule changes state
type AlertEvent struct {
	RuleID     string     `json:"rule_id"`
	MetricName string     `json:"metric_name"`
	Value      float64    `json:"value"`
	Threshold  float64    `json:"threshold"`
	Comparison Comparison `json:"comparison"`
	Severity   string     `json:"severity"`
	State      AlertState `json:"state"`
	Timestamp  time.Time  `json:"timestamp"`
}

// HealthStatus is the status of one check or the whole system
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Severity orders statuses so the worst one wins
func (s HealthStatus) Severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// CheckResult is the outcome of a single health check
type CheckResult struct {
	Status    HealthStatus `json:"status"`
	LatencyMs int64        `json:"latency_ms"`
	Message   string       `json:"message,omitempty"`
}

// HealthSnapshot is a point-in-time view of the system's dependencies
type HealthSnapshot struct {
	Status    HealthStatus           `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp time.Time              `json:"timestamp"`
}

// ItemOutcome is the per-item result of a batch operation
type ItemOutcome struct {
	EmailID string `json:"email_id"`
	OK      bool   `json:"ok"`
	Error   string `json:"error,omitempty"`
}

// BatchOutcome summarizes a batch write or a batch scoring run
type BatchOutcome struct {
	UserID    string          `json:"user_id,omitempty"`
	Requested int             `json:"requested"`
	Scored    int             `json:"scored"`
	Persisted int             `json:"persisted"`
	Failed    int             `json:"failed"`
	Items     []ItemOutcome   `json:"items"`
	Results   []ScoringResult `json:"results,omitempty"`
	Duration  time.Duration   `json:"duration"`
}

// CompletionRequest is a provider-neutral model request
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float32
	TopP        float32
}

// Completion is a provider-neutral model response
type Completion struct {
	ID               string
	Model            string
	Text             string
	PromptTokens     int
	CompletionTokens int
}

// TimerHandle is returned by StartTimer and handed back to Stop
type TimerHandle struct {
	Operation string
	StartedAt time.Time
}

// Outcome describes how a timed operation finished
type Outcome struct {
	Success  bool
	Metadata map[string]string
}

// Operation names measured by the performance monitor
const (
	OpScoreEmail   = "score_email"
	OpCacheHit     = "cache_hit"
	OpModelInvoke  = "model_invoke"
	OpScoreBatch   = "score_batch"
	OpFetchPending = "fetch_pending"
	OpBatchWrite   = "batch_write"
)
