package invoker

import (
	"regexp"
	"strings"
	"time"

	"github.com/mikey/llm-mail-triage/internal/core"
)

const (
	ruleBaseScore  = 5
	ruleConfidence = 0.3
)

var (
	urgentKeywords = regexp.MustCompile(`(?i)\b(urgent|asap|immediately|action required|deadline|overdue|final notice|critical)\b`)
	promoKeywords  = regexp.MustCompile(`(?i)\b(sale|discount|offer|deal|coupon|promo\w*|newsletter|unsubscribe|% off)\b`)
)

// RuleScorer produces a deterministic score when no model answered
type RuleScorer struct {
	senders core.SenderClassifier
	now     func() time.Time
}

// NewRuleScorer creates a rule scorer
func NewRuleScorer(senders core.SenderClassifier) *RuleScorer {
	return &RuleScorer{senders: senders, now: time.Now}
}

// Score applies keyword and flag rules around a neutral base and clamps the result
func (r *RuleScorer) Score(tier core.Tier, email core.EmailFeatures) core.ScoringResult {
	score := ruleBaseScore
	var applied []string

	text := email.Subject + " " + email.Snippet
	if urgentKeywords.MatchString(text) {
		score += 2
		applied = append(applied, "urgent keywords +2")
	}
	if email.Important {
		score += 2
		applied = append(applied, "important +2")
	}
	if email.Starred {
		score++
		applied = append(applied, "starred +1")
	}
	if r.senders != nil && r.senders.IsAutomated(email.From) {
		score -= 2
		applied = append(applied, "automated sender -2")
	}
	if promoKeywords.MatchString(text) {
		score -= 2
		applied = append(applied, "promotional keywords -2")
	}

	reasoning := "rule-based fallback: base 5"
	if len(applied) > 0 {
		reasoning += ", " + strings.Join(applied, ", ")
	}

	return core.ScoringResult{
		Score:           core.ClampScore(score),
		TierUsed:        tier,
		Confidence:      ruleConfidence,
		Reasoning:       reasoning,
		ModelIdentifier: core.FallbackModelIdentifier,
		Fallback:        true,
		ScoredAt:        r.now(),
	}
}
