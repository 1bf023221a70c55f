package invoker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/sender"
)

func TestParseResponse_Valid(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		score      int
		confidence float64
		reasoning  string
	}{
		{"plain", `{"score": 7, "confidence": 0.8, "reasoning": "invoice due"}`, 7, 0.8, "invoice due"},
		{"wrapped in prose", "Sure! Here you go:\n```json\n{\"score\": 3, \"confidence\": 0.6, \"reasoning\": \"newsletter\"}\n```", 3, 0.6, "newsletter"},
		{"explanation key", `{"score": 10, "confidence": 1, "explanation": "outage"}`, 10, 1, "outage"},
		{"confidence defaulted", `{"score": 1}`, 1, defaultConfidence, ""},
		{"confidence clamped", `{"score": 5, "confidence": 4.2}`, 5, 1, ""},
		{"string score", `{"score": "6"}`, 6, defaultConfidence, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ParseResponse(tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.score, p.Score)
			assert.InDelta(t, tt.confidence, p.Confidence, 1e-9)
			assert.Equal(t, tt.reasoning, p.Reasoning)
		})
	}
}

func TestParseResponse_Invalid(t *testing.T) {
	for name, text := range map[string]string{
		"empty":      "",
		"prose":      "this is important",
		"no score":   `{"confidence": 0.4}`,
		"zero":       `{"score": 0}`,
		"eleven":     `{"score": 11}`,
		"fractional": `{"score": 4.5}`,
		"broken":     `{"score": 4`,
		"text score": `{"score": "high"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseResponse(text)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.Equal(t, core.KindValidation, core.Classify(err))
		})
	}
}

func TestRuleScorer(t *testing.T) {
	r := NewRuleScorer(sender.NewMatcher(nil, nil, nil))

	neutral := r.Score(core.TierMini, core.EmailFeatures{From: "bob@example.com", Subject: "Hello"})
	assert.Equal(t, 5, neutral.Score)
	assert.Equal(t, core.FallbackModelIdentifier, neutral.ModelIdentifier)
	assert.True(t, neutral.Fallback)
	assert.Equal(t, core.TierMini, neutral.TierUsed)

	urgent := r.Score(core.TierPremium, core.EmailFeatures{
		From: "ceo@example.com", Subject: "URGENT: sign today", Important: true, Starred: true,
	})
	assert.Equal(t, 10, urgent.Score)
	assert.Contains(t, urgent.Reasoning, "urgent keywords")

	promo := r.Score(core.TierNano, core.EmailFeatures{
		From: "newsletter@shop.example", Subject: "Big sale this weekend",
	})
	assert.Equal(t, 1, promo.Score)

	clampedHigh := r.Score(core.TierNano, core.EmailFeatures{
		From: "a@example.com", Subject: "urgent deadline", Important: true, Starred: true, Snippet: "asap",
	})
	assert.LessOrEqual(t, clampedHigh.Score, 10)
}

func TestPromptBuilder(t *testing.T) {
	b := NewPromptBuilder(nil, 10)
	req := b.Build(core.EmailFeatures{
		From: "alice@example.com", Subject: "Hi", Snippet: "a long preview that will be cut", Important: true, Unread: true,
	})
	assert.Equal(t, systemPrompt, req.System)
	assert.Contains(t, req.Prompt, "From: alice@example.com")
	assert.Contains(t, req.Prompt, "Flags: important, unread")
	assert.Contains(t, req.Prompt, "a long pre [truncated]")
	assert.NotContains(t, req.Prompt, "will be cut")
}
