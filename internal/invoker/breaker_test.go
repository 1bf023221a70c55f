package invoker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func TestBreaker_Lifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("openai/gpt-4o-mini", BreakerConfig{FailureThreshold: 3, Cooldown: 30 * time.Second}, func() time.Time { return now }, zap.NewNop())
	transient := core.Transient(errors.New("503"))

	for i := 0; i < 2; i++ {
		assert.NoError(t, b.Allow())
		b.Failure(transient)
	}
	assert.Equal(t, StateClosed, b.State())

	assert.NoError(t, b.Allow())
	b.Failure(transient)
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), core.ErrCircuitOpen)

	now = now.Add(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Allow(), "one trial call is let through")
	assert.ErrorIs(t, b.Allow(), core.ErrCircuitOpen, "second concurrent trial call is rejected")

	b.Failure(transient)
	assert.Equal(t, StateOpen, b.State(), "failed trial call reopens")

	now = now.Add(31 * time.Second)
	assert.NoError(t, b.Allow())
	b.Success()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().Failures)
}

func TestBreaker_PermanentErrorUsesLongCooldown(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("bedrock/claude", BreakerConfig{FailureThreshold: 5, Cooldown: 30 * time.Second, PermanentCooldown: 10 * time.Minute}, func() time.Time { return now }, nil)

	b.Failure(core.Permanent(errors.New("access denied")))
	snap := b.Snapshot()
	assert.Equal(t, "open", snap.State)
	assert.True(t, snap.Permanent)
	assert.Equal(t, now.Add(10*time.Minute), snap.OpenUntil)
	assert.Contains(t, snap.LastError, "access denied")

	now = now.Add(time.Minute)
	assert.ErrorIs(t, b.Allow(), core.ErrCircuitOpen)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	b := NewBreaker("r", BreakerConfig{FailureThreshold: 2}, nil, nil)
	b.Failure(errors.New("x"))
	b.Success()
	b.Failure(errors.New("x"))
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_ReleaseFreesProbe(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("r", BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, func() time.Time { return now }, nil)
	b.Failure(errors.New("x"))
	now = now.Add(2 * time.Second)

	assert.NoError(t, b.Allow())
	b.Release()
	assert.NoError(t, b.Allow())
}
