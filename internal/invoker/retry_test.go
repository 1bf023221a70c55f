package invoker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikey/llm-mail-triage/internal/core"
)

func TestRetry_SucceedsOnThirdAttempt(t *testing.T) {
	sleeper := &sleepRecorder{}
	attempts := 0

	v, err := Retry(context.Background(), testPolicy(sleeper), func(ctx context.Context, attempt int) (string, error) {
		attempts++
		if attempt < 2 {
			return "", core.Transient(errors.New("flaky"))
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, attempts)
	assert.Len(t, sleeper.delays, 2)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	attempts := 0
	permanent := core.Permanent(errors.New("bad key"))

	_, err := Retry(context.Background(), testPolicy(&sleepRecorder{}), func(ctx context.Context, attempt int) (int, error) {
		attempts++
		return 0, permanent
	})

	assert.ErrorIs(t, err, core.ErrPermanent)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ReturnsLastErrorAfterMaxAttempts(t *testing.T) {
	attempts := 0
	_, err := Retry(context.Background(), testPolicy(&sleepRecorder{}), func(ctx context.Context, attempt int) (int, error) {
		attempts++
		return 0, core.Validation(errors.New("score out of range"))
	})

	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Equal(t, 3, attempts)
}

func TestRetry_StopsWhenContextDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	p := testPolicy(&sleepRecorder{})
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := Retry(ctx, p, func(ctx context.Context, attempt int) (int, error) {
		attempts++
		return 0, core.Transient(errors.New("busy"))
	})

	assert.ErrorIs(t, err, core.ErrTransient)
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Backoff(t *testing.T) {
	p := Policy{BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second}

	assert.Equal(t, 200*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 800*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(3))
	assert.Equal(t, time.Second, p.Backoff(30))

	p.Jitter = 0.5
	p.Rand = func() float64 { return 0.5 }
	assert.Equal(t, 250*time.Millisecond, p.Backoff(0))
	assert.Equal(t, time.Second, p.Backoff(2))
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
}
