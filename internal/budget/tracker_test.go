package budget

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/mikey/llm-mail-triage/internal/core"
)

type mockUsageStore struct {
	mu      sync.Mutex
	records []core.UsageRecord
	sums    map[time.Time]float64
	sumErr  error
	calls   int
	// sumRecords makes SumUsage add up written records like the real store
	sumRecords bool
}

func (m *mockUsageStore) WriteUsage(ctx context.Context, usage core.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, usage)
	return nil
}

func (m *mockUsageStore) QueryUsage(ctx context.Context, userID string, since time.Time) ([]core.UsageRecord, error) {
	return nil, nil
}

func (m *mockUsageStore) SumUsage(ctx context.Context, userID string, since time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.sumErr != nil {
		return 0, m.sumErr
	}
	total := m.sums[since]
	if m.sumRecords {
		for _, r := range m.records {
			if r.UserID == userID && !r.CreatedAt.Before(since) {
				total += r.CostCents
			}
		}
	}
	return total, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func charge(userID string, tier core.Tier, cents float64) core.UsageRecord {
	return core.UsageRecord{UserID: userID, Operation: core.OpScoreEmail, Tier: tier, CostCents: cents}
}

func TestCharge_ConcurrentApprovalsNeverExceedLimit(t *testing.T) {
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 100}}, nil, nil)

	var approved atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if tr.Charge(context.Background(), charge("alice", core.TierMini, 1)).Allowed {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 100, approved.Load())
	assert.InDelta(t, 100, tr.State(context.Background(), "alice").DailySpentCents, 1e-9)
}

func TestCharge_DenialsAndExemptions(t *testing.T) {
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 1, MonthlyCents: 10}}, nil, nil)
	ctx := context.Background()

	require.True(t, tr.Charge(ctx, charge("bob", core.TierStandard, 0.6)).Allowed)

	d := tr.Charge(ctx, charge("bob", core.TierStandard, 0.6))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "daily")

	assert.True(t, tr.Charge(ctx, charge("bob", core.TierNano, 5)).Allowed, "nano is exempt")
	assert.True(t, tr.Charge(ctx, charge("carol", core.TierPremium, 0.9)).Allowed, "users do not share spend")
}

func TestCharge_MonthlyLimit(t *testing.T) {
	c := &clock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 5, MonthlyCents: 8}}, nil, nil, WithClock(c.Now))
	ctx := context.Background()

	require.True(t, tr.Charge(ctx, charge("u", core.TierMini, 5)).Allowed)
	c.Set(c.Now().Add(24 * time.Hour))
	require.True(t, tr.Charge(ctx, charge("u", core.TierMini, 3)).Allowed)

	d := tr.Charge(ctx, charge("u", core.TierMini, 1))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "monthly")
}

func TestWindowsResetAtUTCBoundaries(t *testing.T) {
	c := &clock{t: time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC)}
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 10, MonthlyCents: 10}}, nil, nil, WithClock(c.Now))
	ctx := context.Background()

	require.True(t, tr.Charge(ctx, charge("u", core.TierMini, 10)).Allowed)
	require.False(t, tr.Charge(ctx, charge("u", core.TierMini, 1)).Allowed)

	state := tr.State(ctx, "u")
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), state.WindowResetAt)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), state.MonthlyResetAt)

	c.Set(time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC))
	assert.True(t, tr.Charge(ctx, charge("u", core.TierMini, 1)).Allowed)

	state = tr.State(ctx, "u")
	assert.InDelta(t, 1, state.DailySpentCents, 1e-9)
	assert.InDelta(t, 1, state.MonthlySpentCents, 1e-9)
}

func TestAdjust(t *testing.T) {
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 10}}, nil, nil)
	ctx := context.Background()

	require.True(t, tr.Charge(ctx, charge("u", core.TierStandard, 2)).Allowed)
	tr.Adjust("u", -1.5)
	assert.InDelta(t, 0.5, tr.State(ctx, "u").DailySpentCents, 1e-9)

	tr.Adjust("u", -3)
	assert.Zero(t, tr.State(ctx, "u").DailySpentCents)

	// Adjust does not check limits
	tr.Adjust("u", 12)
	assert.InDelta(t, 12, tr.State(ctx, "u").DailySpentCents, 1e-9)
	assert.False(t, tr.Charge(ctx, charge("u", core.TierMini, 0.01)).Allowed)
}

func TestHydrateFromStore(t *testing.T) {
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	store := &mockUsageStore{sums: map[time.Time]float64{
		core.StartOfDay(now):   4,
		core.StartOfMonth(now): 30,
	}}
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 5, MonthlyCents: 100}}, store, nil,
		WithClock(func() time.Time { return now }))
	ctx := context.Background()

	state := tr.State(ctx, "u")
	assert.InDelta(t, 4, state.DailySpentCents, 1e-9)
	assert.InDelta(t, 30, state.MonthlySpentCents, 1e-9)

	assert.False(t, tr.Charge(ctx, charge("u", core.TierMini, 2)).Allowed)
	assert.True(t, tr.Charge(ctx, charge("u", core.TierMini, 1)).Allowed)
	assert.Equal(t, 2, store.calls, "spend is loaded once per window")
}

func TestHydrateRetriesAfterStoreError(t *testing.T) {
	store := &mockUsageStore{sumErr: errors.New("db down")}
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 5}}, store, nil)
	ctx := context.Background()

	assert.True(t, tr.Charge(ctx, charge("u", core.TierMini, 1)).Allowed)

	store.mu.Lock()
	store.sumErr = nil
	store.mu.Unlock()

	tr.State(ctx, "u")
	assert.Equal(t, 4, store.calls)
}

func TestHydrateAfterStoreErrorDoesNotDoubleCount(t *testing.T) {
	c := &clock{t: time.Date(2026, 6, 14, 9, 0, 0, 0, time.UTC)}
	store := &mockUsageStore{sumErr: errors.New("db down"), sumRecords: true}
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 100, MonthlyCents: 1000}}, store, nil, WithClock(c.Now))
	ctx := context.Background()

	usage := charge("u", core.TierMini, 40)
	require.True(t, tr.Charge(ctx, usage).Allowed)
	require.NoError(t, tr.Record(ctx, usage))

	store.mu.Lock()
	store.sumErr = nil
	store.mu.Unlock()

	state := tr.State(ctx, "u")
	assert.InDelta(t, 40, state.DailySpentCents, 1e-9)
	assert.InDelta(t, 40, state.MonthlySpentCents, 1e-9)

	assert.True(t, tr.Charge(ctx, charge("u", core.TierMini, 40)).Allowed)
	assert.InDelta(t, 80, tr.State(ctx, "u").DailySpentCents, 1e-9)
}

func TestHydrateIncludesEarlierUsage(t *testing.T) {
	c := &clock{t: time.Date(2026, 6, 14, 9, 0, 0, 0, time.UTC)}
	store := &mockUsageStore{sumErr: errors.New("db down"), sumRecords: true}
	store.records = []core.UsageRecord{{UserID: "u", CostCents: 30, CreatedAt: c.Now().Add(-time.Hour)}}
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 100}}, store, nil, WithClock(c.Now))
	ctx := context.Background()

	usage := charge("u", core.TierMini, 10)
	require.True(t, tr.Charge(ctx, usage).Allowed)
	require.NoError(t, tr.Record(ctx, usage))

	store.mu.Lock()
	store.sumErr = nil
	store.mu.Unlock()

	assert.InDelta(t, 40, tr.State(ctx, "u").DailySpentCents, 1e-9)
}

func TestSetLimitsAndOverrides(t *testing.T) {
	tr := NewTracker(Options{
		Defaults:  Limits{DailyCents: 1},
		Overrides: map[string]Limits{"vip": {DailyCents: 100}},
	}, nil, nil)
	ctx := context.Background()

	assert.True(t, tr.Charge(ctx, charge("vip", core.TierPremium, 50)).Allowed)

	tr.SetLimits("u", Limits{DailyCents: 0.5})
	assert.False(t, tr.Charge(ctx, charge("u", core.TierMini, 0.6)).Allowed)
	assert.Equal(t, 0.5, tr.State(ctx, "u").DailyLimitCents)
}

func TestWarningLoggedOncePerWindow(t *testing.T) {
	obs, logs := observer.New(zap.WarnLevel)
	tr := NewTracker(Options{Defaults: Limits{DailyCents: 10}}, nil, zap.New(obs))
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		tr.Charge(ctx, charge("u", core.TierMini, 1))
	}
	assert.Equal(t, 1, logs.FilterMessage("User approaching daily budget").Len())
}

func TestRecord(t *testing.T) {
	store := &mockUsageStore{}
	now := time.Date(2026, 5, 20, 9, 0, 0, 0, time.UTC)
	tr := NewTracker(DefaultOptions(), store, nil, WithClock(func() time.Time { return now }))

	require.NoError(t, tr.Record(context.Background(), core.UsageRecord{UserID: "u", CostCents: 0.2}))
	require.Len(t, store.records, 1)
	assert.NotEmpty(t, store.records[0].ID)
	assert.Equal(t, now, store.records[0].CreatedAt)

	assert.NoError(t, NewTracker(DefaultOptions(), nil, nil).Record(context.Background(), core.UsageRecord{}))
}
