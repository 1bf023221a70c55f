package budget

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/metrics"
)

// Limits are the spend ceilings for one user. Zero means unlimited.
type Limits struct {
	DailyCents   float64 `mapstructure:"daily_cents"`
	MonthlyCents float64 `mapstructure:"monthly_cents"`
}

// Options configures a Tracker
type Options struct {
	Defaults       Limits
	Overrides      map[string]Limits
	WarnRatio      float64
	Stripes        int
	HydrateTimeout time.Duration
}

// DefaultOptions returns the default tracker options
func DefaultOptions() Options {
	return Options{
		Defaults:       Limits{DailyCents: 100, MonthlyCents: 2000},
		WarnRatio:      0.8,
		Stripes:        32,
		HydrateTimeout: 5 * time.Second,
	}
}

// Option customises a Tracker
type Option func(*Tracker)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

type userState struct {
	mu sync.Mutex

	limits *Limits

	dayStart   time.Time
	monthStart time.Time
	daily      float64
	monthly    float64

	dayLoaded   bool
	monthLoaded bool
	warnedDay   bool
	warnedMonth bool

	// Usage persisted while a window was not yet loaded. It is already in
	// daily/monthly, so hydration subtracts it from the stored sum.
	unloadedDay   float64
	unloadedMonth float64
	// Record calls in flight; hydration waits for them to land.
	writing int
}

type stripe struct {
	mu    sync.Mutex
	users map[string]*userState
}

// Tracker enforces per-user daily and monthly spend ceilings.
// Spend is kept in memory per user and seeded from persisted usage the
// first time a user is seen in a window.
type Tracker struct {
	opts    Options
	store   core.UsageStore
	logger  *zap.Logger
	now     func() time.Time
	stripes []stripe
}

// NewTracker creates a new budget tracker. store may be nil.
func NewTracker(opts Options, store core.UsageStore, logger *zap.Logger, options ...Option) *Tracker {
	if opts.Stripes <= 0 {
		opts.Stripes = 32
	}
	if opts.WarnRatio <= 0 || opts.WarnRatio > 1 {
		opts.WarnRatio = 0.8
	}
	if opts.HydrateTimeout <= 0 {
		opts.HydrateTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Tracker{
		opts:    opts,
		store:   store,
		logger:  logger,
		now:     time.Now,
		stripes: make([]stripe, opts.Stripes),
	}
	for i := range t.stripes {
		t.stripes[i].users = make(map[string]*userState)
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Charge reserves the estimated cost of usage if it fits under both ceilings.
// Nano calls and zero-cost calls are exempt.
func (t *Tracker) Charge(ctx context.Context, usage core.UsageRecord) core.Decision {
	if usage.Tier == core.TierNano || usage.CostCents <= 0 {
		return core.Allow
	}

	st := t.acquire(ctx, usage.UserID)
	defer st.mu.Unlock()

	lim := t.limitsFor(st)
	if lim.DailyCents > 0 && st.daily+usage.CostCents > lim.DailyCents {
		metrics.RecordBudgetDecision(false)
		return core.Deny(fmt.Sprintf("daily budget exceeded: %.4f of %.4f cents spent", st.daily, lim.DailyCents))
	}
	if lim.MonthlyCents > 0 && st.monthly+usage.CostCents > lim.MonthlyCents {
		metrics.RecordBudgetDecision(false)
		return core.Deny(fmt.Sprintf("monthly budget exceeded: %.4f of %.4f cents spent", st.monthly, lim.MonthlyCents))
	}

	st.daily += usage.CostCents
	st.monthly += usage.CostCents
	t.checkWarnings(usage.UserID, st, lim)
	metrics.RecordBudgetDecision(true)
	return core.Allow
}

// Adjust applies delta cents to a user's spend without a limit check
func (t *Tracker) Adjust(userID string, deltaCents float64) {
	if deltaCents == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.opts.HydrateTimeout)
	defer cancel()

	st := t.acquire(ctx, userID)
	defer st.mu.Unlock()

	st.daily = max(st.daily+deltaCents, 0)
	st.monthly = max(st.monthly+deltaCents, 0)
	t.checkWarnings(userID, st, t.limitsFor(st))
}

// Record persists a usage record, assigning an ID and timestamp if missing
func (t *Tracker) Record(ctx context.Context, usage core.UsageRecord) error {
	if t.store == nil {
		return nil
	}
	if usage.ID == "" {
		usage.ID = uuid.NewString()
	}
	if usage.CreatedAt.IsZero() {
		usage.CreatedAt = t.now()
	}

	st := t.lookup(usage.UserID)
	st.mu.Lock()
	st.writing++
	st.mu.Unlock()

	err := t.store.WriteUsage(ctx, usage)

	st.mu.Lock()
	st.writing--
	if err == nil {
		if !st.dayLoaded && !usage.CreatedAt.Before(st.dayStart) {
			st.unloadedDay += usage.CostCents
		}
		if !st.monthLoaded && !usage.CreatedAt.Before(st.monthStart) {
			st.unloadedMonth += usage.CostCents
		}
	}
	st.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to record usage: %w", err)
	}
	return nil
}

// SetLimits overrides the ceilings for one user
func (t *Tracker) SetLimits(userID string, limits Limits) {
	st := t.lookup(userID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.limits = &limits
}

// State returns the user's current budget state
func (t *Tracker) State(ctx context.Context, userID string) core.BudgetState {
	st := t.acquire(ctx, userID)
	defer st.mu.Unlock()

	lim := t.limitsFor(st)
	return core.BudgetState{
		UserID:            userID,
		DailyLimitCents:   lim.DailyCents,
		MonthlyLimitCents: lim.MonthlyCents,
		DailySpentCents:   st.daily,
		MonthlySpentCents: st.monthly,
		WindowResetAt:     st.dayStart.Add(24 * time.Hour),
		MonthlyResetAt:    st.monthStart.AddDate(0, 1, 0),
	}
}

func (t *Tracker) lookup(userID string) *userState {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	s := &t.stripes[h.Sum32()%uint32(len(t.stripes))]

	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		st = &userState{}
		if lim, ok := t.opts.Overrides[userID]; ok {
			st.limits = &lim
		}
		s.users[userID] = st
	}
	return st
}

// acquire returns the user's state locked, rolled to the current windows
// and seeded from persisted usage
func (t *Tracker) acquire(ctx context.Context, userID string) *userState {
	st := t.lookup(userID)
	st.mu.Lock()

	now := t.now()
	if day := core.StartOfDay(now); !day.Equal(st.dayStart) {
		st.dayStart = day
		st.daily = 0
		st.unloadedDay = 0
		st.dayLoaded = false
		st.warnedDay = false
	}
	if month := core.StartOfMonth(now); !month.Equal(st.monthStart) {
		st.monthStart = month
		st.monthly = 0
		st.unloadedMonth = 0
		st.monthLoaded = false
		st.warnedMonth = false
	}

	t.hydrate(ctx, userID, st)
	return st
}

func (t *Tracker) hydrate(ctx context.Context, userID string, st *userState) {
	if t.store == nil {
		st.dayLoaded, st.monthLoaded = true, true
		return
	}
	if st.writing > 0 {
		return
	}

	if !st.dayLoaded {
		spent, err := t.store.SumUsage(ctx, userID, st.dayStart)
		if err != nil {
			t.logger.Warn("Failed to load daily spend",
				zap.String("user_id", userID),
				zap.Error(err))
		} else {
			st.daily = max(st.daily+spent-st.unloadedDay, 0)
			st.unloadedDay = 0
			st.dayLoaded = true
		}
	}
	if !st.monthLoaded {
		spent, err := t.store.SumUsage(ctx, userID, st.monthStart)
		if err != nil {
			t.logger.Warn("Failed to load monthly spend",
				zap.String("user_id", userID),
				zap.Error(err))
		} else {
			st.monthly = max(st.monthly+spent-st.unloadedMonth, 0)
			st.unloadedMonth = 0
			st.monthLoaded = true
		}
	}
}

func (t *Tracker) limitsFor(st *userState) Limits {
	if st.limits != nil {
		return *st.limits
	}
	return t.opts.Defaults
}

// checkWarnings logs once per window when spend crosses the warning ratio
func (t *Tracker) checkWarnings(userID string, st *userState, lim Limits) {
	if !st.warnedDay && lim.DailyCents > 0 && st.daily >= lim.DailyCents*t.opts.WarnRatio {
		st.warnedDay = true
		metrics.RecordBudgetWarning(string(core.WindowDaily))
		t.logger.Warn("User approaching daily budget",
			zap.String("user_id", userID),
			zap.Float64("spent_cents", st.daily),
			zap.Float64("limit_cents", lim.DailyCents))
	}
	if !st.warnedMonth && lim.MonthlyCents > 0 && st.monthly >= lim.MonthlyCents*t.opts.WarnRatio {
		st.warnedMonth = true
		metrics.RecordBudgetWarning(string(core.WindowMonthly))
		t.logger.Warn("User approaching monthly budget",
			zap.String("user_id", userID),
			zap.Float64("spent_cents", st.monthly),
			zap.Float64("limit_cents", lim.MonthlyCents))
	}
}
