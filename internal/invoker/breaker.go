package invoker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/metrics"
)

// BreakerState is the state of a circuit breaker
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a circuit breaker
type BreakerConfig struct {
	FailureThreshold  int
	Cooldown          time.Duration
	PermanentCooldown time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30s, or 10m after a permanent error
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		Cooldown:          30 * time.Second,
		PermanentCooldown: 10 * time.Minute,
	}
}

// BreakerSnapshot is a read-only view of a breaker
type BreakerSnapshot struct {
	Route     string    `json:"route"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Permanent bool      `json:"permanent"`
	OpenUntil time.Time `json:"open_until,omitempty"`
	LastError string    `json:"last_error,omitempty"`
}

// Breaker stops calls to a route after repeated failures and lets a single
// trial call through once the cooldown has passed.
type Breaker struct {
	route  string
	cfg    BreakerConfig
	now    func() time.Time
	logger *zap.Logger

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openUntil time.Time
	permanent bool
	probing   bool
	lastErr   error
}

// NewBreaker creates a closed breaker for a route
func NewBreaker(route string, cfg BreakerConfig, now func() time.Time, logger *zap.Logger) *Breaker {
	defaults := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaults.Cooldown
	}
	if cfg.PermanentCooldown <= 0 {
		cfg.PermanentCooldown = defaults.PermanentCooldown
	}
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.SetBreakerState(route, int(StateClosed))
	return &Breaker{route: route, cfg: cfg, now: now, logger: logger}
}

// Allow reports whether a call may proceed. It returns ErrCircuitOpen otherwise.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.openUntil) {
			return fmt.Errorf("%w: %s until %s", core.ErrCircuitOpen, b.route, b.openUntil.Format(time.RFC3339))
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return fmt.Errorf("%w: %s trial call in flight", core.ErrCircuitOpen, b.route)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Success closes the breaker
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info("Circuit breaker closed", zap.String("route", b.route))
	}
	b.failures = 0
	b.permanent = false
	b.probing = false
	b.lastErr = nil
	b.setState(StateClosed)
}

// Failure records a failed call and opens the breaker when warranted
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastErr = err
	b.probing = false

	switch {
	case core.Classify(err) == core.KindPermanent:
		b.trip(b.cfg.PermanentCooldown, true)
	case b.state == StateHalfOpen:
		b.trip(b.cfg.Cooldown, false)
	case b.failures >= b.cfg.FailureThreshold:
		b.trip(b.cfg.Cooldown, false)
	}
}

// Release returns a trial slot without recording an outcome
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) trip(cooldown time.Duration, permanent bool) {
	b.openUntil = b.now().Add(cooldown)
	b.permanent = permanent
	b.setState(StateOpen)
	b.logger.Warn("Circuit breaker opened",
		zap.String("route", b.route),
		zap.Int("failures", b.failures),
		zap.Bool("permanent", permanent),
		zap.Duration("cooldown", cooldown),
		zap.Error(b.lastErr))
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	metrics.SetBreakerState(b.route, int(s))
}

// State returns the current state, reporting open breakers whose cooldown has passed as half-open
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && !b.now().Before(b.openUntil) {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns a read-only view of the breaker
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := BreakerSnapshot{
		Route:     b.route,
		State:     b.state.String(),
		Failures:  b.failures,
		Permanent: b.permanent,
	}
	if b.state == StateOpen {
		s.OpenUntil = b.openUntil
	}
	if b.lastErr != nil {
		s.LastError = b.lastErr.Error()
	}
	return s
}
