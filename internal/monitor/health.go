package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// CheckFunc checks one dependency. Returning an error wrapping
// core.ErrDegraded marks the check degraded rather than unhealthy.
type CheckFunc func(ctx context.Context) error

type namedCheck struct {
	name string
	fn   CheckFunc
}

// HealthChecker runs named checks and keeps a rolling history of snapshots
type HealthChecker struct {
	timeout     time.Duration
	historySize int
	logger      *zap.Logger
	now         func() time.Time

	mu      sync.Mutex
	checks  []namedCheck
	history []core.HealthSnapshot
}

// NewHealthChecker creates a new health checker
func NewHealthChecker(timeout time.Duration, historySize int, logger *zap.Logger) *HealthChecker {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if historySize <= 0 {
		historySize = 20
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthChecker{
		timeout:     timeout,
		historySize: historySize,
		logger:      logger,
		now:         time.Now,
	}
}

// Register adds a named check. A later registration with the same name replaces it.
func (h *HealthChecker) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i].fn = fn
			return
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
}

// Check runs every check concurrently; the overall status is the worst one
func (h *HealthChecker) Check(ctx context.Context) core.HealthSnapshot {
	h.mu.Lock()
	checks := append([]namedCheck(nil), h.checks...)
	h.mu.Unlock()

	results := make([]core.CheckResult, len(checks))
	var g errgroup.Group
	for i, c := range checks {
		g.Go(func() error {
			results[i] = h.run(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	snap := core.HealthSnapshot{
		Status:    core.StatusHealthy,
		Checks:    make(map[string]core.CheckResult, len(checks)),
		Timestamp: h.now(),
	}
	for i, c := range checks {
		snap.Checks[c.name] = results[i]
		if results[i].Status.Severity() > snap.Status.Severity() {
			snap.Status = results[i].Status
		}
	}

	h.mu.Lock()
	h.history = append(h.history, snap)
	if len(h.history) > h.historySize {
		h.history = h.history[len(h.history)-h.historySize:]
	}
	h.mu.Unlock()

	if snap.Status != core.StatusHealthy {
		h.logger.Warn("Health check not healthy", zap.String("status", string(snap.Status)))
	}
	return snap
}

func (h *HealthChecker) run(ctx context.Context, c namedCheck) core.CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	started := time.Now()
	err := c.fn(ctx)
	res := core.CheckResult{
		Status:    core.StatusHealthy,
		LatencyMs: time.Since(started).Milliseconds(),
	}
	switch {
	case err == nil:
	case errors.Is(err, core.ErrDegraded):
		res.Status = core.StatusDegraded
		res.Message = err.Error()
	default:
		res.Status = core.StatusUnhealthy
		res.Message = err.Error()
	}
	return res
}

// History returns the retained snapshots, oldest first
func (h *HealthChecker) History() []core.HealthSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]core.HealthSnapshot(nil), h.history...)
}
