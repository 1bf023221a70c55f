package monitor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/metrics"
)

// Metric suffixes understood by alert rules, e.g. "score_email.p95_ms"
const (
	MetricSLAViolations = "sla_violations"
	MetricErrorRate     = "error_rate"
	MetricP50           = "p50_ms"
	MetricP95           = "p95_ms"
	MetricP99           = "p99_ms"
)

// DefaultSLAs returns the default latency targets per operation
func DefaultSLAs() map[string]time.Duration {
	return map[string]time.Duration{
		core.OpScoreEmail:   100 * time.Millisecond,
		core.OpCacheHit:     5 * time.Millisecond,
		core.OpModelInvoke:  2 * time.Second,
		core.OpScoreBatch:   60 * time.Second,
		core.OpFetchPending: 500 * time.Millisecond,
		core.OpBatchWrite:   2 * time.Second,
	}
}

// Options configures a Monitor
type Options struct {
	WindowSize       int
	SLAs             map[string]time.Duration
	Rules            []core.AlertRule
	AlertQueueSize   int
	DeliveryTimeout  time.Duration
	ViolationHistory int
}

// DefaultOptions returns the default monitor options
func DefaultOptions() Options {
	return Options{
		WindowSize:       1000,
		SLAs:             DefaultSLAs(),
		AlertQueueSize:   256,
		DeliveryTimeout:  5 * time.Second,
		ViolationHistory: 1000,
	}
}

// Option customises a Monitor
type Option func(*Monitor)

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// OperationStats is a point-in-time view of one operation's window
type OperationStats struct {
	Operation     string        `json:"operation"`
	Count         int           `json:"count"`
	Total         int64         `json:"total"`
	ErrorRate     float64       `json:"error_rate"`
	P50           time.Duration `json:"p50"`
	P95           time.Duration `json:"p95"`
	P99           time.Duration `json:"p99"`
	SLA           time.Duration `json:"sla"`
	Violations    int64         `json:"violations"`
	LastViolation time.Time     `json:"last_violation,omitempty"`
}

type sample struct {
	duration time.Duration
	ok       bool
}

// window is a fixed-size ring of the most recent samples for one operation.
// sorted mirrors the ring's durations in ascending order and is updated in
// place on every add.
type window struct {
	mu sync.Mutex

	samples []sample
	next    int
	full    bool
	sorted  []time.Duration
	failed  int

	total      int64
	violations []time.Time
	violCount  int64
}

func newWindow(size int) *window {
	return &window{
		samples: make([]sample, size),
		sorted:  make([]time.Duration, 0, size),
	}
}

func (w *window) add(s sample) {
	if w.full {
		old := w.samples[w.next]
		w.removeSorted(old.duration)
		if !old.ok {
			w.failed--
		}
	}

	w.samples[w.next] = s
	w.insertSorted(s.duration)
	if !s.ok {
		w.failed++
	}
	w.next = (w.next + 1) % len(w.samples)
	if w.next == 0 {
		w.full = true
	}
	w.total++
}

func (w *window) insertSorted(d time.Duration) {
	i := sort.Search(len(w.sorted), func(i int) bool { return w.sorted[i] >= d })
	w.sorted = append(w.sorted, 0)
	copy(w.sorted[i+1:], w.sorted[i:])
	w.sorted[i] = d
}

func (w *window) removeSorted(d time.Duration) {
	i := sort.Search(len(w.sorted), func(i int) bool { return w.sorted[i] >= d })
	if i < len(w.sorted) && w.sorted[i] == d {
		w.sorted = append(w.sorted[:i], w.sorted[i+1:]...)
	}
}

func (w *window) count() int {
	return len(w.sorted)
}

func (w *window) errorRate() float64 {
	if n := w.count(); n > 0 {
		return float64(w.failed) / float64(n)
	}
	return 0
}

// percentile uses the nearest rank below p
func (w *window) percentile(p int) time.Duration {
	if len(w.sorted) == 0 {
		return 0
	}
	return w.sorted[(len(w.sorted)-1)*p/100]
}

// recordViolation keeps the last limit violation timestamps
func (w *window) recordViolation(at time.Time, limit int) {
	w.violCount++
	w.violations = append(w.violations, at)
	if len(w.violations) > limit {
		w.violations = w.violations[len(w.violations)-limit:]
	}
}

func (w *window) metricValue(metric string, within time.Duration, now time.Time) float64 {
	switch metric {
	case MetricSLAViolations:
		if within <= 0 {
			return float64(w.violCount)
		}
		cutoff := now.Add(-within)
		n := 0
		for _, at := range w.violations {
			if !at.Before(cutoff) {
				n++
			}
		}
		return float64(n)
	case MetricErrorRate:
		return w.errorRate()
	case MetricP50:
		return float64(w.percentile(50)) / float64(time.Millisecond)
	case MetricP95:
		return float64(w.percentile(95)) / float64(time.Millisecond)
	case MetricP99:
		return float64(w.percentile(99)) / float64(time.Millisecond)
	}
	return 0
}

// boundRule is an alert rule with its metric name split
type boundRule struct {
	core.AlertRule
	metric string
}

// Monitor measures operation latency against SLAs and raises alerts
type Monitor struct {
	opts   Options
	logger *zap.Logger
	now    func() time.Time
	rules  map[string][]boundRule

	// Lock order: window.mu before mu.
	mu     sync.Mutex
	ops    map[string]*window
	firing map[string]bool
	closed bool

	sink      core.AlertSink
	events    chan core.AlertEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewMonitor creates a new performance monitor. sink may be nil, in which
// case alert events are only logged.
func NewMonitor(opts Options, sink core.AlertSink, logger *zap.Logger, options ...Option) (*Monitor, error) {
	def := DefaultOptions()
	if opts.WindowSize <= 0 {
		opts.WindowSize = def.WindowSize
	}
	if opts.SLAs == nil {
		opts.SLAs = def.SLAs
	}
	if opts.AlertQueueSize <= 0 {
		opts.AlertQueueSize = def.AlertQueueSize
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = def.DeliveryTimeout
	}
	if opts.ViolationHistory <= 0 {
		opts.ViolationHistory = def.ViolationHistory
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rules := make(map[string][]boundRule)
	for _, r := range opts.Rules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
		op, metric, _ := strings.Cut(r.MetricName, ".")
		rules[op] = append(rules[op], boundRule{AlertRule: r, metric: metric})
	}

	m := &Monitor{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		rules:  rules,
		ops:    make(map[string]*window),
		firing: make(map[string]bool),
		sink:   sink,
		events: make(chan core.AlertEvent, opts.AlertQueueSize),
		done:   make(chan struct{}),
	}
	for _, o := range options {
		o(m)
	}

	go m.dispatch()
	return m, nil
}

func validateRule(r core.AlertRule) error {
	if r.ID == "" {
		return fmt.Errorf("alert rule requires an id")
	}
	op, metric, ok := strings.Cut(r.MetricName, ".")
	if !ok || op == "" {
		return fmt.Errorf("alert rule %s: metric %q must be <operation>.<metric>", r.ID, r.MetricName)
	}
	switch metric {
	case MetricSLAViolations, MetricErrorRate, MetricP50, MetricP95, MetricP99:
	default:
		return fmt.Errorf("alert rule %s: unknown metric %q", r.ID, metric)
	}
	switch r.Comparison {
	case core.CompareGreater, core.CompareGreaterOrEqual, core.CompareLess, core.CompareLessOrEqual, core.CompareEqual:
	default:
		return fmt.Errorf("alert rule %s: unknown comparison %q", r.ID, r.Comparison)
	}
	return nil
}

// StartTimer begins timing an operation
func (m *Monitor) StartTimer(operation string) core.TimerHandle {
	return core.TimerHandle{Operation: operation, StartedAt: m.now()}
}

// Stop records the elapsed time of a timed operation and evaluates SLAs and
// the alert rules registered for that operation. Operations only contend on
// their own window; the monitor-wide lock is taken just to flip alert state.
func (m *Monitor) Stop(h core.TimerHandle, outcome core.Outcome) time.Duration {
	now := m.now()
	elapsed := now.Sub(h.StartedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	metrics.RecordOperation(h.Operation, outcome.Success, elapsed)

	w := m.window(h.Operation, true)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.add(sample{duration: elapsed, ok: outcome.Success})

	if sla, ok := m.opts.SLAs[h.Operation]; ok && elapsed > sla {
		w.recordViolation(now, m.opts.ViolationHistory)
		metrics.RecordSLAViolation(h.Operation)
		m.logger.Warn("SLA violation",
			zap.String("operation", h.Operation),
			zap.Duration("duration", elapsed),
			zap.Duration("sla", sla),
			zap.Any("metadata", outcome.Metadata))
	}

	m.evaluate(w, m.rules[h.Operation], now)
	return elapsed
}

// window returns the window for op, creating it when create is set
func (m *Monitor) window(op string, create bool) *window {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.ops[op]
	if !ok && create {
		w = newWindow(m.opts.WindowSize)
		m.ops[op] = w
	}
	return w
}

// evaluate checks rules against w and queues an event on each state change.
// Called with w.mu held so one operation's events are queued in order.
func (m *Monitor) evaluate(w *window, rules []boundRule, now time.Time) {
	if len(rules) == 0 {
		return
	}

	values := make([]float64, len(rules))
	for i, rule := range rules {
		values[i] = w.metricValue(rule.metric, rule.Window, now)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rule := range rules {
		holds := rule.Comparison.Holds(values[i], rule.Threshold)
		if holds == m.firing[rule.ID] {
			continue
		}
		m.firing[rule.ID] = holds

		state := core.AlertResolved
		if holds {
			state = core.AlertFiring
		}
		m.enqueue(core.AlertEvent{
			RuleID:     rule.ID,
			MetricName: rule.MetricName,
			Value:      values[i],
			Threshold:  rule.Threshold,
			Comparison: rule.Comparison,
			Severity:   rule.Severity,
			State:      state,
			Timestamp:  now,
		})
	}
}

func (m *Monitor) enqueue(event core.AlertEvent) {
	metrics.RecordAlert(event.RuleID, event.Severity, string(event.State))
	m.logger.Warn("Alert state changed",
		zap.String("rule", event.RuleID),
		zap.String("metric", event.MetricName),
		zap.Float64("value", event.Value),
		zap.Float64("threshold", event.Threshold),
		zap.String("state", string(event.State)))

	if m.closed {
		return
	}
	select {
	case m.events <- event:
	default:
		metrics.RecordAlertDeliveryFailure()
		m.logger.Error("Alert queue full, dropping event",
			zap.String("rule", event.RuleID),
			zap.String("state", string(event.State)))
	}
}

// dispatch delivers queued events to the sink one at a time
func (m *Monitor) dispatch() {
	defer close(m.done)
	for event := range m.events {
		if m.sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.DeliveryTimeout)
		err := m.sink.Send(ctx, event)
		cancel()
		if err != nil {
			metrics.RecordAlertDeliveryFailure()
			m.logger.Error("Failed to deliver alert",
				zap.String("rule", event.RuleID),
				zap.Error(err))
		}
	}
}

// Close stops accepting alert events and waits for queued ones to be delivered
func (m *Monitor) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.events)
		m.mu.Unlock()
	})
	<-m.done
}

// Stats returns the current statistics for one operation
func (m *Monitor) Stats(operation string) OperationStats {
	stats := OperationStats{Operation: operation, SLA: m.opts.SLAs[operation]}
	w := m.window(operation, false)
	if w == nil {
		return stats
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	stats.Count = w.count()
	stats.Total = w.total
	stats.ErrorRate = w.errorRate()
	stats.P50 = w.percentile(50)
	stats.P95 = w.percentile(95)
	stats.P99 = w.percentile(99)
	stats.Violations = w.violCount
	if n := len(w.violations); n > 0 {
		stats.LastViolation = w.violations[n-1]
	}
	return stats
}

// Snapshot returns statistics for every operation seen so far, sorted by name
func (m *Monitor) Snapshot() []OperationStats {
	m.mu.Lock()
	ops := make([]string, 0, len(m.ops))
	for op := range m.ops {
		ops = append(ops, op)
	}
	m.mu.Unlock()

	sort.Strings(ops)
	out := make([]OperationStats, 0, len(ops))
	for _, op := range ops {
		out = append(out, m.Stats(op))
	}
	return out
}

// Violations returns the timestamps of recent SLA violations for an operation
func (m *Monitor) Violations(operation string) []time.Time {
	w := m.window(operation, false)
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]time.Time(nil), w.violations...)
}

// Firing returns the IDs of rules currently firing
func (m *Monitor) Firing() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for id, on := range m.firing {
		if on {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// HealthCheck reports degraded while any alert is firing
func (m *Monitor) HealthCheck(ctx context.Context) error {
	if ids := m.Firing(); len(ids) > 0 {
		return fmt.Errorf("%w: alerts firing: %s", core.ErrDegraded, strings.Join(ids, ", "))
	}
	return nil
}
