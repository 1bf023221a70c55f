package cache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
	"github.com/mikey/llm-mail-triage/internal/metrics"
)

var (
	// ErrInvalidConfig is returned when a tier has no capacity or no TTL
	ErrInvalidConfig = errors.New("invalid cache configuration")
)

// Config sizes the three cache tiers
type Config struct {
	Hot              TierConfig
	Warm             TierConfig
	Pattern          TierConfig
	Shards           int
	CleanupFrequency time.Duration
}

// DefaultConfig returns the standard tier sizes
func DefaultConfig() Config {
	return Config{
		Hot:              TierConfig{Capacity: 1000, TTL: 5 * time.Minute},
		Warm:             TierConfig{Capacity: 5000, TTL: 30 * time.Minute},
		Pattern:          TierConfig{Capacity: 500, TTL: 2 * time.Hour},
		Shards:           16,
		CleanupFrequency: time.Minute,
	}
}

// LevelStats reports counters for one tier
type LevelStats struct {
	Entries   int   `json:"entries"`
	Capacity  int   `json:"capacity"`
	Hits      int64 `json:"hits"`
	Evictions int64 `json:"evictions"`
	Expired   int64 `json:"expired"`
}

// Stats reports counters for the whole cache
type Stats struct {
	Hot     LevelStats `json:"hot"`
	Warm    LevelStats `json:"warm"`
	Pattern LevelStats `json:"pattern"`
	Misses  int64      `json:"misses"`
}

type levelCounters struct {
	hits      atomic.Int64
	evictions atomic.Int64
	expired   atomic.Int64
}

// Option configures a MultiTierCache
type Option func(*MultiTierCache)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(c *MultiTierCache) {
		c.now = now
	}
}

// MultiTierCache holds scoring results in hot, warm and pattern tiers.
// Each tier is sharded; there is no cache-wide lock.
type MultiTierCache struct {
	hot     *tier
	warm    *tier
	pattern *tier

	counters map[core.CacheLevel]*levelCounters
	misses   atomic.Int64

	logger      *zap.Logger
	cleanupFreq time.Duration
	now         func() time.Time
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewMultiTierCache creates a new multi-tier cache and starts its cleanup task
func NewMultiTierCache(cfg Config, logger *zap.Logger, opts ...Option) (*MultiTierCache, error) {
	for level, tc := range map[core.CacheLevel]TierConfig{
		core.LevelHot:     cfg.Hot,
		core.LevelWarm:    cfg.Warm,
		core.LevelPattern: cfg.Pattern,
	} {
		if tc.Capacity <= 0 || tc.TTL <= 0 {
			return nil, fmt.Errorf("%w: %s tier needs positive capacity and ttl", ErrInvalidConfig, level)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &MultiTierCache{
		hot:     newTier(core.LevelHot, cfg.Hot, cfg.Shards),
		warm:    newTier(core.LevelWarm, cfg.Warm, cfg.Shards),
		pattern: newTier(core.LevelPattern, cfg.Pattern, cfg.Shards),
		counters: map[core.CacheLevel]*levelCounters{
			core.LevelHot:     {},
			core.LevelWarm:    {},
			core.LevelPattern: {},
		},
		logger:      logger,
		cleanupFreq: cfg.CleanupFrequency,
		now:         time.Now,
		stopCh:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.cleanupFreq > 0 {
		go c.startCleanupTask()
	}
	return c, nil
}

func (c *MultiTierCache) tiers() []*tier {
	return []*tier{c.hot, c.warm, c.pattern}
}

func (c *MultiTierCache) tierFor(level core.CacheLevel) *tier {
	switch level {
	case core.LevelWarm:
		return c.warm
	case core.LevelPattern:
		return c.pattern
	default:
		return c.hot
	}
}

// Get looks in hot, then warm, then pattern. A hit below hot is copied into hot.
func (c *MultiTierCache) Get(sig core.Signature) (*core.ScoringResult, core.CacheLevel, bool) {
	now := c.now()

	for _, t := range c.tiers() {
		entry, ok, expired := t.shardFor(sig).get(sig, now)
		if expired {
			c.counters[t.level].expired.Add(1)
			metrics.RecordCacheEviction(string(t.level), "expired")
		}
		if !ok {
			continue
		}

		c.counters[t.level].hits.Add(1)
		metrics.RecordCacheLookup(string(t.level))

		if t.level != core.LevelHot {
			c.promote(entry, now)
		}

		result := entry.Result
		return &result, t.level, true
	}

	c.misses.Add(1)
	metrics.RecordCacheLookup("miss")
	return nil, "", false
}

// promote copies a lower-tier entry into hot without extending its lifetime
func (c *MultiTierCache) promote(entry core.CacheEntry, now time.Time) {
	remaining := entry.ExpiresAt().Sub(now)
	ttl := c.hot.ttl
	if remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}

	entry.CreatedAt = now
	entry.TTL = ttl
	entry.Level = core.LevelHot
	entry.LastAccess = now
	entry.Hits = 0
	c.insert(c.hot, entry)
}

// Put stores a result in the hot tier
func (c *MultiTierCache) Put(sig core.Signature, tier core.Tier, result core.ScoringResult) {
	c.PutAt(core.LevelHot, sig, tier, result)
}

// PutAt stores a result in the given tier
func (c *MultiTierCache) PutAt(level core.CacheLevel, sig core.Signature, tier core.Tier, result core.ScoringResult) {
	t := c.tierFor(level)
	now := c.now()
	c.insert(t, core.CacheEntry{
		Signature:  sig,
		Tier:       tier,
		Result:     result,
		CreatedAt:  now,
		TTL:        t.ttl,
		Level:      t.level,
		LastAccess: now,
	})
}

func (c *MultiTierCache) insert(t *tier, entry core.CacheEntry) {
	evicted := t.put(entry)
	if evicted == nil {
		return
	}

	c.counters[t.level].evictions.Add(1)
	if t.level != core.LevelHot {
		metrics.RecordCacheEviction(string(t.level), "capacity")
		return
	}

	// Fresh entries pushed out of hot move down to warm under the warm TTL.
	demoted := *evicted
	demoted.TTL = c.warm.ttl
	demoted.Level = core.LevelWarm
	if demoted.Expired(c.now()) {
		metrics.RecordCacheEviction(string(t.level), "capacity")
		return
	}
	metrics.RecordCacheEviction(string(t.level), "demoted")
	c.insert(c.warm, demoted)
}

// Invalidate removes a signature from every tier
func (c *MultiTierCache) Invalidate(sig core.Signature) bool {
	removed := false
	for _, t := range c.tiers() {
		if t.shardFor(sig).remove(sig) {
			removed = true
		}
	}
	if removed {
		c.logger.Debug("Invalidated cache entry", zap.String("signature", string(sig)))
	}
	return removed
}

// Len returns the number of entries held by a tier, expired ones included
func (c *MultiTierCache) Len(level core.CacheLevel) int {
	return c.tierFor(level).len()
}

// Stats returns a snapshot of the cache counters
func (c *MultiTierCache) Stats() Stats {
	level := func(t *tier) LevelStats {
		cnt := c.counters[t.level]
		return LevelStats{
			Entries:   t.len(),
			Capacity:  t.capacity,
			Hits:      cnt.hits.Load(),
			Evictions: cnt.evictions.Load(),
			Expired:   cnt.expired.Load(),
		}
	}
	return Stats{
		Hot:     level(c.hot),
		Warm:    level(c.warm),
		Pattern: level(c.pattern),
		Misses:  c.misses.Load(),
	}
}

// Cleanup removes expired entries from every tier
func (c *MultiTierCache) Cleanup() int {
	now := c.now()
	total := 0
	for _, t := range c.tiers() {
		removed := 0
		for _, s := range t.shards {
			removed += s.cleanup(now)
		}
		if removed > 0 {
			c.counters[t.level].expired.Add(int64(removed))
			metrics.CacheEvictions.WithLabelValues(string(t.level), "expired").Add(float64(removed))
		}
		metrics.CacheEntries.WithLabelValues(string(t.level)).Set(float64(t.len()))
		total += removed
	}

	c.logger.Debug("Cleaned up expired cache entries", zap.Int("expired_count", total))
	return total
}

// startCleanupTask starts a background task to clean up expired entries
func (c *MultiTierCache) startCleanupTask() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Cleanup()
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task
func (c *MultiTierCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
