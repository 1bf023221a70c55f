package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mikey/llm-mail-triage/internal/core"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func smallConfig() Config {
	return Config{
		Hot:     TierConfig{Capacity: 2, TTL: 5 * time.Minute},
		Warm:    TierConfig{Capacity: 4, TTL: 30 * time.Minute},
		Pattern: TierConfig{Capacity: 2, TTL: 2 * time.Hour},
		Shards:  1,
	}
}

func newTestCache(t *testing.T, cfg Config) (*MultiTierCache, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c, err := NewMultiTierCache(cfg, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	return c, clock
}

func result(score int) core.ScoringResult {
	return core.ScoringResult{Score: score, TierUsed: core.TierMini, Confidence: 0.9, ModelIdentifier: "gpt-4o-mini"}
}

func TestMultiTierCache_PutGet(t *testing.T) {
	c, _ := newTestCache(t, smallConfig())

	_, _, ok := c.Get("missing")
	assert.False(t, ok)

	c.Put("sig-a", core.TierMini, result(8))
	got, level, ok := c.Get("sig-a")
	require.True(t, ok)
	assert.Equal(t, core.LevelHot, level)
	assert.Equal(t, 8, got.Score)

	// callers get a copy
	got.Score = 1
	again, _, _ := c.Get("sig-a")
	assert.Equal(t, 8, again.Score)

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hot.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestMultiTierCache_TTLExpiry(t *testing.T) {
	c, clock := newTestCache(t, smallConfig())

	c.Put("sig-a", core.TierMini, result(6))
	clock.Advance(5*time.Minute - time.Second)
	_, _, ok := c.Get("sig-a")
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, _, ok = c.Get("sig-a")
	assert.False(t, ok, "entry must not be served at or after its TTL")
	assert.Equal(t, 0, c.Len(core.LevelHot))
}

func TestMultiTierCache_DemotionAndPromotion(t *testing.T) {
	c, _ := newTestCache(t, smallConfig())

	c.Put("sig-1", core.TierMini, result(1))
	c.Put("sig-2", core.TierMini, result(2))
	c.Put("sig-3", core.TierMini, result(3))

	assert.Equal(t, 2, c.Len(core.LevelHot))
	assert.Equal(t, 1, c.Len(core.LevelWarm))

	got, level, ok := c.Get("sig-1")
	require.True(t, ok)
	assert.Equal(t, core.LevelWarm, level)
	assert.Equal(t, 1, got.Score)

	// the warm hit was copied into hot
	_, level, ok = c.Get("sig-1")
	require.True(t, ok)
	assert.Equal(t, core.LevelHot, level)
}

func TestMultiTierCache_PromotionKeepsExpiry(t *testing.T) {
	cfg := smallConfig()
	cfg.Pattern.TTL = 10 * time.Minute
	c, clock := newTestCache(t, cfg)

	c.PutAt(core.LevelPattern, "sig-p", core.TierNano, result(4))

	clock.Advance(8 * time.Minute)
	_, level, ok := c.Get("sig-p")
	require.True(t, ok)
	assert.Equal(t, core.LevelPattern, level)

	clock.Advance(3 * time.Minute)
	_, _, ok = c.Get("sig-p")
	assert.False(t, ok)
}

func TestMultiTierCache_EvictionBound(t *testing.T) {
	cfg := Config{
		Hot:     TierConfig{Capacity: 10, TTL: time.Hour},
		Warm:    TierConfig{Capacity: 25, TTL: time.Hour},
		Pattern: TierConfig{Capacity: 5, TTL: time.Hour},
		Shards:  4,
	}
	c, _ := newTestCache(t, cfg)

	for i := 0; i < 500; i++ {
		sig := core.Signature(fmt.Sprintf("sig-%d", i))
		c.Put(sig, core.TierMini, result(5))
		c.PutAt(core.LevelPattern, sig, core.TierMini, result(5))

		assert.LessOrEqual(t, c.Len(core.LevelHot), 10)
		assert.LessOrEqual(t, c.Len(core.LevelWarm), 25)
		assert.LessOrEqual(t, c.Len(core.LevelPattern), 5)
	}
	assert.Equal(t, 10, c.Len(core.LevelHot))
	assert.Equal(t, 25, c.Len(core.LevelWarm))
}

func TestMultiTierCache_Invalidate(t *testing.T) {
	c, _ := newTestCache(t, smallConfig())

	c.Put("sig-a", core.TierMini, result(7))
	c.PutAt(core.LevelPattern, "sig-a", core.TierMini, result(7))

	assert.True(t, c.Invalidate("sig-a"))
	_, _, ok := c.Get("sig-a")
	assert.False(t, ok)
	assert.False(t, c.Invalidate("sig-a"))
}

func TestMultiTierCache_Cleanup(t *testing.T) {
	c, clock := newTestCache(t, smallConfig())

	c.Put("sig-a", core.TierMini, result(7))
	c.PutAt(core.LevelPattern, "sig-b", core.TierMini, result(7))

	clock.Advance(10 * time.Minute)
	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 0, c.Len(core.LevelHot))
	assert.Equal(t, 1, c.Len(core.LevelPattern))
}

func TestMultiTierCache_Concurrent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CleanupFrequency = 0
	c, err := NewMultiTierCache(cfg, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 16; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				sig := core.Signature(fmt.Sprintf("sig-%d", (w*31+i)%2000))
				if r, _, ok := c.Get(sig); ok {
					assert.Equal(t, 5, r.Score)
					continue
				}
				c.Put(sig, core.TierMini, result(5))
				if i%50 == 0 {
					c.Invalidate(sig)
				}
			}
		}(w)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(core.LevelHot), cfg.Hot.Capacity)
	assert.LessOrEqual(t, c.Len(core.LevelWarm), cfg.Warm.Capacity)
}

func TestTier_EvictsOnlyWhenFull(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := newTier(core.LevelHot, TierConfig{Capacity: 20, TTL: time.Minute}, 16)

	// Twenty keys land unevenly across sixteen shards; none is evicted.
	for i := 0; i < 20; i++ {
		sig := core.Signature(fmt.Sprintf("sig-%d", i))
		assert.Nil(t, tr.put(core.CacheEntry{Signature: sig, CreatedAt: now, TTL: time.Minute}), sig)
	}
	assert.Equal(t, 20, tr.len())

	evicted := tr.put(core.CacheEntry{Signature: "sig-20", CreatedAt: now, TTL: time.Minute})
	require.NotNil(t, evicted)
	assert.Equal(t, core.Signature("sig-0"), evicted.Signature, "victim is the tier-wide least recently used")
	assert.Equal(t, 20, tr.len())
}

func TestTier_AccessRefreshesAcrossShards(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tr := newTier(core.LevelHot, TierConfig{Capacity: 3, TTL: time.Minute}, 3)
	for _, sig := range []core.Signature{"a", "b", "c"} {
		tr.put(core.CacheEntry{Signature: sig, CreatedAt: now, TTL: time.Minute})
	}

	_, ok, _ := tr.shardFor("a").get("a", now)
	require.True(t, ok)

	evicted := tr.put(core.CacheEntry{Signature: "d", CreatedAt: now, TTL: time.Minute})
	require.NotNil(t, evicted)
	assert.Equal(t, core.Signature("b"), evicted.Signature)

	assert.True(t, tr.shardFor("a").remove("a"))
	assert.Equal(t, 2, tr.len())
}

func TestNewMultiTierCache_InvalidConfig(t *testing.T) {
	cfg := smallConfig()
	cfg.Warm.Capacity = 0
	_, err := NewMultiTierCache(cfg, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
