package cache

import (
	"container/list"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mikey/llm-mail-triage/internal/core"
)

// TierConfig sizes one cache tier
type TierConfig struct {
	Capacity int
	TTL      time.Duration
}

// node is a cached entry stamped with the tier-wide access sequence
type node struct {
	entry core.CacheEntry
	seq   uint64
}

// shard is one lock-striped LRU partition of a tier. Shards have no
// capacity of their own; the tier evicts across them.
type shard struct {
	mu    sync.Mutex
	items map[core.Signature]*list.Element
	order *list.List
	tier  *tier
}

func newShard(t *tier) *shard {
	return &shard{
		items: make(map[core.Signature]*list.Element),
		order: list.New(),
		tier:  t,
	}
}

// get returns a copy of a live entry and marks it most recently used.
// An expired entry is removed and reported through expired.
func (s *shard) get(sig core.Signature, now time.Time) (entry core.CacheEntry, ok bool, expired bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.items[sig]
	if !found {
		return core.CacheEntry{}, false, false
	}
	n := el.Value.(*node)
	if n.entry.Expired(now) {
		s.unlink(el)
		return core.CacheEntry{}, false, true
	}

	n.entry.LastAccess = now
	n.entry.Hits++
	n.seq = s.tier.seq.Add(1)
	s.order.MoveToFront(el)
	return n.entry, true, false
}

// put inserts or replaces an entry and reports whether the tier grew
func (s *shard) put(entry core.CacheEntry) (added bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.tier.seq.Add(1)
	if el, found := s.items[entry.Signature]; found {
		el.Value = &node{entry: entry, seq: seq}
		s.order.MoveToFront(el)
		return false
	}

	s.items[entry.Signature] = s.order.PushFront(&node{entry: entry, seq: seq})
	s.tier.size.Add(1)
	return true
}

// oldest returns the access sequence of the shard's least recently used entry
func (s *shard) oldest() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.order.Back()
	if el == nil {
		return 0, false
	}
	return el.Value.(*node).seq, true
}

// popOldest removes the shard's least recently used entry
func (s *shard) popOldest() *core.CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	el := s.order.Back()
	if el == nil {
		return nil
	}
	e := el.Value.(*node).entry
	s.unlink(el)
	return &e
}

func (s *shard) remove(sig core.Signature) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, found := s.items[sig]
	if !found {
		return false
	}
	s.unlink(el)
	return true
}

// cleanup drops expired entries and returns how many were removed
func (s *shard) cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for el := s.order.Back(); el != nil; {
		prev := el.Prev()
		if el.Value.(*node).entry.Expired(now) {
			s.unlink(el)
			removed++
		}
		el = prev
	}
	return removed
}

// unlink removes el; the caller holds s.mu
func (s *shard) unlink(el *list.Element) {
	s.order.Remove(el)
	delete(s.items, el.Value.(*node).entry.Signature)
	s.tier.size.Add(-1)
}

func (s *shard) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// tier is a fixed-capacity LRU with TTL. Entries are spread over shards for
// locking, but the capacity and the eviction order are tier-wide: an entry
// is only evicted when the whole tier is full, and the victim is the least
// recently used entry of any shard.
type tier struct {
	level    core.CacheLevel
	ttl      time.Duration
	capacity int
	shards   []*shard

	size atomic.Int64
	seq  atomic.Uint64
}

func newTier(level core.CacheLevel, cfg TierConfig, shardCount int) *tier {
	if shardCount > cfg.Capacity {
		shardCount = cfg.Capacity
	}
	if shardCount <= 0 {
		shardCount = 1
	}

	t := &tier{
		level:    level,
		ttl:      cfg.TTL,
		capacity: cfg.Capacity,
		shards:   make([]*shard, shardCount),
	}
	for i := range t.shards {
		t.shards[i] = newShard(t)
	}
	return t
}

func (t *tier) shardFor(sig core.Signature) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sig))
	return t.shards[h.Sum32()%uint32(len(t.shards))]
}

// put stores entry and returns the entry evicted to make room, if any
func (t *tier) put(entry core.CacheEntry) *core.CacheEntry {
	if !t.shardFor(entry.Signature).put(entry) {
		return nil
	}
	if t.size.Load() <= int64(t.capacity) {
		return nil
	}
	return t.evictOldest()
}

// evictOldest removes the tier-wide least recently used entry. Shards are
// locked one at a time, so under concurrent writes the victim may be a
// slightly newer entry than the true oldest.
func (t *tier) evictOldest() *core.CacheEntry {
	for {
		var victim *shard
		var best uint64
		for _, s := range t.shards {
			if seq, ok := s.oldest(); ok && (victim == nil || seq < best) {
				victim, best = s, seq
			}
		}
		if victim == nil {
			return nil
		}
		if e := victim.popOldest(); e != nil {
			return e
		}
	}
}

func (t *tier) len() int {
	return int(t.size.Load())
}
