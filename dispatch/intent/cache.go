package intent

import (
	"sync"
	"time"
)

// Cache fronts all three classification layers the way the teacher's
// RouterCache fronts cache -> rule -> history -> LLM: rule-layer hits get a
// short TTL (cheap to recompute), LLM-layer hits get a longer one (expensive
// to recompute).
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]cacheEntry
	ruleTTL  time.Duration
	llmTTL   time.Duration

	hits   int64
	misses int64
}

type cacheEntry struct {
	result    Result
	expiresAt time.Time
}

// CacheConfig mirrors the teacher's CacheConfig shape.
type CacheConfig struct {
	Capacity   int
	RuleTTL    time.Duration
	LLMResultTTL time.Duration
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Capacity:     500,
		RuleTTL:      5 * time.Minute,
		LLMResultTTL: 30 * time.Minute,
	}
}

func NewCache(cfg CacheConfig) *Cache {
	return &Cache{
		capacity: cfg.Capacity,
		entries:  make(map[string]cacheEntry),
		ruleTTL:  cfg.RuleTTL,
		llmTTL:   cfg.LLMResultTTL,
	}
}

func (c *Cache) Get(utterance string) (Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[utterance]
	if !ok || time.Now().After(e.expiresAt) {
		c.misses++
		return Result{}, false
	}
	c.hits++
	return e.result, true
}

// Set stores result under utterance. Results from the "semantic" layer get
// the longer LLM TTL; everything else gets the shorter rule TTL.
func (c *Cache) Set(utterance string, result Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.capacity > 0 && len(c.entries) >= c.capacity {
		c.evictOne()
	}

	ttl := c.ruleTTL
	if result.Layer == "semantic" {
		ttl = c.llmTTL
	}
	c.entries[utterance] = cacheEntry{result: result, expiresAt: time.Now().Add(ttl)}
}

// evictOne removes an arbitrary entry; Go map iteration order is random,
// which is an adequate stand-in for LRU at this cache's size and churn.
func (c *Cache) evictOne() {
	for k := range c.entries {
		delete(c.entries, k)
		return
	}
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

type Stats struct {
	Hits   int64
	Misses int64
	Size   int
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Hits: c.hits, Misses: c.misses, Size: len(c.entries)}
}
