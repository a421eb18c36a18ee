// Package cache implements the stale-while-revalidate cache that shields
// callers from flaky upstreams.
//
// Entries are fresh for their TTL, then served stale for a secondary window
// while a single background revalidation refreshes them, then expire. The
// store is bounded: inserting a new key at capacity evicts the
// least-recently-accessed entry. Each data category (quotes, FX, news,
// indicators) gets its own instance with an independent TTL policy.
package cache

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Outcome classifies the result of a lookup. Absence is an outcome, never
// an error: this package does not fail.
type Outcome int

const (
	// Miss means no usable entry: absent, or aged past the stale window.
	Miss Outcome = iota

	// Hit means the entry is within its TTL.
	Hit

	// Stale means the entry is past its TTL but inside the stale window.
	Stale
)

// Config controls one cache instance.
type Config struct {
	// MaxSize bounds the number of entries. Default 500.
	MaxSize int

	// TTL is the default freshness window for entries stored without an
	// explicit one. Default 1 minute.
	TTL time.Duration

	// StaleTTL is the default stale-while-revalidate window appended to
	// the TTL. Default 5 minutes.
	StaleTTL time.Duration

	// SweepInterval is how often fully-expired entries are removed by the
	// background sweep. Default 1 minute.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSize <= 0 {
		c.MaxSize = 500
	}
	if c.TTL <= 0 {
		c.TTL = time.Minute
	}
	if c.StaleTTL <= 0 {
		c.StaleTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

type entry[V any] struct {
	value        V
	writtenAt    time.Time
	ttl          time.Duration
	staleTTL     time.Duration
	hits         int64
	lastAccessed time.Time
	revalidating bool
	elem         *list.Element // position in the LRU list; Value is the key
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Size        int     `json:"size"`
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	StaleHits   int64   `json:"stale_hits"`
	Evictions   int64   `json:"evictions"`
	HitRate     float64 `json:"hit_rate"`
	AvgHitCount float64 `json:"avg_hit_count"`
}

// Cache is a bounded stale-while-revalidate store. Safe for concurrent use.
type Cache[V any] struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry[V]
	lru     *list.List // front = most recently accessed

	hits      int64
	misses    int64
	staleHits int64
	evictions int64

	// flight deduplicates miss-path factory calls so concurrent callers
	// for the same key share one fetch.
	flight singleflight.Group

	// revalCtx is cancelled on Close so in-flight background
	// revalidations stop with the cache.
	revalCtx    context.Context
	cancelReval context.CancelFunc

	closeOnce sync.Once
	done      chan struct{}
}

// New creates a cache and starts its background sweep. Call Close to stop it.
func New[V any](cfg Config, logger *slog.Logger) *Cache[V] {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache[V]{
		cfg:         cfg,
		logger:      logger,
		entries:     make(map[string]*entry[V]),
		lru:         list.New(),
		revalCtx:    ctx,
		cancelReval: cancel,
		done:        make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the sweep loop and cancels in-flight revalidations.
// Idempotent.
func (c *Cache[V]) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancelReval()
	})
}

// Get returns the value for key if it is fresh or stale, with the outcome.
// A stale read here does not trigger revalidation; use GetOrSet for that.
func (c *Cache[V]) Get(key string) (V, Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lookup(key, time.Now())
}

// lookup classifies the entry under key and updates counters and recency.
// Caller holds c.mu.
func (c *Cache[V]) lookup(key string, now time.Time) (V, Outcome) {
	var zero V
	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return zero, Miss
	}
	age := now.Sub(e.writtenAt)
	if age > e.ttl+e.staleTTL {
		c.misses++
		return zero, Miss
	}

	e.hits++
	e.lastAccessed = now
	c.lru.MoveToFront(e.elem)

	if age <= e.ttl {
		c.hits++
		return e.value, Hit
	}
	c.staleHits++
	return e.value, Stale
}

// Set upserts an entry with the cache's default TTL policy.
func (c *Cache[V]) Set(key string, value V) {
	c.SetTTL(key, value, c.cfg.TTL, c.cfg.StaleTTL)
}

// SetTTL upserts an entry with an explicit freshness and stale window.
// Inserting a brand-new key at capacity evicts the least-recently-accessed
// entry first.
func (c *Cache[V]) SetTTL(key string, value V, ttl, staleTTL time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if e, ok := c.entries[key]; ok {
		// Revalidation path: same key, new data and write time.
		e.value = value
		e.writtenAt = now
		e.ttl = ttl
		e.staleTTL = staleTTL
		e.revalidating = false
		c.lru.MoveToFront(e.elem)
		return
	}

	if len(c.entries) >= c.cfg.MaxSize {
		c.evictOldest()
	}
	e := &entry[V]{
		value:        value,
		writtenAt:    now,
		ttl:          ttl,
		staleTTL:     staleTTL,
		lastAccessed: now,
	}
	e.elem = c.lru.PushFront(key)
	c.entries[key] = e
}

// evictOldest removes the least-recently-accessed entry. Caller holds c.mu.
func (c *Cache[V]) evictOldest() {
	back := c.lru.Back()
	if back == nil {
		return
	}
	key := back.Value.(string)
	c.lru.Remove(back)
	delete(c.entries, key)
	c.evictions++
}

// Delete removes an entry if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, key)
	}
}

// GetOrSet is the read path every service call goes through. Values stored
// by this call use the cache's default TTL policy.
//
// Fresh hit: returned immediately, factory not called. Stale hit: the stale
// value is returned immediately and, unless one is already in flight for
// this key, factory runs in the background; its failure is logged and the
// stale value keeps serving. Miss: factory runs synchronously (deduplicated
// across concurrent callers) and its error propagates.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, factory func(ctx context.Context) (V, error)) (V, error) {
	return c.GetOrSetTTL(ctx, key, c.cfg.TTL, c.cfg.StaleTTL, factory)
}

// GetOrSetTTL is GetOrSet with an explicit freshness and stale window for
// values stored on the miss path. Revalidating a stale entry keeps the
// windows that entry was stored with, not the ones passed here.
func (c *Cache[V]) GetOrSetTTL(ctx context.Context, key string, ttl, staleTTL time.Duration, factory func(ctx context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	value, outcome := c.lookup(key, time.Now())
	if outcome == Stale {
		e := c.entries[key]
		if !e.revalidating {
			e.revalidating = true
			go c.revalidate(key, e.ttl, e.staleTTL, factory)
		}
	}
	c.mu.Unlock()

	switch outcome {
	case Hit, Stale:
		return value, nil
	}

	// Miss: fetch synchronously, shared across concurrent callers.
	v, err, _ := c.flight.Do(key, func() (any, error) {
		fetched, err := factory(ctx)
		if err != nil {
			return nil, err
		}
		c.SetTTL(key, fetched, ttl, staleTTL)
		return fetched, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// revalidate refreshes a stale entry in the background, re-storing it with
// its own TTL windows. Failures keep the stale value serving and are never
// surfaced to the caller that triggered the refresh.
func (c *Cache[V]) revalidate(key string, ttl, staleTTL time.Duration, factory func(ctx context.Context) (V, error)) {
	value, err := factory(c.revalCtx)
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("cache revalidation failed, serving stale", "key", key, "error", err)
		}
		c.mu.Lock()
		if e, ok := c.entries[key]; ok {
			e.revalidating = false
		}
		c.mu.Unlock()
		return
	}
	c.SetTTL(key, value, ttl, staleTTL)
}

// Stats returns hit/miss counters and derived rates.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Size:      len(c.entries),
		Hits:      c.hits,
		Misses:    c.misses,
		StaleHits: c.staleHits,
		Evictions: c.evictions,
	}
	if total := s.Hits + s.Misses + s.StaleHits; total > 0 {
		s.HitRate = float64(s.Hits+s.StaleHits) / float64(total)
	}
	if s.Size > 0 {
		var hitSum int64
		for _, e := range c.entries {
			hitSum += e.hits
		}
		s.AvgHitCount = float64(hitSum) / float64(s.Size)
	}
	return s
}

// sweepLoop deletes fully-expired entries on a fixed interval. It never
// blocks Get/Set beyond the brief lock hold and stops on Close.
func (c *Cache[V]) sweepLoop() {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

func (c *Cache[V]) sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, e := range c.entries {
		if now.Sub(e.writtenAt) > e.ttl+e.staleTTL {
			c.lru.Remove(e.elem)
			delete(c.entries, key)
		}
	}
}
