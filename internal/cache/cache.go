// Package cache holds recent ranked results keyed by query similarity.
// A lookup hits when an unexpired entry with the same filter set has an
// embedding close enough to the new query's.
package cache

import (
	"container/list"
	"strings"
	"sync"
	"time"

	"github.com/lazypower/memcore/internal/config"
	"github.com/lazypower/memcore/internal/embedding"
	"github.com/lazypower/memcore/internal/observability"
)

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	TotalEntries int     `json:"total_entries"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Evictions    uint64  `json:"evictions"`
	MemoryUsage  int64   `json:"memory_usage"`
	Enabled      bool    `json:"enabled"`
}

type entry[T any] struct {
	fingerprint string
	filterKey   string
	embedding   []float64
	value       T
	createdAt   time.Time
	expiresAt   time.Time
	size        int64
}

type settings struct {
	now     func() time.Time
	metrics *observability.Collector
}

// Option configures a Cache.
type Option func(*settings)

func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithMetrics(m *observability.Collector) Option {
	return func(s *settings) { s.metrics = m }
}

// Cache is a similarity-keyed LRU with TTL. Safe for concurrent use.
type Cache[T any] struct {
	mu      sync.Mutex
	cfg     config.CacheConfig
	ll      *list.List
	byKey   map[string]*list.Element
	sizeOf  func(T) int64
	now     func() time.Time
	metrics *observability.Collector

	hits, misses, evictions uint64
}

// New creates a cache. sizeOf estimates the memory held by one value and
// may be nil.
func New[T any](cfg config.CacheConfig, sizeOf func(T) int64, opts ...Option) *Cache[T] {
	s := settings{now: time.Now}
	for _, o := range opts {
		o(&s)
	}
	if s.metrics == nil {
		s.metrics = observability.NewCollector("memcore")
	}
	return &Cache[T]{
		cfg:     cfg,
		ll:      list.New(),
		byKey:   make(map[string]*list.Element),
		sizeOf:  sizeOf,
		now:     s.now,
		metrics: s.metrics,
	}
}

// Fingerprint normalizes query text: lowercase tokens joined by spaces.
func Fingerprint(query string) string {
	return strings.Join(embedding.Tokenize(query), " ")
}

func key(fingerprint, filterKey string) string {
	return fingerprint + "\x00" + filterKey
}

// Get returns the cached value most similar to emb among unexpired entries
// with the same filter key. An identical fingerprint always hits.
func (c *Cache[T]) Get(fingerprint, filterKey string, emb []float64) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if !c.cfg.Enabled {
		return zero, false
	}
	now := c.now()

	var best *list.Element
	bestSim := -1.0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[T])
		if !now.Before(e.expiresAt) {
			c.remove(el)
			el = next
			continue
		}
		if e.filterKey == filterKey {
			if e.fingerprint == fingerprint {
				best, bestSim = el, 2
				break
			}
			if len(emb) > 0 {
				sim := embedding.CosineSimilarity(emb, e.embedding)
				if sim >= c.cfg.SimilarityThreshold && sim > bestSim {
					best, bestSim = el, sim
				}
			}
		}
		el = next
	}

	if best == nil {
		c.misses++
		c.metrics.CacheMisses.Inc()
		return zero, false
	}
	c.ll.MoveToFront(best)
	c.hits++
	c.metrics.CacheHits.Inc()
	return best.Value.(*entry[T]).value, true
}

// Put stores value, replacing any entry with the same fingerprint and
// filter key, and evicts least-recently-used entries beyond MaxEntries.
func (c *Cache[T]) Put(fingerprint, filterKey string, emb []float64, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Enabled {
		return
	}
	k := key(fingerprint, filterKey)
	if el, ok := c.byKey[k]; ok {
		c.unlink(el)
	}

	now := c.now()
	e := &entry[T]{
		fingerprint: fingerprint,
		filterKey:   filterKey,
		embedding:   append([]float64(nil), emb...),
		value:       value,
		createdAt:   now,
		expiresAt:   now.Add(c.cfg.TTL),
	}
	e.size = int64(len(fingerprint)+len(filterKey)) + int64(8*len(emb))
	if c.sizeOf != nil {
		e.size += c.sizeOf(value)
	}
	c.byKey[k] = c.ll.PushFront(e)
	c.trim()
	c.metrics.CacheEntries.Set(float64(c.ll.Len()))
}

func (c *Cache[T]) trim() {
	for c.cfg.MaxEntries > 0 && c.ll.Len() > c.cfg.MaxEntries {
		c.remove(c.ll.Back())
	}
}

func (c *Cache[T]) unlink(el *list.Element) {
	e := c.ll.Remove(el).(*entry[T])
	delete(c.byKey, key(e.fingerprint, e.filterKey))
}

// remove drops el and counts it as an eviction. Caller holds mu.
func (c *Cache[T]) remove(el *list.Element) {
	c.unlink(el)
	c.evictions++
	c.metrics.CacheEvictions.Inc()
	c.metrics.CacheEntries.Set(float64(c.ll.Len()))
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache[T]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for el := c.ll.Front(); el != nil; {
		next := el.Next()
		if !now.Before(el.Value.(*entry[T]).expiresAt) {
			c.remove(el)
			n++
		}
		el = next
	}
	return n
}

// Clear drops every entry and returns how many there were. Counters are kept.
func (c *Cache[T]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.ll.Len()
	c.ll.Init()
	c.byKey = make(map[string]*list.Element)
	c.metrics.CacheEntries.Set(0)
	return n
}

// Stats reports entry count, hit rate and approximate memory usage.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalEntries: c.ll.Len(),
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
		Enabled:      c.cfg.Enabled,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	for el := c.ll.Front(); el != nil; el = el.Next() {
		s.MemoryUsage += el.Value.(*entry[T]).size
	}
	return s
}

// Reload applies new settings. Existing entries keep their expiry; a
// smaller MaxEntries evicts immediately, and disabling clears the cache.
func (c *Cache[T]) Reload(cfg config.CacheConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cfg = cfg
	if !cfg.Enabled {
		c.ll.Init()
		c.byKey = make(map[string]*list.Element)
		c.metrics.CacheEntries.Set(0)
		return
	}
	c.trim()
}
