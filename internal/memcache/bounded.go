// Package memcache provides the bounded in-memory LRU tier used for entry
// lists, record metadata and ranking results.
package memcache

import (
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Recorder receives hit, miss and eviction events. *observability.Metrics
// satisfies it.
type Recorder interface {
	RecordCacheHit(cache string)
	RecordCacheMiss(cache string)
	RecordCacheEviction(cache string)
}

// Stats is a point-in-time view of cache effectiveness.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
}

// BoundedCache is a fixed-capacity least-recently-used map with hit/miss
// accounting. All operations are O(1) and safe for concurrent use.
type BoundedCache[K comparable, V any] struct {
	name     string
	capacity int
	lru      *lru.Cache[K, V]
	recorder Recorder

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a BoundedCache.
type Option func(*options)

type options struct {
	recorder Recorder
}

// WithRecorder reports cache events to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// New creates a cache holding at most capacity entries. The name labels
// reported metrics.
func New[K comparable, V any](name string, capacity int, opts ...Option) (*BoundedCache[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("memcache %s: capacity must be positive, got %d", name, capacity)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	inner, err := lru.New[K, V](capacity)
	if err != nil {
		return nil, fmt.Errorf("memcache %s: %w", name, err)
	}

	return &BoundedCache[K, V]{
		name:     name,
		capacity: capacity,
		lru:      inner,
		recorder: o.recorder,
	}, nil
}

// MustNew is New that panics on an invalid capacity.
func MustNew[K comparable, V any](name string, capacity int, opts ...Option) *BoundedCache[K, V] {
	c, err := New[K, V](name, capacity, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *BoundedCache[K, V]) Get(key K) (V, bool) {
	v, ok := c.lru.Get(key)
	if ok {
		c.hits.Add(1)
		if c.recorder != nil {
			c.recorder.RecordCacheHit(c.name)
		}
	} else {
		c.misses.Add(1)
		if c.recorder != nil {
			c.recorder.RecordCacheMiss(c.name)
		}
	}
	return v, ok
}

// Peek returns the value for key without promoting it or touching stats.
func (c *BoundedCache[K, V]) Peek(key K) (V, bool) {
	return c.lru.Peek(key)
}

// Set inserts or replaces key, marks it most recently used and evicts the
// least recently used entry when the cache is full.
func (c *BoundedCache[K, V]) Set(key K, value V) {
	if evicted := c.lru.Add(key, value); evicted && c.recorder != nil {
		c.recorder.RecordCacheEviction(c.name)
	}
}

// Delete removes key if present.
func (c *BoundedCache[K, V]) Delete(key K) {
	c.lru.Remove(key)
}

// Clear removes every entry. Hit and miss counters are kept.
func (c *BoundedCache[K, V]) Clear() {
	c.lru.Purge()
}

// Len returns the number of entries.
func (c *BoundedCache[K, V]) Len() int {
	return c.lru.Len()
}

// Keys returns the keys from least to most recently used.
func (c *BoundedCache[K, V]) Keys() []K {
	return c.lru.Keys()
}

// Name returns the metrics label of the cache.
func (c *BoundedCache[K, V]) Name() string {
	return c.name
}

// Stats returns hit/miss counters, the hit rate and occupancy.
// HitRate is 0 when Get has never been called.
func (c *BoundedCache[K, V]) Stats() Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	st := Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    c.lru.Len(),
		MaxSize: c.capacity,
	}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}
	return st
}

// ResetStats zeroes the hit and miss counters.
func (c *BoundedCache[K, V]) ResetStats() {
	c.hits.Store(0)
	c.misses.Store(0)
}
