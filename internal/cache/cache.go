// Package cache is a bounded TTL cache for fetched calendar data.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"calsync/internal/model"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL holds at most size entries; least recently used entries are dropped
// when full. Expired entries are evicted lazily on read.
type TTL[V any] struct {
	name       string
	defaultTTL time.Duration
	items      *lru.Cache[string, entry[V]]
	now        func() time.Time

	// mu orders writes against the removal of expired entries.
	mu     sync.Mutex
	hits   atomic.Int64
	misses atomic.Int64
}

type Stats struct {
	Name   string `json:"name"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
	Size   int    `json:"size"`
}

func New[V any](name string, size int, defaultTTL time.Duration) (*TTL[V], error) {
	items, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", name, err)
	}
	return &TTL[V]{
		name:       name,
		defaultTTL: defaultTTL,
		items:      items,
		now:        time.Now,
	}, nil
}

func (c *TTL[V]) Name() string { return c.name }

func (c *TTL[V]) Get(key string) (V, bool) {
	e, ok := c.items.Get(key)
	if ok && c.now().Before(e.expiresAt) {
		c.hits.Add(1)
		return e.value, true
	}
	if ok {
		c.removeExpired(key)
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

// Set stores value under key. ttl <= 0 uses the cache default.
func (c *TTL[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	expiresAt := c.now().Add(ttl)
	c.mu.Lock()
	c.items.Add(key, entry[V]{value: value, expiresAt: expiresAt})
	c.mu.Unlock()
}

// removeExpired drops key only if the stored entry is still expired, so a
// value Set after the caller's read survives.
func (c *TTL[V]) removeExpired(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items.Peek(key); ok && !c.now().Before(e.expiresAt) {
		c.items.Remove(key)
	}
}

func (c *TTL[V]) Invalidate(key string) bool {
	return c.items.Remove(key)
}

// InvalidatePrefix drops every key starting with prefix.
func (c *TTL[V]) InvalidatePrefix(prefix string) int {
	n := 0
	for _, k := range c.items.Keys() {
		if strings.HasPrefix(k, prefix) && c.items.Remove(k) {
			n++
		}
	}
	return n
}

func (c *TTL[V]) Purge() {
	c.items.Purge()
}

func (c *TTL[V]) Stats() Stats {
	return Stats{
		Name:   c.name,
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   c.items.Len(),
	}
}

// SourcePrefix is the key prefix shared by every window of one source.
func SourcePrefix(typ model.SourceType, sourceID string) string {
	return string(typ) + "|" + sourceID + "|"
}

// EventsKey addresses one fetch of a source over a window.
func EventsKey(typ model.SourceType, sourceID string, w model.Window) string {
	return SourcePrefix(typ, sourceID) +
		model.DateOnly(w.Start).Format("20060102") + "|" +
		model.DateOnly(w.End).Format("20060102")
}

// MetaKey addresses calendar metadata for a source.
func MetaKey(typ model.SourceType, sourceID string) string {
	return SourcePrefix(typ, sourceID) + "meta"
}
