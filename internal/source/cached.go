package source

import (
	"context"

	"golang.org/x/sync/singleflight"

	"calsync/internal/cache"
	"calsync/internal/model"
)

// Cached puts TTL caches in front of a Router. A hit never reaches the
// adapter, so it costs no rate limit tokens. Failed fetches are not stored.
// Concurrent misses for the same key share one upstream call.
type Cached struct {
	next   *Router
	events *cache.TTL[[]model.Event]
	meta   *cache.TTL[model.CalendarMeta]
	flight singleflight.Group
}

func NewCached(next *Router, events *cache.TTL[[]model.Event], meta *cache.TTL[model.CalendarMeta]) *Cached {
	return &Cached{next: next, events: events, meta: meta}
}

func (c *Cached) Fetch(ctx context.Context, src model.CalendarSource, w model.Window) Result {
	key := cache.EventsKey(src.Type, src.SourceID, w)
	if evs, ok := c.events.Get(key); ok {
		return Result{Events: tagged(evs, src)}
	}
	v, _, _ := c.flight.Do(key, func() (any, error) {
		if evs, ok := c.events.Get(key); ok {
			return Result{Events: evs}, nil
		}
		res := c.next.Fetch(ctx, src, w)
		if res.Err == nil {
			c.events.Set(key, tagged(res.Events, src), 0)
		}
		return res, nil
	})
	res := v.(Result)
	res.Events = tagged(res.Events, src)
	return res
}

func (c *Cached) Metadata(ctx context.Context, src model.CalendarSource) (model.CalendarMeta, error) {
	key := cache.MetaKey(src.Type, src.SourceID)
	if m, ok := c.meta.Get(key); ok {
		return m, nil
	}
	v, err, _ := c.flight.Do(key, func() (any, error) {
		m, err := c.next.Metadata(ctx, src)
		if err != nil {
			return model.CalendarMeta{}, err
		}
		c.meta.Set(key, m, 0)
		return m, nil
	})
	if err != nil {
		return model.CalendarMeta{}, err
	}
	return v.(model.CalendarMeta), nil
}

// Invalidate drops every cached entry for src.
func (c *Cached) Invalidate(src model.CalendarSource) int {
	prefix := cache.SourcePrefix(src.Type, src.SourceID)
	return c.events.InvalidatePrefix(prefix) + c.meta.InvalidatePrefix(prefix)
}

// Clear empties both caches.
func (c *Cached) Clear() {
	c.events.Purge()
	c.meta.Purge()
}

func (c *Cached) CacheStats() []cache.Stats {
	return []cache.Stats{c.events.Stats(), c.meta.Stats()}
}

// tagged returns a copy so callers cannot mutate cached slices.
func tagged(evs []model.Event, src model.CalendarSource) []model.Event {
	out := make([]model.Event, len(evs))
	copy(out, evs)
	for i := range out {
		out[i].SourceType = src.Type
		out[i].SourceID = src.SourceID
	}
	return out
}
