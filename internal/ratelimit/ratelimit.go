// Package ratelimit provides named token buckets shared by upstream callers.
package ratelimit

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is a token bucket of capacity MaxTokens refilled continuously at
// RefillPerSecond. It starts full. Safe for concurrent use.
type Bucket struct {
	name      string
	maxTokens float64
	refill    float64
	lim       *rate.Limiter

	requests  atomic.Int64
	throttled atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Stats is a point-in-time view of a bucket.
type Stats struct {
	Name            string  `json:"name"`
	Tokens          float64 `json:"tokens"`
	MaxTokens       float64 `json:"max_tokens"`
	RefillPerSecond float64 `json:"refill_per_second"`
	Requests        int64   `json:"requests"`
	Throttled       int64   `json:"throttled"`
}

func New(name string, maxTokens int, refillPerSecond float64) *Bucket {
	if maxTokens < 1 {
		maxTokens = 1
	}
	return &Bucket{
		name:      name,
		maxTokens: float64(maxTokens),
		refill:    refillPerSecond,
		lim:       rate.NewLimiter(rate.Limit(refillPerSecond), maxTokens),
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

func (b *Bucket) Name() string { return b.name }

// Consume takes tokens from the bucket. With wait=false it returns false
// immediately when the bucket is short. With wait=true it sleeps for exactly
// the deficit divided by the refill rate and then takes the tokens; it only
// returns false when tokens exceeds capacity or ctx ends first.
func (b *Bucket) Consume(ctx context.Context, tokens int, wait bool) bool {
	b.requests.Add(1)
	now := b.now()

	if !wait {
		if b.lim.AllowN(now, tokens) {
			return true
		}
		b.throttled.Add(1)
		return false
	}

	r := b.lim.ReserveN(now, tokens)
	if !r.OK() {
		b.throttled.Add(1)
		return false
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true
	}
	b.throttled.Add(1)
	if err := b.sleep(ctx, delay); err != nil {
		r.CancelAt(b.now())
		return false
	}
	return true
}

func (b *Bucket) Stats() Stats {
	return Stats{
		Name:            b.name,
		Tokens:          b.lim.TokensAt(b.now()),
		MaxTokens:       b.maxTokens,
		RefillPerSecond: b.refill,
		Requests:        b.requests.Load(),
		Throttled:       b.throttled.Load(),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
