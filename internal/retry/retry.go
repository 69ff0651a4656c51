// Package retry wraps upstream calls with rate limiting, bounded retries,
// exponential backoff and a circuit breaker.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	appLog "calsync/internal/log"
)

var (
	// ErrExhausted is returned once every attempt has failed.
	ErrExhausted = errors.New("retry: attempts exhausted")
	// ErrCircuitOpen is returned without calling upstream while a breaker is open.
	ErrCircuitOpen = errors.New("retry: circuit open")
	// ErrRateLimiterClosed means no token could be obtained before ctx ended.
	ErrRateLimiterClosed = errors.New("retry: no rate limit token")
)

// Class is the retry classification of an error.
type Class int

const (
	Transient Class = iota
	RateLimited
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Classifier decides how an upstream error is retried.
type Classifier func(error) Class

// Limiter is satisfied by *ratelimit.Bucket.
type Limiter interface {
	Consume(ctx context.Context, tokens int, wait bool) bool
}

// PermanentError marks a failure that was not retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err was classified as permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      time.Second,
	}
}

// Delay is the pause before attempt+1 after a failure of the given class.
// u is a uniform sample in [0,1).
func (p Policy) Delay(attempt int, class Class, u float64) time.Duration {
	var d float64
	switch class {
	case RateLimited:
		d = float64(p.BaseDelay)*math.Pow(5, float64(attempt)) + float64(p.BaseDelay) + u*2*float64(p.Jitter)
	default:
		d = float64(p.BaseDelay)*math.Pow(2, float64(attempt)) + u*float64(p.Jitter)
	}
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// Retrier holds the shared pieces of a retried call: policy, classifier and
// the token bucket every attempt draws from.
type Retrier struct {
	name     string
	policy   Policy
	classify Classifier
	limiter  Limiter

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() float64
}

type Option func(*Retrier)

// WithSleep replaces the backoff sleep, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Retrier) { r.sleep = fn }
}

func WithJitter(fn func() float64) Option {
	return func(r *Retrier) { r.jitter = fn }
}

func New(name string, policy Policy, classify Classifier, limiter Limiter, opts ...Option) *Retrier {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r := &Retrier{
		name:     name,
		policy:   policy,
		classify: classify,
		limiter:  limiter,
		sleep:    sleepCtx,
		jitter:   rand.Float64,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Do runs op until it succeeds, fails permanently or runs out of attempts.
// br may be nil. Errors are never panics: callers get ErrCircuitOpen,
// ErrExhausted or a *PermanentError.
func Do[T any](ctx context.Context, r *Retrier, br *Breaker, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if br != nil && !br.Allow() {
		return zero, fmt.Errorf("%s: %w", r.name, ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if r.limiter != nil && !r.limiter.Consume(ctx, 1, true) {
			lastErr = fmt.Errorf("%w: %v", ErrRateLimiterClosed, ctx.Err())
			break
		}

		v, err := op(ctx)
		if err == nil {
			if br != nil {
				br.Success()
			}
			return v, nil
		}
		lastErr = err

		class := r.classify(err)
		if class == Permanent {
			if br != nil {
				br.Release()
			}
			return zero, &PermanentError{Err: err}
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}

		delay := r.policy.Delay(attempt, class, r.jitter())
		appLog.Debug("retrying upstream call",
			"call", r.name,
			"attempt", attempt+1,
			"class", class.String(),
			"delay", delay,
			"err", err,
		)
		if err := r.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	if br != nil {
		// A cancelled or timed-out caller says nothing about upstream health.
		if ctx.Err() != nil {
			br.Release()
		} else {
			br.Failure()
		}
	}
	appLog.Warn("upstream call failed after retries", "call", r.name, "err", lastErr)
	return zero, fmt.Errorf("%s: %w: %v", r.name, ErrExhausted, lastErr)
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
