package retry

import (
	"sort"
	"sync"
	"time"
)

// Breaker counts consecutive failed calls for one upstream scope. After
// threshold failures it opens and rejects calls until resetAfter has passed,
// then lets a single trial call through.
type Breaker struct {
	mu         sync.Mutex
	threshold  int
	resetAfter time.Duration
	now        func() time.Time

	consecutive int
	open        bool
	openedAt    time.Time
	lastError   time.Time
	trial       bool
}

type BreakerState struct {
	Scope             string    `json:"scope"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Open              bool      `json:"open"`
	HalfOpen          bool      `json:"half_open"`
	LastErrorTime     time.Time `json:"last_error_time,omitempty"`
}

func NewBreaker(threshold int, resetAfter time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, resetAfter: resetAfter, now: time.Now}
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return true
	}
	if b.trial {
		return false
	}
	if b.now().Sub(b.openedAt) >= b.resetAfter {
		b.trial = true
		return true
	}
	return false
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
	b.trial = false
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.consecutive++
	b.lastError = now
	if b.trial {
		b.trial = false
		b.open = true
		b.openedAt = now
		return
	}
	if !b.open && b.consecutive >= b.threshold {
		b.open = true
		b.openedAt = now
	}
}

// Release ends a trial without judging the upstream, e.g. on a permanent
// per-calendar error that says nothing about upstream health.
func (b *Breaker) Release() {
	b.mu.Lock()
	b.trial = false
	b.mu.Unlock()
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerState{
		ConsecutiveErrors: b.consecutive,
		Open:              b.open,
		HalfOpen:          b.open && (b.trial || b.now().Sub(b.openedAt) >= b.resetAfter),
		LastErrorTime:     b.lastError,
	}
}

// Breakers lazily creates one Breaker per scope.
type Breakers struct {
	mu         sync.Mutex
	threshold  int
	resetAfter time.Duration
	byScope    map[string]*Breaker
	now        func() time.Time
}

func NewBreakers(threshold int, resetAfter time.Duration) *Breakers {
	return &Breakers{
		threshold:  threshold,
		resetAfter: resetAfter,
		byScope:    make(map[string]*Breaker),
		now:        time.Now,
	}
}

func (bs *Breakers) Get(scope string) *Breaker {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	b, ok := bs.byScope[scope]
	if !ok {
		b = NewBreaker(bs.threshold, bs.resetAfter)
		b.now = bs.now
		bs.byScope[scope] = b
	}
	return b
}

// States returns every known breaker sorted by scope.
func (bs *Breakers) States() []BreakerState {
	bs.mu.Lock()
	scopes := make([]string, 0, len(bs.byScope))
	for s := range bs.byScope {
		scopes = append(scopes, s)
	}
	bs.mu.Unlock()
	sort.Strings(scopes)

	out := make([]BreakerState, 0, len(scopes))
	for _, s := range scopes {
		st := bs.Get(s).State()
		st.Scope = s
		out = append(out, st)
	}
	return out
}
