package coordinator

import (
	"sort"
	"sync"
	"time"

	"calsync/internal/model"
)

type lease struct {
	id         uint64
	acquiredAt time.Time
}

// keyLocks is a per-key try-lock. Each acquisition gets a lease id so a
// force-released holder cannot release a newer holder's lock.
type keyLocks struct {
	mu     sync.Mutex
	held   map[model.GroupKey]lease
	nextID uint64
	now    func() time.Time
}

func newKeyLocks(now func() time.Time) *keyLocks {
	return &keyLocks{held: make(map[model.GroupKey]lease), now: now}
}

func (l *keyLocks) tryAcquire(k model.GroupKey) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[k]; busy {
		return 0, false
	}
	l.nextID++
	l.held[k] = lease{id: l.nextID, acquiredAt: l.now()}
	return l.nextID, true
}

func (l *keyLocks) release(k model.GroupKey, id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[k]; ok && cur.id == id {
		delete(l.held, k)
	}
}

// releaseStale drops locks held longer than maxAge and returns their keys.
func (l *keyLocks) releaseStale(maxAge time.Duration) []model.GroupKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	var out []model.GroupKey
	for k, ls := range l.held {
		if now.Sub(ls.acquiredAt) > maxAge {
			delete(l.held, k)
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

func (l *keyLocks) heldSince(k model.GroupKey) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ls, ok := l.held[k]
	return ls.acquiredAt, ok
}
