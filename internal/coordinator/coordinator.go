// Package coordinator runs sync cycles for every (tenant, group): fetch all
// sources, diff against the stored snapshot, persist and emit changes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"calsync/internal/diff"
	"calsync/internal/fingerprint"
	appLog "calsync/internal/log"
	"calsync/internal/metrics"
	"calsync/internal/model"
	"calsync/internal/retry"
	"calsync/internal/snapshot"
	"calsync/internal/source"
)

// State is where a group currently is in its cycle.
type State string

const (
	StateIdle       State = "idle"
	StateFetching   State = "fetching"
	StateDiffing    State = "diffing"
	StatePersisting State = "persisting"
)

// Cycle outcomes, also used as metric labels.
const (
	OutcomeInitialized = "initialized"
	OutcomeChanged     = "changed"
	OutcomeResaved     = "resaved"
	OutcomeRefreshed   = "refreshed"
	OutcomeUnchanged   = "unchanged"
	OutcomeSkipped     = "skipped"
	OutcomeError       = "error"
)

// ErrAllGroupsFailed is returned by Tick when no group completed.
var ErrAllGroupsFailed = errors.New("coordinator: every group failed")

// SourceProvider returns the current source list. It is called on every
// tick so configuration edits apply without a restart.
type SourceProvider interface {
	Sources(ctx context.Context) ([]model.CalendarSource, error)
}

// Fetcher is the cached adapter front.
type Fetcher interface {
	source.Adapter
	source.MetadataProvider
}

type ChangeSink interface {
	Enqueue(model.ChangeSet) bool
}

type AlertSink interface {
	Enqueue(model.Alert) bool
}

type Config struct {
	PastDays   int
	FutureDays int
	// MaxConcurrent bounds how many groups sync at once.
	MaxConcurrent int
	// RefreshCycles re-persists an unchanged snapshot after this many
	// cycles without a write. Zero disables it.
	RefreshCycles int
	CycleTimeout  time.Duration
}

type Coordinator struct {
	cfg      Config
	provider SourceProvider
	fetcher  Fetcher
	store    snapshot.Store
	changes  ChangeSink
	alerts   AlertSink
	rec      metrics.Recorder
	now      func() time.Time

	locks    *keyLocks
	inflight sync.WaitGroup
	ticks    atomic.Int64

	mu      sync.Mutex
	groups  map[model.GroupKey]*GroupStatus
	sources map[string]*SourceStatus
}

func New(cfg Config, provider SourceProvider, fetcher Fetcher, store snapshot.Store, changes ChangeSink, alerts AlertSink, rec metrics.Recorder) *Coordinator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = 5 * time.Minute
	}
	if rec == nil {
		rec = metrics.Nop{}
	}
	c := &Coordinator{
		cfg:      cfg,
		provider: provider,
		fetcher:  fetcher,
		store:    store,
		changes:  changes,
		alerts:   alerts,
		rec:      rec,
		now:      time.Now,
		groups:   make(map[model.GroupKey]*GroupStatus),
		sources:  make(map[string]*SourceStatus),
	}
	c.locks = newKeyLocks(func() time.Time { return c.now() })
	return c
}

// Window is the sync window for now.
func (c *Coordinator) Window() model.Window {
	return model.NewWindow(c.now(), c.cfg.PastDays, c.cfg.FutureDays)
}

// Tick syncs every group once. Groups whose previous cycle still holds the
// lock are skipped. Dispatch stops early only when ctx is cancelled. Cycles run detached from ctx cancellation so a shutdown
// lets them finish within CycleTimeout; use Wait to drain them.
func (c *Coordinator) Tick(ctx context.Context) error {
	srcs, err := c.provider.Sources(ctx)
	if err != nil {
		return fmt.Errorf("load sources: %w", err)
	}
	groups := GroupSources(srcs)
	if len(groups) == 0 {
		return nil
	}
	tick := c.ticks.Add(1)
	w := c.Window()

	var g errgroup.Group
	g.SetLimit(c.cfg.MaxConcurrent)
	var failed, ran atomic.Int64

	for _, grp := range groups {
		// Only an explicit cancel stops dispatch. A lapsed job deadline must
		// not starve the groups that sort last.
		if errors.Is(ctx.Err(), context.Canceled) {
			break
		}
		id, ok := c.locks.tryAcquire(grp.Key)
		if !ok {
			appLog.Debug("group busy, skipping", "group", grp.Key.String(), "tick", tick)
			c.rec.RecordCycle(OutcomeSkipped, 0)
			continue
		}
		grp := grp
		c.inflight.Add(1)
		g.Go(func() error {
			defer c.inflight.Done()
			defer c.locks.release(grp.Key, id)

			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CycleTimeout)
			defer cancel()
			ran.Add(1)
			if _, err := c.RunCycle(cctx, grp.Key, grp.Sources, w); err != nil {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	if n := ran.Load(); n > 0 && failed.Load() == n {
		return ErrAllGroupsFailed
	}
	return nil
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	CycleID       string
	Outcome       string
	Events        int
	Added         int
	Removed       int
	FailedSources int
}

// RunCycle performs one Fetching → Diffing → Persisting pass. The caller
// must hold the group's lock (Tick does).
func (c *Coordinator) RunCycle(ctx context.Context, key model.GroupKey, srcs []model.CalendarSource, w model.Window) (CycleResult, error) {
	res := CycleResult{CycleID: uuid.NewString()}
	started := c.now()
	defer c.setState(key, StateIdle)

	res, err := c.runCycle(ctx, key, srcs, w, res)
	elapsed := c.now().Sub(started)
	if err != nil {
		res.Outcome = OutcomeError
		appLog.Error("sync cycle failed", err, "cycle_id", res.CycleID, "group", key.String())
	} else {
		appLog.Debug("sync cycle finished",
			"cycle_id", res.CycleID,
			"group", key.String(),
			"outcome", res.Outcome,
			"events", res.Events,
			"failed_sources", res.FailedSources,
			"elapsed", elapsed,
		)
	}
	c.rec.RecordCycle(res.Outcome, elapsed)
	c.finishGroup(key, res, err)
	return res, err
}

func (c *Coordinator) runCycle(ctx context.Context, key model.GroupKey, srcs []model.CalendarSource, w model.Window, res CycleResult) (CycleResult, error) {
	c.setState(key, StateFetching)

	prev, hadPrev, err := c.store.Load(ctx, key.TenantID, key.Group)
	if err != nil {
		return res, fmt.Errorf("load snapshot: %w", err)
	}

	current := make([]model.Event, 0)
	for _, src := range srcs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r := c.fetcher.Fetch(ctx, src, w)
		if r.Err != nil {
			res.FailedSources++
			c.recordSourceError(src, r.Err)
			c.rec.RecordSourceFetch(src.Type, "error")
			// Keep last known events so a failing source does not look
			// like a mass removal.
			current = append(current, eventsFrom(prev.Events, src)...)
			continue
		}
		c.clearSourceError(src)
		c.rec.RecordSourceFetch(src.Type, "ok")
		current = append(current, r.Events...)
	}
	if !hadPrev && len(srcs) > 0 && res.FailedSources == len(srcs) {
		return res, errors.New("no source could be fetched for initial snapshot")
	}

	current = fingerprint.Dedupe(current)
	model.SortEvents(current)
	res.Events = len(current)

	c.setState(key, StateDiffing)
	if !hadPrev {
		c.setState(key, StatePersisting)
		if err := c.store.Save(ctx, key.TenantID, key.Group, current); err != nil {
			return res, fmt.Errorf("save snapshot: %w", err)
		}
		res.Outcome = OutcomeInitialized
		return res, nil
	}

	d := diff.Compute(prev.Events, current)
	res.Added, res.Removed = len(d.Added), len(d.Removed)

	switch {
	case !d.Empty():
		res.Outcome = OutcomeChanged
	case len(current) != len(prev.Events):
		res.Outcome = OutcomeResaved
	case c.cfg.RefreshCycles > 0 && c.cyclesSinceWrite(key)+1 >= c.cfg.RefreshCycles:
		res.Outcome = OutcomeRefreshed
	default:
		res.Outcome = OutcomeUnchanged
		return res, nil
	}

	c.setState(key, StatePersisting)
	if err := c.store.Save(ctx, key.TenantID, key.Group, current); err != nil {
		return res, fmt.Errorf("save snapshot: %w", err)
	}

	if res.Outcome == OutcomeChanged {
		c.rec.RecordChanges(res.Added, res.Removed)
		cs := model.ChangeSet{
			CycleID:     res.CycleID,
			TenantID:    key.TenantID,
			GroupKey:    key.Group,
			Added:       d.Added,
			Removed:     d.Removed,
			DetectedAt:  c.now().UTC(),
			SourceNames: c.sourceNames(ctx, srcs),
		}
		if c.changes != nil && !c.changes.Enqueue(cs) {
			appLog.Warn("change set dropped", "cycle_id", res.CycleID, "group", key.String())
		}
	}
	return res, nil
}

// eventsFrom picks the previous events that came from src.
func eventsFrom(events []model.Event, src model.CalendarSource) []model.Event {
	var out []model.Event
	for _, e := range events {
		if e.SourceType == src.Type && e.SourceID == src.SourceID {
			out = append(out, e)
		}
	}
	return out
}

func (c *Coordinator) sourceNames(ctx context.Context, srcs []model.CalendarSource) map[string]string {
	names := make(map[string]string, len(srcs))
	for _, src := range srcs {
		if src.DisplayName != "" {
			names[src.SourceID] = src.DisplayName
			continue
		}
		meta, err := c.fetcher.Metadata(ctx, src)
		if err != nil || meta.Name == "" {
			names[src.SourceID] = src.SourceID
			continue
		}
		names[src.SourceID] = meta.Name
	}
	return names
}

// ForceReleaseStale frees locks held longer than maxAge. A cycle that is
// still running keeps going but can no longer release the new holder's lock.
func (c *Coordinator) ForceReleaseStale(maxAge time.Duration) []model.GroupKey {
	keys := c.locks.releaseStale(maxAge)
	for _, k := range keys {
		appLog.Warn("force-released stale group lock", "group", k.String(), "max_age", maxAge)
		if c.alerts != nil {
			c.alerts.Enqueue(model.Alert{
				Key:     "lock:" + k.String(),
				Kind:    "stale_lock",
				Message: fmt.Sprintf("sync for %s held its lock longer than %s and was released", k, maxAge),
				At:      c.now().UTC(),
			})
		}
	}
	return keys
}

// Wait blocks until in-flight cycles finish or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Group is the set of sources feeding one snapshot.
type Group struct {
	Key     model.GroupKey
	Sources []model.CalendarSource
}

// GroupSources groups by (tenant, group) in a stable order. An empty
// GroupKey falls back to the tenant id.
func GroupSources(srcs []model.CalendarSource) []Group {
	idx := make(map[model.GroupKey]int)
	var out []Group
	for _, s := range srcs {
		if s.GroupKey == "" {
			s.GroupKey = s.TenantID
		}
		k := model.GroupKey{TenantID: s.TenantID, Group: s.GroupKey}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Group{Key: k})
		}
		out[i].Sources = append(out[i].Sources, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func sourceKey(src model.CalendarSource) string {
	return src.TenantID + "|" + src.String()
}

func (c *Coordinator) recordSourceError(src model.CalendarSource, err error) {
	now := c.now().UTC()
	c.mu.Lock()
	st, ok := c.sources[sourceKey(src)]
	if !ok {
		st = &SourceStatus{Source: src, Since: now}
		c.sources[sourceKey(src)] = st
	}
	st.LastError = err.Error()
	st.LastErrorAt = now
	st.Consecutive++
	first := st.Consecutive == 1
	c.mu.Unlock()

	if retry.IsPermanent(err) && first && c.alerts != nil {
		c.alerts.Enqueue(model.Alert{
			Key:     "source:" + sourceKey(src),
			Kind:    "source_access",
			Message: fmt.Sprintf("calendar %s for tenant %s cannot be read: %v", src, src.TenantID, err),
			At:      now,
		})
	}
}

func (c *Coordinator) clearSourceError(src model.CalendarSource) {
	c.mu.Lock()
	delete(c.sources, sourceKey(src))
	c.mu.Unlock()
}
