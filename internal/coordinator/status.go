package coordinator

import (
	"sort"
	"time"

	"calsync/internal/model"
)

type GroupStatus struct {
	Key              model.GroupKey `json:"key"`
	State            State          `json:"state"`
	LockedSince      *time.Time     `json:"locked_since,omitempty"`
	LastRun          time.Time      `json:"last_run,omitempty"`
	LastCycleID      string         `json:"last_cycle_id,omitempty"`
	LastOutcome      string         `json:"last_outcome,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Events           int            `json:"events"`
	CyclesSinceWrite int            `json:"cycles_since_write"`
}

type SourceStatus struct {
	Source      model.CalendarSource `json:"source"`
	LastError   string               `json:"last_error"`
	LastErrorAt time.Time            `json:"last_error_at"`
	Since       time.Time            `json:"since"`
	Consecutive int                  `json:"consecutive"`
}

type Status struct {
	Ticks        int64          `json:"ticks"`
	Groups       []GroupStatus  `json:"groups"`
	SourceErrors []SourceStatus `json:"source_errors"`
}

func (c *Coordinator) group(k model.GroupKey) *GroupStatus {
	g, ok := c.groups[k]
	if !ok {
		g = &GroupStatus{Key: k, State: StateIdle}
		c.groups[k] = g
	}
	return g
}

func (c *Coordinator) setState(k model.GroupKey, s State) {
	c.mu.Lock()
	c.group(k).State = s
	c.mu.Unlock()
}

func (c *Coordinator) cyclesSinceWrite(k model.GroupKey) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group(k).CyclesSinceWrite
}

func (c *Coordinator) finishGroup(k model.GroupKey, res CycleResult, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g := c.group(k)
	g.LastRun = c.now().UTC()
	g.LastCycleID = res.CycleID
	g.LastOutcome = res.Outcome
	if err != nil {
		g.LastError = err.Error()
		return
	}
	g.LastError = ""
	g.Events = res.Events
	if res.Outcome == OutcomeUnchanged {
		g.CyclesSinceWrite++
	} else {
		g.CyclesSinceWrite = 0
	}
}

// Status is a consistent copy of per-group and per-source state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{Ticks: c.ticks.Load()}
	for _, g := range c.groups {
		cp := *g
		st.Groups = append(st.Groups, cp)
	}
	for _, s := range c.sources {
		st.SourceErrors = append(st.SourceErrors, *s)
	}
	c.mu.Unlock()

	for i := range st.Groups {
		if t, ok := c.locks.heldSince(st.Groups[i].Key); ok {
			t := t.UTC()
			st.Groups[i].LockedSince = &t
		}
	}
	sort.Slice(st.Groups, func(i, j int) bool { return st.Groups[i].Key.String() < st.Groups[j].Key.String() })
	sort.Slice(st.SourceErrors, func(i, j int) bool {
		return sourceKey(st.SourceErrors[i].Source) < sourceKey(st.SourceErrors[j].Source)
	})
	return st
}
