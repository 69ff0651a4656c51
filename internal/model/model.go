package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// SourceType identifies which upstream a calendar source lives on.
type SourceType string

const (
	SourceGoogle SourceType = "google"
	SourceICS    SourceType = "ics"
)

func (t SourceType) Valid() bool {
	return t == SourceGoogle || t == SourceICS
}

// CalendarSource is one external calendar attached to a tenant group.
// It is read-only from the engine's point of view.
type CalendarSource struct {
	TenantID    string     `json:"tenant_id" yaml:"-"`
	GroupKey    string     `json:"group_key" yaml:"group"`
	Type        SourceType `json:"type" yaml:"type"`
	SourceID    string     `json:"source_id" yaml:"id"`
	DisplayName string     `json:"display_name,omitempty" yaml:"name"`
}

func (s CalendarSource) String() string {
	return fmt.Sprintf("%s:%s", s.Type, s.SourceID)
}

// GroupKey addresses one snapshot: a tenant plus its grouping key.
type GroupKey struct {
	TenantID string `json:"tenant_id"`
	Group    string `json:"group"`
}

func (k GroupKey) String() string {
	return k.TenantID + "/" + k.Group
}

// Event is the normalized shape every adapter produces.
//
// All-day events carry midnight UTC of their calendar date in Start/End.
// Timed events carry the instant in whatever offset the upstream reported.
type Event struct {
	ID          string    `json:"id"`
	Summary     string    `json:"summary"`
	Location    string    `json:"location,omitempty"`
	Description string    `json:"description,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	AllDay      bool      `json:"all_day,omitempty"`

	SourceType SourceType `json:"source_type"`
	SourceID   string     `json:"source_id"`
}

// Window is an inclusive range of calendar days.
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow builds a window of whole days around now.
func NewWindow(now time.Time, pastDays, futureDays int) Window {
	today := DateOnly(now)
	return Window{
		Start: today.AddDate(0, 0, -pastDays),
		End:   today.AddDate(0, 0, futureDays),
	}
}

func (w Window) Valid() bool {
	return !DateOnly(w.Start).After(DateOnly(w.End))
}

// Days is the inclusive number of days covered.
func (w Window) Days() int {
	return int(DateOnly(w.End).Sub(DateOnly(w.Start))/(24*time.Hour)) + 1
}

// Bounds returns [start 00:00Z, end+1 00:00Z).
func (w Window) Bounds() (time.Time, time.Time) {
	return DateOnly(w.Start), DateOnly(w.End).AddDate(0, 0, 1)
}

// DateOnly returns midnight UTC of t's calendar date in t's own location.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var dateLayouts = []string{"2006-01-02", "20060102"}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04Z07:00",
	"20060102T150405Z",
	"20060102T150405Z07:00",
}

// ParseEventTime accepts the date and date-time spellings used by Google
// and ICS feeds. allDay reports whether the value was a bare date.
func ParseEventTime(raw string) (t time.Time, allDay bool, err error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true, nil
		}
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, false, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("unrecognized time %q", raw)
}

// SortEvents orders events by start, then summary, then ID.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Summary != b.Summary {
			return a.Summary < b.Summary
		}
		return a.ID < b.ID
	})
}

// ChangeSet is emitted when a cycle detects a difference.
type ChangeSet struct {
	CycleID    string    `json:"cycle_id"`
	TenantID   string    `json:"tenant_id"`
	GroupKey   string    `json:"group_key"`
	Added      []Event   `json:"added"`
	Removed    []Event   `json:"removed"`
	DetectedAt time.Time `json:"detected_at"`

	// SourceNames maps SourceID to a display name for rendering.
	SourceNames map[string]string `json:"source_names,omitempty"`
}

func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Removed) == 0
}

// Alert is an operator-facing notice (access problems, job restarts).
type Alert struct {
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// CalendarMeta is slow-changing information about a source.
type CalendarMeta struct {
	Name     string `json:"name"`
	TimeZone string `json:"time_zone,omitempty"`
}
