package ics

import (
	"errors"
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

const defaultMaxOccurrencesPerEvent = 5000

// ExpandConfig bounds recurrence expansion to [RangeStart, RangeEnd).
type ExpandConfig struct {
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent caps runaway rules. Zero selects 5000.
	MaxOccurrencesPerEvent int

	Source model.CalendarSource
}

type ExpandResult struct {
	Events []model.Event
	// TruncatedEvents records UIDs that hit MaxOccurrencesPerEvent.
	TruncatedEvents []string
}

// ExpandOccurrences turns parsed VEVENTs into concrete events overlapping
// the range. RRULEs are expanded, EXDATEs removed, RECURRENCE-ID overrides
// replace the instance they name and cancelled overrides drop it.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) (ExpandResult, error) {
	var result ExpandResult
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return result, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	baseByUID := make(map[string][]ParsedEvent)
	overridesByUID := make(map[string][]ParsedEvent)
	var uids []string
	for _, ev := range events {
		if _, seen := baseByUID[ev.UID]; !seen {
			if _, seenOv := overridesByUID[ev.UID]; !seenOv {
				uids = append(uids, ev.UID)
			}
		}
		if ev.IsOverride() {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else {
			baseByUID[ev.UID] = append(baseByUID[ev.UID], ev)
		}
	}
	sort.Strings(uids)

	for _, uid := range uids {
		ov := overridesByUID[uid]
		used := make([]bool, len(ov))

		for _, ev := range baseByUID[uid] {
			occ, hitCap := expandEvent(ev, ov, used, cfg)
			result.Events = append(result.Events, occ...)
			if hitCap {
				result.TruncatedEvents = append(result.TruncatedEvents, uid)
				appLog.Info("recurrence expansion truncated",
					"source", cfg.Source.String(),
					"uid", uid,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
		}

		// Overrides whose original instance was outside the range (or whose
		// base event is missing) still count when they land inside it.
		for i, o := range ov {
			if used[i] || o.Cancelled {
				continue
			}
			if overlaps(o.Start, o.End, cfg.RangeStart, cfg.RangeEnd) {
				result.Events = append(result.Events, toEvent(o, o.Start, o.End, cfg.Source, instanceID(o.UID, *o.Recurrence, o.AllDay)))
			}
		}
	}
	return result, nil
}

func expandEvent(ev ParsedEvent, overrides []ParsedEvent, used []bool, cfg ExpandConfig) ([]model.Event, bool) {
	if ev.Cancelled {
		return nil, false
	}
	if ev.RawRRule == "" {
		return expandSingleEvent(ev, overrides, used, cfg), false
	}
	return expandRecurringEvent(ev, overrides, used, cfg)
}

func expandSingleEvent(ev ParsedEvent, overrides []ParsedEvent, used []bool, cfg ExpandConfig) []model.Event {
	start, end := ev.Start, ev.End
	src := ev
	if i, ok := findOverrideForStart(overrides, start); ok {
		used[i] = true
		src = overrides[i]
		if src.Cancelled {
			return nil
		}
		start, end = src.Start, src.End
	}
	if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
		return nil
	}
	return []model.Event{toEvent(src, start, end, cfg.Source, ev.UID)}
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, used []bool, cfg ExpandConfig) ([]model.Event, bool) {
	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Debug("skipping event with invalid RRULE", "uid", ev.UID, "rrule", ev.RawRRule, "err", err)
		return nil, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	dur := ev.End.Sub(ev.Start)
	// Instances starting up to one duration before the range still overlap it.
	from := cfg.RangeStart.Add(-dur).In(ev.Start.Location())
	to := cfg.RangeEnd.In(ev.Start.Location())
	starts := set.Between(from, to, true)

	hitCap := false
	if len(starts) > cfg.MaxOccurrencesPerEvent {
		starts = starts[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	out := make([]model.Event, 0, len(starts))
	for _, occStart := range starts {
		occEnd := occStart.Add(dur)
		if ev.AllDay {
			occStart = model.DateOnly(occStart)
			occEnd = occStart.Add(dur)
		}

		src, start, end := ev, occStart, occEnd
		if i, ok := findOverrideForStart(overrides, occStart); ok {
			used[i] = true
			src = overrides[i]
			if src.Cancelled {
				continue
			}
			start, end = src.Start, src.End
		}
		if !overlaps(start, end, cfg.RangeStart, cfg.RangeEnd) {
			continue
		}
		out = append(out, toEvent(src, start, end, cfg.Source, instanceID(ev.UID, occStart, ev.AllDay)))
	}
	return out, hitCap
}

// findOverrideForStart returns the override whose RECURRENCE-ID equals start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (int, bool) {
	for i, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return i, true
		}
	}
	return -1, false
}

func instanceID(uid string, start time.Time, allDay bool) string {
	if allDay {
		return uid + "_" + start.Format("20060102")
	}
	return uid + "_" + start.UTC().Format("20060102T150405Z")
}

func toEvent(ev ParsedEvent, start, end time.Time, src model.CalendarSource, id string) model.Event {
	return model.Event{
		ID:          id,
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       start,
		End:         end,
		AllDay:      ev.AllDay,
		SourceType:  model.SourceICS,
		SourceID:    src.SourceID,
	}
}

// overlaps treats zero-length events as points inside [rs, re).
func overlaps(start, end, rs, re time.Time) bool {
	if !end.After(start) {
		return !start.Before(rs) && start.Before(re)
	}
	return start.Before(re) && end.After(rs)
}
