// Package diff compares two event lists by fingerprint.
package diff

import (
	"calsync/internal/fingerprint"
	"calsync/internal/model"
)

// Result lists events present only in current (Added) or only in
// previous (Removed). A modified event shows up once in each.
type Result struct {
	Added   []model.Event
	Removed []model.Event
}

func (r Result) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0
}

// Compute diffs previous against current. Events sharing a fingerprint
// collapse to one entry, and output keeps input order.
func Compute(previous, current []model.Event) Result {
	prev := index(previous)
	cur := index(current)
	return Result{
		Added:   missingFrom(current, prev),
		Removed: missingFrom(previous, cur),
	}
}

func index(events []model.Event) map[string]struct{} {
	m := make(map[string]struct{}, len(events))
	for _, e := range events {
		m[fingerprint.Compute(e)] = struct{}{}
	}
	return m
}

func missingFrom(events []model.Event, other map[string]struct{}) []model.Event {
	var out []model.Event
	emitted := make(map[string]struct{})
	for _, e := range events {
		fp := fingerprint.Compute(e)
		if _, ok := other[fp]; ok {
			continue
		}
		if _, ok := emitted[fp]; ok {
			continue
		}
		emitted[fp] = struct{}{}
		out = append(out, e)
	}
	return out
}
