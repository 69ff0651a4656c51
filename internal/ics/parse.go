package ics

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// ErrMalformedFeed means the payload is not an iCalendar document at all.
var ErrMalformedFeed = errors.New("ics: malformed feed")

// ParsedEvent is one VEVENT before recurrence expansion.
type ParsedEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string

	Start  time.Time
	End    time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID, when this VEVENT overrides one instance
	Cancelled  bool
}

func (p ParsedEvent) IsOverride() bool { return p.Recurrence != nil }

// Validate performs the cheap structural check done before a full parse.
func Validate(body []byte) error {
	trimmed := bytes.TrimSpace(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")))
	if len(trimmed) == 0 {
		return ErrMalformedFeed
	}
	if !bytes.Contains(trimmed, []byte("BEGIN:VCALENDAR")) || !bytes.Contains(trimmed, []byte("END:VCALENDAR")) {
		return ErrMalformedFeed
	}
	return nil
}

func parseCalendar(body []byte) (*ical.Calendar, error) {
	if err := Validate(body); err != nil {
		return nil, err
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, errors.Join(ErrMalformedFeed, err)
	}
	return cal, nil
}

// ParseICS parses every VEVENT in body. Events that cannot be parsed are
// logged and skipped; only a structurally broken feed is an error.
func ParseICS(src model.CalendarSource, body []byte) ([]ParsedEvent, error) {
	cal, err := parseCalendar(body)
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0, len(cal.Events()))
	skipped := 0
	for _, comp := range cal.Events() {
		ev, perr := parseVEvent(comp)
		if perr != nil {
			skipped++
			appLog.Debug("skipping unparseable vevent", "source", src.String(), "err", perr)
			continue
		}
		events = append(events, ev)
	}
	if skipped > 0 {
		appLog.Info("ics feed had unparseable events", "source", src.String(), "skipped", skipped)
	}
	return events, nil
}

// calendarMeta reads X-WR-CALNAME / X-WR-TIMEZONE.
func calendarMeta(cal *ical.Calendar) model.CalendarMeta {
	var m model.CalendarMeta
	for _, p := range cal.CalendarProperties {
		switch strings.ToUpper(p.IANAToken) {
		case "X-WR-CALNAME", "NAME":
			if m.Name == "" {
				m.Name = p.Value
			}
		case "X-WR-TIMEZONE":
			m.TimeZone = p.Value
		}
	}
	return m
}

func parseVEvent(ve *ical.VEvent) (ParsedEvent, error) {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Seq = n
		}
	}
	if p := ve.GetProperty(ical.ComponentPropertyStatus); p != nil {
		out.Cancelled = strings.EqualFold(strings.TrimSpace(p.Value), "CANCELLED")
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil {
		return out, errors.New("missing DTSTART")
	}
	start, err := ve.GetStartAt()
	if err != nil {
		return out, err
	}
	out.AllDay = isDateValue(dtStart)

	end, endErr := ve.GetEndAt()
	if out.AllDay {
		start = model.DateOnly(start)
		if endErr == nil {
			end = model.DateOnly(end)
		}
	}
	if endErr != nil || !end.After(start) {
		if out.AllDay {
			end = start.AddDate(0, 0, 1)
		} else {
			end = start.Add(time.Hour)
		}
	}
	out.Start, out.End = start, end

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		loc := paramLocation(p.ICalParameters, start.Location())
		for _, part := range strings.Split(p.Value, ",") {
			t, allDay, err := parseICSTime(part, loc)
			if err != nil {
				continue
			}
			if allDay || out.AllDay {
				t = model.DateOnly(t)
			}
			out.ExDates = append(out.ExDates, t)
		}
	}

	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		loc := paramLocation(p.ICalParameters, start.Location())
		if t, allDay, err := parseICSTime(p.Value, loc); err == nil {
			if allDay || out.AllDay {
				t = model.DateOnly(t)
			}
			out.Recurrence = &t
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil && strings.TrimSpace(p.Value) != "" {
		out.UID = strings.TrimSpace(p.Value)
	} else {
		out.UID = syntheticUID(out)
	}
	return out, nil
}

// syntheticUID derives a stable id for feeds that omit UID.
func syntheticUID(ev ParsedEvent) string {
	h := sha256.New()
	for _, part := range []string{
		ev.Summary,
		ev.Start.UTC().Format(time.RFC3339),
		ev.End.UTC().Format(time.RFC3339),
		ev.Location,
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return "gen-" + hex.EncodeToString(h.Sum(nil))[:32]
}

func isDateValue(p *ical.IANAProperty) bool {
	if vs, ok := p.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		return true
	}
	return !strings.Contains(p.Value, "T")
}

func paramLocation(params map[string][]string, fallback *time.Location) *time.Location {
	if tz, ok := params["TZID"]; ok && len(tz) > 0 {
		if loc, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			return loc
		}
	}
	return fallback
}

// parseICSTime parses DATE and DATE-TIME values. Floating times are read
// in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, bool, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		t, err := time.Parse("20060102T150405Z", v)
		return t, false, err
	}
	if strings.Contains(v, "T") {
		t, err := time.ParseInLocation("20060102T150405", v, loc)
		return t, false, err
	}
	t, err := time.ParseInLocation("20060102", v, time.UTC)
	return t, true, err
}
