package ics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"calsync/internal/model"
	"calsync/internal/retry"
	"calsync/internal/source"
)

func calendar(vevents ...string) string {
	var b strings.Builder
	b.WriteString("BEGIN:VCALENDAR\nVERSION:2.0\nPRODID:-//calsync//test//EN\nX-WR-CALNAME:Team Feed\n")
	for _, v := range vevents {
		b.WriteString("BEGIN:VEVENT\n")
		b.WriteString(strings.TrimSpace(v))
		b.WriteString("\nEND:VEVENT\n")
	}
	b.WriteString("END:VCALENDAR\n")
	return strings.ReplaceAll(b.String(), "\n", "\r\n")
}

var (
	weekly = `UID:weekly-1
SUMMARY:Weekly sync
DTSTART:20240506T090000Z
DTEND:20240506T100000Z
RRULE:FREQ=WEEKLY;COUNT=4
EXDATE:20240513T090000Z`

	movedInstance = `UID:weekly-1
RECURRENCE-ID:20240520T090000Z
SUMMARY:Weekly sync (moved)
DTSTART:20240520T140000Z
DTEND:20240520T150000Z`

	cancelledInstance = `UID:weekly-1
RECURRENCE-ID:20240527T090000Z
STATUS:CANCELLED
SUMMARY:Weekly sync
DTSTART:20240527T090000Z
DTEND:20240527T100000Z`

	allDayNoEnd = `UID:holiday-1
SUMMARY:Holiday
DTSTART;VALUE=DATE:20240501`

	noUID = `SUMMARY:Lunch
DTSTART:20240502T120000Z
LOCATION:Cafe`
)

var testSource = model.CalendarSource{TenantID: "t1", GroupKey: "g1", Type: model.SourceICS, SourceID: "https://example.com/feed.ics"}

func mayWindow() (time.Time, time.Time) {
	return time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
}

func TestValidate(t *testing.T) {
	if err := Validate([]byte(calendar())); err != nil {
		t.Errorf("valid calendar rejected: %v", err)
	}
	for _, body := range []string{"", "<html>nope</html>", "BEGIN:VCALENDAR\r\nVERSION:2.0\r\n"} {
		if err := Validate([]byte(body)); !errors.Is(err, ErrMalformedFeed) {
			t.Errorf("Validate(%q) = %v, want ErrMalformedFeed", body, err)
		}
	}
}

func TestParseDefaults(t *testing.T) {
	evs, err := ParseICS(testSource, []byte(calendar(allDayNoEnd, noUID)))
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("parsed %d events, want 2", len(evs))
	}

	holiday := evs[0]
	if !holiday.AllDay {
		t.Error("VALUE=DATE event not all-day")
	}
	if want := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC); !holiday.End.Equal(want) {
		t.Errorf("all-day end = %v, want %v", holiday.End, want)
	}

	lunch := evs[1]
	if got := lunch.End.Sub(lunch.Start); got != time.Hour {
		t.Errorf("missing DTEND duration = %v, want 1h", got)
	}
	if !strings.HasPrefix(lunch.UID, "gen-") {
		t.Errorf("synthesized uid = %q", lunch.UID)
	}
	again, _ := ParseICS(testSource, []byte(calendar(noUID)))
	if again[0].UID != lunch.UID {
		t.Error("synthesized uid not stable across parses")
	}
}

func TestExpandRecurrence(t *testing.T) {
	parsed, err := ParseICS(testSource, []byte(calendar(weekly, movedInstance, cancelledInstance)))
	if err != nil {
		t.Fatal(err)
	}
	start, end := mayWindow()
	res, err := ExpandOccurrences(parsed, ExpandConfig{RangeStart: start, RangeEnd: end, Source: testSource})
	if err != nil {
		t.Fatal(err)
	}
	model.SortEvents(res.Events)

	if len(res.Events) != 2 {
		t.Fatalf("got %d events, want 2: %+v", len(res.Events), res.Events)
	}
	first, moved := res.Events[0], res.Events[1]
	if !first.Start.Equal(time.Date(2024, 5, 6, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("first start = %v", first.Start)
	}
	if moved.Summary != "Weekly sync (moved)" || moved.Start.Hour() != 14 {
		t.Errorf("override not applied: %+v", moved)
	}
	if moved.ID != "weekly-1_20240520T090000Z" {
		t.Errorf("override id = %q", moved.ID)
	}
	for _, e := range res.Events {
		if e.SourceType != model.SourceICS || e.SourceID != testSource.SourceID {
			t.Errorf("origin not tagged: %+v", e)
		}
	}
}

func TestExpandZonedAndAllDayExDates(t *testing.T) {
	berlin := `UID:berlin-daily
SUMMARY:Morning call
DTSTART;TZID=Europe/Berlin:20240506T090000
DTEND;TZID=Europe/Berlin:20240506T093000
RRULE:FREQ=DAILY;COUNT=3
EXDATE;TZID=Europe/Berlin:20240507T090000`

	allDay := `UID:allday-daily
SUMMARY:Festival
DTSTART;VALUE=DATE:20240510
DTEND;VALUE=DATE:20240511
RRULE:FREQ=DAILY;COUNT=3
EXDATE;VALUE=DATE:20240511`

	parsed, err := ParseICS(testSource, []byte(calendar(berlin, allDay)))
	if err != nil {
		t.Fatal(err)
	}
	start, end := mayWindow()
	res, err := ExpandOccurrences(parsed, ExpandConfig{RangeStart: start, RangeEnd: end, Source: testSource})
	if err != nil {
		t.Fatal(err)
	}
	model.SortEvents(res.Events)

	want := []struct {
		summary string
		start   time.Time
		allDay  bool
	}{
		{"Morning call", time.Date(2024, 5, 6, 7, 0, 0, 0, time.UTC), false},
		{"Morning call", time.Date(2024, 5, 8, 7, 0, 0, 0, time.UTC), false},
		{"Festival", time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC), true},
		{"Festival", time.Date(2024, 5, 12, 0, 0, 0, 0, time.UTC), true},
	}
	if len(res.Events) != len(want) {
		t.Fatalf("got %d events, want %d: %+v", len(res.Events), len(want), res.Events)
	}
	for i, w := range want {
		e := res.Events[i]
		if e.Summary != w.summary || !e.Start.Equal(w.start) || e.AllDay != w.allDay {
			t.Errorf("event %d = %s %v allDay=%v, want %s %v allDay=%v",
				i, e.Summary, e.Start.UTC(), e.AllDay, w.summary, w.start, w.allDay)
		}
	}
	if d := res.Events[0].End.Sub(res.Events[0].Start); d != 30*time.Minute {
		t.Errorf("zoned duration = %v, want 30m", d)
	}
}

func TestExpandBoundedToWindow(t *testing.T) {
	daily := `UID:daily
SUMMARY:Daily
DTSTART:20200101T080000Z
DTEND:20200101T083000Z
RRULE:FREQ=DAILY`
	parsed, _ := ParseICS(testSource, []byte(calendar(daily)))
	start, end := mayWindow()
	res, _ := ExpandOccurrences(parsed, ExpandConfig{RangeStart: start, RangeEnd: end, Source: testSource})
	if len(res.Events) != 31 {
		t.Errorf("got %d occurrences, want 31", len(res.Events))
	}

	res, _ = ExpandOccurrences(parsed, ExpandConfig{RangeStart: start, RangeEnd: end, MaxOccurrencesPerEvent: 5, Source: testSource})
	if len(res.Events) != 5 || len(res.TruncatedEvents) != 1 {
		t.Errorf("cap: events=%d truncated=%v", len(res.Events), res.TruncatedEvents)
	}
}

func newTestAdapter(client *http.Client) *Adapter {
	r := retry.New("ics", retry.Policy{MaxAttempts: 3}, Classify, nil)
	return NewAdapter(NewFetcher(client, 0), r, retry.NewBreakers(10, time.Minute), 0)
}

func TestAdapterFetch(t *testing.T) {
	body := calendar(weekly, allDayNoEnd, allDayNoEnd)
	var hits, notModified atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("If-None-Match") == `"v1"` {
			notModified.Add(1)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.Client())
	src := testSource
	src.SourceID = srv.URL + "/feed.ics"
	w := model.Window{Start: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)}

	res := a.Fetch(context.Background(), src, w)
	if res.Err != nil {
		t.Fatalf("Fetch: %v", res.Err)
	}
	// 4 weekly minus one EXDATE, plus one holiday after de-duplication.
	if len(res.Events) != 4 {
		t.Fatalf("got %d events, want 4: %+v", len(res.Events), res.Events)
	}
	if !res.Events[0].AllDay {
		t.Error("events not sorted by start")
	}

	res = a.Fetch(context.Background(), src, w)
	if res.Err != nil || len(res.Events) != 4 {
		t.Fatalf("second fetch = %d events, err %v", len(res.Events), res.Err)
	}
	if notModified.Load() != 1 {
		t.Errorf("conditional requests answered 304 = %d, want 1", notModified.Load())
	}

	meta, err := a.Metadata(context.Background(), src)
	if err != nil || meta.Name != "Team Feed" {
		t.Errorf("Metadata = %+v, %v", meta, err)
	}
}

func TestAdapterRetriesTransient(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(calendar(allDayNoEnd)))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.Client())
	src := testSource
	src.SourceID = srv.URL
	start, end := mayWindow()
	res := a.Fetch(context.Background(), src, model.Window{Start: start, End: end})
	if res.Err != nil || len(res.Events) != 1 {
		t.Fatalf("Fetch = %d events, err %v", len(res.Events), res.Err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
}

func TestAdapterPermanentAndMalformed(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("<html>login page</html>"))
	}))
	defer srv.Close()

	a := newTestAdapter(srv.Client())
	start, end := mayWindow()
	w := model.Window{Start: start, End: end}

	src := testSource
	src.SourceID = srv.URL + "/gone"
	res := a.Fetch(context.Background(), src, w)
	var se *source.StatusError
	if !errors.As(res.Err, &se) || se.Code != http.StatusNotFound || !retry.IsPermanent(res.Err) {
		t.Errorf("404 err = %v", res.Err)
	}
	if hits.Load() != 1 {
		t.Errorf("404 was retried: hits = %d", hits.Load())
	}
	if res.Events == nil || len(res.Events) != 0 {
		t.Errorf("events = %v, want empty non-nil", res.Events)
	}

	src.SourceID = srv.URL + "/html"
	res = a.Fetch(context.Background(), src, w)
	if !errors.Is(res.Err, ErrMalformedFeed) || len(res.Events) != 0 {
		t.Errorf("malformed result = %+v", res)
	}
}

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL("webcal://example.com/cal.ics")
	if err != nil || got != "https://example.com/cal.ics" {
		t.Errorf("NormalizeURL = %q, %v", got, err)
	}
	for _, bad := range []string{"ftp://example.com/x", "not a url", "/relative"} {
		if _, err := NormalizeURL(bad); err == nil {
			t.Errorf("NormalizeURL(%q) accepted", bad)
		}
	}
	if r := redactURL("https://example.com/private/abc.ics?token=s3cret"); strings.Contains(r, "s3cret") || strings.Contains(r, "private") {
		t.Errorf("redactURL leaked: %s", r)
	}
}
