package ics

import (
	"context"
	"errors"

	"calsync/internal/fingerprint"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/retry"
	"calsync/internal/source"
)

// Adapter serves ICS sources. SourceID is the feed URL.
type Adapter struct {
	fetcher  *Fetcher
	retrier  *retry.Retrier
	breakers *retry.Breakers
	maxOcc   int
}

func NewAdapter(fetcher *Fetcher, retrier *retry.Retrier, breakers *retry.Breakers, maxOccurrences int) *Adapter {
	return &Adapter{
		fetcher:  fetcher,
		retrier:  retrier,
		breakers: breakers,
		maxOcc:   maxOccurrences,
	}
}

// Classify is the retry classifier for feed downloads.
func Classify(err error) retry.Class {
	if errors.Is(err, ErrFeedTooLarge) {
		return retry.Permanent
	}
	return source.ClassifyError(err)
}

func (a *Adapter) download(ctx context.Context, src model.CalendarSource) ([]byte, error) {
	if _, err := NormalizeURL(src.SourceID); err != nil {
		return nil, &retry.PermanentError{Err: err}
	}
	var br *retry.Breaker
	if a.breakers != nil {
		br = a.breakers.Get("ics:" + src.TenantID + ":" + hostOf(src.SourceID))
	}
	return retry.Do(ctx, a.retrier, br, func(ctx context.Context) ([]byte, error) {
		return a.fetcher.Download(ctx, src.SourceID)
	})
}

func (a *Adapter) Fetch(ctx context.Context, src model.CalendarSource, w model.Window) source.Result {
	if !w.Valid() {
		return source.Result{Events: []model.Event{}, Err: source.ErrInvalidWindow}
	}

	body, err := a.download(ctx, src)
	if err != nil {
		appLog.Error("ics fetch failed", err, "tenant", src.TenantID, "url", redactURL(src.SourceID))
		return source.Result{Events: []model.Event{}, Err: err}
	}

	parsed, err := ParseICS(src, body)
	if err != nil {
		appLog.Error("ics feed rejected", err, "tenant", src.TenantID, "url", redactURL(src.SourceID))
		return source.Result{Events: []model.Event{}, Err: &retry.PermanentError{Err: err}}
	}

	start, end := w.Bounds()
	res, err := ExpandOccurrences(parsed, ExpandConfig{
		RangeStart:             start,
		RangeEnd:               end,
		MaxOccurrencesPerEvent: a.maxOcc,
		Source:                 src,
	})
	if err != nil {
		return source.Result{Events: []model.Event{}, Err: err}
	}

	events := fingerprint.Dedupe(res.Events)
	model.SortEvents(events)
	appLog.Debug("ics fetch completed",
		"tenant", src.TenantID,
		"url", redactURL(src.SourceID),
		"vevents", len(parsed),
		"events", len(events),
	)
	return source.Result{Events: events}
}

// Metadata reads the feed's display name and timezone.
func (a *Adapter) Metadata(ctx context.Context, src model.CalendarSource) (model.CalendarMeta, error) {
	body, err := a.download(ctx, src)
	if err != nil {
		return model.CalendarMeta{}, err
	}
	cal, err := parseCalendar(body)
	if err != nil {
		return model.CalendarMeta{}, err
	}
	m := calendarMeta(cal)
	if m.Name == "" {
		m.Name = hostOf(src.SourceID)
	}
	return m, nil
}
