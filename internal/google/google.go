// Package google adapts Google Calendar (API v3) to the source contract.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/retry"
	"calsync/internal/source"
)

const (
	maxResultsPerPage = 2500
	maxPages          = 10
)

// NewService builds a read-only Calendar service. With an empty
// credentialsFile it falls back to Application Default Credentials.
func NewService(ctx context.Context, credentialsFile string) (*calendar.Service, error) {
	if credentialsFile == "" {
		creds, err := google.FindDefaultCredentials(ctx, calendar.CalendarReadonlyScope)
		if err != nil {
			return nil, fmt.Errorf("find default google credentials: %w", err)
		}
		return calendar.NewService(ctx, option.WithCredentials(creds))
	}

	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data, calendar.CalendarReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse google service account: %w", err)
	}
	return calendar.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
}

// Adapter fetches events through the Calendar API. Event-list pages draw
// from the list retrier's bucket; metadata lookups from the general one.
type Adapter struct {
	svc      *calendar.Service
	list     *retry.Retrier
	general  *retry.Retrier
	breakers *retry.Breakers
}

func NewAdapter(svc *calendar.Service, list, general *retry.Retrier, breakers *retry.Breakers) *Adapter {
	return &Adapter{svc: svc, list: list, general: general, breakers: breakers}
}

// Classify maps Calendar API errors to retry classes. Quota errors come
// back as 403 with a rate-limit reason and are retried like 429s.
func Classify(err error) retry.Class {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		if gerr.Code == http.StatusForbidden {
			for _, item := range gerr.Errors {
				switch item.Reason {
				case "rateLimitExceeded", "userRateLimitExceeded", "quotaExceeded":
					return retry.RateLimited
				}
			}
		}
		return source.ClassifyStatus(gerr.Code)
	}
	return source.ClassifyError(err)
}

func (a *Adapter) breaker(tenantID string) *retry.Breaker {
	if a.breakers == nil {
		return nil
	}
	return a.breakers.Get("google:" + tenantID)
}

func (a *Adapter) Fetch(ctx context.Context, src model.CalendarSource, w model.Window) source.Result {
	if !w.Valid() {
		return source.Result{Events: []model.Event{}, Err: source.ErrInvalidWindow}
	}
	start, end := w.Bounds()
	timeMin := start.Format(time.RFC3339)
	// Inclusive last day.
	timeMax := end.Add(-time.Second).Format(time.RFC3339)

	events := make([]model.Event, 0)
	pageToken := ""
	for page := 0; page < maxPages; page++ {
		resp, err := retry.Do(ctx, a.list, a.breaker(src.TenantID), func(ctx context.Context) (*calendar.Events, error) {
			call := a.svc.Events.List(src.SourceID).
				Context(ctx).
				TimeMin(timeMin).
				TimeMax(timeMax).
				SingleEvents(true).
				OrderBy("startTime").
				MaxResults(maxResultsPerPage)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			return call.Do()
		})
		if err != nil {
			appLog.Error("google events fetch failed", err,
				"tenant", src.TenantID, "calendar", src.SourceID, "page", page)
			return source.Result{Events: []model.Event{}, Err: err}
		}

		events = append(events, convertEvents(resp.Items, src)...)
		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}
	if pageToken != "" {
		appLog.Info("google events truncated at page limit",
			"tenant", src.TenantID, "calendar", src.SourceID, "events", len(events))
	}

	model.SortEvents(events)
	return source.Result{Events: events}
}

func (a *Adapter) Metadata(ctx context.Context, src model.CalendarSource) (model.CalendarMeta, error) {
	entry, err := retry.Do(ctx, a.general, a.breaker(src.TenantID), func(ctx context.Context) (*calendar.CalendarListEntry, error) {
		return a.svc.CalendarList.Get(src.SourceID).Context(ctx).Do()
	})
	if err != nil {
		return model.CalendarMeta{}, err
	}
	name := entry.SummaryOverride
	if name == "" {
		name = entry.Summary
	}
	return model.CalendarMeta{Name: name, TimeZone: entry.TimeZone}, nil
}

func convertEvents(items []*calendar.Event, src model.CalendarSource) []model.Event {
	out := make([]model.Event, 0, len(items))
	for _, item := range items {
		if item == nil || item.Status == "cancelled" {
			continue
		}
		e, err := convertEvent(item)
		if err != nil {
			appLog.Debug("skipping google event", "calendar", src.SourceID, "id", item.Id, "err", err)
			continue
		}
		e.SourceType = model.SourceGoogle
		e.SourceID = src.SourceID
		out = append(out, e)
	}
	return out
}

func convertEvent(item *calendar.Event) (model.Event, error) {
	start, allDay, err := eventTime(item.Start)
	if err != nil {
		return model.Event{}, fmt.Errorf("start: %w", err)
	}
	end, _, err := eventTime(item.End)
	if err != nil {
		return model.Event{}, fmt.Errorf("end: %w", err)
	}
	return model.Event{
		ID:          item.Id,
		Summary:     item.Summary,
		Location:    item.Location,
		Description: item.Description,
		Start:       start,
		End:         end,
		AllDay:      allDay,
	}, nil
}

func eventTime(t *calendar.EventDateTime) (time.Time, bool, error) {
	if t == nil {
		return time.Time{}, false, errors.New("missing time")
	}
	if t.Date != "" {
		d, err := time.Parse("2006-01-02", t.Date)
		return d, true, err
	}
	if t.DateTime == "" {
		return time.Time{}, false, errors.New("empty dateTime")
	}
	v, err := time.Parse(time.RFC3339, t.DateTime)
	if err != nil {
		return time.Time{}, false, err
	}
	if t.TimeZone != "" {
		if loc, lerr := time.LoadLocation(t.TimeZone); lerr == nil {
			v = v.In(loc)
		}
	}
	return v, false, nil
}
