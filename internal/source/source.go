// Package source defines the adapter contract shared by every upstream and
// the single place where a calendar source is dispatched to its adapter.
package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"calsync/internal/model"
	"calsync/internal/retry"
)

// ErrInvalidWindow is reported when the window start is after its end.
var ErrInvalidWindow = errors.New("window start is after window end")

// Result is what an adapter hands back. Events is always usable; Err only
// explains why it may be empty or partial.
type Result struct {
	Events []model.Event
	Err    error
}

// Adapter fetches events for one source. Implementations never panic and
// never block past ctx.
type Adapter interface {
	Fetch(ctx context.Context, src model.CalendarSource, w model.Window) Result
}

// MetadataProvider is implemented by adapters that can describe a calendar.
type MetadataProvider interface {
	Metadata(ctx context.Context, src model.CalendarSource) (model.CalendarMeta, error)
}

// StatusError carries a non-2xx upstream HTTP status.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d %s", e.Code, http.StatusText(e.Code))
}

// ClassifyStatus maps an HTTP status code to a retry class.
func ClassifyStatus(code int) retry.Class {
	switch {
	case code == http.StatusTooManyRequests:
		return retry.RateLimited
	case code == http.StatusRequestTimeout || code >= 500:
		return retry.Transient
	case code >= 400:
		return retry.Permanent
	default:
		return retry.Transient
	}
}

// ClassifyError is the default classifier: status errors by code, context
// cancellation as permanent, network and unknown errors as transient.
func ClassifyError(err error) retry.Class {
	var se *StatusError
	if errors.As(err, &se) {
		return ClassifyStatus(se.Code)
	}
	if errors.Is(err, context.Canceled) {
		return retry.Permanent
	}
	return retry.Transient
}
