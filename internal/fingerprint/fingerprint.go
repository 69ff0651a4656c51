// Package fingerprint derives a content identity for events that is stable
// across sources and formatting differences.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"calsync/internal/model"
)

const (
	dateLayout   = "2006-01-02"
	minuteLayout = "2006-01-02T15:04Z"
)

var stripTags = func() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}()

// Canonical is the normalized content that gets hashed. Field order is fixed
// by the struct so the JSON encoding is stable.
type Canonical struct {
	Summary     string `json:"summary"`
	Start       string `json:"start"`
	End         string `json:"end"`
	Location    string `json:"location"`
	Description string `json:"description"`
}

func Normalize(e model.Event) Canonical {
	return Canonical{
		Summary:     cleanText(e.Summary),
		Start:       formatTime(e.Start, e.AllDay),
		End:         formatTime(e.End, e.AllDay),
		Location:    cleanText(e.Location),
		Description: cleanText(plainText(e.Description)),
	}
}

// Compute returns the hex sha256 of the event's canonical form.
func Compute(e model.Event) string {
	b, err := json.Marshal(Normalize(e))
	if err != nil {
		// Canonical only holds strings.
		panic(err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Dedupe keeps the first event for each fingerprint, preserving order.
func Dedupe(events []model.Event) []model.Event {
	seen := make(map[string]struct{}, len(events))
	out := make([]model.Event, 0, len(events))
	for _, e := range events {
		fp := Compute(e)
		if _, dup := seen[fp]; dup {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, e)
	}
	return out
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func plainText(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	return html.UnescapeString(stripTags.Sanitize(s))
}

func formatTime(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return model.DateOnly(t).Format(dateLayout)
	}
	return t.UTC().Truncate(time.Minute).Format(minuteLayout)
}
