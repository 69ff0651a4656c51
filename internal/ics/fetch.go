package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/doyensec/safeurl"

	appLog "calsync/internal/log"
	"calsync/internal/source"
)

const defaultMaxBodyBytes = 10 << 20

// ErrFeedTooLarge is returned when a feed exceeds the configured size cap.
var ErrFeedTooLarge = errors.New("ics: feed exceeds size limit")

// validator holds HTTP cache metadata and the last body for one feed URL.
type validator struct {
	etag         string
	lastModified string
	body         []byte
}

// Fetcher downloads ICS feeds, honoring ETag / Last-Modified so unchanged
// feeds cost a 304 instead of a full transfer.
type Fetcher struct {
	client  *http.Client
	maxBody int64

	mu         sync.Mutex
	validators map[string]validator
}

// NewSafeClient returns an HTTP client that refuses private, loopback and
// link-local destinations, including after DNS resolution.
func NewSafeClient(timeout time.Duration) *http.Client {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes("http", "https").
		SetAllowedPorts(80, 443).
		Build()
	return safeurl.Client(config).Client
}

// NewFetcher wraps client. maxBody <= 0 selects a 10 MiB cap.
func NewFetcher(client *http.Client, maxBody int64) *Fetcher {
	if client == nil {
		client = NewSafeClient(10 * time.Second)
	}
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &Fetcher{
		client:     client,
		maxBody:    maxBody,
		validators: make(map[string]validator),
	}
}

// Download fetches the feed body. Non-2xx responses come back as
// *source.StatusError so the retry classifier can inspect the code.
func (f *Fetcher) Download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	prev, havePrev := f.validators[u]
	f.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/calendar, */*;q=0.5")
	if havePrev {
		if prev.etag != "" {
			req.Header.Set("If-None-Match", prev.etag)
		}
		if prev.lastModified != "" {
			req.Header.Set("If-Modified-Since", prev.lastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && havePrev:
		appLog.Debug("ics feed not modified", "url", redactURL(u))
		return prev.body, nil
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		// Drain a little so the connection can be reused.
		_, _ = io.CopyN(io.Discard, resp.Body, 4<<10)
		return nil, &source.StatusError{Code: resp.StatusCode, URL: redactURL(u)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBody {
		return nil, fmt.Errorf("%w (%d bytes)", ErrFeedTooLarge, f.maxBody)
	}

	etag, lm := resp.Header.Get("ETag"), resp.Header.Get("Last-Modified")
	f.mu.Lock()
	if etag != "" || lm != "" {
		f.validators[u] = validator{etag: etag, lastModified: lm, body: body}
	} else {
		delete(f.validators, u)
	}
	f.mu.Unlock()

	return body, nil
}

// NormalizeURL maps webcal:// to https:// and rejects anything that is
// not an absolute http(s) URL.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(raw, "webcal://"); ok {
		raw = "https://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid ics url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("invalid ics url %q: need http(s) scheme and host", redactURL(raw))
	}
	return u.String(), nil
}

// redactURL hides path and query, which often carry private feed tokens.
func redactURL(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + "/...(redacted)"
}

func hostOf(u string) string {
	if n, err := NormalizeURL(u); err == nil {
		if parsed, err := url.Parse(n); err == nil {
			return parsed.Hostname()
		}
	}
	return "invalid"
}
