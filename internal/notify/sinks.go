package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/ratelimit"
)

// LogChanges writes change sets to the structured log.
func LogChanges() Sink[model.ChangeSet] {
	return SinkFunc[model.ChangeSet](func(_ context.Context, cs model.ChangeSet) error {
		appLog.Info("calendar changes detected",
			"cycle_id", cs.CycleID,
			"tenant", cs.TenantID,
			"group", cs.GroupKey,
			"added", len(cs.Added),
			"removed", len(cs.Removed),
		)
		return nil
	})
}

// LogAlerts writes operator alerts to the structured log.
func LogAlerts() Sink[model.Alert] {
	return SinkFunc[model.Alert](func(_ context.Context, a model.Alert) error {
		appLog.Warn("operator alert", "key", a.Key, "kind", a.Kind, "message", a.Message)
		return nil
	})
}

// Webhook POSTs each item as JSON. Deliveries draw from their own bucket
// so a chatty tenant cannot flood the receiver.
type Webhook[T any] struct {
	url    string
	client *http.Client
	bucket *ratelimit.Bucket
}

func NewWebhook[T any](url string, client *http.Client, bucket *ratelimit.Bucket) *Webhook[T] {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook[T]{url: url, client: client, bucket: bucket}
}

func (w *Webhook[T]) Deliver(ctx context.Context, item T) error {
	if w.bucket != nil && !w.bucket.Consume(ctx, 1, true) {
		return fmt.Errorf("webhook: no delivery token: %w", ctx.Err())
	}
	body, err := json.Marshal(item)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Cooldown suppresses repeat alerts with the same key inside the window.
type Cooldown struct {
	next   Sink[model.Alert]
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown(next Sink[model.Alert], window time.Duration) *Cooldown {
	return &Cooldown{next: next, window: window, now: time.Now, last: make(map[string]time.Time)}
}

func (c *Cooldown) Deliver(ctx context.Context, a model.Alert) error {
	now := c.now()
	c.mu.Lock()
	if t, ok := c.last[a.Key]; ok && now.Sub(t) < c.window {
		c.mu.Unlock()
		appLog.Debug("alert suppressed by cooldown", "key", a.Key)
		return nil
	}
	c.last[a.Key] = now
	c.mu.Unlock()
	return c.next.Deliver(ctx, a)
}
