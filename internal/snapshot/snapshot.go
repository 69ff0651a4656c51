// Package snapshot persists the last known event list per tenant group.
package snapshot

import (
	"context"
	"time"

	"calsync/internal/model"
)

// Snapshot is the full event list last seen for one (tenant, group).
type Snapshot struct {
	TenantID   string        `json:"tenant_id"`
	GroupKey   string        `json:"group_key"`
	CapturedAt time.Time     `json:"captured_at"`
	Events     []model.Event `json:"events"`
}

// Store loads and replaces snapshots. Save overwrites the whole record;
// concurrent readers never observe a partially written snapshot.
type Store interface {
	// Load returns ok=false when no snapshot exists yet.
	Load(ctx context.Context, tenantID, groupKey string) (snap Snapshot, ok bool, err error)
	Save(ctx context.Context, tenantID, groupKey string, events []model.Event) error
	Close() error
}
