package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"calsync/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	tenant_id   TEXT NOT NULL,
	group_key   TEXT NOT NULL,
	captured_at TEXT NOT NULL,
	events      TEXT NOT NULL,
	PRIMARY KEY (tenant_id, group_key)
)`

// SQLiteStore keeps one row per (tenant, group).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, tenantID, groupKey string) (Snapshot, bool, error) {
	var capturedAt, raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT captured_at, events FROM snapshots WHERE tenant_id = ? AND group_key = ?`,
		tenantID, groupKey,
	).Scan(&capturedAt, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}

	snap := Snapshot{TenantID: tenantID, GroupKey: groupKey}
	if snap.CapturedAt, err = time.Parse(time.RFC3339Nano, capturedAt); err != nil {
		return Snapshot{}, false, fmt.Errorf("parse captured_at: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &snap.Events); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode events: %w", err)
	}
	return snap, true, nil
}

func (s *SQLiteStore) Save(ctx context.Context, tenantID, groupKey string, events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO snapshots (tenant_id, group_key, captured_at, events)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, group_key) DO UPDATE SET
				captured_at = excluded.captured_at,
				events = excluded.events`,
			tenantID, groupKey, s.now().UTC().Format(time.RFC3339Nano), string(raw),
		)
		return err
	})
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback after %v: %w", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
