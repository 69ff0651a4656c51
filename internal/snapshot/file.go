package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"calsync/internal/fsutil"
	"calsync/internal/model"
)

// FileStore keeps one JSON document per key under dir/<tenant>/<group>.json.
type FileStore struct {
	dir string
	now func() time.Time
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot dir is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(tenantID, groupKey string) string {
	return filepath.Join(s.dir, escapeSegment(tenantID), escapeSegment(groupKey)+".json")
}

// escapeSegment keeps ids with slashes or dot names inside the store dir.
func escapeSegment(id string) string {
	seg := url.PathEscape(id)
	if seg == "" || seg == "." || seg == ".." {
		seg = "_" + seg
	}
	return seg
}

func (s *FileStore) Load(_ context.Context, tenantID, groupKey string) (Snapshot, bool, error) {
	data, err := os.ReadFile(s.path(tenantID, groupKey))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Snapshot{}, false, nil
		}
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot %s/%s: %w", tenantID, groupKey, err)
	}
	return snap, true, nil
}

func (s *FileStore) Save(_ context.Context, tenantID, groupKey string, events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	data, err := json.Marshal(Snapshot{
		TenantID:   tenantID,
		GroupKey:   groupKey,
		CapturedAt: s.now().UTC(),
		Events:     events,
	})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path(tenantID, groupKey), data, 0o600)
}

func (s *FileStore) Close() error { return nil }
