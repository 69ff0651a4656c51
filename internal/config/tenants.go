package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	appLog "calsync/internal/log"
	"calsync/internal/model"
)

// tenantsDoc is the on-disk shape of the tenants file:
//
//	tenants:
//	  - id: "123456789"
//	    calendars:
//	      - type: google
//	        id: team@group.calendar.google.com
//	        name: Team
//	        group: "987654321"
type tenantsDoc struct {
	Tenants []struct {
		ID        string                 `yaml:"id"`
		Calendars []model.CalendarSource `yaml:"calendars"`
	} `yaml:"tenants"`
}

// TenantFile provides calendar sources from a YAML file, reloading it when
// its modification time changes. A broken edit keeps the last good list.
type TenantFile struct {
	path string

	mu      sync.Mutex
	modTime time.Time
	size    int64
	sources []model.CalendarSource
	loaded  bool
}

func NewTenantFile(path string) *TenantFile {
	return &TenantFile{path: path}
}

func (t *TenantFile) Sources(context.Context) ([]model.CalendarSource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			t.sources, t.loaded = nil, true
			return nil, nil
		}
		return t.cached(err)
	}
	if t.loaded && info.ModTime().Equal(t.modTime) && info.Size() == t.size {
		return t.copySources(), nil
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		return t.cached(err)
	}
	srcs, err := ParseTenants(data)
	if err != nil {
		return t.cached(err)
	}
	t.sources = srcs
	t.modTime = info.ModTime()
	t.size = info.Size()
	t.loaded = true
	appLog.Info("tenants file loaded", "path", t.path, "sources", len(srcs))
	return t.copySources(), nil
}

// cached returns the last good list, or err when there is none.
func (t *TenantFile) cached(err error) ([]model.CalendarSource, error) {
	if !t.loaded {
		return nil, fmt.Errorf("tenants file %s: %w", t.path, err)
	}
	appLog.Error("tenants file unreadable, keeping previous list", err, "path", t.path)
	return t.copySources(), nil
}

func (t *TenantFile) copySources() []model.CalendarSource {
	return append([]model.CalendarSource(nil), t.sources...)
}

// ParseTenants validates and flattens a tenants document. Entries with an
// unknown type or empty id are skipped with a log line.
func ParseTenants(data []byte) ([]model.CalendarSource, error) {
	var doc tenantsDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	var out []model.CalendarSource
	for _, tn := range doc.Tenants {
		tenantID := strings.TrimSpace(tn.ID)
		if tenantID == "" {
			appLog.Info("skipping tenant without id")
			continue
		}
		for _, cal := range tn.Calendars {
			cal.TenantID = tenantID
			cal.Type = model.SourceType(strings.ToLower(strings.TrimSpace(string(cal.Type))))
			cal.SourceID = strings.TrimSpace(cal.SourceID)
			if !cal.Type.Valid() || cal.SourceID == "" {
				appLog.Info("skipping invalid calendar entry", "tenant", tenantID, "type", cal.Type)
				continue
			}
			if cal.GroupKey == "" {
				cal.GroupKey = tenantID
			}
			out = append(out, cal)
		}
	}
	return out, nil
}
