package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"calsync/internal/config"
	"calsync/internal/model"
	"calsync/internal/snapshot"
)

type feed struct {
	mu     sync.Mutex
	events []string
}

func (f *feed) set(summaries ...string) {
	f.mu.Lock()
	f.events = summaries
	f.mu.Unlock()
}

func (f *feed) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	day := time.Now().UTC().AddDate(0, 0, 2).Format("20060102")
	body := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n"
	for i, s := range f.events {
		body += fmt.Sprintf("BEGIN:VEVENT\r\nUID:ev-%d@test\r\nDTSTART:%sT1%d0000Z\r\nDTEND:%sT1%d3000Z\r\nSUMMARY:%s\r\nEND:VEVENT\r\n",
			i, day, i, day, i, s)
	}
	body += "END:VCALENDAR\r\n"
	w.Header().Set("Content-Type", "text/calendar")
	_, _ = w.Write([]byte(body))
}

type hook struct {
	mu   sync.Mutex
	sets []model.ChangeSet
	hits atomic.Int64
}

func (h *hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var cs model.ChangeSet
	if err := json.NewDecoder(r.Body).Decode(&cs); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.sets = append(h.sets, cs)
	h.mu.Unlock()
	h.hits.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

func testConfig(t *testing.T, feedURL, hookURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	tenants := filepath.Join(dir, "tenants.yaml")
	doc := fmt.Sprintf("tenants:\n  - id: \"42\"\n    calendars:\n      - type: ics\n        id: %s\n        name: Club\n        group: announcements\n", feedURL)
	if err := os.WriteFile(tenants, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Listen:      "127.0.0.1:0",
		TenantsFile: tenants,
		Snapshot:    config.SnapshotConfig{Backend: "file", Dir: filepath.Join(dir, "snapshots")},
		ICS:         config.ICSConfig{AllowPrivate: true},
		Notify:      config.NotifyConfig{WebhookURL: hookURL},
	}
	cfg.Normalize()
	return cfg
}

func runOnce(t *testing.T, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	a, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

func TestRunOnceDetectsChanges(t *testing.T) {
	f := &feed{}
	f.set("Standup", "Raid night")
	feedSrv := httptest.NewServer(f)
	defer feedSrv.Close()
	h := &hook{}
	hookSrv := httptest.NewServer(h)
	defer hookSrv.Close()

	cfg := testConfig(t, feedSrv.URL+"/club.ics", hookSrv.URL)

	// First run seeds the snapshot without notifying.
	runOnce(t, cfg)
	if n := h.hits.Load(); n != 0 {
		t.Fatalf("first run delivered %d change sets, want 0", n)
	}

	store, err := snapshot.NewFileStore(cfg.Snapshot.Dir)
	if err != nil {
		t.Fatal(err)
	}
	snap, ok, err := store.Load(context.Background(), "42", "announcements")
	if err != nil || !ok {
		t.Fatalf("snapshot not saved: ok=%v err=%v", ok, err)
	}
	if len(snap.Events) != 2 {
		t.Fatalf("snapshot has %d events, want 2", len(snap.Events))
	}

	// Unchanged feed: still silent.
	runOnce(t, cfg)
	if n := h.hits.Load(); n != 0 {
		t.Fatalf("unchanged run delivered %d change sets", n)
	}

	f.set("Standup", "Raid night", "Movie night")
	runOnce(t, cfg)
	if n := h.hits.Load(); n != 1 {
		t.Fatalf("delivered %d change sets, want 1", n)
	}
	h.mu.Lock()
	cs := h.sets[0]
	h.mu.Unlock()
	if cs.TenantID != "42" || cs.GroupKey != "announcements" {
		t.Errorf("change set key = %s/%s", cs.TenantID, cs.GroupKey)
	}
	if len(cs.Added) != 1 || cs.Added[0].Summary != "Movie night" || len(cs.Removed) != 0 {
		t.Errorf("change set = %+v", cs)
	}
}

func TestNewRejectsBadSchedule(t *testing.T) {
	cfg := testConfig(t, "https://example.com/a.ics", "")
	cfg.SyncSchedule = "not a schedule"
	if _, err := New(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
