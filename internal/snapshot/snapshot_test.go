package snapshot

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"calsync/internal/model"
)

func sampleEvents() []model.Event {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.FixedZone("KST", 9*3600))
	return []model.Event{
		{ID: "a", Summary: "Standup", Start: start, End: start.Add(15 * time.Minute), SourceType: model.SourceGoogle, SourceID: "cal"},
		{ID: "b", Summary: "Holiday", Start: time.Date(2024, 5, 5, 0, 0, 0, 0, time.UTC), End: time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), AllDay: true, SourceType: model.SourceICS, SourceID: "feed"},
	}
}

func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.Load(ctx, "t1", "g1"); err != nil || ok {
		t.Fatalf("Load on empty store = ok %v, err %v", ok, err)
	}

	if err := s.Save(ctx, "t1", "g1", sampleEvents()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	snap, ok, err := s.Load(ctx, "t1", "g1")
	if err != nil || !ok {
		t.Fatalf("Load after save = ok %v, err %v", ok, err)
	}
	if len(snap.Events) != 2 || snap.Events[0].Summary != "Standup" || !snap.Events[1].AllDay {
		t.Errorf("events = %+v", snap.Events)
	}
	if !snap.Events[0].Start.Equal(sampleEvents()[0].Start) {
		t.Errorf("start = %v, want %v", snap.Events[0].Start, sampleEvents()[0].Start)
	}
	if snap.CapturedAt.IsZero() {
		t.Error("captured_at not set")
	}

	// Whole-record replace.
	if err := s.Save(ctx, "t1", "g1", sampleEvents()[:1]); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	snap, _, _ = s.Load(ctx, "t1", "g1")
	if len(snap.Events) != 1 {
		t.Errorf("after overwrite %d events, want 1", len(snap.Events))
	}

	// Keys are independent.
	if _, ok, _ := s.Load(ctx, "t1", "g2"); ok {
		t.Error("snapshot leaked to another group")
	}
	if _, ok, _ := s.Load(ctx, "t2", "g1"); ok {
		t.Error("snapshot leaked to another tenant")
	}

	// Empty list round-trips as a present snapshot.
	if err := s.Save(ctx, "t3", "g", nil); err != nil {
		t.Fatal(err)
	}
	snap, ok, _ = s.Load(ctx, "t3", "g")
	if !ok || len(snap.Events) != 0 {
		t.Errorf("empty snapshot = %+v, ok %v", snap, ok)
	}
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	storeContract(t, s)
}

func TestFileStoreEscapesKeys(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	if err := s.Save(context.Background(), "../evil", "a/b", nil); err != nil {
		t.Fatal(err)
	}
	for _, tenant := range []string{"../evil", "..", "."} {
		p := s.path(tenant, "a/b")
		if filepath.Dir(filepath.Dir(p)) != filepath.Clean(dir) {
			t.Errorf("path for tenant %q escaped store dir: %s", tenant, p)
		}
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	storeContract(t, s)
}
