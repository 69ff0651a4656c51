package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"calsync/internal/model"
)

const tenantsYAML = `
tenants:
  - id: "111"
    calendars:
      - type: google
        id: team@group.calendar.google.com
        name: Team
        group: "chan-1"
      - type: ICS
        id: https://example.com/a.ics
      - type: outlook
        id: ignored
      - type: ics
        id: ""
  - id: ""
    calendars:
      - type: ics
        id: https://example.com/orphan.ics
`

func TestParseTenants(t *testing.T) {
	srcs, err := ParseTenants([]byte(tenantsYAML))
	if err != nil {
		t.Fatalf("ParseTenants: %v", err)
	}
	if len(srcs) != 2 {
		t.Fatalf("got %d sources, want 2: %+v", len(srcs), srcs)
	}
	g := srcs[0]
	if g.TenantID != "111" || g.Type != model.SourceGoogle || g.GroupKey != "chan-1" || g.DisplayName != "Team" {
		t.Errorf("google source = %+v", g)
	}
	i := srcs[1]
	if i.Type != model.SourceICS || i.GroupKey != "111" {
		t.Errorf("ics source = %+v (type should be lower-cased, group defaulted)", i)
	}
}

func TestTenantFileReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	ctx := context.Background()
	tf := NewTenantFile(path)

	srcs, err := tf.Sources(ctx)
	if err != nil || len(srcs) != 0 {
		t.Fatalf("missing file: srcs=%v err=%v", srcs, err)
	}

	if err := os.WriteFile(path, []byte(tenantsYAML), 0o600); err != nil {
		t.Fatal(err)
	}
	srcs, err = tf.Sources(ctx)
	if err != nil || len(srcs) != 2 {
		t.Fatalf("first load: srcs=%v err=%v", srcs, err)
	}

	// A broken edit keeps the previous list.
	if err := os.WriteFile(path, []byte("tenants: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	bump(t, path, time.Minute)
	srcs, err = tf.Sources(ctx)
	if err != nil || len(srcs) != 2 {
		t.Fatalf("broken edit: srcs=%v err=%v", srcs, err)
	}

	one := "tenants:\n  - id: \"222\"\n    calendars:\n      - type: ics\n        id: https://example.com/b.ics\n"
	if err := os.WriteFile(path, []byte(one), 0o600); err != nil {
		t.Fatal(err)
	}
	bump(t, path, 2*time.Minute)
	srcs, err = tf.Sources(ctx)
	if err != nil || len(srcs) != 1 || srcs[0].TenantID != "222" {
		t.Fatalf("reload: srcs=%v err=%v", srcs, err)
	}
}

func TestTenantFileFirstLoadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	if err := os.WriteFile(path, []byte("tenants: [oops"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewTenantFile(path).Sources(context.Background()); err == nil {
		t.Fatal("expected error with no previous list")
	}
}

// bump moves mtime forward so coarse filesystem clocks still see a change.
func bump(t *testing.T, path string, d time.Duration) {
	t.Helper()
	ts := time.Now().Add(d)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}
