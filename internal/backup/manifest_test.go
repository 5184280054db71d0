package backup

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSourceLabel(t *testing.T) {
	cases := []struct {
		sources []string
		want    string
	}{
		{nil, "none"},
		{[]string{"engine"}, "engine"},
		{[]string{"eventlog", "engine"}, "engine+eventlog"},
		{[]string{"Camunda 7/prod"}, "camunda_7_prod"},
	}
	for _, c := range cases {
		if got := sourceLabel(c.sources); got != c.want {
			t.Errorf("sourceLabel(%v) = %q, want %q", c.sources, got, c.want)
		}
	}
}

func TestSnapshotNameRoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 1, 8, 30, 15, 250e6, time.UTC)
	name := snapshotName("engine+eventlog", at)
	e, ok := parseSnapshotName(name)
	if !ok {
		t.Fatalf("parseSnapshotName(%q) failed", name)
	}
	if e.Label != "engine+eventlog" || !e.TakenAt.Equal(at) {
		t.Fatalf("parsed %+v from %q", e, name)
	}
	for _, bad := range []string{"procscope-.db", "procscope-engine.db", "other-engine-20260301-083015.250.db", name + ".tmp"} {
		if _, ok := parseSnapshotName(bad); ok {
			t.Errorf("parseSnapshotName(%q) accepted", bad)
		}
	}
}

func TestLatestPicksNewestSetContainingSource(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i, label := range []string{"engine", "engine+eventlog", "eventlog", "engine"} {
		p := filepath.Join(dir, snapshotName(label, base.Add(time.Duration(i)*time.Hour)))
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
	}

	e, ok, err := Latest(dir, "eventlog")
	if err != nil || !ok {
		t.Fatalf("Latest eventlog: %v, %v", ok, err)
	}
	if e.Label != "eventlog" || !e.TakenAt.Equal(base.Add(2*time.Hour)) {
		t.Errorf("Latest eventlog = %+v", e)
	}
	e, _, _ = Latest(dir, "engine")
	if !e.TakenAt.Equal(base.Add(3 * time.Hour)) {
		t.Errorf("Latest engine = %+v", e)
	}
	if _, ok, _ := Latest(dir, "other"); ok {
		t.Error("Latest found a snapshot for an unknown source")
	}
}
