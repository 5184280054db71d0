package backup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/search"
)

const (
	filePrefix     = "procscope-"
	dbSuffix       = ".db"
	manifestSuffix = ".manifest.json"
	stampLayout    = "20060102-150405.000"

	// noSources labels snapshots taken before any cursor was saved.
	noSources = "none"
)

// Manifest is written next to every snapshot. It records what the copy
// holds so a restore can pick the right file without opening it.
type Manifest struct {
	Snapshot string   `json:"snapshot"`
	Label    string   `json:"label"`
	Sources  []string `json:"dataSources"`
	search.SnapshotInfo
}

// Entry is one snapshot found in the local directory.
type Entry struct {
	Label   string
	TakenAt time.Time
	Path    string
}

// sourceLabel names a data-source set in file names: the sorted source
// names joined by "+", with anything outside [a-z0-9_-] replaced.
func sourceLabel(sources []string) string {
	if len(sources) == 0 {
		return noSources
	}
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			case r >= 'A' && r <= 'Z':
				return r + 'a' - 'A'
			}
			return '_'
		}, s)
	}
	sort.Strings(parts)
	return strings.Join(parts, "+")
}

func snapshotName(label string, at time.Time) string {
	return filePrefix + label + "-" + at.UTC().Format(stampLayout) + dbSuffix
}

// parseSnapshotName splits a snapshot file name into its label and time.
func parseSnapshotName(name string) (Entry, bool) {
	if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, dbSuffix) {
		return Entry{}, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), dbSuffix)
	if len(body) < len(stampLayout)+2 || body[len(body)-len(stampLayout)-1] != '-' {
		return Entry{}, false
	}
	at, err := time.Parse(stampLayout, body[len(body)-len(stampLayout):])
	if err != nil {
		return Entry{}, false
	}
	return Entry{Label: body[:len(body)-len(stampLayout)-1], TakenAt: at}, true
}

func manifestPath(snapshotPath string) string {
	return strings.TrimSuffix(snapshotPath, dbSuffix) + manifestSuffix
}

func writeManifest(path string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ReadManifest loads the manifest written next to a snapshot.
func ReadManifest(snapshotPath string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(manifestPath(snapshotPath))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("backup: decode manifest %s: %w", filepath.Base(snapshotPath), err)
	}
	return m, nil
}

// List returns the snapshots in dir grouped by data-source label, newest
// first within each group.
func List(dir string) (map[string][]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(dir, filePrefix+"*"+dbSuffix))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Entry)
	for _, p := range matches {
		e, ok := parseSnapshotName(filepath.Base(p))
		if !ok {
			continue
		}
		e.Path = p
		out[e.Label] = append(out[e.Label], e)
	}
	for _, entries := range out {
		sort.Slice(entries, func(i, j int) bool { return entries[i].TakenAt.After(entries[j].TakenAt) })
	}
	return out, nil
}

// Latest returns the newest snapshot whose data sources include source.
func Latest(dir, source string) (Entry, bool, error) {
	groups, err := List(dir)
	if err != nil {
		return Entry{}, false, err
	}
	want := sourceLabel([]string{source})
	var best Entry
	found := false
	for label, entries := range groups {
		if !containsLabel(label, want) {
			continue
		}
		if !found || entries[0].TakenAt.After(best.TakenAt) {
			best, found = entries[0], true
		}
	}
	return best, found, nil
}

func containsLabel(label, part string) bool {
	for _, p := range strings.Split(label, "+") {
		if p == part {
			return true
		}
	}
	return false
}
