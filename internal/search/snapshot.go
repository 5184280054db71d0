package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// SnapshotInfo describes the state captured by one snapshot: the import
// cursors and upgrade steps it contains and the row count of each entity
// table.
type SnapshotInfo struct {
	Backend model.Backend        `json:"backend"`
	TakenAt time.Time            `json:"takenAt"`
	Cursors []model.ImportCursor `json:"cursors"`
	Steps   []UpgradeStep        `json:"steps"`
	Rows    map[string]int64     `json:"rows"`
}

// DataSources lists the data sources with a cursor in the snapshot, sorted.
func (i SnapshotInfo) DataSources() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range i.Cursors {
		if !seen[c.Key.DataSource] {
			seen[c.Key.DataSource] = true
			out = append(out, c.Key.DataSource)
		}
	}
	sort.Strings(out)
	return out
}

// DBPath returns the configured database path. Empty means in-memory DB.
func (s *Store) DBPath() string {
	return s.dbPath
}

// Snapshot writes a consistent copy of the database to dstPath and
// describes what it holds. Writes, cursor saves and upgrade steps are held
// off from the first read until the copy is done, so the returned info
// matches the copy exactly.
func (s *Store) Snapshot(ctx context.Context, dstPath string) (SnapshotInfo, error) {
	info := SnapshotInfo{Backend: s.dialect.Backend(), Rows: make(map[string]int64)}
	if s.dbPath == "" {
		return info, model.ErrInMemoryStore
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return info, fmt.Errorf("create snapshot dir: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if info.Cursors, err = s.ListCursors(ctx); err != nil {
		return info, err
	}
	if info.Steps, err = s.ListSteps(ctx); err != nil {
		return info, err
	}
	for _, ix := range CurrentIndices() {
		table := TableName(s.prefix, ix.Entity, ix.Version)
		ok, err := s.TableExists(ctx, table)
		if err != nil {
			return info, err
		}
		if !ok {
			continue
		}
		n, err := s.Count(ctx, ix.Entity)
		if err != nil {
			return info, fmt.Errorf("search: count %s: %w", table, err)
		}
		info.Rows[table] = n
	}

	info.TakenAt = time.Now().UTC()
	if err := s.dialect.Snapshot(ctx, s.db, s.dbPath, dstPath); err != nil {
		return info, fmt.Errorf("snapshot %s: %w", s.dialect.Backend(), err)
	}
	return info, nil
}
