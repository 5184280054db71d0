package search

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// LoadCursor returns the stored cursor for key. The second result is false
// when no cursor has been saved yet.
func (s *Store) LoadCursor(ctx context.Context, key model.CursorKey) (model.ImportCursor, bool, error) {
	cur := model.ImportCursor{Key: key}
	var updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position, sequence_number, updated_at FROM import_cursor
		 WHERE data_source = ? AND entity_type = ? AND partition_id = ?`,
		key.DataSource, string(key.EntityType), key.Partition,
	).Scan(&cur.Position, &cur.SequenceNumber, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return cur, false, nil
	}
	if err != nil {
		return cur, false, fmt.Errorf("search: load cursor %s: %w", key, err)
	}
	cur.UpdatedAt = time.UnixMilli(updated).UTC()
	return cur, true, nil
}

// SaveCursor persists cur. A cursor never moves backwards: saving a
// position below the stored one fails with model.ErrCursorRegression.
func (s *Store) SaveCursor(ctx context.Context, cur model.ImportCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	k := cur.Key
	var stored int64
	err = tx.QueryRowContext(ctx,
		`SELECT position FROM import_cursor WHERE data_source = ? AND entity_type = ? AND partition_id = ?`,
		k.DataSource, string(k.EntityType), k.Partition,
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("search: read cursor %s: %w", k, err)
	case cur.Position < stored:
		return fmt.Errorf("search: cursor %s from %d to %d: %w", k, stored, cur.Position, model.ErrCursorRegression)
	}

	updated := cur.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO import_cursor (data_source, entity_type, partition_id, position, sequence_number, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (data_source, entity_type, partition_id) DO UPDATE SET
		 position = excluded.position, sequence_number = excluded.sequence_number, updated_at = excluded.updated_at`,
		k.DataSource, string(k.EntityType), k.Partition, cur.Position, cur.SequenceNumber, updated.UnixMilli(),
	); err != nil {
		return fmt.Errorf("search: save cursor %s: %w", k, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListCursors returns every stored cursor ordered by key.
func (s *Store) ListCursors(ctx context.Context) ([]model.ImportCursor, error) {
	var out []model.ImportCursor
	err := s.Query(ctx,
		`SELECT data_source, entity_type, partition_id, position, sequence_number, updated_at
		 FROM import_cursor ORDER BY data_source, entity_type, partition_id`, nil,
		func(rows *sql.Rows) error {
			var c model.ImportCursor
			var et string
			var updated int64
			if err := rows.Scan(&c.Key.DataSource, &et, &c.Key.Partition, &c.Position, &c.SequenceNumber, &updated); err != nil {
				return err
			}
			c.Key.EntityType = model.EntityType(et)
			c.UpdatedAt = time.UnixMilli(updated).UTC()
			out = append(out, c)
			return nil
		})
	return out, err
}

// ResetCursor deletes the cursor for key so the next import starts over.
func (s *Store) ResetCursor(ctx context.Context, key model.CursorKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM import_cursor WHERE data_source = ? AND entity_type = ? AND partition_id = ?`,
		key.DataSource, string(key.EntityType), key.Partition)
	if err != nil {
		return fmt.Errorf("search: reset cursor %s: %w", key, err)
	}
	return nil
}
