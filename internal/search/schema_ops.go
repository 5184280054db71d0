package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// IndexName returns the physical table of an index version.
func (s *Store) IndexName(entity model.EntityType, version int) string {
	return TableName(s.prefix, entity, version)
}

// TableExists reports whether a table exists.
func (s *Store) TableExists(ctx context.Context, table string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.dialect.TableExistsQuery(), table).Scan(&n); err != nil {
		return false, fmt.Errorf("search: table exists %s: %w", table, err)
	}
	return n > 0, nil
}

// Columns lists the column names of a table in declaration order.
func (s *Store) Columns(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.ColumnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("search: columns of %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// AddColumn adds a column to a table unless it already exists.
func (s *Store) AddColumn(ctx context.Context, table string, col Column) error {
	cols, err := s.Columns(ctx, table)
	if err != nil {
		return err
	}
	for _, c := range cols {
		if strings.EqualFold(c, col.Name) {
			return nil
		}
	}
	ddl := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, col.Name, s.dialect.ColumnType(col.Kind))
	if col.Default != "" {
		ddl += " DEFAULT " + col.Default
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("search: add column %s.%s: %w", table, col.Name, err)
	}
	return nil
}

// CopyRows copies the columns both tables share from src into dst,
// overwriting rows with the same id, and returns the number of rows copied.
func (s *Store) CopyRows(ctx context.Context, src, dst string) (int64, error) {
	srcCols, err := s.Columns(ctx, src)
	if err != nil {
		return 0, err
	}
	dstCols, err := s.Columns(ctx, dst)
	if err != nil {
		return 0, err
	}
	have := make(map[string]bool, len(dstCols))
	for _, c := range dstCols {
		have[strings.ToLower(c)] = true
	}
	var common, sets []string
	for _, c := range srcCols {
		if !have[strings.ToLower(c)] {
			continue
		}
		common = append(common, c)
		if c != KeyColumn {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
		}
	}
	if len(common) == 0 {
		return 0, fmt.Errorf("search: %s and %s share no columns", src, dst)
	}
	list := strings.Join(common, ", ")
	q := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE true ON CONFLICT (%s) DO UPDATE SET %s",
		dst, list, list, src, KeyColumn, strings.Join(sets, ", "))

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("search: copy %s to %s: %w", src, dst, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DropTable drops a table if it exists.
func (s *Store) DropTable(ctx context.Context, table string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return fmt.Errorf("search: drop %s: %w", table, err)
	}
	return nil
}

// DeleteWhere deletes the rows of a table matching a SQL predicate.
func (s *Store) DeleteWhere(ctx context.Context, table, predicate string, args ...any) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", table, predicate), args...)
	if err != nil {
		return 0, fmt.Errorf("search: delete from %s: %w", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StepDone reports whether an upgrade step was recorded as executed.
func (s *Store) StepDone(ctx context.Context, plan string, index int) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM upgrade_step_log WHERE plan = ? AND step_index = ?", plan, index).Scan(&n)
	if err != nil && err != sql.ErrNoRows {
		return false, fmt.Errorf("search: read upgrade log: %w", err)
	}
	return n > 0, nil
}

// RecordStep records an executed upgrade step.
func (s *Store) RecordStep(ctx context.Context, plan string, index int, stepType, indexName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO upgrade_step_log (plan, step_index, step_type, index_name, executed_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (plan, step_index) DO UPDATE SET executed_at = excluded.executed_at`,
		plan, index, stepType, indexName, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("search: record upgrade step: %w", err)
	}
	return nil
}

// UpgradeStep is one executed entry of the upgrade step log.
type UpgradeStep struct {
	Plan       string    `json:"plan"`
	Index      int       `json:"index"`
	Type       string    `json:"type"`
	IndexName  string    `json:"indexName"`
	ExecutedAt time.Time `json:"executedAt"`
}

// ListSteps returns the upgrade step log ordered by plan and step.
func (s *Store) ListSteps(ctx context.Context) ([]UpgradeStep, error) {
	var out []UpgradeStep
	err := s.Query(ctx,
		"SELECT plan, step_index, step_type, index_name, executed_at FROM upgrade_step_log ORDER BY plan, step_index", nil,
		func(rows *sql.Rows) error {
			var st UpgradeStep
			var executed int64
			if err := rows.Scan(&st.Plan, &st.Index, &st.Type, &st.IndexName, &executed); err != nil {
				return err
			}
			st.ExecutedAt = time.UnixMilli(executed).UTC()
			out = append(out, st)
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("search: list upgrade steps: %w", err)
	}
	return out, nil
}
