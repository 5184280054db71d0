// Package duckdb implements the search store dialect for DuckDB.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

// Dialect is the DuckDB search dialect.
type Dialect struct{}

var _ search.Dialect = Dialect{}

func (Dialect) Backend() model.Backend { return model.BackendDuckDB }

func (Dialect) DriverName() string { return "duckdb" }

// DSN returns the database path; empty opens an in-memory database shared
// by every connection of the pool.
func (Dialect) DSN(path string) string { return path }

func (Dialect) Configure(ctx context.Context, db *sql.DB, path string) error { return nil }

func (Dialect) ColumnType(kind search.ColumnKind) string {
	switch kind {
	case search.KindInt:
		return "BIGINT"
	case search.KindFloat:
		return "DOUBLE"
	case search.KindBool:
		return "BOOLEAN"
	default:
		return "VARCHAR"
	}
}

func (Dialect) MergePatch(target, patch string) string {
	return fmt.Sprintf("CAST(json_merge_patch(%s, %s) AS VARCHAR)", target, patch)
}

func (Dialect) JSONValue(col, path string, kind search.ValueKind) string {
	typ := fmt.Sprintf("json_type(%s, %s)", col, path)
	str := fmt.Sprintf("json_extract_string(%s, %s)", col, path)
	switch kind {
	case search.JSONNumber:
		return fmt.Sprintf("CASE WHEN %s IN ('BIGINT', 'UBIGINT', 'DOUBLE') THEN TRY_CAST(%s AS DOUBLE) END", typ, str)
	case search.JSONBool:
		return fmt.Sprintf("CASE WHEN %s = 'BOOLEAN' THEN %s END", typ, str)
	default:
		return fmt.Sprintf("CASE WHEN %s = 'VARCHAR' THEN %s END", typ, str)
	}
}

func (Dialect) Contains(expr, needle string) string {
	return fmt.Sprintf("contains(%s, %s)", expr, needle)
}

// BucketIndex floors explicitly: DuckDB rounds when casting a double to an integer.
func (Dialect) BucketIndex(expr string, baseLine, size float64) string {
	return fmt.Sprintf("CAST(floor((CAST(%s AS DOUBLE) - %s) / %s) AS BIGINT)",
		expr, search.FloatLiteral(baseLine), search.FloatLiteral(size))
}

func (Dialect) GroupAggregate(q search.GroupQuery) string {
	cols := []string{"gkey", "dkey", "COUNT(*) AS cnt"}
	for i, a := range q.Aggregates {
		var expr string
		if a.Func == model.AggregationPercentile {
			expr = fmt.Sprintf("CAST(quantile_cont(%s, %s) AS DOUBLE)", a.Column, search.FloatLiteral(a.Quantile))
		} else {
			var err error
			if expr, err = search.AggregateSQL(a); err != nil {
				expr = "CAST(NULL AS DOUBLE)"
			}
		}
		cols = append(cols, fmt.Sprintf("%s AS a%d", expr, i))
	}
	return fmt.Sprintf("SELECT %s FROM (%s) b GROUP BY gkey, dkey ORDER BY gkey, dkey", strings.Join(cols, ", "), q.Base)
}

func (Dialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?"
}

func (Dialect) ColumnsQuery() string {
	return "SELECT column_name FROM information_schema.columns WHERE table_name = ? ORDER BY ordinal_position"
}
