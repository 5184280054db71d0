// Package sqlite implements the search store dialect for SQLite, using the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

const busyTimeoutMillis = 5000

// Dialect is the SQLite search dialect.
type Dialect struct{}

var _ search.Dialect = Dialect{}

func (Dialect) Backend() model.Backend { return model.BackendSQLite }

func (Dialect) DriverName() string { return "sqlite" }

func (Dialect) DSN(path string) string {
	if path == "" {
		return ":memory:"
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, busyTimeoutMillis)
}

// Configure pins in-memory databases to one connection: every SQLite
// connection to ":memory:" opens its own empty database.
func (Dialect) Configure(ctx context.Context, db *sql.DB, path string) error {
	if path == "" {
		db.SetMaxOpenConns(1)
	}
	return nil
}

func (Dialect) ColumnType(kind search.ColumnKind) string {
	switch kind {
	case search.KindInt, search.KindBool:
		return "INTEGER"
	case search.KindFloat:
		return "REAL"
	default:
		return "TEXT"
	}
}

func (Dialect) MergePatch(target, patch string) string {
	return fmt.Sprintf("json_patch(%s, %s)", target, patch)
}

func (Dialect) JSONValue(col, path string, kind search.ValueKind) string {
	typ := fmt.Sprintf("json_type(%s, %s)", col, path)
	val := fmt.Sprintf("json_extract(%s, %s)", col, path)
	switch kind {
	case search.JSONNumber:
		return fmt.Sprintf("CASE WHEN %s IN ('integer', 'real') THEN CAST(%s AS REAL) END", typ, val)
	case search.JSONBool:
		return fmt.Sprintf("CASE %s WHEN 'true' THEN 'true' WHEN 'false' THEN 'false' END", typ)
	default:
		return fmt.Sprintf("CASE WHEN %s = 'text' THEN %s END", typ, val)
	}
}

func (Dialect) Contains(expr, needle string) string {
	return fmt.Sprintf("instr(%s, %s) > 0", expr, needle)
}

// BucketIndex relies on the integer cast truncating, which is a floor for
// the non-negative offsets it is called with.
func (Dialect) BucketIndex(expr string, baseLine, size float64) string {
	return fmt.Sprintf("CAST((CAST(%s AS REAL) - %s) / %s AS INTEGER)",
		expr, search.FloatLiteral(baseLine), search.FloatLiteral(size))
}

// GroupAggregate computes percentiles with window functions, interpolating
// linearly between the two closest ranks the same way quantile_cont does.
func (Dialect) GroupAggregate(q search.GroupQuery) string {
	cols := []string{"g.gkey", "g.dkey", "g.cnt"}
	inner := []string{"gkey", "dkey", "COUNT(*) AS cnt"}
	var joins []string
	for i, a := range q.Aggregates {
		if a.Func != model.AggregationPercentile {
			expr, err := search.AggregateSQL(a)
			if err != nil {
				expr = "CAST(NULL AS REAL)"
			}
			inner = append(inner, fmt.Sprintf("%s AS a%d", expr, i))
			cols = append(cols, fmt.Sprintf("g.a%d", i))
			continue
		}
		alias := fmt.Sprintf("p%d", i)
		joins = append(joins, fmt.Sprintf("LEFT JOIN (%s) %s ON %s.gkey = g.gkey AND %s.dkey = g.dkey",
			percentileQuery(a), alias, alias, alias))
		cols = append(cols, fmt.Sprintf("%s.val AS a%d", alias, i))
	}
	return fmt.Sprintf("WITH b AS (%s) SELECT %s FROM (SELECT %s FROM b GROUP BY gkey, dkey) g %s ORDER BY g.gkey, g.dkey",
		q.Base, strings.Join(cols, ", "), strings.Join(inner, ", "), strings.Join(joins, " "))
}

func percentileQuery(a search.AggregateExpr) string {
	ranked := fmt.Sprintf(`SELECT gkey, dkey, CAST(%[1]s AS REAL) AS v,
		ROW_NUMBER() OVER (PARTITION BY gkey, dkey ORDER BY %[1]s) - 1 AS rn,
		(COUNT(*) OVER (PARTITION BY gkey, dkey) - 1) * %[2]s AS pos
		FROM b WHERE %[1]s IS NOT NULL`, a.Column, search.FloatLiteral(a.Quantile))
	lo := "MAX(CASE WHEN rn = CAST(pos AS INTEGER) THEN v END)"
	hi := "MAX(CASE WHEN rn = CAST(pos AS INTEGER) + 1 THEN v END)"
	return fmt.Sprintf(`SELECT gkey, dkey, %[1]s + (COALESCE(%[2]s, %[1]s) - %[1]s) * MAX(pos - CAST(pos AS INTEGER)) AS val
		FROM (%[3]s) GROUP BY gkey, dkey`, lo, hi, ranked)
}

func (Dialect) TableExistsQuery() string {
	return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
}

func (Dialect) ColumnsQuery() string {
	return "SELECT name FROM pragma_table_info(?) ORDER BY cid"
}

// Snapshot uses VACUUM INTO, which writes a consistent copy without
// blocking readers. VACUUM INTO refuses to overwrite, so a stale target is
// removed first.
func (Dialect) Snapshot(ctx context.Context, db *sql.DB, srcPath, dstPath string) error {
	if err := os.Remove(dstPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if _, err := db.ExecContext(ctx, "VACUUM INTO ?", dstPath); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}
