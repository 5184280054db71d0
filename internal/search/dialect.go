package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tinytelemetry/procscope/internal/model"
)

// ColumnKind is the logical type of an index column.
type ColumnKind int

const (
	KindText ColumnKind = iota
	KindInt
	KindFloat
	KindBool
	KindJSON
)

// ValueKind selects how a JSON member is read in a query.
type ValueKind int

const (
	// JSONString yields the member as text when it is a JSON string, else NULL.
	JSONString ValueKind = iota
	// JSONNumber yields the member as a double when it is a JSON number, else NULL.
	JSONNumber
	// JSONBool yields 'true' or 'false' when the member is a JSON boolean, else NULL.
	JSONBool
)

// AggregateExpr is one aggregated output column of a grouped query.
type AggregateExpr struct {
	Func   model.AggregationType
	Column string
	// Quantile in [0, 1], read for percentiles only.
	Quantile float64
}

// GroupQuery describes a grouped aggregation over a base query that yields
// the columns gkey, dkey and the value columns named by the aggregates.
type GroupQuery struct {
	Base       string
	Aggregates []AggregateExpr
}

// Dialect is the capability set a search backend must provide. Everything
// the compiler and the store emit that differs between backends goes
// through it.
type Dialect interface {
	Backend() model.Backend
	DriverName() string
	// DSN maps a database path to a driver DSN. An empty path is in-memory.
	DSN(path string) string
	// Configure tunes the connection pool and session settings after open.
	Configure(ctx context.Context, db *sql.DB, path string) error
	ColumnType(kind ColumnKind) string
	// MergePatch returns an expression applying the JSON merge patch
	// expression patch to the JSON column target.
	MergePatch(target, patch string) string
	// JSONValue extracts a member of the JSON column col. path is a literal
	// rendered by JSONPath.
	JSONValue(col, path string, kind ValueKind) string
	// Contains is a case-sensitive substring predicate.
	Contains(expr, needle string) string
	// BucketIndex maps a non-negative numeric expr >= baseLine to its
	// zero-based histogram bucket.
	BucketIndex(expr string, baseLine, size float64) string
	// GroupAggregate renders q as a query returning gkey, dkey, cnt and one
	// DOUBLE column per aggregate, ordered by gkey and dkey.
	GroupAggregate(q GroupQuery) string
	TableExistsQuery() string
	ColumnsQuery() string
	// Snapshot writes a consistent copy of the database at srcPath to dstPath.
	Snapshot(ctx context.Context, db *sql.DB, srcPath, dstPath string) error
}

// AggregateSQL renders the portable aggregate functions. Percentiles have
// no portable form and return an error.
func AggregateSQL(a AggregateExpr) (string, error) {
	switch a.Func {
	case model.AggregationSum:
		return fmt.Sprintf("CAST(SUM(%s) AS DOUBLE)", a.Column), nil
	case model.AggregationAvg:
		return fmt.Sprintf("CAST(AVG(%s) AS DOUBLE)", a.Column), nil
	case model.AggregationMin:
		return fmt.Sprintf("CAST(MIN(%s) AS DOUBLE)", a.Column), nil
	case model.AggregationMax:
		return fmt.Sprintf("CAST(MAX(%s) AS DOUBLE)", a.Column), nil
	default:
		return "", fmt.Errorf("aggregation %q has no portable form", a.Func)
	}
}

// JSONPath renders a single-quoted JSON path literal for a top-level member.
// Keys may not contain quotes or backslashes.
func JSONPath(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, "\"'\\") {
		return "", fmt.Errorf("invalid json member name %q", key)
	}
	return `'$."` + key + `"'`, nil
}

// FloatLiteral renders v as a SQL numeric literal.
func FloatLiteral(v float64) string {
	s := fmt.Sprintf("%v", v)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
