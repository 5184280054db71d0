package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tinytelemetry/procscope/internal/query"
	"github.com/tinytelemetry/procscope/internal/search"
)

// rawData reads one page of view documents. Values are normalized by
// column kind so both backends return the same shapes.
func (e *Evaluator) rawData(ctx context.Context, plan *query.Plan) ([]map[string]any, error) {
	q, cols := plan.RawData()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = camelCase(c.Name)
	}
	out := []map[string]any{}
	err := e.query(ctx, q, func(rows *sql.Rows) error {
		vals := make([]any, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		doc := make(map[string]any, len(cols))
		for i, c := range cols {
			v, err := normalize(c.Kind, vals[i])
			if err != nil {
				return fmt.Errorf("column %s: %w", c.Name, err)
			}
			doc[names[i]] = v
		}
		out = append(out, doc)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func normalize(kind search.ColumnKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if b, ok := v.([]byte); ok {
		v = string(b)
	}
	switch kind {
	case search.KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case int64:
			return x != 0, nil
		}
	case search.KindInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int32:
			return int64(x), nil
		case float64:
			return int64(x), nil
		}
	case search.KindFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		}
	case search.KindJSON:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			return nil, err
		}
		return parsed, nil
	default:
		if s, ok := v.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected value %T", v)
}

// camelCase maps a column name to its document field name.
func camelCase(name string) string {
	parts := strings.Split(name, "_")
	for i := 1; i < len(parts); i++ {
		if parts[i] != "" {
			parts[i] = strings.ToUpper(parts[i][:1]) + parts[i][1:]
		}
	}
	return strings.Join(parts, "")
}
