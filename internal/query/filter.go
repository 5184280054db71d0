package query

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

// predicate renders a condition on the row alias a.
type predicate func(a string) (string, []any)

// filterSet is the compiled filter list of a definition.
type filterSet struct {
	// process filters apply to process instance rows.
	process []predicate
	// decision filters apply to decision instance rows.
	decision []predicate
	// ranges holds the date filter bounds per date filter type.
	ranges map[model.FilterType]dateRange
}

func (c *Compiler) compileFilters(def model.Definition, loc *time.Location, now time.Time) (filterSet, error) {
	fs := filterSet{ranges: map[model.FilterType]dateRange{}}
	decision := def.ReportType == model.ReportDecision
	seen := make([]model.Filter, 0, len(def.Filters))
	for _, f := range def.Filters {
		if containsFilter(seen, f) {
			continue
		}
		seen = append(seen, f)

		if decision != (f.Type == model.FilterEvaluationDateTime) {
			return fs, fmt.Errorf("%w: filter %q on a %s report", model.ErrUnsupportedFilterCombination, f.Type, def.ReportType)
		}
		p, err := c.compileFilter(f, loc, now, &fs)
		if err != nil {
			return fs, err
		}
		if decision {
			fs.decision = append(fs.decision, p)
		} else {
			fs.process = append(fs.process, p)
		}
	}
	return fs, nil
}

func containsFilter(list []model.Filter, f model.Filter) bool {
	for _, o := range list {
		if o.Equal(f) {
			return true
		}
	}
	return false
}

func (c *Compiler) compileFilter(f model.Filter, loc *time.Location, now time.Time, fs *filterSet) (predicate, error) {
	switch f.Type {
	case model.FilterInstanceStartDate, model.FilterInstanceEndDate, model.FilterEvaluationDateTime:
		r, err := resolveDateFilter(f.Date, loc, now)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", f.Type, err)
		}
		if prev, ok := fs.ranges[f.Type]; ok {
			r = prev.intersect(r)
		}
		fs.ranges[f.Type] = r
		col := map[model.FilterType]string{
			model.FilterInstanceStartDate:  "start_date",
			model.FilterInstanceEndDate:    "end_date",
			model.FilterEvaluationDateTime: "evaluation_date",
		}[f.Type]
		return func(a string) (string, []any) { return rangeCondition(a+"."+col, r) }, nil

	case model.FilterProcessInstanceDuration:
		if f.Duration == nil {
			return nil, fmt.Errorf("%w: %s without duration", model.ErrInvalidReport, f.Type)
		}
		if !comparison(f.Duration.Operator) {
			return nil, fmt.Errorf("%w: duration operator %q", model.ErrInvalidReport, f.Duration.Operator)
		}
		ms, err := f.Duration.Unit.Millis(f.Duration.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", model.ErrInvalidReport, err)
		}
		op := f.Duration.Operator
		return func(a string) (string, []any) {
			return fmt.Sprintf("%s.duration %s ?", a, op), []any{ms}
		}, nil

	case model.FilterVariable:
		return c.variablePredicate(f.Variable, loc, now)

	case model.FilterExecutedFlowNodes:
		if len(f.FlowNodeIDs) == 0 {
			return nil, fmt.Errorf("%w: %s without flow node ids", model.ErrInvalidReport, f.Type)
		}
		table := c.table(model.EntityFlowNodeInstance)
		ids := strArgs(f.FlowNodeIDs)
		return func(a string) (string, []any) {
			return fmt.Sprintf("EXISTS (SELECT 1 FROM %s f WHERE f.data_source = %s.data_source AND f.process_instance_id = %s.process_instance_id AND f.flow_node_id IN (%s))",
				table, a, a, marks(len(ids))), ids
		}, nil

	case model.FilterRunningInstancesOnly:
		return static("%s.end_date IS NULL"), nil
	case model.FilterCompletedInstancesOnly:
		return static("%s.end_date IS NOT NULL"), nil
	case model.FilterCanceledInstancesOnly:
		return static("%s.state IN ('" + model.StateCanceled + "', '" + model.StateInternallyTerminated + "')"), nil
	case model.FilterNonCanceledInstancesOnly:
		return static("%s.state NOT IN ('" + model.StateCanceled + "', '" + model.StateInternallyTerminated + "')"), nil
	case model.FilterSuspendedInstancesOnly:
		return static("%s.state = '" + model.StateSuspended + "'"), nil
	case model.FilterNonSuspendedInstancesOnly:
		return static("%s.state <> '" + model.StateSuspended + "'"), nil
	case model.FilterWithOpenIncident:
		return c.incidentExists("EXISTS", "i.status = '"+model.IncidentOpen+"'"), nil
	case model.FilterWithResolvedIncident:
		return c.incidentExists("EXISTS", "i.status = '"+model.IncidentResolved+"'"), nil
	case model.FilterWithoutIncident:
		return c.incidentExists("NOT EXISTS", "i.status <> '"+model.IncidentDeleted+"'"), nil
	default:
		return nil, fmt.Errorf("%w: unknown filter %q", model.ErrUnsupportedFilterCombination, f.Type)
	}
}

// static renders a condition without arguments; every %s is the alias.
func static(format string) predicate {
	n := strings.Count(format, "%s")
	return func(a string) (string, []any) {
		args := make([]any, n)
		for i := range args {
			args[i] = a
		}
		return fmt.Sprintf(format, args...), nil
	}
}

func (c *Compiler) incidentExists(op, cond string) predicate {
	table := c.table(model.EntityIncident)
	return func(a string) (string, []any) {
		return fmt.Sprintf("%s (SELECT 1 FROM %s i WHERE i.data_source = %s.data_source AND i.process_instance_id = %s.process_instance_id AND %s)",
			op, table, a, a, cond), nil
	}
}

func (c *Compiler) variablePredicate(f *model.VariableFilter, loc *time.Location, now time.Time) (predicate, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: variable filter without variable", model.ErrInvalidReport)
	}
	path, err := search.JSONPath(f.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrInvalidReport, err)
	}
	d := c.dialect
	switch {
	case f.Type == model.VariableDate:
		r, err := resolveDateFilter(f.Date, loc, now)
		if err != nil {
			return nil, fmt.Errorf("variable %s: %w", f.Name, err)
		}
		return func(a string) (string, []any) {
			return rangeCondition(d.JSONValue(a+".variables", path, search.JSONNumber), r)
		}, nil

	case f.Type == model.VariableString:
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("%w: variable %s without values", model.ErrInvalidReport, f.Name)
		}
		vals := strArgs(f.Values)
		switch f.Operator {
		case model.OpIn, model.OpNotIn:
			return membership(d, path, search.JSONString, f.Operator == model.OpNotIn, vals), nil
		case model.OpContains, model.OpNotContains:
			negate := f.Operator == model.OpNotContains
			return func(a string) (string, []any) {
				expr := d.JSONValue(a+".variables", path, search.JSONString)
				parts := make([]string, len(vals))
				for i := range vals {
					parts[i] = d.Contains(expr, "?")
				}
				matched := "(" + strings.Join(parts, " OR ") + ")"
				if negate {
					return fmt.Sprintf("(%s IS NULL OR NOT %s)", expr, matched), vals
				}
				return matched, vals
			}, nil
		}

	case f.Type == model.VariableBoolean:
		if f.Operator != "" && f.Operator != "=" && f.Operator != model.OpIn {
			break
		}
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("%w: variable %s without values", model.ErrInvalidReport, f.Name)
		}
		vals := make([]any, len(f.Values))
		for i, v := range f.Values {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("%w: variable %s: boolean value %q", model.ErrInvalidReport, f.Name, v)
			}
			vals[i] = strconv.FormatBool(b)
		}
		return membership(d, path, search.JSONBool, false, vals), nil

	case f.Type.IsNumeric():
		if len(f.Values) == 0 {
			return nil, fmt.Errorf("%w: variable %s without values", model.ErrInvalidReport, f.Name)
		}
		vals := make([]any, len(f.Values))
		for i, v := range f.Values {
			n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("%w: variable %s: numeric value %q", model.ErrInvalidReport, f.Name, v)
			}
			vals[i] = n
		}
		switch {
		case f.Operator == model.OpIn || f.Operator == model.OpNotIn:
			return membership(d, path, search.JSONNumber, f.Operator == model.OpNotIn, vals), nil
		case comparison(f.Operator):
			if len(vals) != 1 {
				return nil, fmt.Errorf("%w: variable %s: operator %q takes one value, got %d",
					model.ErrInvalidReport, f.Name, f.Operator, len(vals))
			}
			op := f.Operator
			return func(a string) (string, []any) {
				return fmt.Sprintf("%s %s ?", d.JSONValue(a+".variables", path, search.JSONNumber), op), vals
			}, nil
		}

	default:
		return nil, fmt.Errorf("%w: variable %s has type %q", model.ErrInvalidReport, f.Name, f.Type)
	}
	return nil, fmt.Errorf("%w: operator %q on %s variable %s", model.ErrUnsupportedFilterCombination, f.Operator, f.Type, f.Name)
}

// membership matches a variable against a value list. A negated match also
// accepts instances without the variable.
func membership(d search.Dialect, path string, kind search.ValueKind, negate bool, vals []any) predicate {
	return func(a string) (string, []any) {
		expr := d.JSONValue(a+".variables", path, kind)
		if negate {
			return fmt.Sprintf("(%s IS NULL OR %s NOT IN (%s))", expr, expr, marks(len(vals))), vals
		}
		return fmt.Sprintf("%s IN (%s)", expr, marks(len(vals))), vals
	}
}

func rangeCondition(expr string, r dateRange) (string, []any) {
	var conds []string
	var args []any
	if r.lo != nil {
		conds = append(conds, expr+" >= ?")
		args = append(args, *r.lo)
	}
	if r.hi != nil {
		conds = append(conds, expr+" < ?")
		args = append(args, *r.hi)
	}
	return strings.Join(conds, " AND "), args
}

func comparison(op string) bool {
	switch op {
	case model.OpLess, model.OpLessEq, model.OpGreater, model.OpGreaterEq:
		return true
	}
	return false
}

func strArgs(vals []string) []any {
	out := make([]any, len(vals))
	for i, v := range vals {
		out[i] = v
	}
	return out
}

func marks(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
