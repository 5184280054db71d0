// Package query compiles report definitions into backend-specific SQL.
// Compilation is pure: the store is only touched by whoever runs the plan.
package query

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

// Role names the dimension a range request or bucket list belongs to.
type Role int

const (
	GroupBy Role = iota
	DistributeBy
)

func (r Role) String() string {
	if r == DistributeBy {
		return "distributedBy"
	}
	return "groupBy"
}

// DimKind is how a dimension buckets its values.
type DimKind int

const (
	DimNone DimKind = iota
	DimTerms
	DimDate
	DimNumber
)

// Query is a SQL statement with its positional arguments.
type Query struct {
	SQL  string
	Args []any
}

// RangeRequest asks for the MinMax of a histogram dimension. The query
// returns one row with two nullable DOUBLE columns.
type RangeRequest struct {
	Role Role
	Query
}

// Measure describes one measure of the result. Column is the index of its
// aggregate in the aggregation query, or -1 for the document count.
type Measure struct {
	Property     model.ViewProperty
	Aggregation  *model.Aggregation
	DurationTime model.UserTaskDurationTime
	Column       int
}

// Dim is a compiled group-by or distribute-by dimension.
type Dim struct {
	Dimension model.Dimension
	Kind      DimKind
	expr      string
	// missing is set for variable dimensions, where rows without a value
	// form the "missing" bucket.
	missing bool
	fixed   dateRange
	custom  model.CustomBucket
}

func (d Dim) IsHistogram() bool { return d.Kind == DimDate || d.Kind == DimNumber }

// HasMissing reports whether rows without a value form a "missing" bucket.
func (d Dim) HasMissing() bool { return d.missing }

// Compiler turns report definitions into plans for one dialect and index
// prefix.
type Compiler struct {
	dialect search.Dialect
	prefix  string
	now     func() time.Time
}

// New returns a compiler for the dialect and index table prefix.
func New(d search.Dialect, prefix string) *Compiler {
	if prefix == "" {
		prefix = model.DefaultIndexPrefix
	}
	return &Compiler{dialect: d, prefix: prefix, now: time.Now}
}

// WithClock returns a copy of c resolving relative dates against now.
func (c *Compiler) WithClock(now func() time.Time) *Compiler {
	cp := *c
	cp.now = now
	return &cp
}

func (c *Compiler) table(entity model.EntityType) string {
	ix, err := search.IndexFor(entity)
	if err != nil {
		return ""
	}
	return search.TableName(c.prefix, ix.Entity, ix.Version)
}

// Plan is a compiled report. The histogram ranges must be known before the
// aggregation query can be rendered; see RangeRequests.
type Plan struct {
	Definition model.Definition
	Type       model.ResultType
	Location   *time.Location
	Measures   []Measure
	Group      Dim
	Distribute Dim

	dialect    search.Dialect
	view       view
	table      string
	scopeTable string
	where      string
	args       []any
	values     []string
	aggregates []search.AggregateExpr
	// count queries run on the process or decision instance index.
	count, countAll Query
}

// Compile validates def and compiles it. Invalid values fail with
// model.ErrInvalidReport, combinations without a well-defined query with
// model.ErrUnsupportedFilterCombination.
func (c *Compiler) Compile(def model.Definition) (*Plan, error) {
	def = def.WithDefaults()
	v, ok := views[def.View.Entity]
	if !ok {
		return nil, fmt.Errorf("%w: view %q", model.ErrUnsupportedFilterCombination, def.View.Entity)
	}
	if (def.ReportType == model.ReportDecision) != (def.View.Entity == model.ViewDecisionInstance) {
		return nil, fmt.Errorf("%w: view %s on a %s report", model.ErrUnsupportedFilterCombination, def.View.Entity, def.ReportType)
	}
	if def.DefinitionKey == "" {
		return nil, fmt.Errorf("%w: missing definition key", model.ErrInvalidReport)
	}
	loc, err := time.LoadLocation(def.Configuration.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", model.ErrInvalidReport, def.Configuration.Timezone, err)
	}

	p := &Plan{
		Definition: def,
		Location:   loc,
		dialect:    c.dialect,
		view:       v,
		table:      c.table(v.entity),
		scopeTable: c.table(model.EntityProcessInstance),
	}
	if def.ReportType == model.ReportDecision {
		p.scopeTable = p.table
	}

	filters, err := c.compileFilters(def, loc, c.now())
	if err != nil {
		return nil, err
	}
	if err := p.compileDims(filters); err != nil {
		return nil, err
	}
	if err := p.compileMeasures(); err != nil {
		return nil, err
	}

	scope, scopeArgs, err := p.scope("v", v.keyColumn, v.versionColumn)
	if err != nil {
		return nil, err
	}
	conds, args := []string{scope}, scopeArgs
	own := filters.process
	if def.ReportType == model.ReportDecision {
		own = filters.decision
	}
	switch {
	case v.processLevel || def.ReportType == model.ReportDecision:
		for _, pr := range own {
			s, a := pr("v")
			conds, args = append(conds, s), append(args, a...)
		}
	case len(own) > 0:
		var sub []string
		for _, pr := range own {
			s, a := pr("p")
			sub, args = append(sub, s), append(args, a...)
		}
		conds = append(conds, fmt.Sprintf("EXISTS (SELECT 1 FROM %s p WHERE p.data_source = v.data_source AND p.process_instance_id = v.process_instance_id AND %s)",
			p.scopeTable, strings.Join(sub, " AND ")))
	}
	p.where, p.args = strings.Join(conds, " AND "), args

	countView := views[model.ViewProcessInstance]
	if def.ReportType == model.ReportDecision {
		countView = v
	}
	cscope, cargs, err := p.scope("v", countView.keyColumn, countView.versionColumn)
	if err != nil {
		return nil, err
	}
	p.countAll = Query{SQL: fmt.Sprintf("SELECT COUNT(*) FROM %s v WHERE %s", p.scopeTable, cscope), Args: cargs}
	cconds, cfargs := []string{cscope}, slices.Clone(cargs)
	for _, pr := range own {
		s, a := pr("v")
		cconds, cfargs = append(cconds, s), append(cfargs, a...)
	}
	p.count = Query{SQL: fmt.Sprintf("SELECT COUNT(*) FROM %s v WHERE %s", p.scopeTable, strings.Join(cconds, " AND ")), Args: cfargs}
	return p, nil
}

// scope restricts rows on alias a to the definition key, versions and tenants.
func (p *Plan) scope(a, keyCol, versionCol string) (string, []any, error) {
	def := p.Definition
	conds := []string{a + "." + keyCol + " = ?"}
	args := []any{def.DefinitionKey}

	if !slices.Contains(def.DefinitionVersions, model.VersionAll) {
		var alts []string
		var explicit []any
		for _, ver := range def.DefinitionVersions {
			if ver == model.VersionLatest {
				continue
			}
			n, err := strconv.ParseInt(strings.TrimSpace(ver), 10, 64)
			if err != nil {
				return "", nil, fmt.Errorf("%w: definition version %q", model.ErrInvalidReport, ver)
			}
			explicit = append(explicit, n)
		}
		if len(explicit) > 0 {
			alts = append(alts, fmt.Sprintf("%s.%s IN (%s)", a, versionCol, marks(len(explicit))))
			args = append(args, explicit...)
		}
		if slices.Contains(def.DefinitionVersions, model.VersionLatest) {
			alts = append(alts, fmt.Sprintf("%s.%s = (SELECT MAX(l.%s) FROM %s l WHERE l.%s = ?)",
				a, versionCol, versionCol, p.scopeTable, keyCol))
			args = append(args, def.DefinitionKey)
		}
		conds = append(conds, "("+strings.Join(alts, " OR ")+")")
	}
	if len(def.TenantIDs) > 0 {
		conds = append(conds, fmt.Sprintf("%s.tenant_id IN (%s)", a, marks(len(def.TenantIDs))))
		args = append(args, strArgs(def.TenantIDs)...)
	}
	return strings.Join(conds, " AND "), args, nil
}

func (p *Plan) compileDims(filters filterSet) error {
	def := p.Definition
	v := p.view
	g, d := def.GroupBy, def.DistributedBy
	if !v.allowsGroupBy(g.Type) {
		return fmt.Errorf("%w: group by %s on view %s", model.ErrUnsupportedFilterCombination, g.Type, def.View.Entity)
	}
	if !v.allowsDistributeBy(d.Type) {
		return fmt.Errorf("%w: distribute by %s on view %s", model.ErrUnsupportedFilterCombination, d.Type, def.View.Entity)
	}
	if !d.IsNone() && (g.IsNone() || g.Equal(d)) {
		return fmt.Errorf("%w: distribute by %s with group by %s", model.ErrUnsupportedFilterCombination, d.Type, g.Type)
	}

	var err error
	if p.Group, err = p.dim(g, def.Configuration.CustomBucket, filters); err != nil {
		return err
	}
	if p.Distribute, err = p.dim(d, def.Configuration.DistributeByCustomBucket, filters); err != nil {
		return err
	}
	switch {
	case slices.Contains(def.View.Properties, model.PropertyRawData):
		p.Type = model.ResultRaw
	case g.IsNone():
		p.Type = model.ResultNumber
	case d.IsNone():
		p.Type = model.ResultMap
	default:
		p.Type = model.ResultHyperMap
	}
	return nil
}

// boundingFilter is the date filter whose range bounds a date dimension of
// the process instance or decision instance view.
var boundingFilter = map[model.DimensionType]model.FilterType{
	model.DimensionStartDate:      model.FilterInstanceStartDate,
	model.DimensionEndDate:        model.FilterInstanceEndDate,
	model.DimensionEvaluationDate: model.FilterEvaluationDateTime,
}

func (p *Plan) dim(d model.Dimension, custom model.CustomBucket, filters filterSet) (Dim, error) {
	out := Dim{Dimension: d, custom: custom}
	if custom.Active && custom.BucketSize <= 0 {
		return out, fmt.Errorf("%w: bucket size must be positive", model.ErrInvalidReport)
	}
	switch {
	case d.IsNone():
		out.Kind = DimNone
	case d.Type.IsDate():
		if d.Unit != model.UnitAutomatic && !validUnit(d.Unit) {
			return out, fmt.Errorf("%w: date unit %q", model.ErrInvalidReport, d.Unit)
		}
		out.Kind = DimDate
		out.expr = "v." + p.view.dates[d.Type]
		if p.view.processLevel || p.view.entity == model.EntityDecisionInstance {
			out.fixed = filters.ranges[boundingFilter[d.Type]]
		}
	case d.Type == model.DimensionDuration:
		out.Kind = DimNumber
		out.expr = "v." + p.view.durations[model.DurationTotal]
	case d.Type == model.DimensionVariable:
		if d.Variable == nil || !d.Variable.Type.Valid() {
			return out, fmt.Errorf("%w: variable dimension without a valid variable", model.ErrInvalidReport)
		}
		path, err := search.JSONPath(d.Variable.Name)
		if err != nil {
			return out, fmt.Errorf("%w: %v", model.ErrInvalidReport, err)
		}
		out.missing = true
		switch t := d.Variable.Type; {
		case t == model.VariableString:
			out.Kind = DimTerms
			out.expr = fmt.Sprintf("COALESCE(%s, '%s')", p.dialect.JSONValue("v.variables", path, search.JSONString), model.MissingKey)
		case t == model.VariableBoolean:
			out.Kind = DimTerms
			out.expr = fmt.Sprintf("COALESCE(%s, '%s')", p.dialect.JSONValue("v.variables", path, search.JSONBool), model.MissingKey)
		case t == model.VariableDate:
			if d.Unit != "" && d.Unit != model.UnitAutomatic && !validUnit(d.Unit) {
				return out, fmt.Errorf("%w: date unit %q", model.ErrInvalidReport, d.Unit)
			}
			out.Kind = DimDate
			out.expr = p.dialect.JSONValue("v.variables", path, search.JSONNumber)
		default:
			out.Kind = DimNumber
			out.expr = p.dialect.JSONValue("v.variables", path, search.JSONNumber)
		}
	default:
		col, ok := p.view.terms[d.Type]
		if !ok {
			return out, fmt.Errorf("%w: dimension %s", model.ErrUnsupportedFilterCombination, d.Type)
		}
		out.Kind = DimTerms
		out.expr = fmt.Sprintf("COALESCE(v.%s, '%s')", col, model.MissingKey)
	}
	return out, nil
}

func (p *Plan) compileMeasures() error {
	def := p.Definition
	var props []model.ViewProperty
	for _, prop := range def.View.Properties {
		if !slices.Contains(props, prop) {
			props = append(props, prop)
		}
	}
	if slices.Contains(props, model.PropertyRawData) {
		if len(props) > 1 || !def.GroupBy.IsNone() {
			return fmt.Errorf("%w: raw data must be the only property and ungrouped", model.ErrUnsupportedFilterCombination)
		}
		p.Measures = []Measure{{Property: model.PropertyRawData, Column: -1}}
		return nil
	}

	for _, prop := range props {
		switch prop {
		case model.PropertyFrequency:
			p.Measures = append(p.Measures, Measure{Property: prop, Column: -1})
		case model.PropertyDuration:
			if len(p.view.durations) == 0 {
				return fmt.Errorf("%w: duration of %s", model.ErrUnsupportedFilterCombination, def.View.Entity)
			}
			for _, t := range p.view.durationTimes(def.Configuration.UserTaskDurationTimes) {
				col, ok := p.view.durations[t]
				if !ok {
					return fmt.Errorf("%w: user task duration time %q", model.ErrInvalidReport, t)
				}
				value := "d_" + string(t)
				p.values = append(p.values, fmt.Sprintf("CAST(v.%s AS DOUBLE) AS %s", col, value))
				for _, agg := range def.Configuration.Aggregations {
					if err := validAggregation(agg); err != nil {
						return err
					}
					p.aggregates = append(p.aggregates, search.AggregateExpr{
						Func: agg.Type, Column: value, Quantile: agg.Value / 100,
					})
					p.Measures = append(p.Measures, Measure{
						Property: prop, Aggregation: &agg, DurationTime: t, Column: len(p.aggregates) - 1,
					})
				}
			}
		default:
			return fmt.Errorf("%w: view property %q", model.ErrInvalidReport, prop)
		}
	}
	return nil
}

func validAggregation(a model.Aggregation) error {
	switch a.Type {
	case model.AggregationSum, model.AggregationAvg, model.AggregationMin, model.AggregationMax:
		return nil
	case model.AggregationPercentile:
		if a.Value < 0 || a.Value > 100 {
			return fmt.Errorf("%w: percentile %v out of [0, 100]", model.ErrInvalidReport, a.Value)
		}
		return nil
	default:
		return fmt.Errorf("%w: aggregation %q", model.ErrInvalidReport, a.Type)
	}
}

// Dim returns the dimension of a role.
func (p *Plan) Dim(r Role) Dim {
	if r == DistributeBy {
		return p.Distribute
	}
	return p.Group
}

// RangeRequests lists the MinMax queries the histogram dimensions need.
// Date dimensions bounded on both sides by a filter need none.
func (p *Plan) RangeRequests() []RangeRequest {
	var out []RangeRequest
	for _, r := range []Role{GroupBy, DistributeBy} {
		d := p.Dim(r)
		if !d.IsHistogram() || (d.fixed.lo != nil && d.fixed.hi != nil) {
			continue
		}
		out = append(out, RangeRequest{Role: r, Query: Query{
			SQL: fmt.Sprintf("SELECT CAST(MIN(%[1]s) AS DOUBLE), CAST(MAX(%[1]s) AS DOUBLE) FROM %[2]s v WHERE %[3]s",
				d.expr, p.table, p.where),
			Args: slices.Clone(p.args),
		}})
	}
	return out
}

// EffectiveRange narrows a measured range of a role by the filter bounds of
// its date dimension. Max is inclusive.
func (p *Plan) EffectiveRange(r Role, stat model.MinMaxStat) model.MinMaxStat {
	d := p.Dim(r)
	if d.Kind != DimDate {
		return stat
	}
	if d.fixed.lo != nil {
		stat.Min = float64(*d.fixed.lo)
	}
	if d.fixed.hi != nil {
		stat.Max = float64(*d.fixed.hi - 1)
	}
	return stat
}

// Buckets splits an effective range into the buckets of a role. A nil
// slice without error means the range is empty.
func (p *Plan) Buckets(r Role, stat model.MinMaxStat) ([]Bucket, error) {
	d := p.Dim(r)
	switch d.Kind {
	case DimNumber:
		return numberBuckets(stat, d.custom)
	case DimDate:
		if !stat.IsMinValid() || !stat.IsMaxValid() || stat.Max < stat.Min {
			return nil, nil
		}
		return dateBuckets(int64(stat.Min), int64(stat.Max), d.Dimension.Unit, p.Location)
	default:
		return nil, nil
	}
}

// Aggregation renders the grouped aggregation query. Histogram dimensions
// need their buckets; the query yields gkey and dkey as bucket indices for
// them. Rows outside every bucket are dropped.
func (p *Plan) Aggregation(group, distribute []Bucket) (Query, error) {
	gkey, err := p.keyExpr(p.Group, group)
	if err != nil {
		return Query{}, err
	}
	dkey, err := p.keyExpr(p.Distribute, distribute)
	if err != nil {
		return Query{}, err
	}
	cols := append([]string{gkey + " AS gkey", dkey + " AS dkey"}, p.values...)
	base := fmt.Sprintf("SELECT * FROM (SELECT %s FROM %s v WHERE %s) x WHERE gkey IS NOT NULL AND dkey IS NOT NULL",
		strings.Join(cols, ", "), p.table, p.where)
	sql := p.dialect.GroupAggregate(search.GroupQuery{Base: base, Aggregates: p.aggregates})
	return Query{SQL: sql, Args: slices.Clone(p.args)}, nil
}

func (p *Plan) keyExpr(d Dim, buckets []Bucket) (string, error) {
	switch d.Kind {
	case DimNone:
		return "''", nil
	case DimTerms:
		return d.expr, nil
	}
	if len(buckets) == 0 {
		if !d.missing {
			return "", fmt.Errorf("query: %s dimension has no buckets", d.Dimension.Type)
		}
		return fmt.Sprintf("CASE WHEN %s IS NULL THEN '%s' END", d.expr, model.MissingKey), nil
	}
	if d.Kind == DimDate {
		return dateCase(d.expr, buckets, d.missing), nil
	}
	return numberCase(p.dialect, d.expr, buckets, d.missing), nil
}

// InstanceCounts returns the queries counting the process or decision
// instances in scope, with and without the report filters.
func (p *Plan) InstanceCounts() (filtered, all Query) {
	return p.count, p.countAll
}

// RawData returns the paginated raw data query and the columns it selects,
// newest first.
func (p *Plan) RawData() (Query, []search.Column) {
	ix, _ := search.IndexFor(p.view.entity)
	names := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		names[i] = "v." + c.Name
	}
	page := p.Definition.Configuration.Pagination
	sql := fmt.Sprintf("SELECT %s FROM %s v WHERE %s ORDER BY (v.%[4]s IS NULL), v.%[4]s DESC, v.id LIMIT ? OFFSET ?",
		strings.Join(names, ", "), p.table, p.where, p.view.order)
	args := append(slices.Clone(p.args), page.Limit, page.Offset)
	return Query{SQL: sql, Args: args}, ix.Columns
}
