// Package report evaluates report definitions against the search store.
// It runs the plans compiled by package query and reshapes the grouped
// rows into number, map, hyper map and raw data results.
package report

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/query"
	"github.com/tinytelemetry/procscope/internal/search"
)

// Store is the read side of the search store.
type Store interface {
	Dialect() search.Dialect
	Prefix() string
	Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error
}

// Evaluator implements model.ReportEvaluator. It is safe for concurrent use.
type Evaluator struct {
	store    Store
	compiler *query.Compiler
	rec      metrics.Recorder
}

var _ model.ReportEvaluator = (*Evaluator)(nil)

func New(store Store, rec metrics.Recorder) *Evaluator {
	return &Evaluator{
		store:    store,
		compiler: query.New(store.Dialect(), store.Prefix()),
		rec:      metrics.OrNop(rec),
	}
}

// WithClock returns a copy of e resolving relative date filters against now.
func (e *Evaluator) WithClock(now func() time.Time) *Evaluator {
	cp := *e
	cp.compiler = e.compiler.WithClock(now)
	return &cp
}

// ranges holds the effective histogram range of each role.
type ranges map[query.Role]model.MinMaxStat

// Evaluate compiles and runs a single report.
func (e *Evaluator) Evaluate(ctx context.Context, def model.Definition) (model.Result, error) {
	start := time.Now()
	res, err := e.evaluate(ctx, def)
	metrics.RecordReport(e.rec, string(def.WithDefaults().ReportType), err, time.Since(start))
	return res, err
}

func (e *Evaluator) evaluate(ctx context.Context, def model.Definition) (model.Result, error) {
	plan, err := e.compiler.Compile(def)
	if err != nil {
		return model.Result{}, err
	}
	rg, err := e.ranges(ctx, plan)
	if err != nil {
		return model.Result{}, err
	}
	return e.run(ctx, plan, rg)
}

// ranges runs the MinMax requests of a plan and narrows them by its filters.
func (e *Evaluator) ranges(ctx context.Context, plan *query.Plan) (ranges, error) {
	out := ranges{query.GroupBy: model.EmptyMinMax(), query.DistributeBy: model.EmptyMinMax()}
	for _, req := range plan.RangeRequests() {
		var lo, hi sql.NullFloat64
		err := e.query(ctx, req.Query, func(rows *sql.Rows) error {
			return rows.Scan(&lo, &hi)
		})
		if err != nil {
			return nil, fmt.Errorf("range of %s: %w", req.Role, err)
		}
		stat := model.EmptyMinMax()
		if lo.Valid {
			stat.Min = lo.Float64
		}
		if hi.Valid {
			stat.Max = hi.Float64
		}
		out[req.Role] = stat
	}
	for r, stat := range out {
		out[r] = plan.EffectiveRange(r, stat)
	}
	return out, nil
}

// run evaluates a compiled plan with known histogram ranges.
func (e *Evaluator) run(ctx context.Context, plan *query.Plan, rg ranges) (model.Result, error) {
	res := model.Result{Type: plan.Type}
	filtered, all := plan.InstanceCounts()
	if err := e.count(ctx, filtered, &res.InstanceCount); err != nil {
		return model.Result{}, err
	}
	if err := e.count(ctx, all, &res.InstanceCountWithoutFilters); err != nil {
		return model.Result{}, err
	}

	if plan.Type == model.ResultRaw {
		raw, err := e.rawData(ctx, plan)
		if err != nil {
			return model.Result{}, err
		}
		res.Measures = []model.Measure{{Property: model.PropertyRawData, Raw: raw}}
		return res, nil
	}

	buckets := map[query.Role][]query.Bucket{}
	for _, r := range []query.Role{query.GroupBy, query.DistributeBy} {
		d := plan.Dim(r)
		if !d.IsHistogram() {
			continue
		}
		b, err := plan.Buckets(r, rg[r])
		if err != nil {
			return model.Result{}, err
		}
		if b == nil && !d.HasMissing() {
			res.Measures = emptyMeasures(plan)
			return res, nil
		}
		buckets[r] = b
	}

	q, err := plan.Aggregation(buckets[query.GroupBy], buckets[query.DistributeBy])
	if err != nil {
		return model.Result{}, err
	}
	var rows []row
	width := aggregateCount(plan)
	err = e.query(ctx, q, func(r *sql.Rows) error {
		var gkey, dkey sql.NullString
		rw := row{vals: make([]sql.NullFloat64, width)}
		dest := []any{&gkey, &dkey, &rw.cnt}
		for i := range rw.vals {
			dest = append(dest, &rw.vals[i])
		}
		if err := r.Scan(dest...); err != nil {
			return err
		}
		rw.gkey, rw.dkey = gkey.String, dkey.String
		rows = append(rows, rw)
		return nil
	})
	if err != nil {
		return model.Result{}, err
	}
	res.Measures = reshape(plan, buckets, rows)
	if s := plan.Definition.Configuration.Sorting; s != nil {
		for i := range res.Measures {
			sortMeasure(&res.Measures[i], *s)
		}
	}
	return res, nil
}

// aggregateCount is the number of aggregate columns the plan selects.
func aggregateCount(plan *query.Plan) int {
	c := 0
	for _, m := range plan.Measures {
		if m.Column >= c {
			c = m.Column + 1
		}
	}
	return c
}

func (e *Evaluator) count(ctx context.Context, q query.Query, dst *int64) error {
	return e.query(ctx, q, func(rows *sql.Rows) error { return rows.Scan(dst) })
}

// query runs q and reports every failure as model.ErrBackendUnreachable.
func (e *Evaluator) query(ctx context.Context, q query.Query, scan func(*sql.Rows) error) error {
	err := e.store.Query(ctx, q.SQL, q.Args, scan)
	if err == nil || errors.Is(err, model.ErrBackendUnreachable) {
		return err
	}
	return fmt.Errorf("%w: %w", model.ErrBackendUnreachable, err)
}
