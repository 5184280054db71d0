package report

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/query"
)

const combinedReportType = "combined"

// EvaluateCombined evaluates several single reports over shared histogram
// ranges and overlays their first measures by group key.
func (e *Evaluator) EvaluateCombined(ctx context.Context, defs []model.Definition) (model.CombinedResult, error) {
	start := time.Now()
	res, err := e.evaluateCombined(ctx, defs)
	metrics.RecordReport(e.rec, combinedReportType, err, time.Since(start))
	return res, err
}

func (e *Evaluator) evaluateCombined(ctx context.Context, defs []model.Definition) (model.CombinedResult, error) {
	if len(defs) == 0 {
		return model.CombinedResult{}, fmt.Errorf("%w: combined report without reports", model.ErrInvalidReport)
	}
	plans := make([]*query.Plan, len(defs))
	ids := make([]string, len(defs))
	for i, def := range defs {
		plan, err := e.compiler.Compile(def)
		if err != nil {
			return model.CombinedResult{}, fmt.Errorf("report %d: %w", i, err)
		}
		plans[i] = plan
		ids[i] = def.ID
		if ids[i] == "" {
			ids[i] = strconv.Itoa(i)
		}
		if slices.Contains(ids[:i], ids[i]) {
			return model.CombinedResult{}, fmt.Errorf("%w: duplicate report id %q", model.ErrInvalidReport, ids[i])
		}
	}
	if err := combinable(plans); err != nil {
		return model.CombinedResult{}, err
	}

	shared := ranges{query.GroupBy: model.EmptyMinMax(), query.DistributeBy: model.EmptyMinMax()}
	for _, plan := range plans {
		rg, err := e.ranges(ctx, plan)
		if err != nil {
			return model.CombinedResult{}, err
		}
		for r, stat := range rg {
			shared[r] = shared[r].Union(stat)
		}
	}

	results := make([]model.Result, len(plans))
	g, gctx := errgroup.WithContext(ctx)
	for i, plan := range plans {
		g.Go(func() error {
			res, err := e.run(gctx, plan, shared)
			if err != nil {
				return fmt.Errorf("report %s: %w", ids[i], err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return model.CombinedResult{}, err
	}

	out := model.CombinedResult{ReportIDs: ids, Results: make(map[string]model.Result, len(ids))}
	index := map[string]int{}
	for i, res := range results {
		out.Results[ids[i]] = res
		for _, entry := range firstMeasureEntries(res) {
			at, ok := index[entry.Key]
			if !ok {
				at = len(out.Rows)
				index[entry.Key] = at
				out.Rows = append(out.Rows, model.CombinedRow{Key: entry.Key, Label: entry.Label, Values: map[string]int64{}})
			}
			out.Rows[at].Values[ids[i]] = entry.Value
		}
	}
	return out, nil
}

// combinable requires every constituent to share the group-by dimension
// (type, unit and variable) and view properties of the first. Distributed and raw data reports cannot be
// overlaid.
func combinable(plans []*query.Plan) error {
	first := plans[0].Definition
	for _, p := range plans {
		def := p.Definition
		if p.Type == model.ResultRaw || p.Type == model.ResultHyperMap {
			return fmt.Errorf("%w: %s report in a combined report", model.ErrUnsupportedFilterCombination, p.Type)
		}
		if !def.GroupBy.Equal(first.GroupBy) {
			return fmt.Errorf("%w: combined reports group by %s and %s", model.ErrUnsupportedFilterCombination,
				describeDimension(first.GroupBy), describeDimension(def.GroupBy))
		}
		if !slices.Equal(def.View.Properties, first.View.Properties) {
			return fmt.Errorf("%w: combined reports measure %v and %v", model.ErrUnsupportedFilterCombination,
				first.View.Properties, def.View.Properties)
		}
	}
	return nil
}

func describeDimension(d model.Dimension) string {
	switch {
	case d.Variable != nil:
		return fmt.Sprintf("%s %s", d.Type, d.Variable.Name)
	case d.Unit != "":
		return fmt.Sprintf("%s by %s", d.Type, d.Unit)
	}
	return string(d.Type)
}

func firstMeasureEntries(res model.Result) []model.MapEntry {
	if len(res.Measures) == 0 {
		return nil
	}
	m := res.Measures[0]
	if m.Value != nil {
		return []model.MapEntry{{Value: *m.Value}}
	}
	return m.Map
}
