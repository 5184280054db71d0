package report

import (
	"cmp"
	"database/sql"
	"slices"
	"strconv"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/query"
)

// row is one group of the aggregation query.
type row struct {
	gkey, dkey string
	cnt        int64
	vals       []sql.NullFloat64
}

type entryKey struct {
	key, label string
}

type cellKey struct {
	g, d string
}

// value reads a measure from a row. Empty buckets, NULL and non-finite
// aggregates are 0.
func (r row) value(m query.Measure) int64 {
	if m.Column < 0 {
		return r.cnt
	}
	v := r.vals[m.Column]
	if !v.Valid {
		return 0
	}
	return model.ToLong(v.Float64)
}

func newMeasure(plan *query.Plan, m query.Measure) model.Measure {
	out := model.Measure{Property: m.Property, Aggregation: m.Aggregation}
	if m.Property == model.PropertyDuration && plan.Definition.View.Entity == model.ViewUserTask {
		out.UserTaskDurationTime = m.DurationTime
	}
	return out
}

// emptyMeasures is the data of a report whose histogram range is empty.
func emptyMeasures(plan *query.Plan) []model.Measure {
	out := make([]model.Measure, len(plan.Measures))
	for i, m := range plan.Measures {
		out[i] = newMeasure(plan, m)
		if plan.Type == model.ResultNumber {
			var zero int64
			out[i].Value = &zero
		}
	}
	return out
}

// resolve maps a raw group key to its bucket. Histogram keys are bucket
// indices.
func resolve(d query.Dim, buckets []query.Bucket, raw string) (entryKey, bool) {
	if !d.IsHistogram() || raw == model.MissingKey {
		return entryKey{raw, raw}, true
	}
	i, err := strconv.Atoi(raw)
	if err != nil || i < 0 || i >= len(buckets) {
		return entryKey{}, false
	}
	return entryKey{buckets[i].Key, buckets[i].Label}, true
}

// axis lists the keys of a dimension in bucket order. Histograms carry
// every bucket, terms the keys present in any row.
func axis(d query.Dim, buckets []query.Bucket, present []entryKey) []entryKey {
	if d.Kind == query.DimNone {
		return []entryKey{{}}
	}
	var out []entryKey
	if d.IsHistogram() {
		for _, b := range buckets {
			out = append(out, entryKey{b.Key, b.Label})
		}
		if slices.Contains(present, entryKey{model.MissingKey, model.MissingKey}) {
			out = append(out, entryKey{model.MissingKey, model.MissingKey})
		}
		return out
	}
	seen := make(map[entryKey]bool, len(present))
	for _, k := range present {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	slices.SortFunc(out, func(a, b entryKey) int { return cmp.Compare(a.key, b.key) })
	return out
}

// reshape turns aggregation rows into one measure per plan measure,
// zero-filling every bucket of both axes.
func reshape(plan *query.Plan, buckets map[query.Role][]query.Bucket, rows []row) []model.Measure {
	cells := make(map[cellKey]row, len(rows))
	var groups, dists []entryKey
	for _, r := range rows {
		g, ok := resolve(plan.Group, buckets[query.GroupBy], r.gkey)
		if !ok {
			continue
		}
		d, ok := resolve(plan.Distribute, buckets[query.DistributeBy], r.dkey)
		if !ok {
			continue
		}
		cells[cellKey{g.key, d.key}] = r
		groups = append(groups, g)
		dists = append(dists, d)
	}
	gAxis := axis(plan.Group, buckets[query.GroupBy], groups)
	dAxis := axis(plan.Distribute, buckets[query.DistributeBy], dists)

	out := make([]model.Measure, len(plan.Measures))
	for i, m := range plan.Measures {
		out[i] = newMeasure(plan, m)
		switch plan.Type {
		case model.ResultNumber:
			v := lookup(cells, "", "", m)
			out[i].Value = &v
		case model.ResultMap:
			entries := make([]model.MapEntry, 0, len(gAxis))
			for _, g := range gAxis {
				entries = append(entries, model.MapEntry{Key: g.key, Label: g.label, Value: lookup(cells, g.key, "", m)})
			}
			out[i].Map = entries
		case model.ResultHyperMap:
			hyper := make([]model.HyperMapEntry, 0, len(gAxis))
			for _, g := range gAxis {
				inner := make([]model.MapEntry, 0, len(dAxis))
				for _, d := range dAxis {
					inner = append(inner, model.MapEntry{Key: d.key, Label: d.label, Value: lookup(cells, g.key, d.key, m)})
				}
				hyper = append(hyper, model.HyperMapEntry{Key: g.key, Label: g.label, Value: inner})
			}
			out[i].HyperMap = hyper
		}
	}
	return out
}

func lookup(cells map[cellKey]row, g, d string, m query.Measure) int64 {
	r, ok := cells[cellKey{g, d}]
	if !ok {
		return 0
	}
	return r.value(m)
}

// sortMeasure orders map entries, or the groups of a hyper map. Sorting a
// hyper map by value orders the entries inside each group.
func sortMeasure(m *model.Measure, s model.Sorting) {
	desc := s.Order == model.SortDesc
	entryCmp := func(a, b model.MapEntry) int {
		var c int
		switch s.By {
		case model.SortByValue:
			c = cmp.Compare(a.Value, b.Value)
		case model.SortByLabel:
			c = compareKeys(a.Label, b.Label)
		default:
			c = compareKeys(a.Key, b.Key)
		}
		if desc {
			return -c
		}
		return c
	}
	if m.Map != nil {
		slices.SortStableFunc(m.Map, entryCmp)
		return
	}
	if s.By == model.SortByValue {
		for i := range m.HyperMap {
			slices.SortStableFunc(m.HyperMap[i].Value, entryCmp)
		}
		return
	}
	slices.SortStableFunc(m.HyperMap, func(a, b model.HyperMapEntry) int {
		return entryCmp(model.MapEntry{Key: a.Key, Label: a.Label}, model.MapEntry{Key: b.Key, Label: b.Label})
	})
}

// compareKeys compares numerically when both keys are numbers.
func compareKeys(a, b string) int {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	if errA == nil && errB == nil {
		return cmp.Compare(fa, fb)
	}
	return cmp.Compare(a, b)
}
