package query

import (
	"errors"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/sqlite"
)

func newCompiler() *Compiler {
	now := time.Date(2024, 3, 13, 15, 30, 0, 0, time.UTC)
	return New(sqlite.Dialect{}, "ps").WithClock(func() time.Time { return now })
}

func processReport(view model.ViewEntity, group, dist model.DimensionType) model.Definition {
	return model.Definition{
		DefinitionKey: "invoice",
		View:          model.View{Entity: view, Properties: []model.ViewProperty{model.PropertyFrequency}},
		GroupBy:       model.Dimension{Type: group},
		DistributedBy: model.Dimension{Type: dist},
	}
}

func TestCompileRejectsUnsupportedCombinations(t *testing.T) {
	decision := processReport(model.ViewDecisionInstance, model.DimensionNone, model.DimensionNone)
	decision.Filters = []model.Filter{{Type: model.FilterRunningInstancesOnly}}

	evaluation := processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionNone)
	evaluation.Filters = []model.Filter{{Type: model.FilterEvaluationDateTime,
		Date: &model.DateFilter{Kind: model.DateFixed, Start: "2024-01-01"}}}

	rawGrouped := processReport(model.ViewProcessInstance, model.DimensionStartDate, model.DimensionNone)
	rawGrouped.View.Properties = []model.ViewProperty{model.PropertyRawData}

	decisionDuration := processReport(model.ViewDecisionInstance, model.DimensionNone, model.DimensionNone)
	decisionDuration.View.Properties = []model.ViewProperty{model.PropertyDuration}

	tests := []struct {
		name string
		def  model.Definition
	}{
		{"flow node grouped by assignee", processReport(model.ViewFlowNode, model.DimensionAssignee, model.DimensionNone)},
		{"incident grouped by duration", processReport(model.ViewIncident, model.DimensionDuration, model.DimensionNone)},
		{"decision grouped by start date", processReport(model.ViewDecisionInstance, model.DimensionStartDate, model.DimensionNone)},
		{"process instance distributed by duration", processReport(model.ViewProcessInstance, model.DimensionStartDate, model.DimensionDuration)},
		{"distribute equals group", processReport(model.ViewProcessInstance, model.DimensionStartDate, model.DimensionStartDate)},
		{"distribute without group", processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionEndDate)},
		{"process filter on decision report", decision},
		{"evaluation filter on process report", evaluation},
		{"grouped raw data", rawGrouped},
		{"decision duration", decisionDuration},
		{"unknown view", processReport("variable", model.DimensionNone, model.DimensionNone)},
	}
	c := newCompiler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Compile(tt.def)
			if !errors.Is(err, model.ErrUnsupportedFilterCombination) {
				t.Fatalf("Compile error = %v, want ErrUnsupportedFilterCombination", err)
			}
		})
	}
}

func TestCompileRejectsInvalidValues(t *testing.T) {
	base := func() model.Definition {
		return processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionNone)
	}
	tests := []struct {
		name   string
		mutate func(*model.Definition)
	}{
		{"missing key", func(d *model.Definition) { d.DefinitionKey = "" }},
		{"bad timezone", func(d *model.Definition) { d.Configuration.Timezone = "Mars/Olympus" }},
		{"bad version", func(d *model.Definition) { d.DefinitionVersions = []string{"two"} }},
		{"bad date", func(d *model.Definition) {
			d.Filters = []model.Filter{{Type: model.FilterInstanceStartDate,
				Date: &model.DateFilter{Kind: model.DateFixed, Start: "yesterday"}}}
		}},
		{"bad relative unit", func(d *model.Definition) {
			d.Filters = []model.Filter{{Type: model.FilterInstanceStartDate,
				Date: &model.DateFilter{Kind: model.DateRelative, Unit: "fortnight"}}}
		}},
		{"bad duration operator", func(d *model.Definition) {
			d.Filters = []model.Filter{{Type: model.FilterProcessInstanceDuration,
				Duration: &model.DurationFilter{Operator: "=", Value: 1}}}
		}},
		{"non numeric value", func(d *model.Definition) {
			d.Filters = []model.Filter{{Type: model.FilterVariable, Variable: &model.VariableFilter{
				Name: "amount", Type: model.VariableDouble, Operator: model.OpIn, Values: []string{"lots"}}}}
		}},
		{"comparison with two values", func(d *model.Definition) {
			d.Filters = []model.Filter{{Type: model.FilterVariable, Variable: &model.VariableFilter{
				Name: "amount", Type: model.VariableDouble, Operator: model.OpGreaterEq, Values: []string{"10", "20"}}}}
		}},
		{"percentile out of range", func(d *model.Definition) {
			d.View.Properties = []model.ViewProperty{model.PropertyDuration}
			d.Configuration.Aggregations = []model.Aggregation{{Type: model.AggregationPercentile, Value: 120}}
		}},
		{"zero bucket size", func(d *model.Definition) {
			d.GroupBy = model.Dimension{Type: model.DimensionDuration}
			d.Configuration.CustomBucket = model.CustomBucket{Active: true}
		}},
	}
	c := newCompiler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := base()
			tt.mutate(&def)
			_, err := c.Compile(def)
			if !errors.Is(err, model.ErrInvalidReport) {
				t.Fatalf("Compile error = %v, want ErrInvalidReport", err)
			}
		})
	}
}

func TestBooleanVariableRejectsComparison(t *testing.T) {
	def := processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionNone)
	def.Filters = []model.Filter{{Type: model.FilterVariable, Variable: &model.VariableFilter{
		Name: "approved", Type: model.VariableBoolean, Operator: model.OpLess, Values: []string{"true"}}}}
	if _, err := newCompiler().Compile(def); !errors.Is(err, model.ErrUnsupportedFilterCombination) {
		t.Fatalf("Compile error = %v, want ErrUnsupportedFilterCombination", err)
	}
}

func TestFixedDateFilterBoundsDayBuckets(t *testing.T) {
	def := processReport(model.ViewProcessInstance, model.DimensionStartDate, model.DimensionNone)
	def.GroupBy.Unit = model.UnitDay
	def.Filters = []model.Filter{{Type: model.FilterInstanceStartDate,
		Date: &model.DateFilter{Kind: model.DateFixed, Start: "2024-01-01", End: "2024-01-31"}}}

	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if reqs := p.RangeRequests(); len(reqs) != 0 {
		t.Fatalf("RangeRequests = %d, want none for a bounded dimension", len(reqs))
	}
	stat := p.EffectiveRange(GroupBy, model.EmptyMinMax())
	buckets, err := p.Buckets(GroupBy, stat)
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if len(buckets) != 31 {
		t.Fatalf("buckets = %d, want 31", len(buckets))
	}
	if buckets[0].Key != "2024-01-01T00:00:00.000+0000" || buckets[30].Key != "2024-01-31T00:00:00.000+0000" {
		t.Errorf("bucket keys = %s .. %s", buckets[0].Key, buckets[30].Key)
	}
	if p.Type != model.ResultMap {
		t.Errorf("Type = %s, want map", p.Type)
	}
}

func TestFilterRangeOnOtherFieldDoesNotBound(t *testing.T) {
	def := processReport(model.ViewProcessInstance, model.DimensionEndDate, model.DimensionNone)
	def.Filters = []model.Filter{{Type: model.FilterInstanceStartDate,
		Date: &model.DateFilter{Kind: model.DateFixed, Start: "2024-01-01", End: "2024-01-31"}}}
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	reqs := p.RangeRequests()
	if len(reqs) != 1 || reqs[0].Role != GroupBy {
		t.Fatalf("RangeRequests = %+v, want one group-by request", reqs)
	}
	if !strings.Contains(reqs[0].SQL, "MIN(v.end_date)") {
		t.Errorf("range SQL = %s", reqs[0].SQL)
	}
}

func TestTimezoneAlignsDateBuckets(t *testing.T) {
	def := processReport(model.ViewProcessInstance, model.DimensionStartDate, model.DimensionNone)
	def.GroupBy.Unit = model.UnitDay
	def.Configuration.Timezone = "Europe/Berlin"
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	lo := time.Date(2024, 1, 1, 22, 30, 0, 0, time.UTC) // Jan 1 23:30 in Berlin
	hi := time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC)
	buckets, err := p.Buckets(GroupBy, model.MinMaxStat{Min: float64(lo.UnixMilli()), Max: float64(hi.UnixMilli())})
	if err != nil {
		t.Fatalf("Buckets: %v", err)
	}
	if len(buckets) != 2 || buckets[0].Key != "2024-01-01T00:00:00.000+0100" {
		t.Fatalf("buckets = %+v", buckets)
	}
}

func TestWeekBucketsStartOnMonday(t *testing.T) {
	loc := time.UTC
	sunday := time.Date(2024, 3, 17, 12, 0, 0, 0, loc)
	got := truncate(sunday, model.UnitWeek, loc)
	if want := time.Date(2024, 3, 11, 0, 0, 0, 0, loc); !got.Equal(want) {
		t.Errorf("truncate(Sunday) = %s, want %s", got, want)
	}
	monday := time.Date(2024, 3, 11, 0, 0, 0, 0, loc)
	if got := truncate(monday, model.UnitWeek, loc); !got.Equal(monday) {
		t.Errorf("truncate(Monday) = %s, want itself", got)
	}
}

func TestAutomaticUnitPicksFinestFitting(t *testing.T) {
	loc := time.UTC
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, loc)
	tests := []struct {
		span time.Duration
		want model.DateUnit
	}{
		{30 * time.Minute, model.UnitMinute},
		{3 * 24 * time.Hour, model.UnitHour},
		{60 * 24 * time.Hour, model.UnitDay},
		{300 * 24 * time.Hour, model.UnitWeek},
		{5 * 365 * 24 * time.Hour, model.UnitMonth},
		{20 * 365 * 24 * time.Hour, model.UnitYear},
	}
	for _, tt := range tests {
		if got := chooseUnit(start, start.Add(tt.span), loc); got != tt.want {
			t.Errorf("chooseUnit(%s) = %s, want %s", tt.span, got, tt.want)
		}
	}
}

func TestTooManyDateBuckets(t *testing.T) {
	lo := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := dateBuckets(lo.UnixMilli(), lo.Add(48*time.Hour).UnixMilli(), model.UnitMinute, time.UTC)
	if !errors.Is(err, model.ErrTooManyBuckets) {
		t.Fatalf("dateBuckets error = %v, want ErrTooManyBuckets", err)
	}
}

func TestNumberBuckets(t *testing.T) {
	auto, err := numberBuckets(model.MinMaxStat{Min: 0, Max: 80}, model.CustomBucket{})
	if err != nil {
		t.Fatalf("numberBuckets: %v", err)
	}
	if len(auto) != model.AutomaticBucketCount || auto[1].Lo != 1 || auto[79].Hi != 80 {
		t.Errorf("automatic buckets = %d, second %+v, last %+v", len(auto), auto[1], auto[79])
	}

	single, _ := numberBuckets(model.MinMaxStat{Min: 5, Max: 5}, model.CustomBucket{})
	if len(single) != 1 || single[0].Key != "5" {
		t.Errorf("single bucket = %+v", single)
	}

	custom, _ := numberBuckets(model.MinMaxStat{Min: 12, Max: 24}, model.CustomBucket{Active: true, BaseLine: 10, BucketSize: 5})
	if len(custom) != 3 || custom[0].Key != "10" || custom[2].Key != "20" {
		t.Errorf("custom buckets = %+v", custom)
	}

	if below, _ := numberBuckets(model.MinMaxStat{Min: 1, Max: 4}, model.CustomBucket{Active: true, BaseLine: 10, BucketSize: 5}); below != nil {
		t.Errorf("buckets below baseline = %+v, want none", below)
	}
	if empty, _ := numberBuckets(model.EmptyMinMax(), model.CustomBucket{}); empty != nil {
		t.Errorf("buckets of an empty range = %+v, want none", empty)
	}
	_, err = numberBuckets(model.MinMaxStat{Min: 0, Max: 1e6}, model.CustomBucket{Active: true, BucketSize: 1})
	if !errors.Is(err, model.ErrTooManyBuckets) {
		t.Errorf("numberBuckets error = %v, want ErrTooManyBuckets", err)
	}
}

func TestRelativeAndRollingDateFilters(t *testing.T) {
	now := time.Date(2024, 3, 13, 15, 30, 0, 0, time.UTC)
	ms := func(t time.Time) int64 { return t.UnixMilli() }
	tests := []struct {
		name   string
		filter model.DateFilter
		lo, hi time.Time
	}{
		{"current day", model.DateFilter{Kind: model.DateRelative, Unit: model.UnitDay},
			time.Date(2024, 3, 13, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC)},
		{"previous two months", model.DateFilter{Kind: model.DateRelative, Unit: model.UnitMonth, Value: 2},
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{"rolling week", model.DateFilter{Kind: model.DateRolling, Unit: model.UnitWeek, Value: 1},
			now.AddDate(0, 0, -7), now.Add(time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := resolveDateFilter(&tt.filter, time.UTC, now)
			if err != nil {
				t.Fatalf("resolveDateFilter: %v", err)
			}
			if *r.lo != ms(tt.lo) || *r.hi != ms(tt.hi) {
				t.Errorf("range = [%d, %d), want [%d, %d)", *r.lo, *r.hi, ms(tt.lo), ms(tt.hi))
			}
		})
	}
}

func TestDuplicateFiltersCompiledOnce(t *testing.T) {
	running := model.Filter{Type: model.FilterVariable, Variable: &model.VariableFilter{
		Name: "tier", Type: model.VariableString, Operator: model.OpIn, Values: []string{"gold"}}}
	def := processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionNone)
	def.Filters = []model.Filter{running, running}
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	q, _ := p.Aggregation(nil, nil)
	if n := strings.Count(q.SQL, "IN (?)"); n != 1 {
		t.Errorf("variable condition rendered %d times, want 1", n)
	}
	if len(q.Args) != 2 {
		t.Errorf("args = %v, want key and one value", q.Args)
	}
}

func TestProcessFiltersReachOtherViewsThroughExists(t *testing.T) {
	def := processReport(model.ViewFlowNode, model.DimensionFlowNodes, model.DimensionNone)
	def.Filters = []model.Filter{{Type: model.FilterCompletedInstancesOnly}, {Type: model.FilterWithOpenIncident}}
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	q, err := p.Aggregation(nil, nil)
	if err != nil {
		t.Fatalf("Aggregation: %v", err)
	}
	for _, want := range []string{
		"FROM ps_flow_node_instance_v1 v",
		"EXISTS (SELECT 1 FROM ps_process_instance_v1 p WHERE",
		"p.end_date IS NOT NULL",
		"FROM ps_incident_v1 i WHERE i.data_source = p.data_source",
	} {
		if !strings.Contains(q.SQL, want) {
			t.Errorf("aggregation SQL lacks %q:\n%s", want, q.SQL)
		}
	}

	filtered, all := p.InstanceCounts()
	if !strings.Contains(filtered.SQL, "v.end_date IS NOT NULL") || strings.Contains(all.SQL, "end_date") {
		t.Errorf("count queries = %q / %q", filtered.SQL, all.SQL)
	}
}

func TestLatestVersionScope(t *testing.T) {
	def := processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionNone)
	def.DefinitionVersions = []string{"1", model.VersionLatest}
	def.TenantIDs = []string{"acme"}
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	_, all := p.InstanceCounts()
	want := "v.process_definition_version IN (?) OR v.process_definition_version = (SELECT MAX(l.process_definition_version)"
	if !strings.Contains(all.SQL, want) || !strings.Contains(all.SQL, "v.tenant_id IN (?)") {
		t.Errorf("scope SQL = %s", all.SQL)
	}
	if len(all.Args) != 4 {
		t.Errorf("args = %v, want key, version, key, tenant", all.Args)
	}
}

func TestMeasuresPerDurationTimeAndAggregation(t *testing.T) {
	def := processReport(model.ViewUserTask, model.DimensionAssignee, model.DimensionNone)
	def.View.Properties = []model.ViewProperty{model.PropertyFrequency, model.PropertyDuration}
	def.Configuration.UserTaskDurationTimes = []model.UserTaskDurationTime{model.DurationIdle, model.DurationWork}
	def.Configuration.Aggregations = []model.Aggregation{
		{Type: model.AggregationMax},
		{Type: model.AggregationPercentile, Value: 50},
	}
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if len(p.Measures) != 5 {
		t.Fatalf("measures = %d, want 5", len(p.Measures))
	}
	if p.Measures[0].Column != -1 || p.Measures[4].Column != 3 || p.Measures[4].DurationTime != model.DurationWork {
		t.Errorf("measures = %+v", p.Measures)
	}
	q, _ := p.Aggregation(nil, nil)
	if !strings.Contains(q.SQL, "CAST(v.idle_duration AS DOUBLE) AS d_idle") {
		t.Errorf("aggregation SQL = %s", q.SQL)
	}
}

func TestRawDataQueryPaginates(t *testing.T) {
	def := processReport(model.ViewProcessInstance, model.DimensionNone, model.DimensionNone)
	def.View.Properties = []model.ViewProperty{model.PropertyRawData}
	def.Configuration.Pagination = model.Pagination{Limit: 5, Offset: 10}
	p, err := newCompiler().Compile(def)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if p.Type != model.ResultRaw {
		t.Fatalf("Type = %s, want raw", p.Type)
	}
	q, cols := p.RawData()
	if cols[0].Name != "id" || !strings.HasSuffix(q.SQL, "LIMIT ? OFFSET ?") {
		t.Errorf("raw data query = %s", q.SQL)
	}
	if n := len(q.Args); q.Args[n-2] != 5 || q.Args[n-1] != 10 {
		t.Errorf("pagination args = %v", q.Args[n-2:])
	}
}
