package report_test

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/tinytelemetry/procscope/internal/backend"
	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/report"
	"github.com/tinytelemetry/procscope/internal/search"
)

const ds = "engine"

// seed opens an in-memory store per backend holding docs.
func seed(t *testing.T, docs ...model.Document) map[model.Backend]*report.Evaluator {
	t.Helper()
	out := map[model.Backend]*report.Evaluator{}
	for _, b := range backend.All() {
		store, err := backend.Open(context.Background(), b, search.Options{})
		if err != nil {
			t.Fatalf("Open(%s): %v", b, err)
		}
		t.Cleanup(func() { store.Close() })
		if len(docs) > 0 {
			if _, err := store.Write(context.Background(), docs); err != nil {
				t.Fatalf("Write(%s): %v", b, err)
			}
		}
		out[b] = report.New(store, nil)
	}
	return out
}

// evaluateAll evaluates def on every backend and requires identical results.
func evaluateAll(t *testing.T, evals map[model.Backend]*report.Evaluator, def model.Definition) model.Result {
	t.Helper()
	var first model.Result
	var firstBackend model.Backend
	for _, b := range backend.All() {
		res, err := evals[b].Evaluate(context.Background(), def)
		if err != nil {
			t.Fatalf("Evaluate(%s): %v", b, err)
		}
		if firstBackend == "" {
			first, firstBackend = res, b
			continue
		}
		if !reflect.DeepEqual(first, res) {
			t.Fatalf("backends disagree:\n%s: %+v\n%s: %+v", firstBackend, first, b, res)
		}
	}
	return first
}

func pi(id, key string, start time.Time, duration time.Duration) *model.ProcessInstance {
	p := &model.ProcessInstance{
		ID: model.DocID(ds, model.EntityProcessInstance, id), DataSource: ds, ProcessInstanceID: id,
		ProcessDefinitionKey: key, ProcessDefinitionVersion: 1, State: model.StateActive, StartDate: start,
	}
	if duration > 0 {
		p.State = model.StateCompleted
		p.EndDate = start.Add(duration)
	}
	return p
}

func variable(owner *model.ProcessInstance, name string, typ model.VariableType, value any) *model.VariableUpdate {
	return &model.VariableUpdate{
		ID:      model.DocID(ds, model.EntityVariable, owner.ProcessInstanceID+"/"+name),
		OwnerID: owner.ID, DataSource: ds, ProcessInstanceID: owner.ProcessInstanceID,
		ProcessDefinitionKey: owner.ProcessDefinitionKey, Name: name, Type: typ, Value: value,
	}
}

func at(day, hour int) time.Time { return time.Date(2024, 1, day, hour, 0, 0, 0, time.UTC) }

func frequency(view model.ViewEntity) model.Definition {
	return model.Definition{
		DefinitionKey: "invoice",
		View:          model.View{Entity: view, Properties: []model.ViewProperty{model.PropertyFrequency}},
	}
}

func TestJanuaryDayBucketsAreZeroFilled(t *testing.T) {
	evals := seed(t,
		pi("1", "invoice", at(3, 9), time.Hour),
		pi("2", "invoice", at(3, 17), 0),
		pi("3", "invoice", at(15, 12), time.Minute),
		pi("4", "invoice", time.Date(2024, 2, 2, 8, 0, 0, 0, time.UTC), 0),
		pi("5", "order", at(3, 9), 0),
	)
	def := frequency(model.ViewProcessInstance)
	def.GroupBy = model.Dimension{Type: model.DimensionStartDate, Unit: model.UnitDay}
	def.Filters = []model.Filter{{Type: model.FilterInstanceStartDate,
		Date: &model.DateFilter{Kind: model.DateFixed, Start: "2024-01-01", End: "2024-01-31"}}}

	res := evaluateAll(t, evals, def)
	if res.Type != model.ResultMap || res.InstanceCount != 3 || res.InstanceCountWithoutFilters != 4 {
		t.Fatalf("result = %s, counts %d/%d", res.Type, res.InstanceCount, res.InstanceCountWithoutFilters)
	}
	entries := res.Measures[0].Map
	if len(entries) != 31 {
		t.Fatalf("entries = %d, want 31", len(entries))
	}
	for i, e := range entries {
		want := int64(0)
		switch i {
		case 2:
			want = 2
		case 14:
			want = 1
		}
		if e.Value != want {
			t.Errorf("day %d (%s) = %d, want %d", i+1, e.Key, e.Value, want)
		}
	}
	if entries[0].Key != "2024-01-01T00:00:00.000+0000" {
		t.Errorf("first key = %s", entries[0].Key)
	}
}

func TestDurationAggregations(t *testing.T) {
	evals := seed(t,
		pi("1", "invoice", at(2, 8), time.Second),
		pi("2", "invoice", at(2, 9), 2*time.Second),
		pi("3", "invoice", at(2, 10), 4*time.Second),
		pi("4", "invoice", at(2, 11), 0),
	)
	def := frequency(model.ViewProcessInstance)
	def.View.Properties = []model.ViewProperty{model.PropertyDuration}
	def.Configuration.Aggregations = []model.Aggregation{
		{Type: model.AggregationAvg},
		{Type: model.AggregationMin},
		{Type: model.AggregationMax},
		{Type: model.AggregationSum},
		{Type: model.AggregationPercentile, Value: 50},
		{Type: model.AggregationPercentile, Value: 90},
	}
	res := evaluateAll(t, evals, def)
	want := []int64{2333, 1000, 4000, 7000, 2000, 3600}
	if len(res.Measures) != len(want) {
		t.Fatalf("measures = %d, want %d", len(res.Measures), len(want))
	}
	for i, m := range res.Measures {
		if m.Value == nil || *m.Value != want[i] {
			t.Errorf("%s = %v, want %d", m.Aggregation.Type, m.Value, want[i])
		}
	}
}

func TestEmptyBucketAggregatesAreZero(t *testing.T) {
	evals := seed(t,
		pi("1", "invoice", at(1, 8), 3*time.Second),
		pi("2", "invoice", at(3, 8), time.Second),
	)
	def := frequency(model.ViewProcessInstance)
	def.View.Properties = []model.ViewProperty{model.PropertyDuration}
	def.Configuration.Aggregations = []model.Aggregation{{Type: model.AggregationAvg}, {Type: model.AggregationPercentile, Value: 50}}
	def.GroupBy = model.Dimension{Type: model.DimensionStartDate, Unit: model.UnitDay}

	res := evaluateAll(t, evals, def)
	for _, m := range res.Measures {
		got := []int64{}
		for _, e := range m.Map {
			got = append(got, e.Value)
		}
		if !reflect.DeepEqual(got, []int64{3000, 0, 1000}) {
			t.Errorf("%s by day = %v, want [3000 0 1000]", m.Aggregation.Type, got)
		}
	}
}

func TestHistogramRanges(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		evals := seed(t, pi("1", "invoice", at(1, 8), 0))
		def := frequency(model.ViewProcessInstance)
		def.GroupBy = model.Dimension{Type: model.DimensionDuration}
		res := evaluateAll(t, evals, def)
		if len(res.Measures[0].Map) != 0 || res.InstanceCount != 1 {
			t.Errorf("result = %+v, want no buckets", res)
		}
	})
	t.Run("single value", func(t *testing.T) {
		evals := seed(t,
			pi("1", "invoice", at(1, 8), 5*time.Second),
			pi("2", "invoice", at(2, 8), 5*time.Second),
		)
		def := frequency(model.ViewProcessInstance)
		def.GroupBy = model.Dimension{Type: model.DimensionDuration}
		res := evaluateAll(t, evals, def)
		want := []model.MapEntry{{Key: "5000", Label: "5000", Value: 2}}
		if !reflect.DeepEqual(res.Measures[0].Map, want) {
			t.Errorf("map = %+v, want %+v", res.Measures[0].Map, want)
		}
	})
	t.Run("custom buckets", func(t *testing.T) {
		evals := seed(t,
			pi("1", "invoice", at(1, 8), 1200*time.Millisecond),
			pi("2", "invoice", at(2, 8), 3500*time.Millisecond),
			pi("3", "invoice", at(3, 8), 3999*time.Millisecond),
		)
		def := frequency(model.ViewProcessInstance)
		def.GroupBy = model.Dimension{Type: model.DimensionDuration}
		def.Configuration.CustomBucket = model.CustomBucket{Active: true, BaseLine: 1000, BucketSize: 1000}
		res := evaluateAll(t, evals, def)
		got := map[string]int64{}
		for _, e := range res.Measures[0].Map {
			got[e.Key] = e.Value
		}
		if want := map[string]int64{"1000": 1, "2000": 0, "3000": 2}; !reflect.DeepEqual(got, want) {
			t.Errorf("buckets = %v, want %v", got, want)
		}
	})
}

func TestUserTasksDistributedByAssignee(t *testing.T) {
	p := pi("1", "invoice", at(1, 8), 0)
	task := func(id, taskID, assignee string) *model.UserTask {
		return &model.UserTask{
			ID: model.DocID(ds, model.EntityUserTask, id), DataSource: ds, UserTaskInstanceID: id,
			ProcessInstanceID: "1", ProcessDefinitionKey: "invoice", ProcessDefinitionVersion: 1,
			UserTaskID: taskID, Assignee: assignee, StartDate: at(1, 9),
		}
	}
	evals := seed(t, p,
		task("t1", "approve", "alice"),
		task("t2", "approve", "bob"),
		task("t3", "review", "alice"),
		task("t4", "review", ""),
	)
	def := frequency(model.ViewUserTask)
	def.GroupBy = model.Dimension{Type: model.DimensionUserTasks}
	def.DistributedBy = model.Dimension{Type: model.DimensionAssignee}

	res := evaluateAll(t, evals, def)
	want := []model.HyperMapEntry{
		{Key: "approve", Label: "approve", Value: []model.MapEntry{
			{Key: "alice", Label: "alice", Value: 1}, {Key: "bob", Label: "bob", Value: 1}, {Key: "missing", Label: "missing", Value: 0}}},
		{Key: "review", Label: "review", Value: []model.MapEntry{
			{Key: "alice", Label: "alice", Value: 1}, {Key: "bob", Label: "bob", Value: 0}, {Key: "missing", Label: "missing", Value: 1}}},
	}
	if res.Type != model.ResultHyperMap || !reflect.DeepEqual(res.Measures[0].HyperMap, want) {
		t.Errorf("hyper map = %+v", res.Measures[0].HyperMap)
	}
}

func TestVariableFilterAndSorting(t *testing.T) {
	p1 := pi("1", "invoice", at(1, 8), 0)
	p2 := pi("2", "invoice", at(1, 9), 0)
	p3 := pi("3", "invoice", at(1, 10), 0)
	p4 := pi("4", "invoice", at(1, 11), 0)
	evals := seed(t, p1, p2, p3, p4,
		variable(p1, "amount", model.VariableDouble, 250.0),
		variable(p1, "tier", model.VariableString, "gold"),
		variable(p2, "amount", model.VariableDouble, 500.0),
		variable(p2, "tier", model.VariableString, "silver"),
		variable(p3, "amount", model.VariableDouble, 900.0),
		variable(p3, "tier", model.VariableString, "silver"),
		variable(p4, "amount", model.VariableDouble, 50.0),
	)
	def := frequency(model.ViewProcessInstance)
	def.GroupBy = model.Dimension{Type: model.DimensionVariable, Variable: &model.VariableRef{Name: "tier", Type: model.VariableString}}
	def.Filters = []model.Filter{{Type: model.FilterVariable, Variable: &model.VariableFilter{
		Name: "amount", Type: model.VariableDouble, Operator: model.OpGreater, Values: []string{"100"}}}}
	def.Configuration.Sorting = &model.Sorting{By: model.SortByValue, Order: model.SortDesc}

	res := evaluateAll(t, evals, def)
	want := []model.MapEntry{{Key: "silver", Label: "silver", Value: 2}, {Key: "gold", Label: "gold", Value: 1}}
	if !reflect.DeepEqual(res.Measures[0].Map, want) {
		t.Errorf("map = %+v, want %+v", res.Measures[0].Map, want)
	}
	if res.InstanceCount != 3 || res.InstanceCountWithoutFilters != 4 {
		t.Errorf("counts = %d/%d, want 3/4", res.InstanceCount, res.InstanceCountWithoutFilters)
	}

	notIn := frequency(model.ViewProcessInstance)
	notIn.Filters = []model.Filter{{Type: model.FilterVariable, Variable: &model.VariableFilter{
		Name: "tier", Type: model.VariableString, Operator: model.OpNotIn, Values: []string{"silver"}}}}
	if res := evaluateAll(t, evals, notIn); *res.Measures[0].Value != 2 {
		t.Errorf("not in silver = %d, want 2 including the instance without tier", *res.Measures[0].Value)
	}
}

func TestProcessFiltersOnFlowNodeView(t *testing.T) {
	done := pi("1", "invoice", at(1, 8), time.Hour)
	running := pi("2", "invoice", at(1, 9), 0)
	node := func(id, piID, nodeID string) *model.FlowNodeInstance {
		return &model.FlowNodeInstance{
			ID: model.DocID(ds, model.EntityFlowNodeInstance, id), DataSource: ds, FlowNodeInstanceID: id,
			ProcessInstanceID: piID, ProcessDefinitionKey: "invoice", ProcessDefinitionVersion: 1,
			FlowNodeID: nodeID, FlowNodeType: "serviceTask", StartDate: at(1, 10),
		}
	}
	evals := seed(t, done, running,
		node("n1", "1", "start"), node("n2", "1", "charge"),
		node("n3", "2", "start"),
	)
	def := frequency(model.ViewFlowNode)
	def.GroupBy = model.Dimension{Type: model.DimensionFlowNodes}
	def.Filters = []model.Filter{{Type: model.FilterCompletedInstancesOnly}}

	res := evaluateAll(t, evals, def)
	want := []model.MapEntry{{Key: "charge", Label: "charge", Value: 1}, {Key: "start", Label: "start", Value: 1}}
	if !reflect.DeepEqual(res.Measures[0].Map, want) {
		t.Errorf("map = %+v, want %+v", res.Measures[0].Map, want)
	}
	if res.InstanceCount != 1 || res.InstanceCountWithoutFilters != 2 {
		t.Errorf("counts = %d/%d, want 1/2", res.InstanceCount, res.InstanceCountWithoutFilters)
	}
}

func TestRawDataPage(t *testing.T) {
	p1 := pi("1", "invoice", at(1, 8), 0)
	p2 := pi("2", "invoice", at(2, 8), time.Hour)
	p3 := pi("3", "invoice", at(3, 8), 0)
	evals := seed(t, p1, p2, p3, variable(p2, "tier", model.VariableString, "gold"))
	def := frequency(model.ViewProcessInstance)
	def.View.Properties = []model.ViewProperty{model.PropertyRawData}
	def.Configuration.Pagination = model.Pagination{Limit: 2, Offset: 1}

	res := evaluateAll(t, evals, def)
	raw := res.Measures[0].Raw
	if res.Type != model.ResultRaw || len(raw) != 2 {
		t.Fatalf("raw = %+v", raw)
	}
	if raw[0]["processInstanceId"] != "2" || raw[1]["processInstanceId"] != "1" {
		t.Errorf("page = %v, %v", raw[0]["processInstanceId"], raw[1]["processInstanceId"])
	}
	if vars, ok := raw[0]["variables"].(map[string]any); !ok || vars["tier"] != "gold" {
		t.Errorf("variables = %#v", raw[0]["variables"])
	}
	if raw[0]["duration"] != int64(time.Hour.Milliseconds()) || raw[1]["endDate"] != nil {
		t.Errorf("row values = %v / %v", raw[0]["duration"], raw[1]["endDate"])
	}
}

func TestCombinedReportOverlaysByKey(t *testing.T) {
	node := func(id, key, nodeID string) *model.FlowNodeInstance {
		return &model.FlowNodeInstance{
			ID: model.DocID(ds, model.EntityFlowNodeInstance, id), DataSource: ds, FlowNodeInstanceID: id,
			ProcessInstanceID: id, ProcessDefinitionKey: key, ProcessDefinitionVersion: 1,
			FlowNodeID: nodeID, StartDate: at(1, 10),
		}
	}
	evals := seed(t,
		node("a1", "invoice", "start"), node("a2", "invoice", "approve"),
		node("b1", "order", "start"), node("b2", "order", "ship"), node("b3", "order", "ship"),
	)
	invoice := frequency(model.ViewFlowNode)
	invoice.ID = "invoice"
	invoice.GroupBy = model.Dimension{Type: model.DimensionFlowNodes}
	order := invoice
	order.ID, order.DefinitionKey = "order", "order"

	var first model.CombinedResult
	for i, b := range backend.All() {
		res, err := evals[b].EvaluateCombined(context.Background(), []model.Definition{invoice, order})
		if err != nil {
			t.Fatalf("EvaluateCombined(%s): %v", b, err)
		}
		if i == 0 {
			first = res
			continue
		}
		if !reflect.DeepEqual(first, res) {
			t.Fatalf("backends disagree: %+v vs %+v", first, res)
		}
	}
	want := []model.CombinedRow{
		{Key: "approve", Label: "approve", Values: map[string]int64{"invoice": 1}},
		{Key: "start", Label: "start", Values: map[string]int64{"invoice": 1, "order": 1}},
		{Key: "ship", Label: "ship", Values: map[string]int64{"order": 2}},
	}
	if !reflect.DeepEqual(first.Rows, want) {
		t.Errorf("rows = %+v, want %+v", first.Rows, want)
	}
	if len(first.Results) != 2 || !reflect.DeepEqual(first.ReportIDs, []string{"invoice", "order"}) {
		t.Errorf("combined = %+v", first)
	}
}

func TestCombinedReportSharesHistogramRange(t *testing.T) {
	evals := seed(t,
		pi("1", "invoice", at(1, 8), 0),
		pi("2", "order", at(4, 8), 0),
	)
	invoice := frequency(model.ViewProcessInstance)
	invoice.ID = "invoice"
	invoice.GroupBy = model.Dimension{Type: model.DimensionStartDate, Unit: model.UnitDay}
	order := invoice
	order.ID, order.DefinitionKey = "order", "order"

	res, err := evals[model.BackendSQLite].EvaluateCombined(context.Background(), []model.Definition{invoice, order})
	if err != nil {
		t.Fatalf("EvaluateCombined: %v", err)
	}
	if len(res.Rows) != 4 {
		t.Fatalf("rows = %d, want 4 days", len(res.Rows))
	}
	if res.Rows[0].Values["invoice"] != 1 || res.Rows[0].Values["order"] != 0 || res.Rows[3].Values["order"] != 1 {
		t.Errorf("rows = %+v", res.Rows)
	}
}

func TestCombinedReportRejectsMismatches(t *testing.T) {
	evals := seed(t)
	dimension := func(d model.Dimension) model.Definition {
		def := frequency(model.ViewProcessInstance)
		def.GroupBy = d
		return def
	}
	variable := func(name string) model.Dimension {
		return model.Dimension{Type: model.DimensionVariable, Variable: &model.VariableRef{Name: name, Type: model.VariableString}}
	}
	tests := []struct {
		name string
		a, b model.Dimension
	}{
		{"type", model.Dimension{Type: model.DimensionStartDate}, model.Dimension{Type: model.DimensionDuration}},
		{"unit", model.Dimension{Type: model.DimensionStartDate, Unit: model.UnitDay}, model.Dimension{Type: model.DimensionStartDate, Unit: model.UnitMonth}},
		{"variable", variable("tier"), variable("region")},
	}
	for _, tt := range tests {
		defs := []model.Definition{dimension(tt.a), dimension(tt.b)}
		_, err := evals[model.BackendDuckDB].EvaluateCombined(context.Background(), defs)
		if !errors.Is(err, model.ErrUnsupportedFilterCombination) {
			t.Errorf("%s: EvaluateCombined error = %v, want ErrUnsupportedFilterCombination", tt.name, err)
		}
	}
}

func TestBackendFailureIsReported(t *testing.T) {
	store, err := backend.Open(context.Background(), model.BackendSQLite, search.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	store.Close()
	_, err = report.New(store, nil).Evaluate(context.Background(), frequency(model.ViewProcessInstance))
	if !errors.Is(err, model.ErrBackendUnreachable) {
		t.Errorf("Evaluate error = %v, want ErrBackendUnreachable", err)
	}
}

type countingRecorder struct {
	metrics.Nop
	mu     sync.Mutex
	counts map[string]float64
}

func (r *countingRecorder) IncCounter(name string, v float64, l metrics.Labels) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[fmt.Sprintf("%s/%s/%s", name, l["report_type"], l["status"])] += v
}

func TestEvaluationsAreCounted(t *testing.T) {
	store, err := backend.Open(context.Background(), model.BackendSQLite, search.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()
	rec := &countingRecorder{counts: map[string]float64{}}
	e := report.New(store, rec)
	if _, err := e.Evaluate(context.Background(), frequency(model.ViewProcessInstance)); err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	bad := frequency(model.ViewProcessInstance)
	bad.DefinitionKey = ""
	if _, err := e.Evaluate(context.Background(), bad); err == nil {
		t.Fatal("Evaluate without key succeeded")
	}
	if rec.counts[metrics.ReportEvaluations+"/process/success"] != 1 || rec.counts[metrics.ReportEvaluations+"/process/failure"] != 1 {
		t.Errorf("counts = %v", rec.counts)
	}
}
