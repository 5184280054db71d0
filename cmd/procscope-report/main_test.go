package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinytelemetry/procscope/internal/model"
)

type fakeEvaluator struct {
	calls int
}

func (f *fakeEvaluator) Evaluate(_ context.Context, def model.Definition) (model.Result, error) {
	f.calls++
	if def.DefinitionKey == "" {
		return model.Result{}, fmt.Errorf("%w: definition key is required", model.ErrInvalidReport)
	}
	return model.Result{
		Type:                        model.ResultMap,
		InstanceCount:               3,
		InstanceCountWithoutFilters: 5,
		Measures: []model.Measure{{
			Property: model.PropertyFrequency,
			Map: []model.MapEntry{
				{Key: "approve", Label: "Approve invoice", Value: 2},
				{Key: "missing", Label: "missing", Value: 1},
			},
		}},
	}, nil
}

func (f *fakeEvaluator) EvaluateCombined(_ context.Context, defs []model.Definition) (model.CombinedResult, error) {
	return model.CombinedResult{
		ReportIDs: []string{"a", "b"},
		Rows: []model.CombinedRow{
			{Key: "2024-01-01", Label: "2024-01-01", Values: map[string]int64{"a": 4, "b": 1}},
			{Key: "2024-01-02", Label: "2024-01-02", Values: map[string]int64{"a": 2}},
		},
	}, nil
}

func writeDefinitions(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reports.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write definitions: %v", err)
	}
	return path
}

func TestReadDefinitions(t *testing.T) {
	single := writeDefinitions(t, `
id: by-activity
definitionKey: invoice
view: {entity: flowNode, properties: [frequency]}
groupBy: {type: flowNodes}
`)
	list := writeDefinitions(t, `
- id: a
  definitionKey: invoice
- id: b
  definitionKey: order
  groupBy: {type: startDate, unit: day}
`)

	defs, err := readDefinitions([]string{single, list})
	if err != nil {
		t.Fatalf("readDefinitions: %v", err)
	}
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want 3", len(defs))
	}
	if defs[0].View.Entity != model.ViewFlowNode || defs[0].GroupBy.Type != model.DimensionFlowNodes {
		t.Errorf("defs[0] = %+v", defs[0])
	}
	if defs[2].GroupBy.Unit != model.UnitDay {
		t.Errorf("defs[2].GroupBy = %+v", defs[2].GroupBy)
	}
}

func TestReadDefinitions_MissingFile(t *testing.T) {
	if _, err := readDefinitions([]string{filepath.Join(t.TempDir(), "nope.yml")}); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEvaluate_Table(t *testing.T) {
	var out bytes.Buffer
	ev := &fakeEvaluator{}
	defs := []model.Definition{{Name: "Activities", DefinitionKey: "invoice"}}

	if err := evaluate(context.Background(), ev, defs, false, outputTable, &out); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	got := out.String()
	for _, want := range []string{"Activities", "3 of 5 instances", "Approve invoice (approve)", "missing"} {
		if !strings.Contains(got, want) {
			t.Errorf("output lacks %q:\n%s", want, got)
		}
	}
}

func TestEvaluate_JSON(t *testing.T) {
	var out bytes.Buffer
	defs := []model.Definition{{DefinitionKey: "invoice"}}

	if err := evaluate(context.Background(), &fakeEvaluator{}, defs, false, outputJSON, &out); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var res model.Result
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if res.InstanceCount != 3 || len(res.Measures[0].Map) != 2 {
		t.Errorf("result = %+v", res)
	}
}

func TestEvaluate_StopsAtFirstError(t *testing.T) {
	var out bytes.Buffer
	ev := &fakeEvaluator{}
	defs := []model.Definition{{ID: "bad"}, {DefinitionKey: "invoice"}}

	err := evaluate(context.Background(), ev, defs, false, outputTable, &out)
	if !errors.Is(err, model.ErrInvalidReport) {
		t.Fatalf("error = %v, want ErrInvalidReport", err)
	}
	if !strings.Contains(err.Error(), "bad") {
		t.Errorf("error %q does not name the report", err)
	}
	if ev.calls != 1 {
		t.Errorf("calls = %d, want 1", ev.calls)
	}
}

func TestEvaluate_Combined(t *testing.T) {
	var out bytes.Buffer

	if err := evaluate(context.Background(), &fakeEvaluator{}, nil, true, outputTable, &out); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4:\n%s", len(lines), out.String())
	}
	if !strings.HasSuffix(strings.TrimSpace(lines[3]), "-") {
		t.Errorf("absent value not rendered as '-': %q", lines[3])
	}
}

func TestRenderStatus(t *testing.T) {
	var out bytes.Buffer
	renderStatus(&out, []model.MediatorStatus{{
		Key:       model.CursorKey{DataSource: "engine-1", EntityType: model.EntityVariable, Partition: 0},
		State:     model.StateErrorBackoff,
		Position:  99,
		Failures:  2,
		LastError: "source unavailable",
	}})
	got := out.String()
	for _, want := range []string{"engine-1", "ERROR_BACKOFF", "99", "source unavailable"} {
		if !strings.Contains(got, want) {
			t.Errorf("status output lacks %q:\n%s", want, got)
		}
	}

	out.Reset()
	renderStatus(&out, nil)
	if !strings.Contains(out.String(), "no import loops") {
		t.Errorf("empty status = %q", out.String())
	}
}

func TestMeasureLabel(t *testing.T) {
	tests := []struct {
		m    model.Measure
		want string
	}{
		{model.Measure{Property: model.PropertyFrequency}, "frequency"},
		{model.Measure{Property: model.PropertyDuration, Aggregation: &model.Aggregation{Type: model.AggregationAvg}}, "duration avg"},
		{model.Measure{
			Property:             model.PropertyDuration,
			Aggregation:          &model.Aggregation{Type: model.AggregationPercentile, Value: 99.5},
			UserTaskDurationTime: model.DurationIdle,
		}, "duration p99.5 idle"},
	}
	for _, tt := range tests {
		if got := measureLabel(tt.m); got != tt.want {
			t.Errorf("measureLabel = %q, want %q", got, tt.want)
		}
	}
}
