package search

import (
	"fmt"
	"time"

	"github.com/valyala/fastjson"

	"github.com/tinytelemetry/procscope/internal/model"
)

// millis stores a date as epoch milliseconds, or NULL when unset.
func millis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// span is the duration between two dates in milliseconds, or NULL when
// either is unset.
func span(start, end time.Time) any {
	if start.IsZero() || end.IsZero() {
		return nil
	}
	return end.Sub(start).Milliseconds()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// rowValues maps a document to the write columns of its index, in order.
func rowValues(doc model.Document) ([]any, error) {
	switch d := doc.(type) {
	case *model.ProcessInstance:
		return []any{d.ID, d.DataSource, d.ProcessInstanceID, d.ProcessDefinitionKey, d.ProcessDefinitionVersion,
			d.TenantID, nullable(d.BusinessKey), d.State, millis(d.StartDate), millis(d.EndDate),
			span(d.StartDate, d.EndDate)}, nil
	case *model.FlowNodeInstance:
		return []any{d.ID, d.DataSource, d.ProcessInstanceID, d.ProcessDefinitionKey, d.ProcessDefinitionVersion,
			d.TenantID, d.FlowNodeInstanceID, d.FlowNodeID, nullable(d.FlowNodeType), millis(d.StartDate),
			millis(d.EndDate), span(d.StartDate, d.EndDate), d.Canceled}, nil
	case *model.UserTask:
		return []any{d.ID, d.DataSource, d.ProcessInstanceID, d.ProcessDefinitionKey, d.ProcessDefinitionVersion,
			d.TenantID, d.UserTaskInstanceID, d.UserTaskID, nullable(d.Assignee), nullable(d.CandidateGroup),
			millis(d.StartDate), millis(d.EndDate), span(d.StartDate, d.EndDate), d.Canceled,
			millis(d.ClaimDate), span(d.StartDate, d.ClaimDate), span(d.ClaimDate, d.EndDate)}, nil
	case *model.Incident:
		return []any{d.ID, d.DataSource, d.ProcessInstanceID, d.ProcessDefinitionKey, d.ProcessDefinitionVersion,
			d.TenantID, d.IncidentID, nullable(d.FlowNodeID), nullable(d.IncidentType), nullable(d.Message),
			d.Status, millis(d.CreateDate), millis(d.EndDate), span(d.CreateDate, d.EndDate)}, nil
	case *model.DecisionInstance:
		return []any{d.ID, d.DataSource, d.DecisionInstanceID, d.DecisionDefinitionKey, d.DecisionDefinitionVersion,
			d.TenantID, nullable(d.ProcessInstanceID), nullable(d.ProcessDefinitionKey), millis(d.EvaluationDate),
			d.MatchedRules, nullable(d.Inputs), nullable(d.Outputs)}, nil
	default:
		return nil, fmt.Errorf("no row mapping for %T", doc)
	}
}

// variablePatch renders a variable update as a JSON merge patch for the
// owning process instance. Dates are stored as epoch milliseconds.
func variablePatch(v *model.VariableUpdate) (string, error) {
	var a fastjson.Arena
	var val *fastjson.Value
	switch x := v.Value.(type) {
	case nil:
		val = a.NewNull()
	case string:
		val = a.NewString(x)
	case bool:
		if x {
			val = a.NewTrue()
		} else {
			val = a.NewFalse()
		}
	case float64:
		val = a.NewNumberFloat64(x)
	case int64:
		val = a.NewNumberInt(int(x))
	case int:
		val = a.NewNumberInt(x)
	case time.Time:
		val = a.NewNumberInt(int(x.UnixMilli()))
	default:
		return "", fmt.Errorf("unsupported value %T for variable %q", v.Value, v.Name)
	}
	obj := a.NewObject()
	obj.Set(v.Name, val)
	return string(obj.MarshalTo(nil)), nil
}
