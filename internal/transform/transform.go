// Package transform turns raw history records into canonical documents.
package transform

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/valyala/fastjson"
)

// Transformer converts raw records of one data source. A Transformer is not
// safe for concurrent use; each mediator owns one.
type Transformer struct {
	ds     model.DataSource
	parser fastjson.Parser
}

func New(ds model.DataSource) *Transformer {
	return &Transformer{ds: ds}
}

// Transform converts one record. Malformed payloads fail with a
// *model.TransformError.
func (t *Transformer) Transform(rec model.RawRecord) (model.Document, error) {
	v, err := t.parser.ParseBytes(rec.Payload)
	if err != nil {
		return nil, fail(rec, err)
	}
	if v.Type() != fastjson.TypeObject {
		return nil, fail(rec, errors.New("payload is not an object"))
	}
	p := payload{v: v, key: rec.Key}

	var doc model.Document
	switch rec.EntityType {
	case model.EntityProcessInstance:
		doc, err = t.processInstance(p)
	case model.EntityFlowNodeInstance:
		doc, err = t.flowNodeInstance(p)
	case model.EntityUserTask:
		doc, err = t.userTask(p)
	case model.EntityIncident:
		doc, err = t.incident(p)
	case model.EntityVariable:
		doc, err = t.variable(p)
	case model.EntityDecisionInstance:
		doc, err = t.decisionInstance(p)
	default:
		err = fmt.Errorf("unknown entity type %q", rec.EntityType)
	}
	if err != nil {
		return nil, fail(rec, err)
	}
	return doc, nil
}

// TransformAll converts records in order and stops at the first failure,
// returning the documents of the records before it.
func (t *Transformer) TransformAll(recs []model.RawRecord) ([]model.Document, error) {
	docs := make([]model.Document, 0, len(recs))
	for _, rec := range recs {
		doc, err := t.Transform(rec)
		if err != nil {
			return docs, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func fail(rec model.RawRecord, err error) error {
	return &model.TransformError{Entity: rec.EntityType, Position: rec.Position, Err: err}
}

func (t *Transformer) processInstance(p payload) (model.Document, error) {
	id := p.firstString("processInstanceId", "id")
	if id == "" {
		id = p.key
	}
	if id == "" {
		return nil, errors.New("missing process instance id")
	}
	doc := &model.ProcessInstance{
		ID:                       model.DocID(t.ds.ID, model.EntityProcessInstance, id),
		DataSource:               t.ds.ID,
		ProcessInstanceID:        id,
		ProcessDefinitionKey:     p.firstString("processDefinitionKey", "bpmnProcessId"),
		ProcessDefinitionVersion: p.integer("processDefinitionVersion", "version"),
		TenantID:                 p.firstString("tenantId"),
		BusinessKey:              p.firstString("businessKey"),
		State:                    strings.ToUpper(p.firstString("state")),
	}
	if doc.ProcessDefinitionKey == "" {
		return nil, errors.New("missing processDefinitionKey")
	}
	var err error
	if doc.StartDate, err = p.requiredDate("startDate", "startTime"); err != nil {
		return nil, err
	}
	if doc.EndDate, err = p.date("endDate", "endTime"); err != nil {
		return nil, err
	}
	if doc.State == "" {
		doc.State = model.StateActive
		if !doc.EndDate.IsZero() {
			doc.State = model.StateCompleted
		}
	}
	switch doc.State {
	case model.StateActive, model.StateCompleted, model.StateCanceled, model.StateSuspended, model.StateInternallyTerminated:
	case "EXTERNALLY_TERMINATED":
		doc.State = model.StateCanceled
	default:
		return nil, fmt.Errorf("unknown process instance state %q", doc.State)
	}
	return doc, nil
}

func (t *Transformer) flowNodeInstance(p payload) (model.Document, error) {
	id := p.firstString("flowNodeInstanceId", "id")
	if id == "" {
		id = p.key
	}
	if id == "" {
		return nil, errors.New("missing flow node instance id")
	}
	doc := &model.FlowNodeInstance{
		ID:                       model.DocID(t.ds.ID, model.EntityFlowNodeInstance, id),
		DataSource:               t.ds.ID,
		FlowNodeInstanceID:       id,
		ProcessInstanceID:        p.firstString("processInstanceId"),
		ProcessDefinitionKey:     p.firstString("processDefinitionKey", "bpmnProcessId"),
		ProcessDefinitionVersion: p.integer("processDefinitionVersion", "version"),
		TenantID:                 p.firstString("tenantId"),
		FlowNodeID:               p.firstString("flowNodeId", "activityId", "elementId"),
		FlowNodeType:             p.firstString("flowNodeType", "activityType", "bpmnElementType"),
		Canceled:                 p.flag("canceled"),
	}
	if err := requireScope(doc.ProcessInstanceID, doc.ProcessDefinitionKey); err != nil {
		return nil, err
	}
	if doc.FlowNodeID == "" {
		return nil, errors.New("missing flowNodeId")
	}
	var err error
	if doc.StartDate, err = p.requiredDate("startDate", "startTime"); err != nil {
		return nil, err
	}
	if doc.EndDate, err = p.date("endDate", "endTime"); err != nil {
		return nil, err
	}
	return doc, nil
}

func (t *Transformer) userTask(p payload) (model.Document, error) {
	id := p.firstString("userTaskInstanceId", "id")
	if id == "" {
		id = p.key
	}
	if id == "" {
		return nil, errors.New("missing user task id")
	}
	doc := &model.UserTask{
		ID:                       model.DocID(t.ds.ID, model.EntityUserTask, id),
		DataSource:               t.ds.ID,
		UserTaskInstanceID:       id,
		ProcessInstanceID:        p.firstString("processInstanceId"),
		ProcessDefinitionKey:     p.firstString("processDefinitionKey", "bpmnProcessId"),
		ProcessDefinitionVersion: p.integer("processDefinitionVersion", "version"),
		TenantID:                 p.firstString("tenantId"),
		UserTaskID:               p.firstString("userTaskId", "taskDefinitionKey", "elementId"),
		Assignee:                 p.firstString("assignee"),
		CandidateGroup:           p.firstString("candidateGroup"),
		Canceled:                 p.flag("canceled"),
	}
	if doc.CandidateGroup == "" {
		doc.CandidateGroup = p.firstArrayString("candidateGroups")
	}
	if err := requireScope(doc.ProcessInstanceID, doc.ProcessDefinitionKey); err != nil {
		return nil, err
	}
	var err error
	if doc.StartDate, err = p.requiredDate("startDate", "startTime"); err != nil {
		return nil, err
	}
	if doc.ClaimDate, err = p.date("claimDate", "claimTime"); err != nil {
		return nil, err
	}
	if doc.EndDate, err = p.date("endDate", "endTime"); err != nil {
		return nil, err
	}
	return doc, nil
}

func (t *Transformer) incident(p payload) (model.Document, error) {
	id := p.firstString("incidentId", "id")
	if id == "" {
		id = p.key
	}
	if id == "" {
		return nil, errors.New("missing incident id")
	}
	doc := &model.Incident{
		ID:                       model.DocID(t.ds.ID, model.EntityIncident, id),
		DataSource:               t.ds.ID,
		IncidentID:               id,
		ProcessInstanceID:        p.firstString("processInstanceId"),
		ProcessDefinitionKey:     p.firstString("processDefinitionKey", "bpmnProcessId"),
		ProcessDefinitionVersion: p.integer("processDefinitionVersion", "version"),
		TenantID:                 p.firstString("tenantId"),
		FlowNodeID:               p.firstString("flowNodeId", "activityId", "elementId"),
		IncidentType:             p.firstString("incidentType", "errorType"),
		Message:                  p.firstString("message", "incidentMessage", "errorMessage"),
		Status:                   strings.ToUpper(p.firstString("status", "state")),
	}
	if err := requireScope(doc.ProcessInstanceID, doc.ProcessDefinitionKey); err != nil {
		return nil, err
	}
	var err error
	if doc.CreateDate, err = p.requiredDate("createDate", "createTime", "creationTime"); err != nil {
		return nil, err
	}
	if doc.EndDate, err = p.date("endDate", "endTime"); err != nil {
		return nil, err
	}
	switch doc.Status {
	case "":
		doc.Status = model.IncidentOpen
		if !doc.EndDate.IsZero() {
			doc.Status = model.IncidentResolved
		}
	case model.IncidentOpen, model.IncidentResolved, model.IncidentDeleted:
	case "ACTIVE", "PENDING":
		doc.Status = model.IncidentOpen
	default:
		return nil, fmt.Errorf("unknown incident status %q", doc.Status)
	}
	return doc, nil
}

func (t *Transformer) variable(p payload) (model.Document, error) {
	id := p.firstString("variableId", "id")
	if id == "" {
		id = p.key
	}
	if id == "" {
		return nil, errors.New("missing variable id")
	}
	doc := &model.VariableUpdate{
		ID:                       model.DocID(t.ds.ID, model.EntityVariable, id),
		DataSource:               t.ds.ID,
		ProcessInstanceID:        p.firstString("processInstanceId"),
		ProcessDefinitionKey:     p.firstString("processDefinitionKey", "bpmnProcessId"),
		ProcessDefinitionVersion: p.integer("processDefinitionVersion", "version"),
		TenantID:                 p.firstString("tenantId"),
		Name:                     p.firstString("name"),
	}
	if doc.ProcessInstanceID == "" {
		return nil, errors.New("missing processInstanceId")
	}
	if doc.Name == "" {
		return nil, errors.New("missing variable name")
	}
	doc.OwnerID = model.DocID(t.ds.ID, model.EntityProcessInstance, doc.ProcessInstanceID)

	typ, err := parseVariableType(p.firstString("type", "valueType"))
	if err != nil {
		return nil, err
	}
	doc.Type = typ
	if doc.Value, err = variableValue(p.v.Get("value"), typ); err != nil {
		return nil, fmt.Errorf("variable %q: %w", doc.Name, err)
	}
	return doc, nil
}

func (t *Transformer) decisionInstance(p payload) (model.Document, error) {
	id := p.firstString("decisionInstanceId", "id")
	if id == "" {
		id = p.key
	}
	if id == "" {
		return nil, errors.New("missing decision instance id")
	}
	doc := &model.DecisionInstance{
		ID:                        model.DocID(t.ds.ID, model.EntityDecisionInstance, id),
		DataSource:                t.ds.ID,
		DecisionInstanceID:        id,
		DecisionDefinitionKey:     p.firstString("decisionDefinitionKey", "decisionId"),
		DecisionDefinitionVersion: p.integer("decisionDefinitionVersion", "decisionVersion", "version"),
		TenantID:                  p.firstString("tenantId"),
		ProcessInstanceID:         p.firstString("processInstanceId"),
		ProcessDefinitionKey:      p.firstString("processDefinitionKey", "bpmnProcessId"),
	}
	if doc.DecisionDefinitionKey == "" {
		return nil, errors.New("missing decisionDefinitionKey")
	}
	var err error
	if doc.EvaluationDate, err = p.requiredDate("evaluationDate", "evaluationTime", "evaluationDateTime"); err != nil {
		return nil, err
	}
	if m := p.v.Get("matchedRules"); m != nil {
		if m.Type() == fastjson.TypeArray {
			arr, _ := m.Array()
			doc.MatchedRules = int64(len(arr))
		} else {
			doc.MatchedRules = m.GetInt64()
		}
	}
	doc.Inputs = clauses(p.v.Get("inputs"), "inputId", "clauseId")
	doc.Outputs = clauses(p.v.Get("outputs"), "outputId", "clauseId")
	return doc, nil
}

func requireScope(processInstanceID, definitionKey string) error {
	if processInstanceID == "" {
		return errors.New("missing processInstanceId")
	}
	if definitionKey == "" {
		return errors.New("missing processDefinitionKey")
	}
	return nil
}

// clauses normalizes decision inputs or outputs to a JSON object keyed by
// clause id. Objects pass through; arrays of {<id>, value} are folded.
func clauses(v *fastjson.Value, idFields ...string) string {
	if v == nil {
		return ""
	}
	switch v.Type() {
	case fastjson.TypeObject:
		return string(v.MarshalTo(nil))
	case fastjson.TypeArray:
		var a fastjson.Arena
		obj := a.NewObject()
		items, _ := v.Array()
		for i, item := range items {
			key := payload{v: item}.firstString(idFields...)
			if key == "" {
				key = strconv.Itoa(i)
			}
			val := item.Get("value")
			if val == nil {
				val = a.NewNull()
			}
			obj.Set(key, val)
		}
		return string(obj.MarshalTo(nil))
	}
	return ""
}

func parseVariableType(s string) (model.VariableType, error) {
	switch strings.ToLower(s) {
	case "string", "":
		return model.VariableString, nil
	case "boolean", "bool":
		return model.VariableBoolean, nil
	case "integer", "int":
		return model.VariableInteger, nil
	case "long":
		return model.VariableLong, nil
	case "short":
		return model.VariableShort, nil
	case "double", "number":
		return model.VariableDouble, nil
	case "date":
		return model.VariableDate, nil
	}
	return "", fmt.Errorf("unsupported variable type %q", s)
}

func variableValue(v *fastjson.Value, typ model.VariableType) (any, error) {
	if v == nil || v.Type() == fastjson.TypeNull {
		return nil, nil
	}
	switch typ {
	case model.VariableString:
		if v.Type() == fastjson.TypeString {
			return string(v.GetStringBytes()), nil
		}
		return v.String(), nil
	case model.VariableBoolean:
		switch v.Type() {
		case fastjson.TypeTrue:
			return true, nil
		case fastjson.TypeFalse:
			return false, nil
		case fastjson.TypeString:
			b, err := strconv.ParseBool(string(v.GetStringBytes()))
			if err != nil {
				return nil, err
			}
			return b, nil
		}
	case model.VariableInteger, model.VariableLong, model.VariableShort, model.VariableDouble:
		switch v.Type() {
		case fastjson.TypeNumber:
			return v.GetFloat64(), nil
		case fastjson.TypeString:
			f, err := strconv.ParseFloat(strings.TrimSpace(string(v.GetStringBytes())), 64)
			if err != nil {
				return nil, err
			}
			return f, nil
		}
	case model.VariableDate:
		ts, err := parseDate(v)
		if err != nil {
			return nil, err
		}
		return ts, nil
	}
	return nil, fmt.Errorf("value %s does not match type %s", v, typ)
}

// payload reads fields of a record object, trying alternate field names in
// order.
type payload struct {
	v   *fastjson.Value
	key string
}

func (p payload) firstString(fields ...string) string {
	for _, f := range fields {
		v := p.v.Get(f)
		if v == nil {
			continue
		}
		switch v.Type() {
		case fastjson.TypeString:
			if s := string(v.GetStringBytes()); s != "" {
				return s
			}
		case fastjson.TypeNumber:
			return v.String()
		}
	}
	return ""
}

func (p payload) firstArrayString(field string) string {
	for _, item := range p.v.GetArray(field) {
		if item.Type() == fastjson.TypeString {
			return string(item.GetStringBytes())
		}
	}
	return ""
}

func (p payload) integer(fields ...string) int64 {
	for _, f := range fields {
		v := p.v.Get(f)
		if v == nil {
			continue
		}
		switch v.Type() {
		case fastjson.TypeNumber:
			return v.GetInt64()
		case fastjson.TypeString:
			if n, err := strconv.ParseInt(string(v.GetStringBytes()), 10, 64); err == nil {
				return n
			}
		}
	}
	return 0
}

func (p payload) flag(field string) bool {
	return p.v.GetBool(field)
}

func (p payload) date(fields ...string) (time.Time, error) {
	for _, f := range fields {
		v := p.v.Get(f)
		if v == nil || v.Type() == fastjson.TypeNull {
			continue
		}
		ts, err := parseDate(v)
		if err != nil {
			return time.Time{}, fmt.Errorf("%s: %w", f, err)
		}
		return ts, nil
	}
	return time.Time{}, nil
}

func (p payload) requiredDate(fields ...string) (time.Time, error) {
	ts, err := p.date(fields...)
	if err != nil {
		return time.Time{}, err
	}
	if ts.IsZero() {
		return time.Time{}, fmt.Errorf("missing %s", fields[0])
	}
	return ts, nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

// parseDate accepts epoch milliseconds or an ISO-8601 timestamp with offset.
func parseDate(v *fastjson.Value) (time.Time, error) {
	switch v.Type() {
	case fastjson.TypeNumber:
		return time.UnixMilli(v.GetInt64()).UTC(), nil
	case fastjson.TypeString:
		s := string(v.GetStringBytes())
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return time.Time{}, fmt.Errorf("invalid date %s", v)
}
