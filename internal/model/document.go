package model

import "time"

// Document is a canonical, backend-agnostic entity ready to be written.
// DocumentID is deterministic for a given data source, entity type and
// source key, so re-imports overwrite instead of duplicating.
type Document interface {
	DocumentID() string
	EntityType() EntityType
}

// Process instance states.
const (
	StateActive               = "ACTIVE"
	StateCompleted            = "COMPLETED"
	StateCanceled             = "CANCELED"
	StateSuspended            = "SUSPENDED"
	StateInternallyTerminated = "INTERNALLY_TERMINATED"
)

// Incident statuses.
const (
	IncidentOpen     = "OPEN"
	IncidentResolved = "RESOLVED"
	IncidentDeleted  = "DELETED"
)

// ProcessInstance is one execution of a process definition. Variables are
// never written through this document; they arrive as VariableUpdate patches.
type ProcessInstance struct {
	ID                       string    `json:"id"`
	DataSource               string    `json:"dataSource"`
	ProcessInstanceID        string    `json:"processInstanceId"`
	ProcessDefinitionKey     string    `json:"processDefinitionKey"`
	ProcessDefinitionVersion int64     `json:"processDefinitionVersion"`
	TenantID                 string    `json:"tenantId,omitempty"`
	BusinessKey              string    `json:"businessKey,omitempty"`
	State                    string    `json:"state"`
	StartDate                time.Time `json:"startDate"`
	EndDate                  time.Time `json:"endDate,omitempty"`
	// Backfill marks an owner looked up for a variable update. It is only
	// inserted when the instance is not stored yet and never overwrites one.
	Backfill bool `json:"-"`
}

func (p *ProcessInstance) DocumentID() string     { return p.ID }
func (p *ProcessInstance) EntityType() EntityType { return EntityProcessInstance }

// FlowNodeInstance is one activation of a BPMN flow node.
type FlowNodeInstance struct {
	ID                       string    `json:"id"`
	DataSource               string    `json:"dataSource"`
	FlowNodeInstanceID       string    `json:"flowNodeInstanceId"`
	ProcessInstanceID        string    `json:"processInstanceId"`
	ProcessDefinitionKey     string    `json:"processDefinitionKey"`
	ProcessDefinitionVersion int64     `json:"processDefinitionVersion"`
	TenantID                 string    `json:"tenantId,omitempty"`
	FlowNodeID               string    `json:"flowNodeId"`
	FlowNodeType             string    `json:"flowNodeType"`
	StartDate                time.Time `json:"startDate"`
	EndDate                  time.Time `json:"endDate,omitempty"`
	Canceled                 bool      `json:"canceled"`
}

func (f *FlowNodeInstance) DocumentID() string     { return f.ID }
func (f *FlowNodeInstance) EntityType() EntityType { return EntityFlowNodeInstance }

// UserTask is a human task instance. Idle time runs from start to claim,
// work time from claim to end.
type UserTask struct {
	ID                       string    `json:"id"`
	DataSource               string    `json:"dataSource"`
	UserTaskInstanceID       string    `json:"userTaskInstanceId"`
	ProcessInstanceID        string    `json:"processInstanceId"`
	ProcessDefinitionKey     string    `json:"processDefinitionKey"`
	ProcessDefinitionVersion int64     `json:"processDefinitionVersion"`
	TenantID                 string    `json:"tenantId,omitempty"`
	UserTaskID               string    `json:"userTaskId"`
	Assignee                 string    `json:"assignee,omitempty"`
	CandidateGroup           string    `json:"candidateGroup,omitempty"`
	StartDate                time.Time `json:"startDate"`
	ClaimDate                time.Time `json:"claimDate,omitempty"`
	EndDate                  time.Time `json:"endDate,omitempty"`
	Canceled                 bool      `json:"canceled"`
}

func (u *UserTask) DocumentID() string     { return u.ID }
func (u *UserTask) EntityType() EntityType { return EntityUserTask }

// Incident is a failure raised while executing a flow node.
type Incident struct {
	ID                       string    `json:"id"`
	DataSource               string    `json:"dataSource"`
	IncidentID               string    `json:"incidentId"`
	ProcessInstanceID        string    `json:"processInstanceId"`
	ProcessDefinitionKey     string    `json:"processDefinitionKey"`
	ProcessDefinitionVersion int64     `json:"processDefinitionVersion"`
	TenantID                 string    `json:"tenantId,omitempty"`
	FlowNodeID               string    `json:"flowNodeId"`
	IncidentType             string    `json:"incidentType"`
	Message                  string    `json:"message,omitempty"`
	Status                   string    `json:"status"`
	CreateDate               time.Time `json:"createDate"`
	EndDate                  time.Time `json:"endDate,omitempty"`
}

func (i *Incident) DocumentID() string     { return i.ID }
func (i *Incident) EntityType() EntityType { return EntityIncident }

// VariableUpdate sets one variable on its owning process instance. OwnerID
// is the document id of that process instance.
type VariableUpdate struct {
	ID                       string       `json:"id"`
	OwnerID                  string       `json:"ownerId"`
	DataSource               string       `json:"dataSource"`
	ProcessInstanceID        string       `json:"processInstanceId"`
	ProcessDefinitionKey     string       `json:"processDefinitionKey"`
	ProcessDefinitionVersion int64        `json:"processDefinitionVersion"`
	TenantID                 string       `json:"tenantId,omitempty"`
	Name                     string       `json:"name"`
	Type                     VariableType `json:"type"`
	// Value holds a string, bool, float64 or time.Time matching Type, or
	// nil to clear the variable.
	Value any `json:"value"`
}

func (v *VariableUpdate) DocumentID() string     { return v.ID }
func (v *VariableUpdate) EntityType() EntityType { return EntityVariable }

// DecisionInstance is one evaluation of a decision definition.
type DecisionInstance struct {
	ID                        string    `json:"id"`
	DataSource                string    `json:"dataSource"`
	DecisionInstanceID        string    `json:"decisionInstanceId"`
	DecisionDefinitionKey     string    `json:"decisionDefinitionKey"`
	DecisionDefinitionVersion int64     `json:"decisionDefinitionVersion"`
	TenantID                  string    `json:"tenantId,omitempty"`
	ProcessInstanceID         string    `json:"processInstanceId,omitempty"`
	ProcessDefinitionKey      string    `json:"processDefinitionKey,omitempty"`
	EvaluationDate            time.Time `json:"evaluationDate"`
	MatchedRules              int64     `json:"matchedRules"`
	// Inputs and Outputs are JSON objects keyed by clause id.
	Inputs  string `json:"inputs,omitempty"`
	Outputs string `json:"outputs,omitempty"`
}

func (d *DecisionInstance) DocumentID() string     { return d.ID }
func (d *DecisionInstance) EntityType() EntityType { return EntityDecisionInstance }

// WriteResult lists the document ids of a batch by outcome.
type WriteResult struct {
	Succeeded []string
	Failed    []string
}
