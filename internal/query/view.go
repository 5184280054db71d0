package query

import (
	"slices"

	"github.com/tinytelemetry/procscope/internal/model"
)

// view describes how a report view entity maps onto its index.
type view struct {
	entity model.EntityType
	// processLevel is set for the process instance view, where process
	// filters apply to the view rows directly.
	processLevel  bool
	keyColumn     string
	versionColumn string
	dates         map[model.DimensionType]string
	durations     map[model.UserTaskDurationTime]string
	terms         map[model.DimensionType]string
	groupBy       []model.DimensionType
	distributeBy  []model.DimensionType
	// order is the raw data sort column.
	order string
}

var views = map[model.ViewEntity]view{
	model.ViewProcessInstance: {
		entity:        model.EntityProcessInstance,
		processLevel:  true,
		keyColumn:     "process_definition_key",
		versionColumn: "process_definition_version",
		dates: map[model.DimensionType]string{
			model.DimensionStartDate: "start_date",
			model.DimensionEndDate:   "end_date",
		},
		durations: map[model.UserTaskDurationTime]string{model.DurationTotal: "duration"},
		groupBy: []model.DimensionType{model.DimensionNone, model.DimensionStartDate, model.DimensionEndDate,
			model.DimensionDuration, model.DimensionVariable},
		distributeBy: []model.DimensionType{model.DimensionNone, model.DimensionStartDate, model.DimensionEndDate,
			model.DimensionVariable},
		order: "start_date",
	},
	model.ViewFlowNode: {
		entity:        model.EntityFlowNodeInstance,
		keyColumn:     "process_definition_key",
		versionColumn: "process_definition_version",
		dates: map[model.DimensionType]string{
			model.DimensionStartDate: "start_date",
			model.DimensionEndDate:   "end_date",
		},
		durations: map[model.UserTaskDurationTime]string{model.DurationTotal: "duration"},
		terms:     map[model.DimensionType]string{model.DimensionFlowNodes: "flow_node_id"},
		groupBy: []model.DimensionType{model.DimensionNone, model.DimensionFlowNodes, model.DimensionStartDate,
			model.DimensionEndDate, model.DimensionDuration},
		distributeBy: []model.DimensionType{model.DimensionNone, model.DimensionFlowNodes},
		order:        "start_date",
	},
	model.ViewUserTask: {
		entity:        model.EntityUserTask,
		keyColumn:     "process_definition_key",
		versionColumn: "process_definition_version",
		dates: map[model.DimensionType]string{
			model.DimensionStartDate: "start_date",
			model.DimensionEndDate:   "end_date",
		},
		durations: map[model.UserTaskDurationTime]string{
			model.DurationTotal: "duration",
			model.DurationIdle:  "idle_duration",
			model.DurationWork:  "work_duration",
		},
		terms: map[model.DimensionType]string{
			model.DimensionUserTasks:      "user_task_id",
			model.DimensionAssignee:       "assignee",
			model.DimensionCandidateGroup: "candidate_group",
		},
		groupBy: []model.DimensionType{model.DimensionNone, model.DimensionUserTasks, model.DimensionStartDate,
			model.DimensionEndDate, model.DimensionDuration, model.DimensionAssignee, model.DimensionCandidateGroup},
		distributeBy: []model.DimensionType{model.DimensionNone, model.DimensionUserTasks, model.DimensionAssignee,
			model.DimensionCandidateGroup},
		order: "start_date",
	},
	model.ViewIncident: {
		entity:        model.EntityIncident,
		keyColumn:     "process_definition_key",
		versionColumn: "process_definition_version",
		dates: map[model.DimensionType]string{
			model.DimensionStartDate: "create_date",
			model.DimensionEndDate:   "end_date",
		},
		durations:    map[model.UserTaskDurationTime]string{model.DurationTotal: "duration"},
		terms:        map[model.DimensionType]string{model.DimensionFlowNodes: "flow_node_id"},
		groupBy:      []model.DimensionType{model.DimensionNone, model.DimensionFlowNodes, model.DimensionStartDate, model.DimensionEndDate},
		distributeBy: []model.DimensionType{model.DimensionNone, model.DimensionFlowNodes},
		order:        "create_date",
	},
	model.ViewDecisionInstance: {
		entity:        model.EntityDecisionInstance,
		keyColumn:     "decision_definition_key",
		versionColumn: "decision_definition_version",
		dates:         map[model.DimensionType]string{model.DimensionEvaluationDate: "evaluation_date"},
		groupBy:       []model.DimensionType{model.DimensionNone, model.DimensionEvaluationDate},
		distributeBy:  []model.DimensionType{model.DimensionNone},
		order:         "evaluation_date",
	},
}

func (v view) allowsGroupBy(t model.DimensionType) bool { return slices.Contains(v.groupBy, t) }

func (v view) allowsDistributeBy(t model.DimensionType) bool {
	return slices.Contains(v.distributeBy, t)
}

// durationTimes lists the durations measured for the configured times.
// Only user tasks track more than the total duration.
func (v view) durationTimes(cfg []model.UserTaskDurationTime) []model.UserTaskDurationTime {
	if len(v.durations) <= 1 {
		return []model.UserTaskDurationTime{model.DurationTotal}
	}
	var out []model.UserTaskDurationTime
	for _, t := range cfg {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
