package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// ReportType selects the family of entities a report reads.
type ReportType string

const (
	ReportProcess  ReportType = "process"
	ReportDecision ReportType = "decision"
)

// ViewEntity is the entity a report counts or measures.
type ViewEntity string

const (
	ViewProcessInstance  ViewEntity = "processInstance"
	ViewFlowNode         ViewEntity = "flowNode"
	ViewUserTask         ViewEntity = "userTask"
	ViewIncident         ViewEntity = "incident"
	ViewDecisionInstance ViewEntity = "decisionInstance"
)

// ViewProperty is what a report measures on its view entity.
type ViewProperty string

const (
	PropertyFrequency ViewProperty = "frequency"
	PropertyDuration  ViewProperty = "duration"
	PropertyRawData   ViewProperty = "rawData"
)

type View struct {
	Entity     ViewEntity     `json:"entity" yaml:"entity"`
	Properties []ViewProperty `json:"properties" yaml:"properties"`
}

// DimensionType is the kind of a group-by or distribute-by dimension.
type DimensionType string

const (
	DimensionNone           DimensionType = "none"
	DimensionStartDate      DimensionType = "startDate"
	DimensionEndDate        DimensionType = "endDate"
	DimensionEvaluationDate DimensionType = "evaluationDate"
	DimensionDuration       DimensionType = "duration"
	DimensionVariable       DimensionType = "variable"
	DimensionFlowNodes      DimensionType = "flowNodes"
	DimensionUserTasks      DimensionType = "userTasks"
	DimensionAssignee       DimensionType = "assignee"
	DimensionCandidateGroup DimensionType = "candidateGroup"
)

// IsDate reports whether the dimension buckets a date field.
func (d DimensionType) IsDate() bool {
	return d == DimensionStartDate || d == DimensionEndDate || d == DimensionEvaluationDate
}

// DateUnit is a calendar unit for date histograms and relative filters.
type DateUnit string

const (
	UnitYear      DateUnit = "year"
	UnitMonth     DateUnit = "month"
	UnitWeek      DateUnit = "week"
	UnitDay       DateUnit = "day"
	UnitHour      DateUnit = "hour"
	UnitMinute    DateUnit = "minute"
	UnitAutomatic DateUnit = "automatic"
)

// VariableType is the declared type of a process variable.
type VariableType string

const (
	VariableString  VariableType = "String"
	VariableBoolean VariableType = "Boolean"
	VariableInteger VariableType = "Integer"
	VariableLong    VariableType = "Long"
	VariableShort   VariableType = "Short"
	VariableDouble  VariableType = "Double"
	VariableDate    VariableType = "Date"
)

// IsNumeric reports whether values of the type are stored as JSON numbers.
func (t VariableType) IsNumeric() bool {
	switch t {
	case VariableInteger, VariableLong, VariableShort, VariableDouble:
		return true
	}
	return false
}

// Valid reports whether t is a known variable type.
func (t VariableType) Valid() bool {
	return t == VariableString || t == VariableBoolean || t == VariableDate || t.IsNumeric()
}

type VariableRef struct {
	Name string       `json:"name" yaml:"name"`
	Type VariableType `json:"type" yaml:"type"`
}

// Dimension is a group-by or distribute-by bucketing rule. Unit applies to
// date dimensions, Variable to variable dimensions.
type Dimension struct {
	Type     DimensionType `json:"type" yaml:"type"`
	Unit     DateUnit      `json:"unit,omitempty" yaml:"unit,omitempty"`
	Variable *VariableRef  `json:"variable,omitempty" yaml:"variable,omitempty"`
}

func (d Dimension) IsNone() bool { return d.Type == "" || d.Type == DimensionNone }

// Equal compares two dimensions field by field.
func (d Dimension) Equal(o Dimension) bool {
	if d.IsNone() || o.IsNone() {
		return d.IsNone() == o.IsNone()
	}
	if d.Type != o.Type || d.Unit != o.Unit {
		return false
	}
	if (d.Variable == nil) != (o.Variable == nil) {
		return false
	}
	return d.Variable == nil || *d.Variable == *o.Variable
}

type AggregationType string

const (
	AggregationSum        AggregationType = "sum"
	AggregationAvg        AggregationType = "avg"
	AggregationMin        AggregationType = "min"
	AggregationMax        AggregationType = "max"
	AggregationPercentile AggregationType = "percentile"
)

// Aggregation is one statistic computed over a duration. Value is the
// percentile (0-100) for AggregationPercentile and unused otherwise.
type Aggregation struct {
	Type  AggregationType `json:"type" yaml:"type"`
	Value float64         `json:"value,omitempty" yaml:"value,omitempty"`
}

// UserTaskDurationTime selects which user task duration is measured.
type UserTaskDurationTime string

const (
	DurationTotal UserTaskDurationTime = "total"
	DurationIdle  UserTaskDurationTime = "idle"
	DurationWork  UserTaskDurationTime = "work"
)

type SortBy string

const (
	SortByKey   SortBy = "key"
	SortByValue SortBy = "value"
	SortByLabel SortBy = "label"
)

type SortOrder string

const (
	SortAsc  SortOrder = "asc"
	SortDesc SortOrder = "desc"
)

type Sorting struct {
	By    SortBy    `json:"by" yaml:"by"`
	Order SortOrder `json:"order" yaml:"order"`
}

// CustomBucket overrides automatic number histogram sizing when Active.
type CustomBucket struct {
	Active     bool    `json:"active" yaml:"active"`
	BaseLine   float64 `json:"baseline" yaml:"baseline"`
	BucketSize float64 `json:"bucketSize" yaml:"bucketSize"`
}

type Pagination struct {
	Limit  int `json:"limit" yaml:"limit"`
	Offset int `json:"offset" yaml:"offset"`
}

// Configuration holds the optional report settings. Defaults, applied by
// Definition.WithDefaults:
//
//	Aggregations          [avg]   one measure per aggregation for duration views
//	UserTaskDurationTimes [total] one measure per duration time for user task durations
//	Sorting               nil     backend bucket order
//	Timezone              UTC     date filters and date buckets are aligned to it
//	CustomBucket          off     80 automatic buckets between min and max
//	Pagination            20/0    raw data page
type Configuration struct {
	Aggregations             []Aggregation          `json:"aggregationTypes,omitempty" yaml:"aggregationTypes,omitempty"`
	UserTaskDurationTimes    []UserTaskDurationTime `json:"userTaskDurationTimes,omitempty" yaml:"userTaskDurationTimes,omitempty"`
	Sorting                  *Sorting               `json:"sorting,omitempty" yaml:"sorting,omitempty"`
	Timezone                 string                 `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	CustomBucket             CustomBucket           `json:"customBucket" yaml:"customBucket"`
	DistributeByCustomBucket CustomBucket           `json:"distributeByCustomBucket" yaml:"distributeByCustomBucket"`
	Pagination               Pagination             `json:"pagination" yaml:"pagination"`
}

// Definition is a report definition. It is treated as an immutable value.
type Definition struct {
	ID                 string        `json:"id,omitempty" yaml:"id,omitempty"`
	Name               string        `json:"name,omitempty" yaml:"name,omitempty"`
	ReportType         ReportType    `json:"reportType" yaml:"reportType"`
	DefinitionKey      string        `json:"definitionKey" yaml:"definitionKey"`
	DefinitionVersions []string      `json:"definitionVersions,omitempty" yaml:"definitionVersions,omitempty"`
	TenantIDs          []string      `json:"tenantIds,omitempty" yaml:"tenantIds,omitempty"`
	Filters            []Filter      `json:"filter,omitempty" yaml:"filter,omitempty"`
	View               View          `json:"view" yaml:"view"`
	GroupBy            Dimension     `json:"groupBy" yaml:"groupBy"`
	DistributedBy      Dimension     `json:"distributedBy" yaml:"distributedBy"`
	Configuration      Configuration `json:"configuration" yaml:"configuration"`
}

// VersionAll and VersionLatest are the symbolic definition versions.
const (
	VersionAll    = "all"
	VersionLatest = "latest"
)

// WithDefaults returns a copy of d with every unset optional field filled in.
func (d Definition) WithDefaults() Definition {
	out := d
	if out.ReportType == "" {
		out.ReportType = ReportProcess
		if out.View.Entity == ViewDecisionInstance {
			out.ReportType = ReportDecision
		}
	}
	if len(out.DefinitionVersions) == 0 {
		out.DefinitionVersions = []string{VersionAll}
	}
	if len(out.View.Properties) == 0 {
		out.View.Properties = []ViewProperty{PropertyFrequency}
	}
	if out.GroupBy.Type == "" {
		out.GroupBy.Type = DimensionNone
	}
	if out.DistributedBy.Type == "" {
		out.DistributedBy.Type = DimensionNone
	}
	if out.GroupBy.Type.IsDate() && out.GroupBy.Unit == "" {
		out.GroupBy.Unit = UnitAutomatic
	}
	if out.DistributedBy.Type.IsDate() && out.DistributedBy.Unit == "" {
		out.DistributedBy.Unit = UnitAutomatic
	}
	c := &out.Configuration
	if len(c.Aggregations) == 0 {
		c.Aggregations = []Aggregation{{Type: AggregationAvg}}
	}
	if len(c.UserTaskDurationTimes) == 0 {
		c.UserTaskDurationTimes = []UserTaskDurationTime{DurationTotal}
	}
	if c.Timezone == "" {
		c.Timezone = DefaultTimezone
	}
	if c.Pagination.Limit <= 0 {
		c.Pagination.Limit = DefaultRawDataLimit
	}
	if c.Pagination.Offset < 0 {
		c.Pagination.Offset = 0
	}
	return out
}

// ParseDefinition decodes a report definition from YAML or JSON.
func ParseDefinition(data []byte) (Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return Definition{}, fmt.Errorf("decode report definition: %w", err)
	}
	return d, nil
}

// ParseDefinitions decodes a list of report definitions, or a single
// definition, from YAML or JSON.
func ParseDefinitions(data []byte) ([]Definition, error) {
	var list []Definition
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	d, err := ParseDefinition(data)
	if err != nil {
		return nil, err
	}
	return []Definition{d}, nil
}
