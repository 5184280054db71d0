package model

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

// FilterType names a report filter.
type FilterType string

const (
	FilterInstanceStartDate         FilterType = "instanceStartDate"
	FilterInstanceEndDate           FilterType = "instanceEndDate"
	FilterEvaluationDateTime        FilterType = "evaluationDateTime"
	FilterProcessInstanceDuration   FilterType = "processInstanceDuration"
	FilterVariable                  FilterType = "variable"
	FilterExecutedFlowNodes         FilterType = "executedFlowNodes"
	FilterRunningInstancesOnly      FilterType = "runningInstancesOnly"
	FilterCompletedInstancesOnly    FilterType = "completedInstancesOnly"
	FilterCanceledInstancesOnly     FilterType = "canceledInstancesOnly"
	FilterNonCanceledInstancesOnly  FilterType = "nonCanceledInstancesOnly"
	FilterSuspendedInstancesOnly    FilterType = "suspendedInstancesOnly"
	FilterNonSuspendedInstancesOnly FilterType = "nonSuspendedInstancesOnly"
	FilterWithOpenIncident          FilterType = "withOpenIncident"
	FilterWithResolvedIncident      FilterType = "withResolvedIncident"
	FilterWithoutIncident           FilterType = "withoutIncident"
)

// DateFilterKind selects how a date filter's range is computed.
type DateFilterKind string

const (
	// DateFixed uses explicit Start and End values.
	DateFixed DateFilterKind = "fixed"
	// DateRelative covers whole calendar units: Value 0 is the current
	// unit, Value N the N previous units excluding the current one.
	DateRelative DateFilterKind = "relative"
	// DateRolling covers now minus Value units up to now.
	DateRolling DateFilterKind = "rolling"
)

// DateFilter is the range part of a date filter.
type DateFilter struct {
	Kind  DateFilterKind `json:"type" yaml:"type"`
	Start DateValue      `json:"start,omitempty" yaml:"start,omitempty"`
	End   DateValue      `json:"end,omitempty" yaml:"end,omitempty"`
	Value int64          `json:"value,omitempty" yaml:"value,omitempty"`
	Unit  DateUnit       `json:"unit,omitempty" yaml:"unit,omitempty"`
}

func (d *DateFilter) Equal(o *DateFilter) bool {
	if d == nil || o == nil {
		return d == o
	}
	return *d == *o
}

// DurationUnit scales a duration filter value.
type DurationUnit string

const (
	DurationMillis  DurationUnit = "millis"
	DurationSeconds DurationUnit = "seconds"
	DurationMinutes DurationUnit = "minutes"
	DurationHours   DurationUnit = "hours"
	DurationDays    DurationUnit = "days"
	DurationWeeks   DurationUnit = "weeks"
)

// Millis converts value units to milliseconds.
func (u DurationUnit) Millis(value int64) (int64, error) {
	var d time.Duration
	switch u {
	case DurationMillis, "":
		d = time.Millisecond
	case DurationSeconds:
		d = time.Second
	case DurationMinutes:
		d = time.Minute
	case DurationHours:
		d = time.Hour
	case DurationDays:
		d = 24 * time.Hour
	case DurationWeeks:
		d = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown duration unit %q", u)
	}
	return value * d.Milliseconds(), nil
}

// Comparison and membership operators.
const (
	OpIn          = "in"
	OpNotIn       = "not in"
	OpContains    = "contains"
	OpNotContains = "not contains"
	OpLess        = "<"
	OpLessEq      = "<="
	OpGreater     = ">"
	OpGreaterEq   = ">="
)

type DurationFilter struct {
	Operator string       `json:"operator" yaml:"operator"`
	Value    int64        `json:"value" yaml:"value"`
	Unit     DurationUnit `json:"unit" yaml:"unit"`
}

// VariableFilter matches a process variable. Values are compared as strings
// for String, parsed as numbers for numeric types and as "true"/"false" for
// Boolean. Date variables use Date instead of Operator and Values.
type VariableFilter struct {
	Name     string       `json:"name" yaml:"name"`
	Type     VariableType `json:"type" yaml:"type"`
	Operator string       `json:"operator,omitempty" yaml:"operator,omitempty"`
	Values   []string     `json:"values,omitempty" yaml:"values,omitempty"`
	Date     *DateFilter  `json:"date,omitempty" yaml:"date,omitempty"`
}

func (v *VariableFilter) Equal(o *VariableFilter) bool {
	if v == nil || o == nil {
		return v == o
	}
	return v.Name == o.Name && v.Type == o.Type && v.Operator == o.Operator &&
		slices.Equal(v.Values, o.Values) && v.Date.Equal(o.Date)
}

// Filter is one report filter. Which of the payload fields is read depends
// on Type.
type Filter struct {
	Type        FilterType      `json:"type" yaml:"type"`
	Date        *DateFilter     `json:"date,omitempty" yaml:"date,omitempty"`
	Duration    *DurationFilter `json:"duration,omitempty" yaml:"duration,omitempty"`
	Variable    *VariableFilter `json:"variable,omitempty" yaml:"variable,omitempty"`
	FlowNodeIDs []string        `json:"flowNodeIds,omitempty" yaml:"flowNodeIds,omitempty"`
}

// Equal compares two filters field by field.
func (f Filter) Equal(o Filter) bool {
	if f.Type != o.Type || !f.Date.Equal(o.Date) || !f.Variable.Equal(o.Variable) {
		return false
	}
	if (f.Duration == nil) != (o.Duration == nil) {
		return false
	}
	if f.Duration != nil && *f.Duration != *o.Duration {
		return false
	}
	return slices.Equal(f.FlowNodeIDs, o.FlowNodeIDs)
}

// DateValue is a date or date-time string. A date-only value ("2024-01-31")
// is resolved against the report timezone and covers that whole day.
type DateValue string

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05-0700",
}

var localLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// IsDateOnly reports whether v carries no time of day.
func (v DateValue) IsDateOnly() bool {
	_, err := time.Parse(time.DateOnly, strings.TrimSpace(string(v)))
	return err == nil
}

// Resolve parses v in loc. For a date-only value it returns the first
// millisecond of the day, or the last one when endOfDay is set.
func (v DateValue) Resolve(loc *time.Location, endOfDay bool) (time.Time, error) {
	s := strings.TrimSpace(string(v))
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date")
	}
	if d, err := time.ParseInLocation(time.DateOnly, s, loc); err == nil {
		if endOfDay {
			return d.AddDate(0, 0, 1).Add(-time.Millisecond), nil
		}
		return d, nil
	}
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable date %q", s)
}
