package model

import "time"

// ResultType discriminates the shape of report data.
type ResultType string

const (
	ResultNumber   ResultType = "number"
	ResultMap      ResultType = "map"
	ResultHyperMap ResultType = "hyperMap"
	ResultRaw      ResultType = "raw"
)

// MapEntry is one bucket of a map result.
type MapEntry struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Value int64  `json:"value"`
}

// HyperMapEntry is one group of a distributed report.
type HyperMapEntry struct {
	Key   string     `json:"key"`
	Label string     `json:"label"`
	Value []MapEntry `json:"value"`
}

// Measure is the data of one view property, aggregation and user task
// duration time. Exactly one of Value, Map, HyperMap and Raw is set,
// according to the result type.
type Measure struct {
	Property             ViewProperty         `json:"property"`
	Aggregation          *Aggregation         `json:"aggregationType,omitempty"`
	UserTaskDurationTime UserTaskDurationTime `json:"userTaskDurationTime,omitempty"`
	Value                *int64               `json:"value,omitempty"`
	Map                  []MapEntry           `json:"map,omitempty"`
	HyperMap             []HyperMapEntry      `json:"hyperMap,omitempty"`
	Raw                  []map[string]any     `json:"raw,omitempty"`
}

// Result is the evaluated data of a single report.
type Result struct {
	Type                        ResultType `json:"type"`
	InstanceCount               int64      `json:"instanceCount"`
	InstanceCountWithoutFilters int64      `json:"instanceCountWithoutFilters"`
	Measures                    []Measure  `json:"measures"`
}

// CombinedRow is one group key of a combined report. Values holds the first
// measure of each constituent that has the key; constituents without it are
// absent from the map.
type CombinedRow struct {
	Key    string           `json:"key"`
	Label  string           `json:"label"`
	Values map[string]int64 `json:"values"`
}

// CombinedResult overlays several single reports by group key.
type CombinedResult struct {
	ReportIDs []string          `json:"reportIds"`
	Results   map[string]Result `json:"results"`
	Rows      []CombinedRow     `json:"rows"`
}

// MediatorState is the import state machine state.
type MediatorState string

const (
	StateIdle         MediatorState = "IDLE"
	StateFetching     MediatorState = "FETCHING"
	StateTransforming MediatorState = "TRANSFORMING"
	StateWriting      MediatorState = "WRITING"
	StateAdvancing    MediatorState = "ADVANCING"
	StateErrorBackoff MediatorState = "ERROR_BACKOFF"
)

// MediatorStatus is a point-in-time view of one import loop.
type MediatorStatus struct {
	Key             CursorKey     `json:"key"`
	State           MediatorState `json:"state"`
	Position        int64         `json:"position"`
	RecordsImported int64         `json:"recordsImported"`
	RecordsSkipped  int64         `json:"recordsSkipped"`
	Cycles          int64         `json:"cycles"`
	Failures        int64         `json:"failures"`
	LastError       string        `json:"lastError,omitempty"`
	LastCycleAt     time.Time     `json:"lastCycleAt"`
}
