package model

import (
	"fmt"
	"time"
)

// SourceType is the kind of origin a data source reads from.
type SourceType string

const (
	SourceEngine   SourceType = "engine"
	SourceEventLog SourceType = "eventlog"
)

// DataSource identifies an origin of history records. Its ID scopes cursors
// and every imported document.
type DataSource struct {
	ID   string
	Type SourceType
}

// EntityType tags raw records and canonical documents.
type EntityType string

const (
	EntityProcessInstance  EntityType = "process-instance"
	EntityFlowNodeInstance EntityType = "flow-node-instance"
	EntityUserTask         EntityType = "user-task"
	EntityIncident         EntityType = "incident"
	EntityVariable         EntityType = "variable"
	EntityDecisionInstance EntityType = "decision-instance"
)

// AllEntityTypes lists every importable entity type in a stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityProcessInstance,
		EntityFlowNodeInstance,
		EntityUserTask,
		EntityIncident,
		EntityVariable,
		EntityDecisionInstance,
	}
}

// ParseEntityType validates a configured entity type name.
func ParseEntityType(s string) (EntityType, error) {
	for _, et := range AllEntityTypes() {
		if string(et) == s {
			return et, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// CursorKey addresses one import cursor. Partition is 0 for sources that
// are not partitioned.
type CursorKey struct {
	DataSource string     `json:"dataSource"`
	EntityType EntityType `json:"entityType"`
	Partition  int        `json:"partition"`
}

func (k CursorKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.DataSource, k.EntityType, k.Partition)
}

// ImportCursor is the last position of a source stream that is durably
// written. Fetches return records strictly after Position.
type ImportCursor struct {
	Key            CursorKey `json:"key"`
	Position       int64     `json:"position"`
	SequenceNumber int64     `json:"sequenceNumber"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// RawRecord is the source-native form of one history entry.
type RawRecord struct {
	EntityType     EntityType
	Partition      int
	Position       int64
	SequenceNumber int64
	Timestamp      time.Time
	Key            string
	Payload        []byte
}

// Page is one fetch result. Next equals the input cursor when Records is empty.
type Page struct {
	Records []RawRecord
	Next    ImportCursor
}
