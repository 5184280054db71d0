package eventlog

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/valyala/fastjson"
)

// Record is one line of an exported event log.
type Record struct {
	Position    int64           `json:"position"`
	Sequence    int64           `json:"sequence"`
	PartitionID int             `json:"partitionId"`
	ValueType   string          `json:"valueType"`
	Intent      string          `json:"intent,omitempty"`
	Timestamp   int64           `json:"timestamp"`
	Key         string          `json:"key"`
	Value       json.RawMessage `json:"value"`
}

// valueEntity maps a log value type (PROCESS_INSTANCE, process-instance)
// to an entity type.
func valueEntity(valueType string) (model.EntityType, error) {
	return model.ParseEntityType(strings.ReplaceAll(strings.ToLower(valueType), "_", "-"))
}

// decodeLine parses one log line into a raw record.
func decodeLine(p *fastjson.Parser, line []byte) (model.RawRecord, error) {
	v, err := p.ParseBytes(line)
	if err != nil {
		return model.RawRecord{}, fmt.Errorf("eventlog: malformed record: %w", err)
	}
	if v.Get("position") == nil {
		return model.RawRecord{}, fmt.Errorf("eventlog: record without position")
	}
	// Value types outside the imported entities (deployments, jobs) are
	// kept with an empty entity so they still advance the scan.
	entity, err := valueEntity(string(v.GetStringBytes("valueType")))
	if err != nil {
		entity = ""
	}
	rec := model.RawRecord{
		EntityType:     entity,
		Partition:      v.GetInt("partitionId"),
		Position:       v.GetInt64("position"),
		SequenceNumber: v.GetInt64("sequence"),
		Key:            string(v.GetStringBytes("key")),
	}
	if ts := v.GetInt64("timestamp"); ts != 0 {
		rec.Timestamp = time.UnixMilli(ts).UTC()
	}
	if val := v.Get("value"); val != nil {
		rec.Payload = val.MarshalTo(nil)
	} else {
		rec.Payload = []byte("{}")
	}
	return rec, nil
}
