package search

import (
	"fmt"
	"strings"

	"github.com/tinytelemetry/procscope/internal/model"
)

// Column is one column of an index table.
type Column struct {
	Name    string
	Kind    ColumnKind
	NotNull bool
	// Default is a SQL literal used on insert when the writer does not set
	// the column.
	Default string
}

// Index is a versioned document mapping for one entity type. Documents are
// keyed by the "id" column. Preserve lists columns an upsert never
// overwrites.
type Index struct {
	Entity   model.EntityType
	Version  int
	Columns  []Column
	Preserve []string
}

// KeyColumn is the document id column of every index.
const KeyColumn = "id"

// ColumnNames lists the column names in order.
func (ix Index) ColumnNames() []string {
	names := make([]string, len(ix.Columns))
	for i, c := range ix.Columns {
		names[i] = c.Name
	}
	return names
}

// Column returns the column with the given name.
func (ix Index) Column(name string) (Column, bool) {
	for _, c := range ix.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// WriteColumns lists the columns the writer sets on upsert.
func (ix Index) WriteColumns() []string {
	var out []string
	for _, c := range ix.Columns {
		if !ix.preserved(c.Name) {
			out = append(out, c.Name)
		}
	}
	return out
}

func (ix Index) preserved(name string) bool {
	for _, p := range ix.Preserve {
		if p == name {
			return true
		}
	}
	return false
}

// TableName renders the physical table of an index version.
func TableName(prefix string, entity model.EntityType, version int) string {
	return fmt.Sprintf("%s_%s_v%d", prefix, strings.ReplaceAll(string(entity), "-", "_"), version)
}

// CreateTableSQL renders the DDL of an index table.
func CreateTableSQL(d Dialect, table string, ix Index) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", table)
	for i, c := range ix.Columns {
		fmt.Fprintf(&b, "\t%s %s", c.Name, d.ColumnType(c.Kind))
		if c.Name == KeyColumn {
			b.WriteString(" PRIMARY KEY")
		} else if c.NotNull {
			b.WriteString(" NOT NULL")
		}
		if c.Default != "" {
			b.WriteString(" DEFAULT " + c.Default)
		}
		if i < len(ix.Columns)-1 {
			b.WriteString(",")
		}
		b.WriteString("\n")
	}
	b.WriteString(")")
	return b.String()
}

func text(name string) Column    { return Column{Name: name, Kind: KindText} }
func textNN(name string) Column  { return Column{Name: name, Kind: KindText, NotNull: true} }
func integer(name string) Column { return Column{Name: name, Kind: KindInt} }
func boolean(name string) Column { return Column{Name: name, Kind: KindBool, NotNull: true} }

// Columns shared by every index of a process-scoped entity.
func processScope() []Column {
	return []Column{
		textNN("id"),
		textNN("data_source"),
		textNN("process_instance_id"),
		textNN("process_definition_key"),
		{Name: "process_definition_version", Kind: KindInt, NotNull: true},
		textNN("tenant_id"),
	}
}

// ProcessInstanceIndex is the current process instance mapping. Variables
// are merged into the preserved JSON column by variable updates.
func ProcessInstanceIndex() Index {
	cols := append(processScope(),
		text("business_key"),
		textNN("state"),
		integer("start_date"),
		integer("end_date"),
		integer("duration"),
		Column{Name: "variables", Kind: KindJSON, NotNull: true, Default: "'{}'"},
	)
	return Index{Entity: model.EntityProcessInstance, Version: 1, Columns: cols, Preserve: []string{"variables"}}
}

func FlowNodeInstanceIndex() Index {
	cols := append(processScope(),
		textNN("flow_node_instance_id"),
		textNN("flow_node_id"),
		text("flow_node_type"),
		integer("start_date"),
		integer("end_date"),
		integer("duration"),
		boolean("canceled"),
	)
	return Index{Entity: model.EntityFlowNodeInstance, Version: 1, Columns: cols}
}

// UserTaskIndexV1 is the mapping before idle and work durations were tracked.
func UserTaskIndexV1() Index {
	cols := append(processScope(),
		textNN("user_task_instance_id"),
		textNN("user_task_id"),
		text("assignee"),
		text("candidate_group"),
		integer("start_date"),
		integer("end_date"),
		integer("duration"),
		boolean("canceled"),
	)
	return Index{Entity: model.EntityUserTask, Version: 1, Columns: cols}
}

func UserTaskIndex() Index {
	ix := UserTaskIndexV1()
	ix.Version = 2
	ix.Columns = append(ix.Columns,
		integer("claim_date"),
		integer("idle_duration"),
		integer("work_duration"),
	)
	return ix
}

func IncidentIndex() Index {
	cols := append(processScope(),
		textNN("incident_id"),
		text("flow_node_id"),
		text("incident_type"),
		text("message"),
		textNN("status"),
		integer("create_date"),
		integer("end_date"),
		integer("duration"),
	)
	return Index{Entity: model.EntityIncident, Version: 1, Columns: cols}
}

func DecisionInstanceIndex() Index {
	cols := []Column{
		textNN("id"),
		textNN("data_source"),
		textNN("decision_instance_id"),
		textNN("decision_definition_key"),
		{Name: "decision_definition_version", Kind: KindInt, NotNull: true},
		textNN("tenant_id"),
		text("process_instance_id"),
		text("process_definition_key"),
		integer("evaluation_date"),
		integer("matched_rules"),
		{Name: "inputs", Kind: KindJSON},
		{Name: "outputs", Kind: KindJSON},
	}
	return Index{Entity: model.EntityDecisionInstance, Version: 1, Columns: cols}
}

// CurrentIndices lists the current version of every index.
func CurrentIndices() []Index {
	return []Index{
		ProcessInstanceIndex(),
		FlowNodeInstanceIndex(),
		UserTaskIndex(),
		IncidentIndex(),
		DecisionInstanceIndex(),
	}
}

// IndexFor returns the current index storing documents of an entity type.
// Variable updates are stored on their process instance.
func IndexFor(entity model.EntityType) (Index, error) {
	if entity == model.EntityVariable {
		entity = model.EntityProcessInstance
	}
	for _, ix := range CurrentIndices() {
		if ix.Entity == entity {
			return ix, nil
		}
	}
	return Index{}, fmt.Errorf("no index for entity type %q", entity)
}
