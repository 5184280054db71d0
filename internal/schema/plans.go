package schema

import (
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

// Plans returns the upgrade plans shipped with this version, oldest first.
func Plans() []Plan {
	return []Plan{UserTaskV2Plan(), PurgeDeletedIncidentsPlan()}
}

// UserTaskV2Plan moves user tasks to the index version that tracks claim
// dates with idle and work durations.
func UserTaskV2Plan() Plan {
	v1, v2 := search.UserTaskIndexV1(), search.UserTaskIndex()
	added := v2.Columns[len(v1.Columns):]
	return Plan{
		Name: "user-task-v2",
		Steps: []Step{
			UpdateMappingStep{Index: v1, Columns: added},
			CreateIndexStep{Index: v2},
			ReindexStep{From: v1, To: v2},
		},
	}
}

// PurgeDeletedIncidentsPlan drops incidents the engine reported as deleted.
func PurgeDeletedIncidentsPlan() Plan {
	return Plan{
		Name: "purge-deleted-incidents",
		Steps: []Step{
			DeleteDataStep{Index: search.IncidentIndex(), Predicate: "status = ?", Args: []any{model.IncidentDeleted}},
		},
	}
}
