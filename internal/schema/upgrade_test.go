package schema_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/tinytelemetry/procscope/internal/backend"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/schema"
	"github.com/tinytelemetry/procscope/internal/search"
)

func TestPrepareUpgradesUserTasks(t *testing.T) {
	ctx := context.Background()
	for _, b := range backend.All() {
		t.Run(string(b), func(t *testing.T) {
			d, err := backend.DialectFor(b)
			if err != nil {
				t.Fatalf("DialectFor: %v", err)
			}
			store, err := search.Open(ctx, d, search.Options{})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer store.Close()

			// A store written by the previous version.
			v1 := search.UserTaskIndexV1()
			if err := store.CreateIndex(ctx, v1); err != nil {
				t.Fatalf("CreateIndex v1: %v", err)
			}
			v1Table := store.IndexName(v1.Entity, v1.Version)
			insert := fmt.Sprintf(`INSERT INTO %s (id, data_source, process_instance_id, process_definition_key,
				process_definition_version, tenant_id, user_task_instance_id, user_task_id, start_date, canceled)
				VALUES ('ut-1', 'engine', 'pi-1', 'invoice', 1, '', 'ut-1', 'approve', 1000, false)`, v1Table)
			if _, err := store.DB().ExecContext(ctx, insert); err != nil {
				t.Fatalf("seed v1: %v", err)
			}

			for i := 0; i < 2; i++ {
				if err := schema.Prepare(ctx, store, schema.Plans()); err != nil {
					t.Fatalf("Prepare #%d: %v", i, err)
				}
			}

			if ok, _ := store.TableExists(ctx, v1Table); ok {
				t.Error("v1 index still exists after reindex")
			}
			n, err := store.Count(ctx, model.EntityUserTask)
			if err != nil {
				t.Fatalf("Count: %v", err)
			}
			if n != 1 {
				t.Errorf("user tasks in v2 = %d, want 1", n)
			}
			cols, err := store.Columns(ctx, store.Table(model.EntityUserTask))
			if err != nil {
				t.Fatalf("Columns: %v", err)
			}
			if len(cols) != len(search.UserTaskIndex().Columns) {
				t.Errorf("v2 columns = %v", cols)
			}
			for i := range schema.UserTaskV2Plan().Steps {
				if done, err := store.StepDone(ctx, "user-task-v2", i); err != nil || !done {
					t.Errorf("step %d not recorded: %v", i, err)
				}
			}
		})
	}
}

func TestPurgeDeletedIncidents(t *testing.T) {
	ctx := context.Background()
	store, err := backend.Open(ctx, model.BackendSQLite, search.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	docs := []model.Document{
		&model.Incident{ID: "a", DataSource: "engine", IncidentID: "a", ProcessInstanceID: "pi", ProcessDefinitionKey: "k",
			ProcessDefinitionVersion: 1, Status: model.IncidentDeleted},
		&model.Incident{ID: "b", DataSource: "engine", IncidentID: "b", ProcessInstanceID: "pi", ProcessDefinitionKey: "k",
			ProcessDefinitionVersion: 1, Status: model.IncidentOpen},
	}
	if _, err := store.Write(ctx, docs); err != nil {
		t.Fatalf("Write: %v", err)
	}
	step := schema.PurgeDeletedIncidentsPlan().Steps[0]
	if err := step.Execute(ctx, store); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n, _ := store.Count(ctx, model.EntityIncident); n != 1 {
		t.Errorf("incidents left = %d, want 1", n)
	}
}
