package search

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/tinytelemetry/procscope/internal/model"
)

// stubDialect renders SQLite-compatible fragments for tests that never
// reach a real database.
type stubDialect struct{}

func (stubDialect) Backend() model.Backend                           { return "stub" }
func (stubDialect) DriverName() string                               { return "stub" }
func (stubDialect) DSN(string) string                                { return "" }
func (stubDialect) Configure(context.Context, *sql.DB, string) error { return nil }
func (stubDialect) ColumnType(ColumnKind) string                     { return "TEXT" }
func (stubDialect) MergePatch(target, patch string) string {
	return "json_patch(" + target + ", " + patch + ")"
}
func (stubDialect) JSONValue(col, path string, kind ValueKind) string {
	return "json_extract(" + col + ", " + path + ")"
}
func (stubDialect) Contains(expr, needle string) string {
	return "instr(" + expr + ", " + needle + ") > 0"
}
func (stubDialect) BucketIndex(expr string, base, size float64) string      { return expr }
func (stubDialect) GroupAggregate(q GroupQuery) string                      { return q.Base }
func (stubDialect) TableExistsQuery() string                                { return "" }
func (stubDialect) ColumnsQuery() string                                    { return "" }
func (stubDialect) Snapshot(context.Context, *sql.DB, string, string) error { return nil }

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &Store{
		db:           db,
		dialect:      stubDialect{},
		prefix:       "procscope",
		readSlots:    make(chan struct{}, 1),
		QueryTimeout: time.Second,
	}, mock
}

func incident(id string) *model.Incident {
	return &model.Incident{
		ID: id, DataSource: "engine", IncidentID: id, ProcessInstanceID: "pi-" + id,
		ProcessDefinitionKey: "invoice", ProcessDefinitionVersion: 1, Status: model.IncidentOpen,
		CreateDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestWriteSalvageStopsAtFirstFailure(t *testing.T) {
	store, mock := newMockStore(t)
	upsert := "INSERT INTO procscope_incident_v1"
	boom := errors.New("constraint violated")

	// Batch attempt: first document succeeds, second fails.
	mock.ExpectBegin()
	mock.ExpectPrepare(upsert)
	mock.ExpectExec(upsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(upsert).WillReturnError(boom)
	mock.ExpectRollback()
	// Replay: a succeeds alone, b fails, c is never attempted.
	mock.ExpectBegin()
	mock.ExpectPrepare(upsert)
	mock.ExpectExec(upsert).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectPrepare(upsert)
	mock.ExpectExec(upsert).WillReturnError(boom)
	mock.ExpectRollback()

	res, err := store.Write(context.Background(), []model.Document{incident("a"), incident("b"), incident("c")})
	if !errors.Is(err, model.ErrPartialWriteFailure) {
		t.Fatalf("Write error = %v, want ErrPartialWriteFailure", err)
	}
	if len(res.Succeeded) != 1 || res.Succeeded[0] != "a" {
		t.Errorf("Succeeded = %v, want [a]", res.Succeeded)
	}
	if strings.Join(res.Failed, ",") != "b,c" {
		t.Errorf("Failed = %v, want [b c]", res.Failed)
	}
	var pw *model.PartialWriteError
	if !errors.As(err, &pw) {
		t.Fatalf("error is not a PartialWriteError: %T", err)
	}
	if !errors.Is(pw.Failed["c"], model.ErrNotAttempted) {
		t.Errorf("c failure = %v, want ErrNotAttempted", pw.Failed["c"])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestWriteVariableWithoutOwnerFails(t *testing.T) {
	store, mock := newMockStore(t)
	patch := `UPDATE procscope_process_instance_v1 SET variables = json_patch\(variables, \?\)`

	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectPrepare(patch)
		mock.ExpectExec(patch).WithArgs(`{"amount":12.5}`, "owner").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	v := &model.VariableUpdate{ID: "v1", OwnerID: "owner", ProcessInstanceID: "pi-1", Name: "amount",
		Type: model.VariableDouble, Value: 12.5}
	res, err := store.Write(context.Background(), []model.Document{v})
	if !errors.Is(err, model.ErrPartialWriteFailure) {
		t.Fatalf("Write error = %v, want ErrPartialWriteFailure", err)
	}
	if len(res.Failed) != 1 || res.Failed[0] != "v1" {
		t.Errorf("Failed = %v, want [v1]", res.Failed)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDedupeKeepsLastValueAtFirstPosition(t *testing.T) {
	first := incident("a")
	second := incident("b")
	last := incident("a")
	last.Status = model.IncidentResolved

	got := dedupe([]model.Document{first, second, last})
	if len(got) != 2 {
		t.Fatalf("dedupe returned %d documents, want 2", len(got))
	}
	if got[0] != model.Document(last) || got[1] != model.Document(second) {
		t.Errorf("dedupe order = %v, want [a(resolved) b]", ids(got))
	}
}

func TestDedupeKeepsStreamedInstanceOverBackfill(t *testing.T) {
	streamed := &model.ProcessInstance{ID: "pi", State: model.StateCompleted}
	backfill := &model.ProcessInstance{ID: "pi", State: model.StateActive, Backfill: true}

	got := dedupe([]model.Document{streamed, backfill})
	if len(got) != 1 || got[0] != model.Document(streamed) {
		t.Fatalf("dedupe = %+v, want the streamed instance", got)
	}
	got = dedupe([]model.Document{backfill, streamed})
	if len(got) != 1 || got[0] != model.Document(streamed) {
		t.Fatalf("dedupe = %+v, want the streamed instance", got)
	}
}

func TestInsertIfAbsentSQL(t *testing.T) {
	q := InsertIfAbsentSQL("pi", ProcessInstanceIndex())
	if !strings.HasSuffix(q, "ON CONFLICT (id) DO NOTHING") {
		t.Errorf("unexpected insert: %s", q)
	}
}

func TestUpsertSQLPreservesColumns(t *testing.T) {
	q := UpsertSQL("pi", ProcessInstanceIndex())
	if strings.Contains(q, "variables") {
		t.Errorf("upsert should not touch preserved column: %s", q)
	}
	if !strings.Contains(q, "ON CONFLICT (id) DO UPDATE SET data_source = excluded.data_source") {
		t.Errorf("unexpected upsert: %s", q)
	}
	if strings.Contains(q, "id = excluded.id") {
		t.Errorf("upsert must not update the key: %s", q)
	}
}

func TestVariablePatch(t *testing.T) {
	tests := []struct {
		value any
		want  string
	}{
		{value: "gold", want: `{"tier":"gold"}`},
		{value: true, want: `{"tier":true}`},
		{value: 3.0, want: `{"tier":3}`},
		{value: nil, want: `{"tier":null}`},
		{value: time.UnixMilli(1704067200000), want: `{"tier":1704067200000}`},
	}
	for _, tt := range tests {
		got, err := variablePatch(&model.VariableUpdate{Name: "tier", Value: tt.value})
		if err != nil {
			t.Fatalf("variablePatch(%v): %v", tt.value, err)
		}
		if got != tt.want {
			t.Errorf("variablePatch(%v) = %s, want %s", tt.value, got, tt.want)
		}
	}
	if _, err := variablePatch(&model.VariableUpdate{Name: "x", Value: []int{1}}); err == nil {
		t.Error("expected error for unsupported value type")
	}
}

func TestJSONPathRejectsQuotes(t *testing.T) {
	if p, err := JSONPath("amount"); err != nil || p != `'$."amount"'` {
		t.Errorf(`JSONPath("amount") = %s, %v`, p, err)
	}
	for _, bad := range []string{"", `a"b`, "a'b", `a\b`} {
		if _, err := JSONPath(bad); err == nil {
			t.Errorf("JSONPath(%q) should fail", bad)
		}
	}
}
