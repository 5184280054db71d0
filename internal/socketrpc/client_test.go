package socketrpc_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/socketrpc"
)

// mockAPI is a minimal ReadAPI for roundtrip testing.
type mockAPI struct{}

func (m *mockAPI) Evaluate(_ context.Context, def model.Definition) (model.Result, error) {
	if def.DefinitionKey == "" {
		return model.Result{}, fmt.Errorf("%w: definition key is required", model.ErrInvalidReport)
	}
	return model.Result{
		Type:          model.ResultMap,
		InstanceCount: 3,
		Measures: []model.Measure{{
			Property: model.PropertyFrequency,
			Map:      []model.MapEntry{{Key: "a", Label: "a", Value: 2}, {Key: "b", Label: "b", Value: 1}},
		}},
	}, nil
}

func (m *mockAPI) EvaluateCombined(_ context.Context, defs []model.Definition) (model.CombinedResult, error) {
	out := model.CombinedResult{Results: map[string]model.Result{}}
	for _, d := range defs {
		out.ReportIDs = append(out.ReportIDs, d.ID)
		out.Results[d.ID] = model.Result{Type: model.ResultMap}
	}
	out.Rows = []model.CombinedRow{{Key: "a", Label: "a", Values: map[string]int64{defs[0].ID: 4}}}
	return out, nil
}

func (m *mockAPI) ImportStatus() []model.MediatorStatus {
	return []model.MediatorStatus{{
		Key:             model.CursorKey{DataSource: "engine-1", EntityType: model.EntityIncident, Partition: 2},
		State:           model.StateErrorBackoff,
		Position:        17,
		RecordsImported: 9,
		LastError:       "fetch failed",
	}}
}

func startTestServer(t *testing.T) (string, *socketrpc.Server) {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "test.sock")
	srv := socketrpc.NewServer(sockPath, &mockAPI{})
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	return sockPath, srv
}

func TestRoundtrip(t *testing.T) {
	sockPath, srv := startTestServer(t)
	defer srv.Stop()

	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx := context.Background()

	t.Run("EvaluateReport", func(t *testing.T) {
		res, err := client.Evaluate(ctx, model.Definition{DefinitionKey: "invoice"})
		if err != nil {
			t.Fatal(err)
		}
		if res.Type != model.ResultMap || res.InstanceCount != 3 {
			t.Fatalf("unexpected result: %+v", res)
		}
		if m := res.Measures[0].Map; len(m) != 2 || m[0].Value != 2 {
			t.Fatalf("unexpected map: %v", m)
		}
	})

	t.Run("EvaluateReportInvalid", func(t *testing.T) {
		_, err := client.Evaluate(ctx, model.Definition{})
		if !errors.Is(err, model.ErrInvalidReport) {
			t.Fatalf("error = %v, want ErrInvalidReport", err)
		}
	})

	t.Run("EvaluateCombinedReport", func(t *testing.T) {
		res, err := client.EvaluateCombined(ctx, []model.Definition{{ID: "x"}, {ID: "y"}})
		if err != nil {
			t.Fatal(err)
		}
		if len(res.ReportIDs) != 2 || res.Rows[0].Values["x"] != 4 {
			t.Fatalf("unexpected combined result: %+v", res)
		}
	})

	t.Run("ImportStatus", func(t *testing.T) {
		status, err := client.ImportStatus(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(status) != 1 || status[0].Key.EntityType != model.EntityIncident || status[0].Position != 17 {
			t.Fatalf("unexpected status: %+v", status)
		}
	})
}

func TestDialFailure(t *testing.T) {
	_, err := socketrpc.Dial(filepath.Join(t.TempDir(), "nonexistent.sock"))
	if err == nil {
		t.Fatal("expected error dialing nonexistent socket")
	}
}

func TestSecondServerRejected(t *testing.T) {
	sockPath, srv := startTestServer(t)
	defer srv.Stop()

	other := socketrpc.NewServer(sockPath, &mockAPI{})
	if err := other.Start(); err == nil {
		other.Stop()
		t.Fatal("expected second server on the same socket to fail")
	}
}

func TestServerStopCleansSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "cleanup.sock")
	srv := socketrpc.NewServer(sockPath, &mockAPI{})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	srv.Stop()

	// Socket file should be removed.
	if _, err := socketrpc.Dial(sockPath); err == nil {
		t.Fatal("expected dial to fail after server stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "idempotent.sock")
	srv := socketrpc.NewServer(sockPath, &mockAPI{})
	if err := srv.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	srv.Stop()
	srv.Stop()
}

func TestStopClosesConns(t *testing.T) {
	sockPath, srv := startTestServer(t)
	client, err := socketrpc.Dial(sockPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	srv.Stop()

	done := make(chan error, 1)
	go func() {
		_, callErr := client.ImportStatus(context.Background())
		done <- callErr
	}()

	select {
	case callErr := <-done:
		if callErr == nil {
			t.Fatal("expected client call to fail after server stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client call hung after server stop")
	}
}
