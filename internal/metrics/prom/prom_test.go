package prom

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/model"
)

func TestRecorderMetrics(t *testing.T) {
	r := New()
	key := model.CursorKey{DataSource: "engine-1", EntityType: model.EntityIncident}

	metrics.RecordRecords(r, key, "written", 5)
	metrics.RecordRecords(r, key, "written", 2)
	got := testutil.ToFloat64(r.counters[metrics.ImportRecords].WithLabelValues("engine-1", "incident", "0", "written"))
	if got != 7 {
		t.Fatalf("expected records counter 7, got %f", got)
	}

	metrics.SetCursor(r, key, 12)
	if got := testutil.ToFloat64(r.gauges[metrics.ImportCursorPosition].WithLabelValues("engine-1", "incident", "0")); got != 12 {
		t.Fatalf("expected cursor gauge 12, got %f", got)
	}

	metrics.RecordWrite(r, key, 20*time.Millisecond)
	if samples := testutil.CollectAndCount(r.histos[metrics.ImportWriteSeconds]); samples != 1 {
		t.Fatalf("expected write histogram to record 1 series, got %d", samples)
	}

	// Unknown names and mismatched labels are dropped.
	r.IncCounter("nope_total", 1, nil)
	r.IncCounter(metrics.ImportCycles, 1, metrics.Labels{"x": "y"})
	if n := testutil.CollectAndCount(r.counters[metrics.ImportCycles]); n != 0 {
		t.Fatalf("expected no cycle series, got %d", n)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	r := New()
	metrics.RecordReport(r, "process", nil, time.Millisecond)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `procscope_report_evaluations_total{report_type="process",status="success"} 1`) {
		t.Fatalf("unexpected exposition:\n%s", rec.Body.String())
	}
}
