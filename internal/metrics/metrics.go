// Package metrics records operational metrics of the import pipeline and
// the report engine behind a small backend-agnostic interface. A Recorder
// is passed explicitly to the components that use it; Nop is the default.
package metrics

import (
	"strconv"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Recorder is implemented by metrics backends.
type Recorder interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	SetGauge(name string, value float64, labels Labels)
	// Flush pushes or flushes buffered metrics, if the backend needs it.
	Flush() error
}

// Metric names.
const (
	ImportRecords        = "procscope_import_records_total"
	ImportCycles         = "procscope_import_cycles_total"
	ImportWriteSeconds   = "procscope_import_write_seconds"
	ImportCursorPosition = "procscope_import_cursor_position"
	ReportEvaluations    = "procscope_report_evaluations_total"
	ReportSeconds        = "procscope_report_evaluation_seconds"
)

// Label names per metric.
var (
	CursorLabels = []string{"data_source", "entity", "partition"}
	RecordLabels = []string{"data_source", "entity", "partition", "kind"}
	CycleLabels  = []string{"data_source", "entity", "partition", "outcome"}
	ReportLabels = []string{"report_type", "status"}
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, float64, Labels)       {}
func (Nop) ObserveHistogram(string, float64, Labels) {}
func (Nop) SetGauge(string, float64, Labels)         {}
func (Nop) Flush() error                             { return nil }

// OrNop returns r, or Nop when r is nil.
func OrNop(r Recorder) Recorder {
	if r == nil {
		return Nop{}
	}
	return r
}

func cursorLabels(key model.CursorKey) Labels {
	return Labels{
		"data_source": key.DataSource,
		"entity":      string(key.EntityType),
		"partition":   strconv.Itoa(key.Partition),
	}
}

// RecordRecords counts records of one mediator by kind: fetched, written
// or skipped.
func RecordRecords(r Recorder, key model.CursorKey, kind string, n int) {
	if n <= 0 {
		return
	}
	l := cursorLabels(key)
	l["kind"] = kind
	r.IncCounter(ImportRecords, float64(n), l)
}

// RecordCycle counts one mediator cycle by outcome: idle, imported or error.
func RecordCycle(r Recorder, key model.CursorKey, outcome string) {
	l := cursorLabels(key)
	l["outcome"] = outcome
	r.IncCounter(ImportCycles, 1, l)
}

// RecordWrite observes the latency of one batch write.
func RecordWrite(r Recorder, key model.CursorKey, d time.Duration) {
	r.ObserveHistogram(ImportWriteSeconds, d.Seconds(), cursorLabels(key))
}

// SetCursor publishes the position a mediator has reached.
func SetCursor(r Recorder, key model.CursorKey, position int64) {
	r.SetGauge(ImportCursorPosition, float64(position), cursorLabels(key))
}

// RecordReport counts one report evaluation and observes its latency.
func RecordReport(r Recorder, reportType string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	l := Labels{"report_type": reportType, "status": status}
	r.IncCounter(ReportEvaluations, 1, l)
	r.ObserveHistogram(ReportSeconds, d.Seconds(), l)
}
