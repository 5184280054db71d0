// Package prom implements metrics.Recorder on a Prometheus registry.
package prom

import (
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tinytelemetry/procscope/internal/metrics"
)

// Recorder registers the pipeline metrics on its own registry. Unknown
// metric names and mismatched labels are dropped.
type Recorder struct {
	reg      *prometheus.Registry
	counters map[string]*prometheus.CounterVec
	gauges   map[string]*prometheus.GaugeVec
	histos   map[string]*prometheus.HistogramVec
}

func New() *Recorder {
	records := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.ImportRecords,
		Help: "History records processed by the import mediators, by kind.",
	}, metrics.RecordLabels)
	cycles := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.ImportCycles,
		Help: "Import mediator cycles by outcome.",
	}, metrics.CycleLabels)
	writeLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metrics.ImportWriteSeconds,
		Help:    "Latency of one batch write to the search store.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, metrics.CursorLabels)
	cursor := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: metrics.ImportCursorPosition,
		Help: "Last position persisted by an import mediator.",
	}, metrics.CursorLabels)
	reports := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.ReportEvaluations,
		Help: "Report evaluations by report type and status.",
	}, metrics.ReportLabels)
	reportLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    metrics.ReportSeconds,
		Help:    "Latency of report evaluations.",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, metrics.ReportLabels)

	reg := prometheus.NewRegistry()
	reg.MustRegister(records, cycles, writeLatency, cursor, reports, reportLatency)

	return &Recorder{
		reg: reg,
		counters: map[string]*prometheus.CounterVec{
			metrics.ImportRecords:     records,
			metrics.ImportCycles:      cycles,
			metrics.ReportEvaluations: reports,
		},
		gauges: map[string]*prometheus.GaugeVec{
			metrics.ImportCursorPosition: cursor,
		},
		histos: map[string]*prometheus.HistogramVec{
			metrics.ImportWriteSeconds: writeLatency,
			metrics.ReportSeconds:      reportLatency,
		},
	}
}

// Registry exposes the registry for tests and additional collectors.
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Recorder) IncCounter(name string, delta float64, labels metrics.Labels) {
	vec, ok := r.counters[name]
	if !ok {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		log.Printf("prom: %s: %v", name, err)
		return
	}
	c.Add(delta)
}

func (r *Recorder) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	vec, ok := r.histos[name]
	if !ok {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		log.Printf("prom: %s: %v", name, err)
		return
	}
	h.Observe(value)
}

func (r *Recorder) SetGauge(name string, value float64, labels metrics.Labels) {
	vec, ok := r.gauges[name]
	if !ok {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		log.Printf("prom: %s: %v", name, err)
		return
	}
	g.Set(value)
}

// Flush is a no-op; Prometheus scrapes the registry.
func (r *Recorder) Flush() error { return nil }
