// Package datadog implements metrics.Recorder over DogStatsD.
package datadog

import (
	"fmt"
	"sort"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/tinytelemetry/procscope/internal/metrics"
)

// Config holds Datadog backend configuration.
type Config struct {
	// Addr is the DogStatsD address, e.g. "127.0.0.1:8125" or "unix:///path/to/socket".
	Addr string

	// Namespace is an optional prefix added to all metric names, e.g. "procscope.".
	Namespace string

	GlobalTags []string
}

// Recorder wraps a statsd client and maps labels to "key:value" tags.
type Recorder struct {
	client statsd.ClientInterface
}

// New constructs a Datadog recorder. Addr is required.
func New(cfg Config) (*Recorder, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("datadog: Addr is required")
	}
	var opts []statsd.Option
	if cfg.Namespace != "" {
		opts = append(opts, statsd.WithNamespace(cfg.Namespace))
	}
	if len(cfg.GlobalTags) > 0 {
		opts = append(opts, statsd.WithTags(cfg.GlobalTags))
	}
	c, err := statsd.New(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("datadog: create client: %w", err)
	}
	return &Recorder{client: c}, nil
}

func (r *Recorder) IncCounter(name string, delta float64, labels metrics.Labels) {
	// DogStatsD counts are integers; fractional deltas are truncated.
	_ = r.client.Count(name, int64(delta), labelsToTags(labels), 1)
}

func (r *Recorder) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	_ = r.client.Histogram(name, value, labelsToTags(labels), 1)
}

func (r *Recorder) SetGauge(name string, value float64, labels metrics.Labels) {
	_ = r.client.Gauge(name, value, labelsToTags(labels), 1)
}

// Flush flushes buffered metrics and closes the client. Call it at shutdown.
func (r *Recorder) Flush() error {
	return r.client.Close()
}

func labelsToTags(lbls metrics.Labels) []string {
	if len(lbls) == 0 {
		return nil
	}
	out := make([]string, 0, len(lbls))
	for k, v := range lbls {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}
