// Package engine reads history records from a workflow engine's REST API.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/source"
	"github.com/valyala/fastjson"
)

// Config describes one engine data source.
type Config struct {
	ID         string
	BaseURL    string
	Partitions []int
	Client     ClientConfig
}

// Source is a REST history source. It is safe for concurrent use.
type Source struct {
	ds          model.DataSource
	base        string
	partitions  []int
	partitioned bool
	client      *client
}

var _ source.Source = (*Source)(nil)

// New validates cfg and builds a source.
func New(cfg Config) (*Source, error) {
	if cfg.ID == "" {
		return nil, errors.New("engine: data source id is required")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("engine: invalid base url %q", cfg.BaseURL)
	}
	s := &Source{
		ds:     model.DataSource{ID: cfg.ID, Type: model.SourceEngine},
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		client: newClient(cfg.Client),
	}
	if len(cfg.Partitions) > 0 {
		s.partitions = append([]int(nil), cfg.Partitions...)
		s.partitioned = true
	} else {
		s.partitions = []int{0}
	}
	return s, nil
}

func (s *Source) DataSource() model.DataSource { return s.ds }

func (s *Source) Partitions(context.Context) ([]int, error) {
	return append([]int(nil), s.partitions...), nil
}

func (s *Source) Close() error {
	s.client.httpClient.CloseIdleConnections()
	return nil
}

// Fetcher returns the page reader of one entity type and partition.
func (s *Source) Fetcher(entity model.EntityType, partition int) source.Fetcher {
	return &fetcher{src: s, entity: entity, partition: partition}
}

type fetcher struct {
	src       *Source
	entity    model.EntityType
	partition int
}

func (f *fetcher) Fetch(ctx context.Context, cursor model.ImportCursor, maxPageSize int) (model.Page, error) {
	if maxPageSize <= 0 {
		maxPageSize = model.DefaultPageSize
	}
	q := url.Values{}
	q.Set("afterPosition", strconv.FormatInt(cursor.Position, 10))
	q.Set("maxResults", strconv.Itoa(maxPageSize))
	if f.src.partitioned {
		q.Set("partitionId", strconv.Itoa(f.partition))
	}
	body, err := f.src.client.get(ctx, f.src.base+"/history/"+string(f.entity)+"?"+q.Encode())
	if err != nil {
		return model.Page{}, err
	}
	records, err := parseRecords(body, f.entity, f.partition)
	if err != nil {
		return model.Page{}, err
	}

	// Keep only records past the cursor, in order, within the page size.
	out := records[:0]
	last := cursor.Position
	for _, r := range records {
		if r.Position <= last {
			continue
		}
		out = append(out, r)
		last = r.Position
		if len(out) == maxPageSize {
			break
		}
	}
	return model.Page{Records: out, Next: source.Advance(cursor, out)}, nil
}

// LookupProcessInstances fetches process instances by id. Unknown ids are
// absent from the result.
func (s *Source) LookupProcessInstances(ctx context.Context, ids []string) ([]model.RawRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	q := url.Values{}
	q.Set("ids", strings.Join(ids, ","))
	body, err := s.client.get(ctx, s.base+"/history/"+string(model.EntityProcessInstance)+"?"+q.Encode())
	if err != nil {
		return nil, err
	}
	return parseRecords(body, model.EntityProcessInstance, 0)
}

func parseRecords(body []byte, entity model.EntityType, partition int) ([]model.RawRecord, error) {
	var p fastjson.Parser
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("engine: decode %s page: %w", entity, err)
	}
	items, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("engine: %s page is not an array: %w", entity, err)
	}
	records := make([]model.RawRecord, 0, len(items))
	for i, item := range items {
		if item.Type() != fastjson.TypeObject {
			return nil, fmt.Errorf("engine: %s record %d is not an object", entity, i)
		}
		pos := item.Get("position")
		if pos == nil {
			return nil, fmt.Errorf("engine: %s record %d has no position", entity, i)
		}
		position, err := pos.Int64()
		if err != nil {
			return nil, fmt.Errorf("engine: %s record %d position: %w", entity, i, err)
		}
		records = append(records, model.RawRecord{
			EntityType:     entity,
			Partition:      partition,
			Position:       position,
			SequenceNumber: item.GetInt64("sequence"),
			Timestamp:      recordTime(item),
			Key:            recordKey(item),
			Payload:        item.MarshalTo(nil),
		})
	}
	return records, nil
}

func recordKey(v *fastjson.Value) string {
	for _, field := range []string{"key", "id"} {
		f := v.Get(field)
		if f == nil {
			continue
		}
		switch f.Type() {
		case fastjson.TypeString:
			return string(f.GetStringBytes())
		case fastjson.TypeNumber:
			return f.String()
		}
	}
	return ""
}

func recordTime(v *fastjson.Value) time.Time {
	ts := v.Get("timestamp")
	if ts == nil {
		return time.Time{}
	}
	switch ts.Type() {
	case fastjson.TypeNumber:
		return time.UnixMilli(ts.GetInt64()).UTC()
	case fastjson.TypeString:
		t, err := time.Parse(time.RFC3339Nano, string(ts.GetStringBytes()))
		if err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
