// Package eventlog reads and writes exported engine event logs: one
// directory per data source, per-partition JSON lines files that are
// periodically sealed into zstd-compressed segments.
package eventlog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/source"
	"github.com/valyala/fastjson"
)

// Config describes one event log data source.
type Config struct {
	ID  string
	Dir string
	// Partitions restricts the partitions read. Empty means every partition
	// found in Dir.
	Partitions []int
}

// Source reads an event log directory. Reads never modify the directory.
type Source struct {
	ds         model.DataSource
	dir        string
	partitions []int
	index      instanceIndex
}

var _ source.Source = (*Source)(nil)

// New validates cfg and builds a source.
func New(cfg Config) (*Source, error) {
	if cfg.ID == "" {
		return nil, errors.New("eventlog: data source id is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("eventlog: dir is required")
	}
	return &Source{
		ds:         model.DataSource{ID: cfg.ID, Type: model.SourceEventLog},
		dir:        cfg.Dir,
		partitions: append([]int(nil), cfg.Partitions...),
	}, nil
}

func (s *Source) DataSource() model.DataSource { return s.ds }

func (s *Source) Close() error { return nil }

// Partitions returns the configured partitions, or those present on disk.
// An empty directory yields partition 0.
func (s *Source) Partitions(context.Context) ([]int, error) {
	if len(s.partitions) > 0 {
		return append([]int(nil), s.partitions...), nil
	}
	sealed, active, err := listDir(s.dir)
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	for p := range sealed {
		seen[p] = true
	}
	for p := range active {
		seen[p] = true
	}
	if len(seen) == 0 {
		return []int{0}, nil
	}
	out := make([]int, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Ints(out)
	return out, nil
}

func (s *Source) Fetcher(entity model.EntityType, partition int) source.Fetcher {
	return &fetcher{dir: s.dir, entity: entity, partition: partition}
}

// fetcher remembers how far its last scan read so a caught-up stream does
// not re-read records of other entity types. It is owned by one mediator.
type fetcher struct {
	dir       string
	entity    model.EntityType
	partition int

	// scanned is the last position read by the scan that returned a page
	// ending at hintAt.
	hintAt  int64
	scanned int64
}

func (f *fetcher) Fetch(ctx context.Context, cursor model.ImportCursor, maxPageSize int) (model.Page, error) {
	if maxPageSize <= 0 {
		maxPageSize = model.DefaultPageSize
	}
	after := cursor.Position
	if cursor.Position == f.hintAt && f.scanned > after {
		after = f.scanned
	}
	var out []model.RawRecord
	scanned, err := scanPartition(ctx, f.dir, f.partition, after, func(rec model.RawRecord) bool {
		if rec.EntityType != f.entity {
			return true
		}
		out = append(out, rec)
		return len(out) < maxPageSize
	})
	if err != nil {
		return model.Page{}, err
	}
	next := source.Advance(cursor, out)
	f.hintAt, f.scanned = next.Position, scanned
	return model.Page{Records: out, Next: next}, nil
}

// instanceIndex maps process instance keys to the partition and position
// of their latest record, up to the position indexed per partition.
type instanceIndex struct {
	mu      sync.Mutex
	latest  map[string]instanceRef
	indexed map[int]int64
}

type instanceRef struct {
	partition int
	position  int64
}

// LookupProcessInstances returns the latest record of each requested
// process instance. Only records appended since the previous lookup are
// indexed; the requested records are then read from their positions.
func (s *Source) LookupProcessInstances(ctx context.Context, ids []string) ([]model.RawRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	partitions, err := s.Partitions(ctx)
	if err != nil {
		return nil, err
	}

	s.index.mu.Lock()
	defer s.index.mu.Unlock()
	if s.index.latest == nil {
		s.index.latest = make(map[string]instanceRef)
		s.index.indexed = make(map[int]int64)
	}
	for _, p := range partitions {
		scanned, err := scanPartition(ctx, s.dir, p, s.index.indexed[p], func(rec model.RawRecord) bool {
			if rec.EntityType == model.EntityProcessInstance {
				s.index.latest[rec.Key] = instanceRef{partition: p, position: rec.Position}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		s.index.indexed[p] = scanned
	}

	// Read the wanted positions, starting each partition just before the
	// earliest one.
	want := make(map[int]map[int64]bool)
	from := make(map[int]int64)
	for _, id := range ids {
		ref, ok := s.index.latest[id]
		if !ok {
			continue
		}
		if want[ref.partition] == nil {
			want[ref.partition] = make(map[int64]bool)
			from[ref.partition] = ref.position
		}
		want[ref.partition][ref.position] = true
		if ref.position < from[ref.partition] {
			from[ref.partition] = ref.position
		}
	}
	found := make(map[string]model.RawRecord)
	for p, positions := range want {
		remaining := len(positions)
		_, err := scanPartition(ctx, s.dir, p, from[p]-1, func(rec model.RawRecord) bool {
			if positions[rec.Position] {
				found[rec.Key] = rec
				remaining--
			}
			return remaining > 0
		})
		if err != nil {
			return nil, err
		}
	}

	out := make([]model.RawRecord, 0, len(found))
	for _, id := range ids {
		if rec, ok := found[id]; ok {
			out = append(out, rec)
			delete(found, id)
		}
	}
	return out, nil
}

// maxSealRetries bounds how often a scan restarts because the partition was
// sealed while it read the active file.
const maxSealRetries = 3

// scanPartition visits records of partition with a position greater than
// after, in position order, until fn returns false. It returns the last
// position visited, or after when nothing was.
//
// Records of the active file are buffered and only visited once a second
// listing shows no segment sealed behind the scan; otherwise the scan
// restarts from the new segments so a concurrent Seal cannot hide records.
func scanPartition(ctx context.Context, dir string, partition int, after int64, fn func(model.RawRecord) bool) (int64, error) {
	var p fastjson.Parser
	last := after
	stopped := false
	visit := func(rec model.RawRecord) bool {
		last = rec.Position
		rec.Partition = partition
		if !fn(rec) {
			stopped = true
			return false
		}
		return true
	}
	decode := func(line []byte) (model.RawRecord, bool, error) {
		if err := ctx.Err(); err != nil {
			return model.RawRecord{}, false, err
		}
		rec, err := decodeLine(&p, line)
		if err != nil {
			return model.RawRecord{}, false, err
		}
		return rec, rec.Position > last, nil
	}

	for attempt := 0; attempt < maxSealRetries; attempt++ {
		sealed, _, err := listDir(dir)
		if err != nil {
			return last, err
		}
		for _, seg := range sealed[partition] {
			if seg.last <= last {
				continue
			}
			err := readSegment(seg.path, func(line []byte) (bool, error) {
				rec, fresh, err := decode(line)
				if err != nil || !fresh {
					return err == nil, err
				}
				return visit(rec), nil
			})
			if err != nil {
				return last, err
			}
			if stopped {
				return last, nil
			}
		}

		var pending []model.RawRecord
		err = readActive(activePath(dir, partition), func(line []byte) (bool, error) {
			rec, fresh, err := decode(line)
			if err != nil {
				return false, err
			}
			if fresh {
				pending = append(pending, rec)
			}
			return true, nil
		})
		if err != nil {
			return last, err
		}

		relisted, _, err := listDir(dir)
		if err != nil {
			return last, err
		}
		if sealedBehind(relisted[partition], last) {
			continue
		}
		for _, rec := range pending {
			if !visit(rec) {
				break
			}
		}
		return last, nil
	}
	return last, fmt.Errorf("eventlog: partition %d kept sealing during the scan: %w", partition, model.ErrSourceUnavailable)
}

// sealedBehind reports whether segs hold positions after last that a scan
// has not visited.
func sealedBehind(segs []segment, last int64) bool {
	for _, seg := range segs {
		if seg.last > last {
			return true
		}
	}
	return false
}
