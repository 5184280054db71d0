// Package importer runs the incremental import loops that move history
// records from sources into the search store, one loop per data source,
// entity type and partition, each with its own durable cursor.
package importer

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/source"
	"golang.org/x/sync/errgroup"
)

// SourceConfig selects the entity types imported from one source. Empty
// Entities imports every entity type.
type SourceConfig struct {
	Source   source.Source
	Entities []model.EntityType
}

// Importer owns the mediators. ImportStatus is safe to call while Run is
// active.
type Importer struct {
	store   Store
	rec     metrics.Recorder
	cfg     Config
	sources []SourceConfig

	mu        sync.Mutex
	mediators []*Mediator
}

var _ model.ImportStatusReader = (*Importer)(nil)

func New(store Store, rec metrics.Recorder, cfg Config, sources ...SourceConfig) *Importer {
	return &Importer{store: store, rec: metrics.OrNop(rec), cfg: cfg, sources: sources}
}

// Build creates the mediators, resolving the partitions of every source.
// Run calls it when no mediators exist yet.
func (im *Importer) Build(ctx context.Context) error {
	var ms []*Mediator
	seen := make(map[string]bool)
	for _, sc := range im.sources {
		ds := sc.Source.DataSource()
		if seen[ds.ID] {
			return fmt.Errorf("importer: duplicate data source %q", ds.ID)
		}
		seen[ds.ID] = true

		partitions, err := sc.Source.Partitions(ctx)
		if err != nil {
			return fmt.Errorf("importer: partitions of %s: %w", ds.ID, err)
		}
		entities := sc.Entities
		if len(entities) == 0 {
			entities = model.AllEntityTypes()
		}
		for _, entity := range entities {
			for _, p := range partitions {
				ms = append(ms, NewMediator(sc.Source, entity, p, im.store, im.rec, im.cfg))
			}
		}
	}
	im.mu.Lock()
	im.mediators = ms
	im.mu.Unlock()
	return nil
}

// Run runs every mediator until ctx is canceled. Each mediator finishes a
// cycle that is already writing before Run returns.
func (im *Importer) Run(ctx context.Context) error {
	im.mu.Lock()
	built := len(im.mediators) > 0
	im.mu.Unlock()
	if !built {
		if err := im.Build(ctx); err != nil {
			return err
		}
	}

	im.mu.Lock()
	ms := append([]*Mediator(nil), im.mediators...)
	im.mu.Unlock()
	if len(ms) == 0 {
		log.Printf("importer: no data sources configured")
		<-ctx.Done()
		return nil
	}

	log.Printf("importer: starting %d import loops", len(ms))
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range ms {
		g.Go(func() error { return m.Run(gctx) })
	}
	return g.Wait()
}

// ImportStatus returns the status of every mediator ordered by cursor key.
func (im *Importer) ImportStatus() []model.MediatorStatus {
	im.mu.Lock()
	ms := append([]*Mediator(nil), im.mediators...)
	im.mu.Unlock()

	out := make([]model.MediatorStatus, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

// Close closes every source.
func (im *Importer) Close() error {
	var first error
	for _, sc := range im.sources {
		if err := sc.Source.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
