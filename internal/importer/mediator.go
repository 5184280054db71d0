package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tinytelemetry/procscope/internal/metrics"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/source"
	"github.com/tinytelemetry/procscope/internal/transform"
)

// Store is the persistence a mediator needs.
type Store interface {
	transform.Checker
	Write(ctx context.Context, docs []model.Document) (model.WriteResult, error)
	LoadCursor(ctx context.Context, key model.CursorKey) (model.ImportCursor, bool, error)
	SaveCursor(ctx context.Context, cur model.ImportCursor) error
}

// Config tunes the import loops. Zero values select the defaults.
type Config struct {
	PageSize   int
	Interval   time.Duration
	BackoffMin time.Duration
	BackoffMax time.Duration
	// SkipAfter drops a record that failed to transform or enrich in more
	// than SkipAfter consecutive cycles. 0 never drops.
	SkipAfter int
	// StartPositions seeds cursors that have never been saved, per data
	// source id.
	StartPositions map[string]int64
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = model.DefaultPageSize
	}
	if c.Interval <= 0 {
		c.Interval = model.DefaultImportInterval
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = model.DefaultBackoffMin
	}
	if c.BackoffMax < c.BackoffMin {
		c.BackoffMax = model.DefaultBackoffMax
		if c.BackoffMax < c.BackoffMin {
			c.BackoffMax = c.BackoffMin
		}
	}
	return c
}

// Cycle outcomes.
const (
	outcomeIdle     = "idle"
	outcomeImported = "imported"
	outcomeError    = "error"
)

// cycleResult summarizes one cycle.
type cycleResult struct {
	fetched  int
	imported int
	skipped  int
	// full is true when the source returned a whole page, so more records
	// are likely waiting.
	full bool
}

// Mediator drives one cursor through FETCHING, TRANSFORMING, WRITING and
// ADVANCING. Cycles are sequential; Status may be called concurrently.
type Mediator struct {
	key      model.CursorKey
	fetcher  source.Fetcher
	tf       *transform.Transformer
	enricher *transform.Enricher
	store    Store
	rec      metrics.Recorder
	cfg      Config

	// sleep waits d or until ctx is done; tests replace it.
	sleep func(ctx context.Context, d time.Duration) error

	cursor  model.ImportCursor
	loaded  bool
	backoff time.Duration

	stuckAt     int64
	stuckCycles int

	mu     sync.Mutex
	status model.MediatorStatus
}

// NewMediator builds the mediator of one (data source, entity type,
// partition) cursor.
func NewMediator(src source.Source, entity model.EntityType, partition int, store Store, rec metrics.Recorder, cfg Config) *Mediator {
	ds := src.DataSource()
	key := model.CursorKey{DataSource: ds.ID, EntityType: entity, Partition: partition}
	m := &Mediator{
		key:      key,
		fetcher:  src.Fetcher(entity, partition),
		tf:       transform.New(ds),
		enricher: transform.NewEnricher(store, src, ds),
		store:    store,
		rec:      metrics.OrNop(rec),
		cfg:      cfg.withDefaults(),
		sleep:    sleepContext,
	}
	m.status = model.MediatorStatus{Key: key, State: model.StateIdle}
	return m
}

// Key identifies the mediator's cursor.
func (m *Mediator) Key() model.CursorKey { return m.key }

// Status returns a snapshot of the mediator state.
func (m *Mediator) Status() model.MediatorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Mediator) setState(s model.MediatorState) {
	m.mu.Lock()
	m.status.State = s
	m.mu.Unlock()
}

// Run executes cycles until ctx is canceled. A cycle that reached WRITING
// completes before Run returns.
func (m *Mediator) Run(ctx context.Context) error {
	log.Printf("importer: %s started", m.key)
	defer log.Printf("importer: %s stopped", m.key)
	for {
		if ctx.Err() != nil {
			return nil
		}
		res, err := m.RunCycle(ctx)
		var wait time.Duration
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			wait = m.nextBackoff()
			log.Printf("importer: %s cycle failed, retrying in %s: %v", m.key, wait, err)
		case res.full:
			m.backoff = 0
			continue
		default:
			m.backoff = 0
			wait = m.cfg.Interval
		}
		if err := m.sleep(ctx, wait); err != nil {
			return nil
		}
		m.setState(model.StateIdle)
	}
}

// nextBackoff doubles the error backoff from BackoffMin up to BackoffMax.
func (m *Mediator) nextBackoff() time.Duration {
	if m.backoff == 0 {
		m.backoff = m.cfg.BackoffMin
	} else {
		m.backoff *= 2
	}
	if m.backoff > m.cfg.BackoffMax {
		m.backoff = m.cfg.BackoffMax
	}
	return m.backoff
}

// RunCycle performs one import cycle. On error the mediator is left in
// ERROR_BACKOFF and the cursor has only moved past records that were
// written.
func (m *Mediator) RunCycle(ctx context.Context) (res cycleResult, err error) {
	defer func() { m.finishCycle(res, err) }()

	if !m.loaded {
		cur, ok, err := m.store.LoadCursor(ctx, m.key)
		if err != nil {
			return res, fmt.Errorf("load cursor: %w", err)
		}
		if !ok {
			cur = model.ImportCursor{Key: m.key, Position: m.cfg.StartPositions[m.key.DataSource]}
		}
		m.cursor = cur
		m.loaded = true
		m.mu.Lock()
		m.status.Position = cur.Position
		m.mu.Unlock()
	}

	m.setState(model.StateFetching)
	page, err := m.fetcher.Fetch(ctx, m.cursor, m.cfg.PageSize)
	if err != nil {
		return res, fmt.Errorf("fetch: %w", err)
	}
	records := page.Records
	res.fetched = len(records)
	res.full = len(records) >= m.cfg.PageSize
	metrics.RecordRecords(m.rec, m.key, "fetched", len(records))
	if len(records) == 0 {
		return res, nil
	}

	m.setState(model.StateTransforming)
	docs, cutErr := m.tf.TransformAll(records)
	out, kept, enrichErr := m.enricher.Enrich(ctx, docs)
	if enrichErr != nil {
		cutErr = enrichErr
	}
	if cutErr != nil {
		if transient(cutErr) {
			if kept == 0 {
				return res, cutErr
			}
		} else {
			m.trackStuck(records[kept].Position)
		}
		if kept == 0 && m.cfg.SkipAfter > 0 && m.stuckCycles > m.cfg.SkipAfter {
			log.Printf("importer: %s dropping record at position %d after %d failed cycles: %v",
				m.key, records[0].Position, m.stuckCycles-1, cutErr)
			m.stuckCycles = 0
			if err := m.advance(context.WithoutCancel(ctx), records[:1]); err != nil {
				return res, err
			}
			res.skipped = 1
			return res, nil
		}
		if kept == 0 {
			return res, cutErr
		}
		log.Printf("importer: %s importing %d of %d records, stopped at position %d: %v",
			m.key, kept, len(records), records[kept].Position, cutErr)
		res.full = false
	} else {
		m.stuckCycles = 0
	}

	// Once writing starts the cycle finishes even if ctx is canceled.
	wctx := context.WithoutCancel(ctx)
	m.setState(model.StateWriting)
	start := time.Now()
	if _, err := m.store.Write(wctx, out); err != nil {
		return res, fmt.Errorf("write: %w", err)
	}
	metrics.RecordWrite(m.rec, m.key, time.Since(start))

	if err := m.advance(wctx, records[:kept]); err != nil {
		return res, err
	}
	res.imported = kept
	return res, cutErr
}

func (m *Mediator) advance(ctx context.Context, written []model.RawRecord) error {
	m.setState(model.StateAdvancing)
	next := source.Advance(m.cursor, written)
	next.Key = m.key
	next.UpdatedAt = time.Now().UTC()
	if err := m.store.SaveCursor(ctx, next); err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	m.cursor = next
	metrics.SetCursor(m.rec, m.key, next.Position)
	return nil
}

// trackStuck counts consecutive cycles failing at the same position.
func (m *Mediator) trackStuck(position int64) {
	if m.stuckCycles > 0 && m.stuckAt == position {
		m.stuckCycles++
		return
	}
	m.stuckAt = position
	m.stuckCycles = 1
}

func (m *Mediator) finishCycle(res cycleResult, err error) {
	outcome := outcomeIdle
	switch {
	case err != nil:
		outcome = outcomeError
	case res.imported > 0 || res.skipped > 0:
		outcome = outcomeImported
	}
	metrics.RecordCycle(m.rec, m.key, outcome)
	metrics.RecordRecords(m.rec, m.key, "written", res.imported)
	metrics.RecordRecords(m.rec, m.key, "skipped", res.skipped)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Cycles++
	m.status.LastCycleAt = time.Now().UTC()
	m.status.RecordsImported += int64(res.imported)
	m.status.RecordsSkipped += int64(res.skipped)
	m.status.Position = m.cursor.Position
	if err != nil {
		m.status.Failures++
		m.status.LastError = err.Error()
		m.status.State = model.StateErrorBackoff
		return
	}
	m.status.LastError = ""
	m.status.State = model.StateIdle
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transient reports whether err says nothing about the record itself.
func transient(err error) bool {
	return errors.Is(err, model.ErrSourceUnavailable) || errors.Is(err, model.ErrBackendUnreachable) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
