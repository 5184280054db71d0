package search

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// DeleteCompletedBefore removes process instances that ended before cutoff
// together with their flow nodes, user tasks and incidents, and decision
// instances evaluated before cutoff. It returns the number of deleted
// process and decision instances.
func (s *Store) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ms := cutoff.UnixMilli()
	pi := s.Table(model.EntityProcessInstance)

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	for _, entity := range []model.EntityType{model.EntityFlowNodeInstance, model.EntityUserTask, model.EntityIncident} {
		q := fmt.Sprintf(`DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s p
			WHERE p.data_source = %s.data_source AND p.process_instance_id = %s.process_instance_id
			AND p.end_date IS NOT NULL AND p.end_date < ?)`, s.Table(entity), pi, s.Table(entity), s.Table(entity))
		if _, err := tx.ExecContext(ctx, q, ms); err != nil {
			return 0, fmt.Errorf("search: cleanup %s: %w", entity, err)
		}
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE end_date IS NOT NULL AND end_date < ?", pi), ms)
	if err != nil {
		return 0, fmt.Errorf("search: cleanup process instances: %w", err)
	}
	instances, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE evaluation_date < ?", s.Table(model.EntityDecisionInstance)), ms)
	if err != nil {
		return 0, fmt.Errorf("search: cleanup decision instances: %w", err)
	}
	decisions, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return instances + decisions, nil
}

// CleanupConfig holds configuration for the history cleaner.
type CleanupConfig struct {
	TTLDays  int
	Interval time.Duration
}

// HistoryCleaner periodically deletes completed history older than the
// configured time to live.
type HistoryCleaner struct {
	store    *Store
	ttlDays  int
	interval time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewHistoryCleaner creates a cleaner and runs one cleanup immediately.
// Returns nil when the TTL is 0 (disabled).
func NewHistoryCleaner(store *Store, conf CleanupConfig) *HistoryCleaner {
	if conf.TTLDays <= 0 {
		return nil
	}
	if conf.Interval <= 0 {
		conf.Interval = time.Hour
	}

	hc := &HistoryCleaner{
		store:    store,
		ttlDays:  conf.TTLDays,
		interval: conf.Interval,
		done:     make(chan struct{}),
	}

	// Startup cleanup to catch up after downtime.
	hc.cleanup()

	hc.wg.Add(1)
	go hc.tickLoop()

	return hc
}

func (hc *HistoryCleaner) tickLoop() {
	defer hc.wg.Done()
	ticker := time.NewTicker(hc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hc.cleanup()
		case <-hc.done:
			return
		}
	}
}

func (hc *HistoryCleaner) cleanup() {
	cutoff := time.Now().Add(-time.Duration(hc.ttlDays) * 24 * time.Hour)

	n, err := hc.store.DeleteCompletedBefore(context.Background(), cutoff)
	if err != nil {
		log.Printf("search: history cleanup error: %v", err)
		return
	}
	if n > 0 {
		log.Printf("search: history cleanup deleted %d instances (older than %d days)", n, hc.ttlDays)
	}
}

// Stop signals the cleaner to stop and waits for it to finish.
func (hc *HistoryCleaner) Stop() {
	hc.stopOnce.Do(func() {
		close(hc.done)
		hc.wg.Wait()
	})
}
