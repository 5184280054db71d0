// Package backup takes periodic snapshots of the search store. Each
// snapshot is a complete database copy with the entity tables, the import
// cursors and the upgrade step log, plus a manifest naming the data
// sources it covers. Retention and uploads are per data-source set.
package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultInterval = 6 * time.Hour
	defaultKeepLast = 24
)

// Manager runs periodic snapshots and optional remote uploads.
type Manager struct {
	store    Store
	cfg      Config
	uploader Uploader
	now      func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager validates cfg, takes a first snapshot and starts the periodic
// loop. It returns nil when backups are disabled.
func NewManager(store Store, cfg Config) (*Manager, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if store == nil {
		return nil, fmt.Errorf("backup: nil store")
	}
	if strings.TrimSpace(store.DBPath()) == "" {
		return nil, fmt.Errorf("backup: db-path is empty (in-memory store)")
	}
	if strings.TrimSpace(cfg.LocalDir) == "" {
		return nil, fmt.Errorf("backup: local-dir is required when backup is enabled")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.KeepLast <= 0 {
		cfg.KeepLast = defaultKeepLast
	}
	if err := os.MkdirAll(cfg.LocalDir, 0755); err != nil {
		return nil, fmt.Errorf("backup: create local-dir: %w", err)
	}

	m := &Manager{store: store, cfg: cfg, done: make(chan struct{})}
	if strings.TrimSpace(cfg.BucketURL) != "" {
		up, err := NewS3Uploader(S3Config{
			BucketURL:    cfg.BucketURL,
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			SessionToken: cfg.S3SessionToken,
			UseSSL:       cfg.S3UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("backup: init s3 uploader: %w", err)
		}
		m.uploader = up
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	if _, err := m.RunOnce(m.ctx); err != nil {
		log.Printf("backup: startup snapshot failed: %v", err)
	}
	m.wg.Add(1)
	go m.loop()
	return m, nil
}

func (m *Manager) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(m.ctx); err != nil && m.ctx.Err() == nil {
				log.Printf("backup: periodic snapshot failed: %v", err)
			}
		case <-m.done:
			return
		}
	}
}

// RunOnce snapshots the store, writes its manifest, uploads both when a
// bucket is configured and prunes older snapshots of the same data-source
// set. It returns the path of the new snapshot.
func (m *Manager) RunOnce(ctx context.Context) (string, error) {
	now := time.Now
	if m.now != nil {
		now = m.now
	}
	at := now().UTC()
	partial := filepath.Join(m.cfg.LocalDir, fmt.Sprintf(".%s%s.partial", filePrefix, at.Format(stampLayout)))
	info, err := m.store.Snapshot(ctx, partial)
	if err != nil {
		return "", fmt.Errorf("snapshot: %w", err)
	}

	sources := info.DataSources()
	label := sourceLabel(sources)
	path := filepath.Join(m.cfg.LocalDir, snapshotName(label, at))
	if err := os.Rename(partial, path); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("name snapshot: %w", err)
	}
	manifest := Manifest{Snapshot: filepath.Base(path), Label: label, Sources: sources, SnapshotInfo: info}
	if err := writeManifest(manifestPath(path), manifest); err != nil {
		return path, fmt.Errorf("write manifest: %w", err)
	}
	log.Printf("backup: snapshot %s (%d cursors, %d upgrade steps)", filepath.Base(path), len(info.Cursors), len(info.Steps))

	if m.uploader != nil {
		// The manifest goes last so a remote manifest always has its snapshot.
		for _, p := range []string{path, manifestPath(path)} {
			if err := m.uploader.Upload(ctx, p, label+"/"+filepath.Base(p)); err != nil {
				return path, fmt.Errorf("upload %s: %w", filepath.Base(p), err)
			}
		}
	}

	if err := prune(m.cfg.LocalDir, label, m.cfg.KeepLast); err != nil {
		return path, fmt.Errorf("prune %s snapshots: %w", label, err)
	}
	return path, nil
}

// Stop terminates the periodic loop and cancels an in-flight upload.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		close(m.done)
		m.wg.Wait()
	})
}

// prune keeps the newest keepLast snapshots labelled label. Snapshots of
// other data-source sets are left alone.
func prune(dir, label string, keepLast int) error {
	if keepLast <= 0 {
		return nil
	}
	groups, err := List(dir)
	if err != nil {
		return err
	}
	entries := groups[label]
	if len(entries) <= keepLast {
		return nil
	}
	for _, e := range entries[keepLast:] {
		for _, p := range []string{e.Path, manifestPath(e.Path)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return err
			}
		}
	}
	return nil
}
