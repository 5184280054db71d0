package search

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search/migrate"
)

// Options configures a Store. Zero values select the defaults.
type Options struct {
	// Path is the database file. Empty means an in-memory database.
	Path                 string
	IndexPrefix          string
	QueryTimeout         time.Duration
	MaxConcurrentQueries int
}

// Store is the search store: versioned entity tables, the import cursors
// and the upgrade log, reached through one connection pool. Writes are
// serialized; reads are bounded by a semaphore and never wait for writes.
type Store struct {
	db           *sql.DB
	dialect      Dialect
	dbPath       string
	prefix       string
	mu           sync.Mutex
	readSlots    chan struct{}
	QueryTimeout time.Duration
}

// Open opens or creates the database, applies the metadata migrations and
// returns the store. Entity tables are created by EnsureIndices.
func Open(ctx context.Context, dialect Dialect, opts Options) (*Store, error) {
	if dialect == nil {
		return nil, fmt.Errorf("search: nil dialect")
	}
	if opts.Path != "" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open(dialect.DriverName(), dialect.DSN(opts.Path))
	if err != nil {
		return nil, fmt.Errorf("search: open %s: %w", dialect.Backend(), err)
	}
	if err := dialect.Configure(ctx, db, opts.Path); err != nil {
		db.Close()
		return nil, fmt.Errorf("search: configure %s: %w", dialect.Backend(), err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("search: ping %s: %w", dialect.Backend(), err)
	}
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		db.Close()
		return nil, err
	}

	prefix := opts.IndexPrefix
	if prefix == "" {
		prefix = model.DefaultIndexPrefix
	}
	qt := opts.QueryTimeout
	if qt <= 0 {
		qt = model.DefaultQueryTimeout
	}
	slots := opts.MaxConcurrentQueries
	if slots <= 0 {
		slots = model.DefaultMaxConcurrentQueries
	}

	return &Store{
		db:           db,
		dialect:      dialect,
		dbPath:       opts.Path,
		prefix:       prefix,
		readSlots:    make(chan struct{}, slots),
		QueryTimeout: qt,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend dialect the store was opened with.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Prefix returns the index table prefix.
func (s *Store) Prefix() string {
	return s.prefix
}

// Table returns the physical table of the current index for an entity type.
func (s *Store) Table(entity model.EntityType) string {
	ix, err := IndexFor(entity)
	if err != nil {
		return ""
	}
	return TableName(s.prefix, ix.Entity, ix.Version)
}

// CreateIndex creates the table of an index version if it does not exist.
func (s *Store) CreateIndex(ctx context.Context, ix Index) error {
	table := TableName(s.prefix, ix.Entity, ix.Version)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, CreateTableSQL(s.dialect, table, ix)); err != nil {
		return fmt.Errorf("search: create index %s: %w", table, err)
	}
	return nil
}

// EnsureIndices creates every current index that does not exist yet.
func (s *Store) EnsureIndices(ctx context.Context) error {
	for _, ix := range CurrentIndices() {
		if err := s.CreateIndex(ctx, ix); err != nil {
			return err
		}
	}
	return nil
}

// Query runs a read query on the shared pool, bounded by the read
// semaphore and QueryTimeout. scan is called once per row. Store errors
// are wrapped with model.ErrBackendUnreachable.
func (s *Store) Query(ctx context.Context, query string, args []any, scan func(*sql.Rows) error) error {
	select {
	case s.readSlots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-s.readSlots }()

	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnreachable, err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(rows); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrBackendUnreachable, err)
	}
	return nil
}

// Exists reports which of the given document ids are stored for an entity type.
func (s *Store) Exists(ctx context.Context, entity model.EntityType, ids []string) (map[string]bool, error) {
	found := make(map[string]bool, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	q := fmt.Sprintf("SELECT id FROM %s WHERE id IN (%s)", s.Table(entity), placeholders(len(ids)))
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	err := s.Query(ctx, q, args, func(rows *sql.Rows) error {
		var id string
		if err := rows.Scan(&id); err != nil {
			return err
		}
		found[id] = true
		return nil
	})
	return found, err
}

// Count returns the number of documents of an entity type.
func (s *Store) Count(ctx context.Context, entity model.EntityType) (int64, error) {
	var n int64
	err := s.Query(ctx, "SELECT COUNT(*) FROM "+s.Table(entity), nil, func(rows *sql.Rows) error {
		return rows.Scan(&n)
	})
	return n, err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	b := make([]byte, 0, 2*n)
	for i := 0; i < n; i++ {
		if i > 0 {
			b = append(b, ',')
		}
		b = append(b, '?')
	}
	return string(b)
}
