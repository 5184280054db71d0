// Package backend selects the search dialect for a configured backend.
package backend

import (
	"context"
	"fmt"

	"github.com/tinytelemetry/procscope/internal/duckdb"
	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/schema"
	"github.com/tinytelemetry/procscope/internal/search"
	"github.com/tinytelemetry/procscope/internal/sqlite"
)

// DialectFor returns the dialect implementing a backend.
func DialectFor(b model.Backend) (search.Dialect, error) {
	switch b {
	case model.BackendDuckDB:
		return duckdb.Dialect{}, nil
	case model.BackendSQLite:
		return sqlite.Dialect{}, nil
	default:
		return nil, fmt.Errorf("backend: unsupported backend %q", b)
	}
}

// Open opens a search store on the given backend, runs the shipped upgrade
// plans and creates the current indices. An upgrade failure is returned
// as model.ErrSchemaUpgradeFailure and must halt startup.
func Open(ctx context.Context, b model.Backend, opts search.Options) (*search.Store, error) {
	d, err := DialectFor(b)
	if err != nil {
		return nil, err
	}
	store, err := search.Open(ctx, d, opts)
	if err != nil {
		return nil, err
	}
	if err := schema.Prepare(ctx, store, schema.Plans()); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// All lists every supported backend.
func All() []model.Backend {
	return []model.Backend{model.BackendDuckDB, model.BackendSQLite}
}
