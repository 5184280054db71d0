// Package source defines the contract between history sources and the
// import pipeline.
package source

import (
	"context"

	"github.com/tinytelemetry/procscope/internal/model"
)

// Fetcher pulls pages of raw records of one entity type and partition.
//
// Fetch returns records with a position strictly greater than the cursor,
// in source order, never more than maxPageSize of them. A transient failure
// returns an error wrapping model.ErrSourceUnavailable. An empty page whose
// Next equals the input cursor means the source is caught up. Calling Fetch
// repeatedly with the same cursor has no side effects.
type Fetcher interface {
	Fetch(ctx context.Context, cursor model.ImportCursor, maxPageSize int) (model.Page, error)
}

// InstanceLookup resolves process instances by id, for enriching records
// that reference an instance the store has not seen yet.
type InstanceLookup interface {
	LookupProcessInstances(ctx context.Context, ids []string) ([]model.RawRecord, error)
}

// Source is a configured origin of history records.
type Source interface {
	InstanceLookup
	DataSource() model.DataSource
	// Partitions lists the partitions the source exposes. Unpartitioned
	// sources return [0].
	Partitions(ctx context.Context) ([]int, error)
	Fetcher(entity model.EntityType, partition int) Fetcher
	Close() error
}

// Advance returns the cursor after the last record of page, or cursor when
// the page is empty.
func Advance(cursor model.ImportCursor, records []model.RawRecord) model.ImportCursor {
	if len(records) == 0 {
		return cursor
	}
	last := records[len(records)-1]
	next := cursor
	next.Position = last.Position
	next.SequenceNumber = last.SequenceNumber
	return next
}
