// Package schema runs ordered upgrade plans against the search store
// before the import pipeline starts.
package schema

import (
	"context"
	"fmt"
	"log"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

// StepType tags an upgrade step.
type StepType string

const (
	StepCreateIndex   StepType = "create-index"
	StepUpdateMapping StepType = "update-mapping"
	StepReindex       StepType = "reindex"
	StepDeleteData    StepType = "data-delete-by-query"
)

// Client is the store surface upgrade steps operate on.
type Client interface {
	IndexName(entity model.EntityType, version int) string
	TableExists(ctx context.Context, table string) (bool, error)
	CreateIndex(ctx context.Context, ix search.Index) error
	AddColumn(ctx context.Context, table string, col search.Column) error
	CopyRows(ctx context.Context, src, dst string) (int64, error)
	DropTable(ctx context.Context, table string) error
	DeleteWhere(ctx context.Context, table, predicate string, args ...any) (int64, error)
}

// Step is one idempotent upgrade operation on a named index.
type Step interface {
	Type() StepType
	// Target names the index the step operates on.
	Target(c Client) string
	Execute(ctx context.Context, c Client) error
}

// CreateIndexStep creates an index version.
type CreateIndexStep struct {
	Index search.Index
}

func (s CreateIndexStep) Type() StepType { return StepCreateIndex }

func (s CreateIndexStep) Target(c Client) string { return c.IndexName(s.Index.Entity, s.Index.Version) }

func (s CreateIndexStep) Execute(ctx context.Context, c Client) error {
	return c.CreateIndex(ctx, s.Index)
}

// UpdateMappingStep adds columns to an existing index version. It does
// nothing when the index does not exist.
type UpdateMappingStep struct {
	Index   search.Index
	Columns []search.Column
}

func (s UpdateMappingStep) Type() StepType { return StepUpdateMapping }

func (s UpdateMappingStep) Target(c Client) string {
	return c.IndexName(s.Index.Entity, s.Index.Version)
}

func (s UpdateMappingStep) Execute(ctx context.Context, c Client) error {
	table := s.Target(c)
	ok, err := c.TableExists(ctx, table)
	if err != nil || !ok {
		return err
	}
	for _, col := range s.Columns {
		if err := c.AddColumn(ctx, table, col); err != nil {
			return err
		}
	}
	return nil
}

// ReindexStep moves the documents of one index version into another and
// drops the old one. A missing source means the step already ran.
type ReindexStep struct {
	From search.Index
	To   search.Index
}

func (s ReindexStep) Type() StepType { return StepReindex }

func (s ReindexStep) Target(c Client) string { return c.IndexName(s.To.Entity, s.To.Version) }

func (s ReindexStep) Execute(ctx context.Context, c Client) error {
	src := c.IndexName(s.From.Entity, s.From.Version)
	ok, err := c.TableExists(ctx, src)
	if err != nil || !ok {
		return err
	}
	if err := c.CreateIndex(ctx, s.To); err != nil {
		return err
	}
	n, err := c.CopyRows(ctx, src, s.Target(c))
	if err != nil {
		return err
	}
	log.Printf("schema: reindexed %d documents from %s to %s", n, src, s.Target(c))
	return c.DropTable(ctx, src)
}

// DeleteDataStep deletes the documents of an index matching a predicate.
type DeleteDataStep struct {
	Index     search.Index
	Predicate string
	Args      []any
}

func (s DeleteDataStep) Type() StepType { return StepDeleteData }

func (s DeleteDataStep) Target(c Client) string { return c.IndexName(s.Index.Entity, s.Index.Version) }

func (s DeleteDataStep) Execute(ctx context.Context, c Client) error {
	if s.Predicate == "" {
		return fmt.Errorf("delete step on %s has no predicate", s.Target(c))
	}
	table := s.Target(c)
	ok, err := c.TableExists(ctx, table)
	if err != nil || !ok {
		return err
	}
	n, err := c.DeleteWhere(ctx, table, s.Predicate, s.Args...)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Printf("schema: deleted %d documents from %s", n, table)
	}
	return nil
}
