package schema

import (
	"context"
	"fmt"
	"log"

	"github.com/tinytelemetry/procscope/internal/model"
)

// Plan is a named, ordered list of upgrade steps.
type Plan struct {
	Name  string
	Steps []Step
}

// Log records executed steps so a re-run resumes at the first step that
// has not completed.
type Log interface {
	StepDone(ctx context.Context, plan string, index int) (bool, error)
	RecordStep(ctx context.Context, plan string, index int, stepType, indexName string) error
}

// Store is everything Prepare needs from the search store.
type Store interface {
	Client
	Log
	EnsureIndices(ctx context.Context) error
}

// Execute runs the steps of a plan strictly in order. The first failing
// step aborts the plan with a *model.StepError; nothing is rolled back.
func Execute(ctx context.Context, c Client, l Log, p Plan) error {
	for i, step := range p.Steps {
		done, err := l.StepDone(ctx, p.Name, i)
		if err != nil {
			return &model.StepError{Plan: p.Name, Index: i, Step: string(step.Type()), Err: err}
		}
		if done {
			continue
		}
		if err := step.Execute(ctx, c); err != nil {
			return &model.StepError{Plan: p.Name, Index: i, Step: string(step.Type()), Err: err}
		}
		if err := l.RecordStep(ctx, p.Name, i, string(step.Type()), step.Target(c)); err != nil {
			return &model.StepError{Plan: p.Name, Index: i, Step: string(step.Type()), Err: err}
		}
		log.Printf("schema: plan %s step %d (%s on %s) done", p.Name, i, step.Type(), step.Target(c))
	}
	return nil
}

// Prepare runs every plan in order and then creates the current indices.
// Any error is fatal for startup.
func Prepare(ctx context.Context, s Store, plans []Plan) error {
	for _, p := range plans {
		if err := Execute(ctx, s, s, p); err != nil {
			return err
		}
	}
	if err := s.EnsureIndices(ctx); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSchemaUpgradeFailure, err)
	}
	return nil
}
