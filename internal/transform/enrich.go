package transform

import (
	"context"
	"fmt"
	"slices"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/source"
)

// Checker reports which documents a store already holds.
type Checker interface {
	Exists(ctx context.Context, entity model.EntityType, ids []string) (map[string]bool, error)
}

// Enricher makes sure every variable update is preceded by its owning
// process instance, either in the store or earlier in the batch.
type Enricher struct {
	store  Checker
	lookup source.InstanceLookup
	tf     *Transformer
}

func NewEnricher(store Checker, lookup source.InstanceLookup, ds model.DataSource) *Enricher {
	return &Enricher{store: store, lookup: lookup, tf: New(ds)}
}

// Enrich returns docs with missing owners inserted ahead of the first
// variable update that needs them. Owners looked up from the source are
// marked Backfill so a newer stored state is never overwritten. kept is the
// number of input documents covered by out: when an owner cannot be
// resolved the batch is cut before that variable and err says why.
func (e *Enricher) Enrich(ctx context.Context, docs []model.Document) (out []model.Document, kept int, err error) {
	var owners []string
	wanted := make(map[string]bool)
	for _, d := range docs {
		if v, ok := d.(*model.VariableUpdate); ok && !wanted[v.OwnerID] {
			wanted[v.OwnerID] = true
			owners = append(owners, v.OwnerID)
		}
	}
	if len(owners) == 0 {
		return docs, len(docs), nil
	}

	stored, err := e.store.Exists(ctx, model.EntityProcessInstance, owners)
	if err != nil {
		return nil, 0, fmt.Errorf("enrich: check instances: %w", err)
	}

	// Instances present anywhere in the batch can be moved up; the writer
	// keeps the last version at the first slot.
	inBatch := make(map[string]model.Document)
	for _, d := range docs {
		if pi, ok := d.(*model.ProcessInstance); ok {
			inBatch[pi.ID] = pi
		}
	}

	var lookupIDs []string
	for _, d := range docs {
		v, ok := d.(*model.VariableUpdate)
		if !ok || stored[v.OwnerID] || inBatch[v.OwnerID] != nil {
			continue
		}
		if !slices.Contains(lookupIDs, v.ProcessInstanceID) {
			lookupIDs = append(lookupIDs, v.ProcessInstanceID)
		}
	}
	fetched, lookupErr := e.fetch(ctx, lookupIDs)

	out = make([]model.Document, 0, len(docs))
	seen := make(map[string]bool)
	for i, d := range docs {
		switch doc := d.(type) {
		case *model.ProcessInstance:
			seen[doc.ID] = true
		case *model.VariableUpdate:
			if stored[doc.OwnerID] || seen[doc.OwnerID] {
				break
			}
			owner := inBatch[doc.OwnerID]
			if owner == nil {
				owner = fetched[doc.OwnerID]
			}
			if owner == nil {
				if lookupErr != nil {
					return out, i, fmt.Errorf("enrich: look up process instance %s: %w", doc.ProcessInstanceID, lookupErr)
				}
				return out, i, fmt.Errorf("enrich: process instance %s of variable %q not found", doc.ProcessInstanceID, doc.Name)
			}
			out = append(out, owner)
			seen[doc.OwnerID] = true
		}
		out = append(out, d)
	}
	return out, len(docs), nil
}

func (e *Enricher) fetch(ctx context.Context, ids []string) (map[string]model.Document, error) {
	found := make(map[string]model.Document)
	if len(ids) == 0 {
		return found, nil
	}
	if e.lookup == nil {
		return found, nil
	}
	recs, err := e.lookup.LookupProcessInstances(ctx, ids)
	if err != nil {
		return found, err
	}
	for _, rec := range recs {
		rec.EntityType = model.EntityProcessInstance
		doc, err := e.tf.Transform(rec)
		if err != nil {
			return found, err
		}
		if pi, ok := doc.(*model.ProcessInstance); ok {
			pi.Backfill = true
		}
		found[doc.DocumentID()] = doc
	}
	return found, nil
}
