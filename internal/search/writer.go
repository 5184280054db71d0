package search

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/tinytelemetry/procscope/internal/model"
)

// UpsertSQL renders the idempotent insert of an index's write columns.
func UpsertSQL(table string, ix Index) string {
	cols := ix.WriteColumns()
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == KeyColumn {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		table, strings.Join(cols, ", "), placeholders(len(cols)), KeyColumn, strings.Join(sets, ", "))
}

// InsertIfAbsentSQL renders an insert that leaves an existing row untouched.
func InsertIfAbsentSQL(table string, ix Index) string {
	cols := ix.WriteColumns()
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(cols, ", "), placeholders(len(cols)), KeyColumn)
}

// Write upserts a batch of documents in source order. Documents sharing an
// id collapse to the last one, kept at the position of the first.
// Backfilled process instances are inserted only when absent. The batch
// is written in one transaction; if
// that fails it is replayed document by document up to the first failure,
// and the failing document and all later ones are reported failed with a
// *model.PartialWriteError.
func (s *Store) Write(ctx context.Context, docs []model.Document) (model.WriteResult, error) {
	docs = dedupe(docs)
	if len(docs) == 0 {
		return model.WriteResult{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.QueryTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.writeTx(ctx, docs)
	if err == nil {
		return model.WriteResult{Succeeded: ids(docs)}, nil
	}
	log.Printf("search: batch of %d documents failed, replaying one by one: %v", len(docs), err)

	var res model.WriteResult
	failed := make(map[string]error)
	for i, doc := range docs {
		if rerr := s.writeTx(ctx, docs[i:i+1]); rerr != nil {
			failed[doc.DocumentID()] = rerr
			res.Failed = append(res.Failed, doc.DocumentID())
			for _, rest := range docs[i+1:] {
				failed[rest.DocumentID()] = model.ErrNotAttempted
				res.Failed = append(res.Failed, rest.DocumentID())
			}
			log.Printf("search: %s %s failed, %d later documents not attempted: %v",
				doc.EntityType(), doc.DocumentID(), len(docs)-i-1, rerr)
			break
		}
		res.Succeeded = append(res.Succeeded, doc.DocumentID())
	}
	if len(failed) == 0 {
		return res, nil
	}
	return res, &model.PartialWriteError{Failed: failed}
}

// writeTx writes docs in a single transaction with statements prepared per
// table for this call only.
func (s *Store) writeTx(ctx context.Context, docs []model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, st := range stmts {
			st.Close()
		}
	}()
	prepare := func(key, query string) (*sql.Stmt, error) {
		if st, ok := stmts[key]; ok {
			return st, nil
		}
		st, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return nil, err
		}
		stmts[key] = st
		return st, nil
	}

	for _, doc := range docs {
		if v, ok := doc.(*model.VariableUpdate); ok {
			if err := s.applyVariable(ctx, prepare, v); err != nil {
				return err
			}
			continue
		}
		ix, err := IndexFor(doc.EntityType())
		if err != nil {
			return err
		}
		table := TableName(s.prefix, ix.Entity, ix.Version)
		key, query := table, UpsertSQL(table, ix)
		if pi, ok := doc.(*model.ProcessInstance); ok && pi.Backfill {
			key, query = "absent:"+table, InsertIfAbsentSQL(table, ix)
		}
		st, err := prepare(key, query)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", table, err)
		}
		vals, err := rowValues(doc)
		if err != nil {
			return err
		}
		if _, err := st.ExecContext(ctx, vals...); err != nil {
			return fmt.Errorf("upsert %s %s: %w", doc.EntityType(), doc.DocumentID(), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) applyVariable(ctx context.Context, prepare func(key, query string) (*sql.Stmt, error), v *model.VariableUpdate) error {
	table := s.Table(model.EntityProcessInstance)
	query := fmt.Sprintf("UPDATE %s SET variables = %s WHERE id = ?", table, s.dialect.MergePatch("variables", "?"))
	st, err := prepare("patch:"+table, query)
	if err != nil {
		return fmt.Errorf("prepare variable patch: %w", err)
	}
	patch, err := variablePatch(v)
	if err != nil {
		return err
	}
	res, err := st.ExecContext(ctx, patch, v.OwnerID)
	if err != nil {
		return fmt.Errorf("patch variable %s of %s: %w", v.Name, v.ProcessInstanceID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("patch variable %s: process instance %s not stored", v.Name, v.ProcessInstanceID)
	}
	return nil
}

// dedupe collapses documents sharing an id to the last one, written at the
// position of the first so dependents later in the batch still find it. A
// backfill never replaces a document read from the stream.
func dedupe(docs []model.Document) []model.Document {
	first := make(map[string]int, len(docs))
	out := make([]model.Document, 0, len(docs))
	for _, d := range docs {
		if i, ok := first[d.DocumentID()]; ok {
			if isBackfill(d) && !isBackfill(out[i]) {
				continue
			}
			out[i] = d
			continue
		}
		first[d.DocumentID()] = len(out)
		out = append(out, d)
	}
	return out
}

func isBackfill(d model.Document) bool {
	pi, ok := d.(*model.ProcessInstance)
	return ok && pi.Backfill
}

func ids(docs []model.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.DocumentID()
	}
	return out
}
