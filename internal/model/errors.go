package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSourceUnavailable marks a transient fetch failure. The same cursor
	// is retried after backoff.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrTransform marks a raw record that could not be mapped to a
	// canonical document.
	ErrTransform = errors.New("transform failed")
	// ErrPartialWriteFailure marks a batch where at least one document was
	// not written. The cursor must not advance past it.
	ErrPartialWriteFailure = errors.New("partial write failure")
	// ErrNotAttempted is reported for documents after the first failing one
	// of a salvaged batch.
	ErrNotAttempted = errors.New("not attempted")
	// ErrUnsupportedFilterCombination is returned at compile time for report
	// definitions that have no well-defined query.
	ErrUnsupportedFilterCombination = errors.New("unsupported filter combination")
	// ErrInvalidReport is returned for report definitions with malformed
	// values, such as an unparseable date or an unknown unit.
	ErrInvalidReport = errors.New("invalid report definition")
	// ErrTooManyBuckets is returned when a histogram would exceed its bucket limit.
	ErrTooManyBuckets = errors.New("too many buckets")
	// ErrSchemaUpgradeFailure aborts an upgrade plan and halts startup.
	ErrSchemaUpgradeFailure = errors.New("schema upgrade failure")
	// ErrBackendUnreachable wraps store errors during report evaluation.
	ErrBackendUnreachable = errors.New("backend unreachable")
	// ErrCursorRegression is returned when a cursor save would move it backwards.
	ErrCursorRegression = errors.New("cursor regression")
	// ErrInMemoryStore indicates the store uses an in-memory DB and cannot be snapshotted.
	ErrInMemoryStore = errors.New("in-memory store cannot be snapshotted")
)

// TransformError describes a raw record that could not be transformed.
type TransformError struct {
	Entity   EntityType
	Position int64
	Err      error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s at position %d: %v", e.Entity, e.Position, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

func (e *TransformError) Is(target error) bool { return target == ErrTransform }

// PartialWriteError carries the per-document failures of a batch write.
type PartialWriteError struct {
	Failed map[string]error
}

func (e *PartialWriteError) Error() string {
	first := ""
	for id, err := range e.Failed {
		if !errors.Is(err, ErrNotAttempted) {
			first = fmt.Sprintf("%s: %v", id, err)
			break
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "partial write failure: %d documents failed", len(e.Failed))
	if first != "" {
		b.WriteString(" (")
		b.WriteString(first)
		b.WriteString(")")
	}
	return b.String()
}

func (e *PartialWriteError) Is(target error) bool { return target == ErrPartialWriteFailure }

// StepError reports the upgrade step that aborted a plan.
type StepError struct {
	Plan  string
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("upgrade plan %s step %d (%s): %v", e.Plan, e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

func (e *StepError) Is(target error) bool { return target == ErrSchemaUpgradeFailure }
