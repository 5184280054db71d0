package model

import "context"

// ReportEvaluator evaluates report definitions against the search store.
type ReportEvaluator interface {
	Evaluate(ctx context.Context, def Definition) (Result, error)
	EvaluateCombined(ctx context.Context, defs []Definition) (CombinedResult, error)
}

// ImportStatusReader reports the state of the import loops.
type ImportStatusReader interface {
	ImportStatus() []MediatorStatus
}

// ReadAPI is the unified read contract for read surfaces (HTTP and socket RPC).
type ReadAPI interface {
	ReportEvaluator
	ImportStatusReader
}
