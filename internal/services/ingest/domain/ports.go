package domain

import "context"

// RunnerPort is the public port exposed by the module (what callers invoke)
type RunnerPort interface {
	Run(ctx context.Context, seeds []PageRequest) (Snapshot, error)
}

// Fetcher retrieves one page of raw records from a source
type Fetcher interface {
	FetchPage(ctx context.Context, req PageRequest) (Page, error)
}

// Transformer maps a raw record to an entity and its dedup key.
// Validation of the raw payload happens here; a failed transform skips the
// single record without touching its siblings
type Transformer interface {
	Transform(raw RawRecord) (Entity, string, error)
}

// Sink persists entities by dedup key
type Sink interface {
	// Exists is the authoritative membership check behind the filter and cache
	Exists(ctx context.Context, key string) (bool, error)

	// UpsertBatch writes a batch with upsert-by-key semantics and reports
	// per-entity outcomes. Replaying the same batch is idempotent
	UpsertBatch(ctx context.Context, entities []Entity) ([]UpsertResult, error)
}

// RunsRepo records run-level bookkeeping rows
type RunsRepo interface {
	StartRun(ctx context.Context, runID string, sources []string) error
	FinishRun(ctx context.Context, runID string, fin RunFinish) error
}

// StorageRepo is the storage repository interface, bound per transaction
type StorageRepo interface {
	// ExistsKey reports whether a record with this dedup key is persisted
	ExistsKey(ctx context.Context, key string) (bool, error)

	// UpsertEntities writes a batch upsert-by-key with per-row outcomes
	UpsertEntities(ctx context.Context, entities []Entity) ([]UpsertResult, error)

	// InsertRun opens a bookkeeping row for a run
	InsertRun(ctx context.Context, runID string, sources []string) error

	// FinishRun closes the bookkeeping row with final counters
	FinishRun(ctx context.Context, runID string, fin RunFinish) error
}
