package repo

import (
	"context"
	"time"

	"statline/internal/platform/logger"
	"statline/internal/platform/store"
	"statline/internal/services/ingest/domain"
)

// ArchivingSink decorates a Sink with an append-only clickhouse trail: one
// row per successfully persisted entity. Archive failures are logged and
// never fail the write path
type ArchivingSink struct {
	Next domain.Sink
	CH   store.Clickhouse

	// now is a seam for tests
	now func() time.Time
}

// archiveTable is the append-only columnar table
// (run_id, dedup_key, kind, source, inserted, ts)
const archiveTable = "ingest_archive"

// NewArchivingSink wraps next; a nil ch returns next unwrapped
func NewArchivingSink(next domain.Sink, ch store.Clickhouse) domain.Sink {
	if ch == nil {
		return next
	}
	return &ArchivingSink{Next: next, CH: ch, now: time.Now}
}

// Exists delegates to the wrapped sink
func (a *ArchivingSink) Exists(ctx context.Context, key string) (bool, error) {
	return a.Next.Exists(ctx, key)
}

// UpsertBatch delegates, then archives every entity that landed
func (a *ArchivingSink) UpsertBatch(ctx context.Context, entities []domain.Entity) ([]domain.UpsertResult, error) {
	results, err := a.Next.UpsertBatch(ctx, entities)
	if err != nil {
		return results, err
	}

	runID := logger.RunIDFrom(ctx)
	ts := a.now().UTC()
	rows := make([][]any, 0, len(results))
	byKey := make(map[string]domain.Entity, len(entities))
	for _, e := range entities {
		byKey[e.Key] = e
	}
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		e := byKey[r.Key]
		ins := uint8(0)
		if r.Inserted {
			ins = 1
		}
		rows = append(rows, []any{runID, r.Key, string(e.Kind), e.Source, ins, ts})
	}
	if len(rows) == 0 {
		return results, nil
	}
	if aerr := a.CH.Insert(ctx, archiveTable, rows); aerr != nil {
		logger.C(ctx).Warn().Err(aerr).Int("rows", len(rows)).Msg("ingest: archive append failed")
	}
	return results, nil
}
