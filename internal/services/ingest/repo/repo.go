// Package repo provides postgres persistence for ingested records and runs
package repo

import (
	"context"

	"statline/internal/modkit/repokit"
	perr "statline/internal/platform/errors"
	"statline/internal/platform/store"
	"statline/internal/services/ingest/domain"
)

type queries struct{ q repokit.Queryer }

// NewPG returns a Postgres binder for domain.StorageRepo
func NewPG() repokit.Binder[domain.StorageRepo] {
	return repokit.BindFunc[domain.StorageRepo](func(q repokit.Queryer) domain.StorageRepo {
		return &queries{q: q}
	})
}

// ExistsKey checks persisted membership for one dedup key
func (r *queries) ExistsKey(ctx context.Context, key string) (bool, error) {
	exists, err := store.Scalar[bool](ctx, r.q,
		`SELECT EXISTS (SELECT 1 FROM records WHERE dedup_key = $1)`, key,
	)
	if err != nil {
		return false, perr.FromPostgresf(err, "exists %s", key)
	}
	return exists, nil
}

// UpsertEntities writes each entity with upsert-by-key semantics, one
// autocommit statement per row so a constraint violation poisons only its own
// result. Errors without a SQLSTATE (dead connection and friends) abort the
// whole batch so the caller can retry it
func (r *queries) UpsertEntities(ctx context.Context, entities []domain.Entity) ([]domain.UpsertResult, error) {
	const upsertSQL = `
		INSERT INTO records (dedup_key, kind, source, fields, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (dedup_key) DO UPDATE
		SET fields = EXCLUDED.fields,
		    last_seen_at = now()
		RETURNING (xmax = 0) AS inserted
	`

	out := make([]domain.UpsertResult, 0, len(entities))
	for _, e := range entities {
		var inserted bool
		err := r.q.QueryRow(ctx, upsertSQL, e.Key, string(e.Kind), e.Source, e.Fields).Scan(&inserted)
		if err != nil {
			if _, ok := perr.ExtractPgError(err); !ok {
				return out, perr.FromPostgresf(err, "upsert batch at %s/%s", e.Kind, e.Key)
			}
			out = append(out, domain.UpsertResult{
				Key: e.Key,
				Err: perr.FromPostgresf(err, "upsert %s/%s", e.Kind, e.Key),
			})
			continue
		}
		out = append(out, domain.UpsertResult{Key: e.Key, Inserted: inserted})
	}
	return out, nil
}

// InsertRun opens the bookkeeping row (idempotent per run id)
func (r *queries) InsertRun(ctx context.Context, runID string, sources []string) error {
	_, err := store.Exec(ctx, r.q, `
		INSERT INTO ingest_runs (run_id, sources, started_at, status)
		VALUES ($1, $2, now(), 'running')
		ON CONFLICT (run_id) DO NOTHING
	`, runID, sources)
	return perr.FromPostgresf(err, "start run %s", runID)
}

// FinishRun closes the bookkeeping row with the final snapshot. The update
// must hit exactly the one row StartRun opened
func (r *queries) FinishRun(ctx context.Context, runID string, fin domain.RunFinish) error {
	err := store.ExecOne(ctx, r.q, `
		UPDATE ingest_runs SET
			finished_at = now(),
			status = $2,
			error = NULLIF($3, ''),
			seen = $4,
			new = $5,
			duplicates = $6,
			errors = $7,
			cache_hits = $8,
			api_calls = $9,
			elapsed_ms = $10
		WHERE run_id = $1
	`,
		runID, fin.Status, fin.ErrText,
		fin.Snap.Seen, fin.Snap.New, fin.Snap.Duplicates, fin.Snap.Errors,
		fin.Snap.CacheHits, fin.Snap.APICalls, fin.Snap.Elapsed.Milliseconds(),
	)
	return perr.FromPostgresf(err, "finish run %s", runID)
}

// Store adapts the repo to the service-facing Sink and RunsRepo ports.
// Record writes run in autocommit mode on the pool handle; only the run
// bookkeeping rows use transactions
type Store struct {
	DB     repokit.TxRunner
	Binder repokit.Binder[domain.StorageRepo]
}

// NewStore wires a Store over db with the default Postgres binder
func NewStore(db repokit.TxRunner) *Store {
	if db == nil {
		panic("ingest repo.Store requires a non nil TxRunner")
	}
	return &Store{DB: db, Binder: NewPG()}
}

// Exists implements domain.Sink
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return repokit.MustBind(s.Binder, s.DB).ExistsKey(ctx, key)
}

// UpsertBatch implements domain.Sink
func (s *Store) UpsertBatch(ctx context.Context, entities []domain.Entity) ([]domain.UpsertResult, error) {
	return repokit.MustBind(s.Binder, s.DB).UpsertEntities(ctx, entities)
}

// StartRun implements domain.RunsRepo
func (s *Store) StartRun(ctx context.Context, runID string, sources []string) error {
	return repokit.WithTx(ctx, s.DB, func(q repokit.Queryer) error {
		return s.Binder.Bind(q).InsertRun(ctx, runID, sources)
	})
}

// FinishRun implements domain.RunsRepo
func (s *Store) FinishRun(ctx context.Context, runID string, fin domain.RunFinish) error {
	return repokit.WithTx(ctx, s.DB, func(q repokit.Queryer) error {
		return s.Binder.Bind(q).FinishRun(ctx, runID, fin)
	})
}
