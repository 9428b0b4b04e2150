// Package service implements the ingestion run coordinator
package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"statline/internal/core/bloom"
	"statline/internal/core/gate"
	"statline/internal/core/ttlcache"
	perr "statline/internal/platform/errors"
	"statline/internal/platform/logger"
	"statline/internal/services/ingest/domain"
)

// State names the coordinator's run phases
type State int32

// Coordinator states
const (
	StateIdle State = iota
	StateRunning
	StateFlushing
	StateCancelled
	StateDraining
	StateDone
)

// String returns the lowercase state name
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFlushing:
		return "flushing"
	case StateCancelled:
		return "cancelled"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	}
	return "unknown"
}

// Config holds coordinator tuning
type Config struct {
	// Batching
	BatchSize int // entities per flush; <=0 -> 100

	// Concurrency
	Workers      int            // dedup/transform workers; <=0 -> 4
	PerSource    int            // default max in-flight fetches per source; <=0 -> 2
	SourceLimits map[string]int // per-source overrides of PerSource

	// Fetch retry (applied via the retrying fetcher per run)
	MaxRetries int           // attempts per page; <=0 -> 3
	RetryBase  time.Duration // base backoff; <=0 -> 500ms

	// Per-attempt fetch timeout, applied inside the retrying fetcher.
	// An attempt deadline is transient and retried; 0 = none
	FetchTimeout time.Duration

	// Dedup cache freshness per entity kind; zero entries fall back to DefaultTTL
	CacheTTL   map[domain.Kind]time.Duration
	DefaultTTL time.Duration // <=0 -> 15m

	// Membership filter sizing
	BloomExpectedKeys int     // <=0 -> 100_000
	BloomFPRate       float64 // out of (0,1) -> 0.01
}

func (c Config) ttlFor(kind domain.Kind) time.Duration {
	if d, ok := c.CacheTTL[kind]; ok && d > 0 {
		return d
	}
	if c.DefaultTTL > 0 {
		return c.DefaultTTL
	}
	return 15 * time.Minute
}

// Coordinator drives a run: fetch pages per source under the gate, dedup each
// record through filter, cache, then sink, batch the survivors, and flush.
// One run at a time per instance; the filter and cache persist across runs
type Coordinator struct {
	Fetch     domain.Fetcher
	Transform domain.Transformer
	Sink      domain.Sink
	Runs      domain.RunsRepo // optional bookkeeping
	Cfg       Config

	filter *bloom.Filter
	cache  *ttlcache.Cache
	gate   *gate.Gate

	state atomic.Int32

	mu    sync.Mutex
	batch []domain.Entity
}

// New constructs a coordinator. Fetch, Transform and Sink are required
func New(fetch domain.Fetcher, tr domain.Transformer, sink domain.Sink, runs domain.RunsRepo, cfg Config) *Coordinator {
	if fetch == nil || tr == nil || sink == nil {
		panic("ingest.Coordinator requires fetcher, transformer and sink")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PerSource <= 0 {
		cfg.PerSource = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	expected := cfg.BloomExpectedKeys
	if expected <= 0 {
		expected = 100_000
	}
	fp := cfg.BloomFPRate
	if fp <= 0 || fp >= 1 {
		fp = 0.01
	}
	return &Coordinator{
		Fetch:     fetch,
		Transform: tr,
		Sink:      sink,
		Runs:      runs,
		Cfg:       cfg,
		filter:    bloom.New(expected, fp),
		cache:     ttlcache.New(),
		gate:      gate.New(cfg.PerSource, cfg.SourceLimits),
		batch:     make([]domain.Entity, 0, cfg.BatchSize),
	}
}

// State reports the current run phase
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) { c.state.Store(int32(s)) }

// Run implements domain.RunnerPort. It walks every seed's page chain to
// exhaustion, dedups and batches concurrently, and returns the final
// statistics snapshot. Individual source, transform and sink failures are
// counted and logged; only external cancellation makes Run return an error
func (c *Coordinator) Run(ctx context.Context, seeds []domain.PageRequest) (domain.Snapshot, error) {
	for _, s := range seeds {
		if s.Source == "" || !s.Kind.Valid() {
			return domain.Snapshot{}, perr.InvalidArgf("bad seed %q/%q", s.Source, s.Kind)
		}
	}
	if !c.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) &&
		!c.state.CompareAndSwap(int32(StateDone), int32(StateRunning)) {
		return domain.Snapshot{}, perr.Internalf("run already in progress")
	}
	defer c.setState(StateDone)

	runID := uuid.NewString()
	ctx = logger.WithRun(ctx, runID, "")
	log := logger.C(ctx)

	st := domain.NewStats()
	fetch := NewRetryingFetcher(c.Fetch, c.Cfg.MaxRetries, c.Cfg.RetryBase, c.Cfg.FetchTimeout, st)

	if c.Runs != nil {
		srcs := make([]string, 0, len(seeds))
		for _, s := range seeds {
			srcs = append(srcs, s.Source)
		}
		if err := c.Runs.StartRun(ctx, runID, srcs); err != nil {
			log.Warn().Err(err).Msg("ingest: start run bookkeeping failed")
		}
	}

	records := make(chan domain.RawRecord, 4*c.Cfg.BatchSize)

	// Producers: one goroutine per seed, walking its cursor chain under the
	// per-source gate. A dead source ends its own chain; the run continues
	var pwg sync.WaitGroup
	for _, seed := range seeds {
		pwg.Add(1)
		go func(seed domain.PageRequest) {
			defer pwg.Done()
			c.produce(ctx, fetch, seed, st, records)
		}(seed)
	}
	go func() {
		pwg.Wait()
		close(records)
	}()

	// Workers: dedup, transform, batch
	var wwg sync.WaitGroup
	for i := 0; i < c.Cfg.Workers; i++ {
		wwg.Add(1)
		go func() {
			defer wwg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case raw, ok := <-records:
					if !ok {
						return
					}
					c.process(ctx, raw, st)
				}
			}
		}()
	}
	wwg.Wait()

	// Drain: the mandatory final flush. On cancellation the buffered batch is
	// still written, detached from the dead run context
	cancelled := ctx.Err() != nil
	if cancelled {
		c.setState(StateCancelled)
	}
	c.setState(StateDraining)
	drainCtx := ctx
	if cancelled {
		drainCtx = context.WithoutCancel(ctx)
	}
	c.mu.Lock()
	rest := c.batch
	c.batch = make([]domain.Entity, 0, c.Cfg.BatchSize)
	c.mu.Unlock()
	c.flush(drainCtx, rest, st)

	snap := st.Snapshot()
	if c.Runs != nil {
		status, errText := "ok", ""
		if cancelled {
			status, errText = "cancelled", ctx.Err().Error()
		}
		if err := c.Runs.FinishRun(drainCtx, runID, domain.RunFinish{
			Status:  status,
			ErrText: errText,
			Snap:    snap,
		}); err != nil {
			log.Warn().Err(err).Msg("ingest: finish run bookkeeping failed")
		}
	}

	log.Info().
		Int64("seen", snap.Seen).
		Int64("new", snap.New).
		Int64("duplicates", snap.Duplicates).
		Int64("errors", snap.Errors).
		Int64("api_calls", snap.APICalls).
		Float64("dedup_efficiency", snap.DedupEfficiency).
		Msg("ingest: run finished")

	if cancelled {
		return snap, ctx.Err()
	}
	return snap, nil
}

// produce walks one seed's page chain until exhaustion, cancellation, or a
// source error (retries already spent inside the fetcher)
func (c *Coordinator) produce(ctx context.Context, fetch domain.Fetcher, seed domain.PageRequest, st *domain.Stats, out chan<- domain.RawRecord) {
	ctx = logger.WithRun(ctx, "", seed.Source)
	cursor := seed.Cursor
	for {
		if ctx.Err() != nil {
			return
		}
		var page domain.Page
		err := c.gate.Do(ctx, seed.Source, func() error {
			p, e := fetch.FetchPage(ctx, domain.PageRequest{Source: seed.Source, Kind: seed.Kind, Cursor: cursor})
			page = p
			return e
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			st.IncError()
			logger.C(ctx).Error().Err(err).
				Str("kind", string(seed.Kind)).
				Str("cursor", cursor).
				Msg("ingest: source exhausted retries")
			return
		}
		for _, r := range page.Records {
			select {
			case out <- r:
			case <-ctx.Done():
				return
			}
		}
		if page.NextCursor == "" {
			return
		}
		cursor = page.NextCursor
	}
}

// process runs the dedup algorithm for one raw record:
// filter says "definitely new" -> accept; filter says "maybe" -> cache, then
// sink decide; survivors are appended to the batch and counted as new
func (c *Coordinator) process(ctx context.Context, raw domain.RawRecord, st *domain.Stats) {
	st.IncSeen()

	entity, key, err := c.Transform.Transform(raw)
	if err != nil {
		st.IncError()
		logger.C(ctx).Debug().Err(err).
			Str("source", raw.Source).
			Str("kind", string(raw.Kind)).
			Msg("ingest: transform failed, record skipped")
		return
	}

	if c.filter.MightContain(key) {
		// possible duplicate; the filter alone never condemns a record
		if _, hit := c.cache.Get(key); hit {
			st.IncCacheHit()
			st.IncDuplicate()
			return
		}
		exists, err := c.Sink.Exists(ctx, key)
		if err != nil {
			st.IncError()
			logger.C(ctx).Error().Err(err).Str("key", key).Msg("ingest: existence check failed")
			return
		}
		if exists {
			st.IncDuplicate()
			c.cache.Set(key, struct{}{}, c.Cfg.ttlFor(entity.Kind))
			return
		}
		// filter false positive, fall through
	}

	c.filter.Add(key)
	c.cache.Set(key, struct{}{}, c.Cfg.ttlFor(entity.Kind))
	st.IncNew()

	// append + threshold check + swap under one lock; flush outside it
	c.mu.Lock()
	c.batch = append(c.batch, entity)
	var full []domain.Entity
	if len(c.batch) >= c.Cfg.BatchSize {
		full = c.batch
		c.batch = make([]domain.Entity, 0, c.Cfg.BatchSize)
	}
	c.mu.Unlock()

	if full != nil {
		c.setState(StateFlushing)
		c.flush(ctx, full, st)
		if ctx.Err() == nil {
			c.setState(StateRunning)
		}
	}
}

// flush hands one batch to the sink. A whole-batch failure gets exactly one
// batch-level retry; after that every entity counts as an error and the run
// moves on with a fresh batch
func (c *Coordinator) flush(ctx context.Context, batch []domain.Entity, st *domain.Stats) {
	if len(batch) == 0 {
		return
	}
	results, err := c.Sink.UpsertBatch(ctx, batch)
	if err != nil {
		results, err = c.Sink.UpsertBatch(ctx, batch)
	}
	if err != nil {
		for range batch {
			st.IncError()
		}
		logger.C(ctx).Error().Err(err).Int("batch", len(batch)).Msg("ingest: batch flush failed")
		return
	}
	for _, r := range results {
		if r.Err != nil {
			st.IncError()
			logger.C(ctx).Warn().Err(r.Err).Str("key", r.Key).Msg("ingest: entity upsert failed")
		}
	}
}
