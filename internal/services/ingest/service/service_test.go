package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	perr "statline/internal/platform/errors"
	"statline/internal/services/ingest/domain"
)

// pagedFetcher serves canned page chains per source; cursors are page indexes
type pagedFetcher struct {
	mu    sync.Mutex
	pages map[string][]domain.Page // keyed by source
}

func (f *pagedFetcher) FetchPage(_ context.Context, req domain.PageRequest) (domain.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	chain := f.pages[req.Source]
	idx := 0
	if req.Cursor != "" {
		fmt.Sscanf(req.Cursor, "%d", &idx)
	}
	if idx >= len(chain) {
		return domain.Page{}, nil
	}
	p := chain[idx]
	if idx+1 < len(chain) {
		p.NextCursor = fmt.Sprintf("%d", idx+1)
	} else {
		p.NextCursor = ""
	}
	return p, nil
}

// rawKey builds a record whose payload is just its dedup key
func rawKey(source, key string) domain.RawRecord {
	b, _ := json.Marshal(key)
	return domain.RawRecord{Source: source, Kind: domain.KindTeam, Payload: b}
}

// keyTransformer unquotes the payload into key and entity
type keyTransformer struct {
	transformed atomic.Int64
}

func (tr *keyTransformer) Transform(raw domain.RawRecord) (domain.Entity, string, error) {
	var key string
	if err := json.Unmarshal(raw.Payload, &key); err != nil {
		return domain.Entity{}, "", perr.Validationf("payload: %v", err)
	}
	if key == "boom" {
		return domain.Entity{}, "", perr.Validationf("unparseable record")
	}
	tr.transformed.Add(1)
	return domain.Entity{
		Key:    key,
		Kind:   raw.Kind,
		Source: raw.Source,
		Fields: map[string]any{"name": key},
	}, key, nil
}

// memSink is an in-memory upsert-by-key store recording every batch call
type memSink struct {
	mu          sync.Mutex
	rows        map[string]domain.Entity
	batches     [][]domain.Entity
	failBatches int              // fail this many whole UpsertBatch calls first
	rowErr      map[string]error // per-key injected failures
}

func newMemSink() *memSink {
	return &memSink{rows: map[string]domain.Entity{}}
}

func (s *memSink) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[key]
	return ok, nil
}

func (s *memSink) UpsertBatch(_ context.Context, entities []domain.Entity) ([]domain.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBatches > 0 {
		s.failBatches--
		return nil, perr.Unavailablef("sink connection lost")
	}
	s.batches = append(s.batches, entities)
	out := make([]domain.UpsertResult, 0, len(entities))
	for _, e := range entities {
		if err, ok := s.rowErr[e.Key]; ok {
			out = append(out, domain.UpsertResult{Key: e.Key, Err: err})
			continue
		}
		_, existed := s.rows[e.Key]
		s.rows[e.Key] = e
		out = append(out, domain.UpsertResult{Key: e.Key, Inserted: !existed})
	}
	return out, nil
}

func (s *memSink) batchSizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	sizes := make([]int, len(s.batches))
	for i, b := range s.batches {
		sizes[i] = len(b)
	}
	return sizes
}

func (s *memSink) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func newTestCoordinator(f domain.Fetcher, sink domain.Sink, cfg Config) *Coordinator {
	if cfg.RetryBase == 0 {
		cfg.RetryBase = time.Millisecond
	}
	return New(f, &keyTransformer{}, sink, nil, cfg)
}

func TestRunDedupesAcrossSources(t *testing.T) {
	// three sources deliver the same 50 keys: 150 seen, 50 new, 100 duplicates
	const keys = 50
	pages := map[string][]domain.Page{}
	for _, src := range []string{"feed-a", "feed-b", "feed-c"} {
		var recs []domain.RawRecord
		for i := 0; i < keys; i++ {
			recs = append(recs, rawKey(src, fmt.Sprintf("team:%d", i)))
		}
		pages[src] = []domain.Page{{Records: recs}}
	}
	sink := newMemSink()
	c := newTestCoordinator(&pagedFetcher{pages: pages}, sink, Config{
		BatchSize: 10,
		Workers:   1, // single worker keeps the counter assertions exact
	})

	snap, err := c.Run(context.Background(), []domain.PageRequest{
		{Source: "feed-a", Kind: domain.KindTeam},
		{Source: "feed-b", Kind: domain.KindTeam},
		{Source: "feed-c", Kind: domain.KindTeam},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Seen != 150 || snap.New != 50 || snap.Duplicates != 100 {
		t.Fatalf("seen/new/dup = %d/%d/%d, want 150/50/100", snap.Seen, snap.New, snap.Duplicates)
	}
	if snap.Errors != 0 {
		t.Fatalf("errors = %d, want 0", snap.Errors)
	}
	if sink.rowCount() != 50 {
		t.Fatalf("sink rows = %d, want 50", sink.rowCount())
	}
	if c.State() != StateDone {
		t.Fatalf("state = %v, want done", c.State())
	}
}

func TestRunConservationUnderConcurrency(t *testing.T) {
	// D distinct keys repeated R times across many pages and workers.
	// Counters must conserve and the sink must end with exactly D rows
	const d, r = 80, 5
	var chain []domain.Page
	for rep := 0; rep < r; rep++ {
		var recs []domain.RawRecord
		for i := 0; i < d; i++ {
			recs = append(recs, rawKey("feed", fmt.Sprintf("player:%d", i)))
		}
		chain = append(chain, domain.Page{Records: recs})
	}
	sink := newMemSink()
	c := newTestCoordinator(&pagedFetcher{pages: map[string][]domain.Page{"feed": chain}}, sink, Config{
		BatchSize: 16,
		Workers:   8,
		PerSource: 4,
	})

	snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindPlayer}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Seen != d*r {
		t.Fatalf("seen = %d, want %d", snap.Seen, d*r)
	}
	if snap.New+snap.Duplicates+snap.Errors != snap.Seen {
		t.Fatalf("counters do not conserve: %+v", snap)
	}
	if snap.New < d {
		t.Fatalf("new = %d, want >= %d", snap.New, d)
	}
	if sink.rowCount() != d {
		t.Fatalf("sink rows = %d, want %d (upsert backstop)", sink.rowCount(), d)
	}
}

func TestBatchFlushThreshold(t *testing.T) {
	// 2T+1 novel records -> exactly three sink calls of T, T, 1
	const threshold = 5
	var recs []domain.RawRecord
	for i := 0; i < 2*threshold+1; i++ {
		recs = append(recs, rawKey("feed", fmt.Sprintf("game:%d", i)))
	}
	sink := newMemSink()
	c := newTestCoordinator(
		&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
		sink,
		Config{BatchSize: threshold, Workers: 1},
	)

	if _, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindGame}}); err != nil {
		t.Fatalf("run: %v", err)
	}
	sizes := sink.batchSizes()
	if len(sizes) != 3 || sizes[0] != threshold || sizes[1] != threshold || sizes[2] != 1 {
		t.Fatalf("batch sizes = %v, want [%d %d 1]", sizes, threshold, threshold)
	}
}

func TestRunPreexistingRowsAreDuplicates(t *testing.T) {
	sink := newMemSink()
	sink.rows["team:known"] = domain.Entity{Key: "team:known"}

	recs := []domain.RawRecord{rawKey("feed", "team:known"), rawKey("feed", "team:fresh")}
	c := newTestCoordinator(
		&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
		sink,
		Config{BatchSize: 10, Workers: 1},
	)
	// force the filter to claim membership so the sink check decides
	c.filter.Add("team:known")

	snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindTeam}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.New != 1 || snap.Duplicates != 1 {
		t.Fatalf("new/dup = %d/%d, want 1/1", snap.New, snap.Duplicates)
	}
}

func TestRunTransformErrorsSkipRecord(t *testing.T) {
	recs := []domain.RawRecord{
		rawKey("feed", "stat:1"),
		rawKey("feed", "boom"),
		rawKey("feed", "stat:2"),
	}
	sink := newMemSink()
	c := newTestCoordinator(
		&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
		sink,
		Config{BatchSize: 10, Workers: 1},
	)

	snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindStat}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.Seen != 3 || snap.New != 2 || snap.Errors != 1 {
		t.Fatalf("seen/new/errors = %d/%d/%d, want 3/2/1", snap.Seen, snap.New, snap.Errors)
	}
	if sink.rowCount() != 2 {
		t.Fatalf("sink rows = %d, want 2", sink.rowCount())
	}
}

func TestRunSinkPartialFailureCounted(t *testing.T) {
	recs := []domain.RawRecord{rawKey("feed", "stat:ok"), rawKey("feed", "stat:bad")}
	sink := newMemSink()
	sink.rowErr = map[string]error{"stat:bad": perr.DBf("constraint violation")}
	c := newTestCoordinator(
		&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
		sink,
		Config{BatchSize: 10, Workers: 1},
	)

	snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindStat}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// the failed row is counted; its sibling still landed
	if snap.Errors != 1 {
		t.Fatalf("errors = %d, want 1", snap.Errors)
	}
	if sink.rowCount() != 1 {
		t.Fatalf("sink rows = %d, want 1", sink.rowCount())
	}
}

func TestRunWholeBatchFailureRetriedOnce(t *testing.T) {
	recs := []domain.RawRecord{rawKey("feed", "team:1"), rawKey("feed", "team:2")}

	t.Run("second attempt lands", func(t *testing.T) {
		sink := newMemSink()
		sink.failBatches = 1
		c := newTestCoordinator(
			&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
			sink,
			Config{BatchSize: 10, Workers: 1},
		)
		snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindTeam}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if snap.Errors != 0 || sink.rowCount() != 2 {
			t.Fatalf("errors = %d rows = %d, want 0/2", snap.Errors, sink.rowCount())
		}
	})

	t.Run("both attempts fail", func(t *testing.T) {
		sink := newMemSink()
		sink.failBatches = 2
		c := newTestCoordinator(
			&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
			sink,
			Config{BatchSize: 10, Workers: 1},
		)
		snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindTeam}})
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if snap.Errors != 2 {
			t.Fatalf("errors = %d, want 2 (one per buffered entity)", snap.Errors)
		}
		if sink.rowCount() != 0 {
			t.Fatalf("rows = %d, want 0", sink.rowCount())
		}
	})
}

func TestRunSourceFailureDoesNotAbortRun(t *testing.T) {
	// feed-bad dies permanently; feed-good still completes
	f := &mixedFetcher{
		good: &pagedFetcher{pages: map[string][]domain.Page{
			"feed-good": {{Records: []domain.RawRecord{rawKey("feed-good", "team:1")}}},
		}},
	}
	sink := newMemSink()
	c := newTestCoordinator(f, sink, Config{BatchSize: 10, Workers: 1, MaxRetries: 2})

	snap, err := c.Run(context.Background(), []domain.PageRequest{
		{Source: "feed-bad", Kind: domain.KindTeam},
		{Source: "feed-good", Kind: domain.KindTeam},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.New != 1 {
		t.Fatalf("new = %d, want 1", snap.New)
	}
	if snap.Errors != 1 {
		t.Fatalf("errors = %d, want 1 (the dead source)", snap.Errors)
	}
	// ceiling respected: 2 attempts for the bad source + 1 for the good page
	if snap.APICalls != 3 {
		t.Fatalf("api_calls = %d, want 3", snap.APICalls)
	}
}

type mixedFetcher struct{ good *pagedFetcher }

func (f *mixedFetcher) FetchPage(ctx context.Context, req domain.PageRequest) (domain.Page, error) {
	if req.Source == "feed-bad" {
		return domain.Page{}, perr.Unavailablef("feed down")
	}
	return f.good.FetchPage(ctx, req)
}

// blockingFetcher serves one page then parks until cancellation
type blockingFetcher struct {
	first domain.Page
	calls atomic.Int64
}

func (f *blockingFetcher) FetchPage(ctx context.Context, req domain.PageRequest) (domain.Page, error) {
	if f.calls.Add(1) == 1 {
		p := f.first
		p.NextCursor = "more"
		return p, nil
	}
	<-ctx.Done()
	return domain.Page{}, ctx.Err()
}

func TestRunCancellationDrainsBufferedBatch(t *testing.T) {
	const buffered = 3 // below the threshold, so nothing flushes before cancel
	var recs []domain.RawRecord
	for i := 0; i < buffered; i++ {
		recs = append(recs, rawKey("feed", fmt.Sprintf("team:%d", i)))
	}
	sink := newMemSink()
	tr := &keyTransformer{}
	f := &blockingFetcher{first: domain.Page{Records: recs}}
	c := New(f, tr, sink, nil, Config{BatchSize: 100, Workers: 1, RetryBase: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var snap domain.Snapshot
	var runErr error
	go func() {
		snap, runErr = c.Run(ctx, []domain.PageRequest{{Source: "feed", Kind: domain.KindTeam}})
		close(done)
	}()

	// wait for the worker to absorb the first page, then cancel mid-fetch
	deadline := time.After(5 * time.Second)
	for tr.transformed.Load() < buffered {
		select {
		case <-deadline:
			t.Fatalf("first page never processed")
		case <-time.After(time.Millisecond):
		}
	}
	time.Sleep(20 * time.Millisecond) // let the last append land
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	if runErr != context.Canceled {
		t.Fatalf("run error = %v, want context.Canceled", runErr)
	}
	// buffered work was drained, not discarded
	if sink.rowCount() != buffered {
		t.Fatalf("sink rows = %d, want %d", sink.rowCount(), buffered)
	}
	if snap.New != buffered {
		t.Fatalf("new = %d, want %d", snap.New, buffered)
	}
	if c.State() != StateDone {
		t.Fatalf("state = %v, want done", c.State())
	}
}

func TestRunRejectsBadSeeds(t *testing.T) {
	c := newTestCoordinator(&pagedFetcher{}, newMemSink(), Config{})
	_, err := c.Run(context.Background(), []domain.PageRequest{{Source: "", Kind: domain.KindTeam}})
	if perr.CodeOf(err) != perr.ErrorCodeInvalidArgument {
		t.Fatalf("want invalid argument, got %v", err)
	}
	_, err = c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: "venue"}})
	if perr.CodeOf(err) != perr.ErrorCodeInvalidArgument {
		t.Fatalf("want invalid argument, got %v", err)
	}
}

func TestRunIsReusableAfterDone(t *testing.T) {
	recs := []domain.RawRecord{rawKey("feed", "team:1")}
	sink := newMemSink()
	c := newTestCoordinator(
		&pagedFetcher{pages: map[string][]domain.Page{"feed": {{Records: recs}}}},
		sink,
		Config{BatchSize: 10, Workers: 1},
	)
	seeds := []domain.PageRequest{{Source: "feed", Kind: domain.KindTeam}}

	if _, err := c.Run(context.Background(), seeds); err != nil {
		t.Fatalf("first run: %v", err)
	}
	snap, err := c.Run(context.Background(), seeds)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	// the filter remembers the key across runs; the record is now a duplicate
	if snap.New != 0 || snap.Duplicates != 1 {
		t.Fatalf("second run new/dup = %d/%d, want 0/1", snap.New, snap.Duplicates)
	}
}

func TestRunSlowSourceRetriedToCeiling(t *testing.T) {
	// every attempt stalls past the per-attempt timeout; the chain must burn
	// the full retry budget before the source is declared dead
	f := &stalledFetcher{}
	sink := newMemSink()
	c := newTestCoordinator(f, sink, Config{
		Workers:      1,
		MaxRetries:   3,
		FetchTimeout: 10 * time.Millisecond,
	})

	snap, err := c.Run(context.Background(), []domain.PageRequest{{Source: "feed", Kind: domain.KindTeam}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if snap.APICalls != 3 {
		t.Fatalf("api_calls = %d, want 3 (slow pages are transient)", snap.APICalls)
	}
	if snap.Errors != 1 {
		t.Fatalf("errors = %d, want 1 (one dead source)", snap.Errors)
	}
	if got := c.State(); got != StateDone {
		t.Fatalf("state = %v, want done", got)
	}
}
