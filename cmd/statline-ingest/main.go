// Command statline-ingest runs one ingestion pass over the configured feeds
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"statline/internal/core/version"
	"statline/internal/modkit"
	"statline/internal/modkit/repokit"
	"statline/internal/platform/config"
	"statline/internal/platform/logger"
	"statline/internal/platform/store"
	ingestmod "statline/internal/services/ingest/module"
)

func mustSetEnv(key, val string) {
	if val != "" {
		_ = os.Setenv(key, val)
	}
}

func main() {
	var (
		fSources = flag.String("sources", "", "comma separated source names (overrides INGEST_SOURCES)")
		fKinds   = flag.String("kinds", "", "comma separated entity kinds (overrides INGEST_KINDS)")
		fTimeout = flag.Duration("timeout", 0, "overall run timeout, 0 = none")
	)
	flag.Parse()

	// Surface flags to the module's FromConfig
	mustSetEnv("INGEST_SOURCES", *fSources)
	mustSetEnv("INGEST_KINDS", *fKinds)

	root := config.New()
	pgCfg := root.Prefix("SERVICE_PGSQL_")
	chCfg := root.Prefix("SERVICE_CLICKHOUSE_")

	l := logger.Get()
	bi := version.Info()
	l.Info().
		Str("service", bi.Service).
		Str("version", bi.Version).
		Str("commit", bi.Commit).
		Msg("boot")

	st, err := store.Open(context.Background(), store.Config{
		AppName: "statline",
		PG: store.PGConfig{
			Enabled:     true,
			URL:         pgCfg.MustString("DBURL"),
			MaxConns:    int32(pgCfg.MayInt("MAX_CONNS", 4)),
			SlowQueryMs: pgCfg.MayInt("SLOW_MS", 500),
			LogSQL:      pgCfg.MayBool("LOG_SQL", false),
		},
		CH: store.CHConfig{
			// archive trail is optional; enabled only when a DSN is present
			Enabled:    chCfg.MayString("DBURL", "") != "",
			URL:        chCfg.MayString("DBURL", ""),
			ClientName: "statline",
			ClientTag:  "ingest",
		},
	}, store.WithLogger(*l))
	if err != nil {
		l.Panic().Err(err).Msg("store.Open failed")
	}
	defer func() {
		if err := st.Close(context.Background()); err != nil {
			l.Error().Err(err).Msg("failed to close store")
		}
	}()

	// a backend that cannot answer a ping fails the boot, not the run
	repokit.MustGuard(context.Background(), st)

	deps := modkit.Deps{
		Cfg: root,
		PG:  st.PG,
		CH:  st.CH,
		Log: *l,
	}

	im := ingestmod.New(deps)
	seeds := im.Options().Seeds()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if *fTimeout > 0 {
		var tcancel context.CancelFunc
		ctx, tcancel = context.WithTimeout(ctx, *fTimeout)
		defer tcancel()
	}

	srcs := make([]string, 0, len(seeds))
	for _, s := range seeds {
		srcs = append(srcs, s.Source+"/"+string(s.Kind))
	}
	l.Info().Str("seeds", strings.Join(srcs, ",")).Msg("ingest starting")

	start := time.Now()
	snap, err := im.Ports().Runner.Run(ctx, seeds)

	ev := l.Info()
	if err != nil {
		ev = l.Warn().Err(err)
	}
	ev.
		Int64("seen", snap.Seen).
		Int64("new", snap.New).
		Int64("duplicates", snap.Duplicates).
		Int64("errors", snap.Errors).
		Int64("cache_hits", snap.CacheHits).
		Int64("api_calls", snap.APICalls).
		Float64("records_per_min", snap.RecordsPerMinute).
		Float64("dedup_efficiency", snap.DedupEfficiency).
		Dur("elapsed", time.Since(start)).
		Msg("ingest finished")

	// only true cancellation is a failure exit; partial ingestion is success
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		os.Exit(1)
	}
	if err != nil {
		os.Exit(2)
	}
}
