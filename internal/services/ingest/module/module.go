// Package module wires the ingest service from config
package module

import (
	"context"
	"strings"

	"statline/internal/adapters/source/sportsfeed"
	"statline/internal/adapters/transform/sports"
	"statline/internal/modkit"
	perr "statline/internal/platform/errors"
	"statline/internal/services/ingest/domain"
	"statline/internal/services/ingest/repo"
	"statline/internal/services/ingest/service"
)

// Ports defines the ingest module ports
type Ports struct {
	Runner domain.RunnerPort
}

// Module implements the ingest module
type Module struct {
	deps  modkit.Deps
	opts  Options
	ports Ports
}

// muxFetcher routes page requests to the client configured for their source
type muxFetcher map[string]domain.Fetcher

// FetchPage implements domain.Fetcher
func (m muxFetcher) FetchPage(ctx context.Context, req domain.PageRequest) (domain.Page, error) {
	f, ok := m[req.Source]
	if !ok {
		return domain.Page{}, perr.InvalidArgf("no client configured for source %q", req.Source)
	}
	return f.FetchPage(ctx, req)
}

// New constructs the ingest module. It builds one feed client per configured
// source (SOURCE_<NAME>_BASE_URL etc), the sports transformer, the postgres
// sink with optional clickhouse archiving, and the coordinator
func New(deps modkit.Deps) *Module {
	opts := FromConfig(deps.Cfg)

	mux := muxFetcher{}
	for _, src := range opts.Sources {
		sc := deps.Cfg.Prefix("SOURCE_" + strings.ToUpper(src) + "_")
		mux[src] = sportsfeed.NewClient(sportsfeed.Options{
			BaseURL: sc.MustString("BASE_URL"),
			APIKey:  sc.MayString("API_KEY", ""),
			Timeout: sc.MayDuration("TIMEOUT", 0),
			PerPage: sc.MayInt("PER_PAGE", 0),
		})
	}

	store := repo.NewStore(deps.PG)
	sink := repo.NewArchivingSink(store, deps.CH)

	svc := service.New(mux, sports.New(), sink, store, service.Config{
		BatchSize:         opts.BatchSize,
		Workers:           opts.Workers,
		PerSource:         opts.PerSource,
		SourceLimits:      opts.SourceLimits,
		MaxRetries:        opts.MaxRetries,
		RetryBase:         opts.RetryBase,
		FetchTimeout:      opts.FetchTimeout,
		CacheTTL:          opts.CacheTTL,
		DefaultTTL:        opts.DefaultTTL,
		BloomExpectedKeys: opts.BloomExpectedKeys,
		BloomFPRate:       opts.BloomFPRate,
	})

	return &Module{
		deps:  deps,
		opts:  opts,
		ports: Ports{Runner: svc},
	}
}

// Name returns the module name
func (m *Module) Name() string { return "ingest" }

// Ports returns the module ports
func (m *Module) Ports() Ports { return m.ports }

// Options returns the resolved module options
func (m *Module) Options() Options { return m.opts }
