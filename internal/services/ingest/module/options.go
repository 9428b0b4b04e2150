package module

import (
	"strings"
	"time"

	"statline/internal/platform/config"
	"statline/internal/services/ingest/domain"
)

// Options holds configuration for the ingest module
type Options struct {
	Sources []string
	Kinds   []string

	BatchSize    int
	Workers      int
	PerSource    int
	SourceLimits map[string]int
	MaxRetries   int
	RetryBase    time.Duration
	FetchTimeout time.Duration

	DefaultTTL time.Duration
	CacheTTL   map[domain.Kind]time.Duration

	BloomExpectedKeys int
	BloomFPRate       float64
}

// FromConfig reads ingest options from config with INGEST_ prefix
func FromConfig(cfg config.Conf) Options {
	in := cfg.Prefix("INGEST_")
	defTTL := in.MayDuration("CACHE_TTL", 15*time.Minute)
	sources := in.MayCSV("SOURCES", []string{"nba"})

	// Sources may carry their own in-flight ceiling (SOURCE_<NAME>_MAX_INFLIGHT)
	limits := make(map[string]int)
	for _, src := range sources {
		sc := cfg.Prefix("SOURCE_" + strings.ToUpper(src) + "_")
		if n := sc.MayInt("MAX_INFLIGHT", 0); n > 0 {
			limits[src] = n
		}
	}

	return Options{
		Sources: sources,
		Kinds:   in.MayCSV("KINDS", []string{"team", "player", "game", "stat"}),

		BatchSize:    in.MayInt("BATCH_SIZE", 100),
		Workers:      in.MayInt("WORKERS", 4),
		PerSource:    in.MayInt("MAX_INFLIGHT", 2),
		SourceLimits: limits,
		MaxRetries:   in.MayInt("RETRIES", 3),
		RetryBase:    in.MayDuration("RETRY_BASE", 500*time.Millisecond),
		FetchTimeout: in.MayDuration("FETCH_TIMEOUT", 30*time.Second),

		DefaultTTL: defTTL,
		CacheTTL: map[domain.Kind]time.Duration{
			domain.KindTeam:   in.MayDuration("CACHE_TTL_TEAM", defTTL),
			domain.KindPlayer: in.MayDuration("CACHE_TTL_PLAYER", defTTL),
			domain.KindGame:   in.MayDuration("CACHE_TTL_GAME", defTTL),
			domain.KindStat:   in.MayDuration("CACHE_TTL_STAT", defTTL),
		},

		BloomExpectedKeys: in.MayInt("BLOOM_EXPECTED_KEYS", 100_000),
		BloomFPRate:       in.MayFloat64("BLOOM_FP_RATE", 0.01),
	}
}

// Seeds expands the configured sources and kinds into run seeds
func (o Options) Seeds() []domain.PageRequest {
	seeds := make([]domain.PageRequest, 0, len(o.Sources)*len(o.Kinds))
	for _, src := range o.Sources {
		for _, k := range o.Kinds {
			seeds = append(seeds, domain.PageRequest{Source: src, Kind: domain.Kind(k)})
		}
	}
	return seeds
}
