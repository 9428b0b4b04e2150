// Package gate limits concurrent work per named source. Each source gets its
// own semaphore so a slow or rate-limited feed cannot starve the others
package gate

import (
	"context"
	"sync"
)

// Gate holds one semaphore per source. Sources share a default ceiling
// unless given their own limit
type Gate struct {
	mu     sync.Mutex
	def    int
	limits map[string]int // immutable after New
	sems   map[string]chan struct{}
}

// New returns a gate allowing at most def in-flight calls per source, with
// optional per-source overrides. Limits below one are clamped to one
func New(def int, limits map[string]int) *Gate {
	if def < 1 {
		def = 1
	}
	l := make(map[string]int, len(limits))
	for src, n := range limits {
		if n < 1 {
			n = 1
		}
		l[src] = n
	}
	return &Gate{
		def:    def,
		limits: l,
		sems:   make(map[string]chan struct{}),
	}
}

// Limit reports the ceiling in effect for source
func (g *Gate) Limit(source string) int {
	if n, ok := g.limits[source]; ok {
		return n
	}
	return g.def
}

func (g *Gate) sem(source string) chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sems[source]
	if !ok {
		s = make(chan struct{}, g.Limit(source))
		g.sems[source] = s
	}
	return s
}

// Acquire blocks until a slot for source is free or ctx is done.
// On success the caller must Release with the same source
func (g *Gate) Acquire(ctx context.Context, source string) error {
	select {
	case g.sem(source) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot previously taken by Acquire
func (g *Gate) Release(source string) {
	select {
	case <-g.sem(source):
	default:
		// release without acquire is a programming error; don't block
	}
}

// Do runs fn under a slot for source, releasing it when fn returns
func (g *Gate) Do(ctx context.Context, source string, fn func() error) error {
	if err := g.Acquire(ctx, source); err != nil {
		return err
	}
	defer g.Release(source)
	return fn()
}

// InFlight reports the current number of held slots for source
func (g *Gate) InFlight(source string) int {
	return len(g.sem(source))
}
