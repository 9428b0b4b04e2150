package service

import (
	"context"
	"errors"
	"math/rand"
	"time"

	perr "statline/internal/platform/errors"
	"statline/internal/services/ingest/domain"
)

// apiCounter is the slice of the stats tracker the fetcher needs
type apiCounter interface{ IncAPICall() }

// RetryingFetcher decorates a Fetcher with exponential backoff on transient
// failures. Permanent errors fail fast; the ceiling bounds total attempts.
// The per-attempt timeout is applied here so a single slow page is transient
// and retried rather than killing the whole cursor chain.
// Every attempt counts against the API-call counter, successful or not
type RetryingFetcher struct {
	next     domain.Fetcher
	attempts int
	base     time.Duration
	timeout  time.Duration
	counter  apiCounter

	// sleep is a seam for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryingFetcher wraps next with up to attempts tries, base backoff and a
// per-attempt timeout. attempts <=0 -> 1, base <=0 -> 500ms, timeout 0 = none
func NewRetryingFetcher(next domain.Fetcher, attempts int, base, timeout time.Duration, counter apiCounter) *RetryingFetcher {
	if attempts <= 0 {
		attempts = 1
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	return &RetryingFetcher{
		next:     next,
		attempts: attempts,
		base:     base,
		timeout:  timeout,
		counter:  counter,
		sleep:    sleepCtx,
	}
}

// FetchPage implements domain.Fetcher
func (f *RetryingFetcher) FetchPage(ctx context.Context, req domain.PageRequest) (domain.Page, error) {
	var last error
	for i := 0; i < f.attempts; i++ {
		if f.counter != nil {
			f.counter.IncAPICall()
		}
		page, err := f.attempt(ctx, req)
		if err == nil {
			return page, nil
		}
		last = err

		// Malformed requests and other permanent errors never resolve by waiting
		if !perr.Retryable(err) {
			return domain.Page{}, err
		}
		if i == f.attempts-1 {
			break
		}

		// Exponential backoff with jitter, cap at 30s
		d := min(f.base<<i, 30*time.Second)
		j := d / 2
		if half := int64(d / 2); half > 0 {
			j += time.Duration(rand.Int63n(half))
		}
		if se := f.sleep(ctx, j); se != nil {
			return domain.Page{}, last
		}
	}
	return domain.Page{}, last
}

// attempt runs one fetch under the per-attempt timeout. An attempt deadline
// firing while the surrounding ctx is still live is an Unavailable error, so
// retry classification treats it like any other transient outage
func (f *RetryingFetcher) attempt(ctx context.Context, req domain.PageRequest) (domain.Page, error) {
	actx := ctx
	if f.timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}
	page, err := f.next.FetchPage(actx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return domain.Page{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "fetch timed out after %s", f.timeout)
	}
	return page, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
