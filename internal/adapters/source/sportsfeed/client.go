// Package sportsfeed provides a client for cursor-paginated sports data APIs
// (balldontlie-style). The client classifies failures into the error taxonomy
// and never retries internally; backoff lives in the ingest service
package sportsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	perr "statline/internal/platform/errors"
	"statline/internal/platform/logger"
	"statline/internal/services/ingest/domain"
)

const (
	defaultTimeout = 10 * time.Second
	defaultUA      = "statline-ingest"
	defaultPerPage = 100
)

// Options configures the Client
type Options struct {
	// BaseURL of the feed, e.g. https://api.balldontlie.io/v1
	BaseURL string

	// APIKey is sent as the Authorization header when set
	APIKey string

	UserAgent string
	Timeout   time.Duration
	PerPage   int
}

// Client fetches one page per call and implements domain.Fetcher
type Client struct {
	http *http.Client
	opts Options
	log  logger.Logger
}

// NewClient creates a Client with sane defaults
func NewClient(o Options) *Client {
	if o.UserAgent == "" {
		o.UserAgent = defaultUA
	}
	if o.Timeout <= 0 {
		o.Timeout = defaultTimeout
	}
	if o.PerPage <= 0 {
		o.PerPage = defaultPerPage
	}
	return &Client{
		http: &http.Client{Timeout: o.Timeout},
		opts: o,
		log:  *logger.Named("sportsfeed"),
	}
}

// kindPath maps an entity kind onto its collection endpoint
func kindPath(k domain.Kind) (string, error) {
	switch k {
	case domain.KindTeam:
		return "/teams", nil
	case domain.KindPlayer:
		return "/players", nil
	case domain.KindGame:
		return "/games", nil
	case domain.KindStat:
		return "/stats", nil
	}
	return "", perr.InvalidArgf("no endpoint for kind %q", k)
}

// FetchPage implements domain.Fetcher. An empty cursor requests the first
// page; the returned NextCursor is empty when the chain is exhausted
func (c *Client) FetchPage(ctx context.Context, req domain.PageRequest) (domain.Page, error) {
	path, err := kindPath(req.Kind)
	if err != nil {
		return domain.Page{}, err
	}

	q := url.Values{}
	q.Set("per_page", strconv.Itoa(c.opts.PerPage))
	if req.Cursor != "" {
		q.Set("cursor", req.Cursor)
	}
	u := c.opts.BaseURL + path + "?" + q.Encode()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return domain.Page{}, perr.Wrapf(err, perr.ErrorCodeUnknown, "sportsfeed new request failed")
	}
	hreq.Header.Set("User-Agent", c.opts.UserAgent)
	hreq.Header.Set("Accept", "application/json")
	if c.opts.APIKey != "" {
		hreq.Header.Set("Authorization", c.opts.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(hreq)
	if err != nil {
		if ce := ctx.Err(); ce != nil {
			return domain.Page{}, ce
		}
		// client timeout and transport errors are transient for the caller
		return domain.Page{}, perr.Wrapf(err, perr.ErrorCodeUnavailable, "sportsfeed do failed")
	}
	defer func() { _ = drainAndClose(resp.Body) }()

	c.log.Debug().
		Str("source", req.Source).
		Str("kind", string(req.Kind)).
		Str("cursor", req.Cursor).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("sportsfeed http response")

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Page{}, perr.TooManyRequestsf("sportsfeed rate limited %s%s", req.Source, path)
	case resp.StatusCode >= 500:
		return domain.Page{}, perr.Unavailablef("sportsfeed server error %d on %s%s", resp.StatusCode, req.Source, path)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return domain.Page{}, perr.InvalidArgf("sportsfeed rejected %s%s: %d %s", req.Source, path, resp.StatusCode, string(body))
	default:
		return domain.Page{}, perr.Internalf("sportsfeed unexpected status %d on %s%s", resp.StatusCode, req.Source, path)
	}

	var env envelope
	dec := json.NewDecoder(io.LimitReader(resp.Body, 8<<20))
	if err := dec.Decode(&env); err != nil {
		return domain.Page{}, perr.Wrapf(err, perr.ErrorCodeValidation, "sportsfeed decode failed")
	}

	page := domain.Page{Records: make([]domain.RawRecord, 0, len(env.Data))}
	for _, d := range env.Data {
		page.Records = append(page.Records, domain.RawRecord{
			Source:  req.Source,
			Kind:    req.Kind,
			Payload: d,
		})
	}
	if env.Meta.NextCursor != nil {
		page.NextCursor = fmt.Sprintf("%d", *env.Meta.NextCursor)
	}
	return page, nil
}

func drainAndClose(rc io.ReadCloser) error {
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 512))
	return rc.Close()
}
