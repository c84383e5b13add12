package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/resilience/circuit"
	"github.com/vietddude/scrapeguard/internal/resilience/dlq"
	"github.com/vietddude/scrapeguard/internal/resilience/fetch"
)

// ScrapeRequest is one page a caller wants, plus what the DLQ needs to
// replay it later.
type ScrapeRequest struct {
	Type         domain.OperationType `json:"type"`
	URL          string               `json:"url"`
	Platform     string               `json:"platform"`
	VenueID      string               `json:"venue_id,omitempty"`
	WaitSelector string               `json:"wait_selector,omitempty"`
	Delay        time.Duration        `json:"delay,omitempty"`
}

func (r ScrapeRequest) options() fetch.Options {
	return fetch.Options{
		Platform:     r.Platform,
		WaitSelector: r.WaitSelector,
		Delay:        r.Delay,
	}
}

// Scraper runs page fetches behind the platform's circuit breaker and parks
// what still fails in the dead letter queue.
type Scraper struct {
	circuits  *circuit.Registry
	fetch     *fetch.Manager
	queue     *dlq.Queue
	httpFetch fetch.HTTPFetcher
	log       *slog.Logger
}

// NewScraper creates a scraper.
func NewScraper(
	circuits *circuit.Registry,
	fm *fetch.Manager,
	queue *dlq.Queue,
	httpFetch fetch.HTTPFetcher,
	log *slog.Logger,
) *Scraper {
	if log == nil {
		log = slog.Default()
	}
	return &Scraper{
		circuits:  circuits,
		fetch:     fm,
		queue:     queue,
		httpFetch: httpFetch,
		log:       log,
	}
}

// Scrape fetches req.URL with browser fallback. When every path fails the
// request is queued for replay and the original error is returned.
func (s *Scraper) Scrape(ctx context.Context, req ScrapeRequest) (*fetch.Result, error) {
	if req.URL == "" {
		return nil, errors.New("scrape: url is required")
	}
	if req.Type == "" {
		req.Type = domain.OperationTypeMenuScrape
	}

	res, err := s.do(ctx, req)
	if err == nil {
		return res, nil
	}
	// Caller gave up; nothing to replay.
	if ctx.Err() != nil {
		return nil, err
	}

	op, qerr := s.queue.Enqueue(context.WithoutCancel(ctx), dlq.Failure{
		Type:     req.Type,
		Err:      err,
		Platform: req.Platform,
		VenueID:  req.VenueID,
		Context:  req,
	})
	if qerr != nil {
		s.log.Error("Failed to queue failed scrape", "url", req.URL, "error", qerr)
		return nil, errors.Join(err, qerr)
	}
	s.log.Warn("Scrape failed, queued for replay",
		"url", req.URL,
		"platform", req.Platform,
		"operation", op.ID,
		"error", err)
	return nil, err
}

// Replay is the DLQ handler for scrape operations. A context that cannot be
// decoded will never succeed, so it is escalated straight away. A rejection
// by an open circuit postpones the operation until the circuit may admit.
func (s *Scraper) Replay(ctx context.Context, op *domain.FailedOperation) error {
	var req ScrapeRequest
	if len(op.Context) == 0 {
		return dlq.Permanent(errors.New("operation has no replay context"))
	}
	if err := json.Unmarshal(op.Context, &req); err != nil {
		return dlq.Permanent(fmt.Errorf("decode replay context: %w", err))
	}
	if req.URL == "" {
		return dlq.Permanent(errors.New("replay context has no url"))
	}
	if req.Platform == "" {
		req.Platform = op.Platform
	}

	_, err := s.do(ctx, req)
	var open *circuit.OpenError
	if errors.As(err, &open) {
		// Nothing reached the platform; wait for the circuit instead of
		// spending an attempt.
		return dlq.Defer(err, open.Stats.NextAttemptTime)
	}
	return err
}

func (s *Scraper) do(ctx context.Context, req ScrapeRequest) (*fetch.Result, error) {
	name := req.Platform
	if name == "" {
		name = "scraper"
	}
	breaker, err := s.circuits.GetOrCreate(name)
	if err != nil {
		return nil, err
	}
	return circuit.Call(ctx, breaker, func(ctx context.Context) (*fetch.Result, error) {
		return s.fetch.FetchWithFallback(ctx, req.URL, s.httpFetch, req.options())
	})
}
