// Package pipeline retrieves large paged search results progressively.
//
// The first page is fetched alone so callers can render quickly; the rest
// are fetched in small parallel batches and appended in page order. Each
// step publishes an immutable Progress snapshot.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/papersources/inspire"
)

// PageSource fetches one page of a search. *inspire.Client satisfies it.
type PageSource interface {
	SearchPage(ctx context.Context, req inspire.SearchRequest) (*inspire.SearchPage, error)
}

// Recorder receives pipeline events. *observability.Metrics satisfies it.
type Recorder interface {
	RecordPipelinePage(outcome string)
	RecordPipelineResults(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordPipelinePage(string) {}
func (nopRecorder) RecordPipelineResults(int) {}

// Config bounds a pipeline run.
type Config struct {
	// PageSize is the fixed page size.
	PageSize int
	// MaxResults caps the number of entries collected.
	MaxResults int
	// MaxPages caps the number of pages fetched.
	MaxPages int
	// BatchParallelism is the number of pages fetched concurrently.
	BatchParallelism int
}

// DefaultConfig returns the limits used against INSPIRE.
func DefaultConfig() Config {
	return Config{
		PageSize:         250,
		MaxResults:       10000,
		MaxPages:         40,
		BatchParallelism: 3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PageSize <= 0 {
		c.PageSize = d.PageSize
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	if c.BatchParallelism <= 0 {
		c.BatchParallelism = d.BatchParallelism
	}
}

// Request identifies the search to run.
type Request struct {
	Query  string
	Sort   domain.Sort
	Fields string
}

// Progress is a snapshot of a run. Entries holds the cumulative entries in
// page order; its capacity is clipped so appending to it never affects
// other snapshots. Receivers must not modify the elements.
type Progress struct {
	Entries []domain.Entry
	Total   int
	Pages   int
	Done    bool
	Err     error
}

// Result is the outcome of a completed run.
type Result struct {
	Entries []domain.Entry
	Total   int
	Pages   int
}

// Pipeline runs paged searches against a PageSource.
type Pipeline struct {
	source   PageSource
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithRecorder reports page outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// New creates a pipeline.
func New(source PageSource, cfg Config, opts ...Option) *Pipeline {
	cfg.applyDefaults()
	p := &Pipeline{
		source:   source,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Run fetches all pages of req up to the configured caps. onProgress, if
// set, is called after page 1 and after every batch with growing counts; it
// is never called once ctx is done. A 404 on page 1 yields a NotFoundError;
// later 404s count as empty pages. When ctx ends, results still in flight
// are discarded and ctx.Err() is returned.
func (p *Pipeline) Run(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	emit := func(pr Progress) {
		if onProgress != nil && ctx.Err() == nil {
			onProgress(pr)
		}
	}

	first, err := p.source.SearchPage(ctx, p.pageRequest(req, 1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.recorder.RecordPipelinePage(pageOutcome(err))
		return nil, err
	}
	p.recorder.RecordPipelinePage("ok")

	total := first.Total
	limit := min(total, p.cfg.MaxResults)
	acc := newAccumulator(limit)
	acc.add(first.Entries)
	pages := 1

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	emit(acc.snapshot(total, pages))

	remaining := remainingPages(limit, len(first.Entries), p.cfg.PageSize, p.cfg.MaxPages-1)
	next := 2

	for remaining > 0 && !acc.full() {
		n := min(p.cfg.BatchParallelism, remaining)
		batch, missing, err := p.fetchBatch(ctx, req, next, n)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, fmt.Errorf("fetching pages %d-%d: %w", next, next+n-1, err)
		}

		got := 0
		for _, page := range batch {
			acc.add(page)
			got += len(page)
		}
		pages += n
		next += n
		remaining -= n

		emit(acc.snapshot(total, pages))
		if got == 0 && missing == 0 {
			// The result set shrank since page 1.
			break
		}
	}

	res := &Result{Entries: acc.entries(), Total: total, Pages: pages}
	p.recorder.RecordPipelineResults(len(res.Entries))
	p.logger.Debug().
		Str("query", req.Query).
		Int("total", total).
		Int("collected", len(res.Entries)).
		Int("pages", pages).
		Msg("paged fetch complete")
	return res, nil
}

// Stream runs req in the background and delivers snapshots on the returned
// channel. The last value has Done set and carries the final entries or
// the error. The channel is closed afterwards. If ctx ends, the channel is
// closed without a final value.
func (p *Pipeline) Stream(ctx context.Context, req Request) <-chan Progress {
	out := make(chan Progress)
	send := func(pr Progress) bool {
		select {
		case out <- pr:
			return true
		case <-ctx.Done():
			return false
		}
	}

	go func() {
		defer close(out)
		res, err := p.Run(ctx, req, func(pr Progress) { send(pr) })
		if ctx.Err() != nil {
			return
		}
		final := Progress{Done: true, Err: err}
		if res != nil {
			final.Entries = res.Entries
			final.Total = res.Total
			final.Pages = res.Pages
		}
		send(final)
	}()
	return out
}

// fetchBatch fetches n pages starting at first concurrently and returns
// their entries in page order, with the number of pages that were not found.
func (p *Pipeline) fetchBatch(ctx context.Context, req Request, first, n int) ([][]domain.Entry, int, error) {
	results := make([][]domain.Entry, n)
	var missing atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.BatchParallelism)

	for i := 0; i < n; i++ {
		page := first + i
		g.Go(func() error {
			sp, err := p.source.SearchPage(gctx, p.pageRequest(req, page))
			if err != nil {
				var nf *domain.NotFoundError
				if errors.As(err, &nf) {
					p.recorder.RecordPipelinePage("not_found")
					p.logger.Debug().Int("page", page).Str("query", req.Query).Msg("page not found, treating as empty")
					missing.Add(1)
					return nil
				}
				if gctx.Err() == nil {
					p.recorder.RecordPipelinePage(pageOutcome(err))
				}
				return err
			}
			p.recorder.RecordPipelinePage("ok")
			results[i] = sp.Entries
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return results, int(missing.Load()), nil
}

func (p *Pipeline) pageRequest(req Request, page int) inspire.SearchRequest {
	return inspire.SearchRequest{
		Query:  req.Query,
		Sort:   req.Sort,
		Page:   page,
		Size:   p.cfg.PageSize,
		Fields: req.Fields,
	}
}

// remainingPages returns ceil((limit-fetched)/pageSize) bounded by maxMore.
func remainingPages(limit, fetched, pageSize, maxMore int) int {
	left := limit - fetched
	if left <= 0 || maxMore <= 0 {
		return 0
	}
	return min((left+pageSize-1)/pageSize, maxMore)
}

func pageOutcome(err error) string {
	var nf *domain.NotFoundError
	switch {
	case errors.As(err, &nf):
		return "not_found"
	case domain.IsCancellation(err):
		return "cancelled"
	default:
		return "error"
	}
}

// accumulator collects entries in order, dropping duplicates that appear
// when the remote reorders results between page requests.
type accumulator struct {
	limit int
	list  []domain.Entry
	seen  map[string]struct{}
}

func newAccumulator(limit int) *accumulator {
	return &accumulator{
		limit: limit,
		list:  make([]domain.Entry, 0, limit),
		seen:  make(map[string]struct{}, limit),
	}
}

func (a *accumulator) add(entries []domain.Entry) {
	for _, e := range entries {
		if a.full() {
			return
		}
		if e.ID != "" {
			if _, dup := a.seen[e.ID]; dup {
				continue
			}
			a.seen[e.ID] = struct{}{}
		}
		a.list = append(a.list, e)
	}
}

func (a *accumulator) full() bool {
	return len(a.list) >= a.limit
}

func (a *accumulator) entries() []domain.Entry {
	n := len(a.list)
	return a.list[:n:n]
}

func (a *accumulator) snapshot(total, pages int) Progress {
	return Progress{Entries: a.entries(), Total: total, Pages: pages}
}
