// Package enrichment backfills missing metadata and local-library status
// onto entries that have already been handed to the caller.
package enrichment

import (
	"context"
	"reflect"
	"sync"

	"github.com/rs/zerolog"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/memcache"
)

// MetadataSource looks up record metadata by recid. *inspire.Client
// satisfies it.
type MetadataSource interface {
	FetchByRecids(ctx context.Context, recids []string) (map[string]domain.Entry, error)
}

// LocalLibrary answers which records are present in the host library.
type LocalLibrary interface {
	BatchFindLocalItems(ctx context.Context, recids []string) (map[string]string, error)
	IsRelated(ctx context.Context, itemA, itemB string) (bool, error)
}

// Recorder receives enrichment events. *observability.Metrics satisfies it.
type Recorder interface {
	RecordEnrichmentUpdate()
	RecordEnrichmentBatchFailed()
}

type nopRecorder struct{}

func (nopRecorder) RecordEnrichmentUpdate()      {}
func (nopRecorder) RecordEnrichmentBatchFailed() {}

// Config tunes the scheduler.
type Config struct {
	// BatchSize is the number of entries per remote lookup.
	BatchSize int
	// Parallelism is the number of workers.
	Parallelism int
	// LocalLookupChunk is the number of recids per library query.
	LocalLookupChunk int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{BatchSize: 100, Parallelism: 4, LocalLookupChunk: 500}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
	if c.LocalLookupChunk <= 0 {
		c.LocalLookupChunk = d.LocalLookupChunk
	}
}

// Options select what a single Enrich call does.
type Options struct {
	// CurrentItemID is the library item the list belongs to; when set,
	// matched entries are checked for a relation to it.
	CurrentItemID string
	SkipLocal     bool
	SkipMetadata  bool
}

// Update carries a changed copy of the entry at Index.
type Update struct {
	Index int
	Entry domain.Entry
}

// Stats summarizes an Enrich call.
type Stats struct {
	Updated       int `json:"updated"`
	LocalMatches  int `json:"local_matches"`
	CacheHits     int `json:"cache_hits"`
	Fetched       int `json:"fetched"`
	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`
	lastErr       error
}

// Partial returns a PartialEnrichmentError when some batches failed.
func (s Stats) Partial() error {
	if s.FailedBatches == 0 {
		return nil
	}
	return &domain.PartialEnrichmentError{Failed: s.FailedBatches, Total: s.Batches, Last: s.lastErr}
}

// Scheduler runs enrichment passes. It is safe for concurrent use.
type Scheduler struct {
	source   MetadataSource
	library  LocalLibrary
	cache    *memcache.BoundedCache[string, domain.Entry]
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder
}

// Option configures optional Scheduler collaborators.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithRecorder reports updates and failed batches to r.
func WithRecorder(r Recorder) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.recorder = r
		}
	}
}

// New creates a scheduler. library and cache may be nil.
func New(source MetadataSource, library LocalLibrary, cache *memcache.BoundedCache[string, domain.Entry], cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		source:   source,
		library:  library,
		cache:    cache,
		cfg:      cfg,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// run is the state of one Enrich call.
type run struct {
	s        *Scheduler
	entries  []domain.Entry
	onUpdate func(Update)

	mu    sync.Mutex
	stats Stats
}

// Enrich fills gaps in a copy of entries and reports each changed entry
// through onUpdate, one call at a time. The local-library pass runs first,
// then workers fetch metadata in batches, serving what they can from the
// metadata cache. A failed batch leaves its entries untouched and does not
// stop the others. When ctx ends the workers stop, no further updates are
// delivered and ctx.Err() is returned with the stats so far.
func (s *Scheduler) Enrich(ctx context.Context, entries []domain.Entry, opts Options, onUpdate func(Update)) (Stats, error) {
	r := &run{
		s:        s,
		entries:  append([]domain.Entry(nil), entries...),
		onUpdate: onUpdate,
	}

	if !opts.SkipLocal && s.library != nil {
		if err := r.localPass(ctx, opts.CurrentItemID); err != nil {
			return r.snapshot(), err
		}
	}
	if !opts.SkipMetadata && s.source != nil {
		r.metadataPass(ctx)
	}

	st := r.snapshot()
	if err := ctx.Err(); err != nil {
		return st, err
	}
	if st.FailedBatches > 0 {
		s.logger.Warn().
			Int("failed", st.FailedBatches).
			Int("batches", st.Batches).
			Err(st.lastErr).
			Msg("enrichment finished with failed batches")
	}
	return st, nil
}

func (r *run) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// localPass resolves library status for all recids with chunked queries.
func (r *run) localPass(ctx context.Context, currentItem string) error {
	byRecid := make(map[string][]int)
	var recids []string
	for i := range r.entries {
		id := r.entries[i].Recid
		if id == "" {
			continue
		}
		if _, ok := byRecid[id]; !ok {
			recids = append(recids, id)
		}
		byRecid[id] = append(byRecid[id], i)
	}

	for start := 0; start < len(recids); start += r.s.cfg.LocalLookupChunk {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunk := recids[start:min(start+r.s.cfg.LocalLookupChunk, len(recids))]
		found, err := r.s.library.BatchFindLocalItems(ctx, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.s.logger.Warn().Err(err).Int("recids", len(chunk)).Msg("local library lookup failed")
			continue
		}

		for _, recid := range chunk {
			itemID := found[recid]
			related := false
			if itemID != "" && currentItem != "" && itemID != currentItem {
				related, err = r.s.library.IsRelated(ctx, currentItem, itemID)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					related = false
				}
			}
			for _, i := range byRecid[recid] {
				r.apply(ctx, i, func(e *domain.Entry) {
					e.LocalItemID = itemID
					e.IsRelatedToCurrentItem = related
				}, itemID != "")
			}
		}
	}
	return nil
}

// metadataPass feeds batches of entries needing metadata to the workers.
func (r *run) metadataPass(ctx context.Context) {
	byRecid := make(map[string][]int)
	var recids []string
	for i := range r.entries {
		e := &r.entries[i]
		if !e.NeedsMetadata() {
			continue
		}
		if _, ok := byRecid[e.Recid]; !ok {
			recids = append(recids, e.Recid)
		}
		byRecid[e.Recid] = append(byRecid[e.Recid], i)
	}
	if len(recids) == 0 {
		return
	}

	batches := make(chan []string)
	var wg sync.WaitGroup
	for w := 0; w < r.s.cfg.Parallelism; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for batch := range batches {
				if ctx.Err() != nil {
					continue
				}
				r.fetchBatch(ctx, batch, byRecid)
			}
		}()
	}

feed:
	for start := 0; start < len(recids); start += r.s.cfg.BatchSize {
		batch := recids[start:min(start+r.s.cfg.BatchSize, len(recids))]
		select {
		case batches <- batch:
		case <-ctx.Done():
			break feed
		}
	}
	close(batches)
	wg.Wait()
}

// fetchBatch serves one batch from the cache and the remote source.
func (r *run) fetchBatch(ctx context.Context, batch []string, byRecid map[string][]int) {
	found := make(map[string]domain.Entry, len(batch))
	var missing []string
	for _, recid := range batch {
		if r.s.cache != nil {
			if m, ok := r.s.cache.Get(recid); ok {
				found[recid] = m
				continue
			}
		}
		missing = append(missing, recid)
	}

	r.mu.Lock()
	r.stats.Batches++
	r.stats.CacheHits += len(found)
	r.mu.Unlock()

	if len(missing) > 0 {
		fetched, err := r.s.source.FetchByRecids(ctx, missing)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.s.recorder.RecordEnrichmentBatchFailed()
			r.s.logger.Warn().Err(err).Int("recids", len(missing)).Msg("metadata batch failed")
			r.mu.Lock()
			r.stats.FailedBatches++
			r.stats.lastErr = err
			r.mu.Unlock()
		}
		for recid, m := range fetched {
			if r.s.cache != nil {
				r.s.cache.Set(recid, m)
			}
			found[recid] = m
		}
		r.mu.Lock()
		r.stats.Fetched += len(fetched)
		r.mu.Unlock()
	}

	for _, recid := range batch {
		m, ok := found[recid]
		if !ok {
			continue
		}
		for _, i := range byRecid[recid] {
			r.apply(ctx, i, func(e *domain.Entry) { e.MergeMetadata(m) }, false)
		}
	}
}

// apply mutates entry i under the run lock and emits a copy if it changed.
func (r *run) apply(ctx context.Context, i int, mutate func(*domain.Entry), localMatch bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		return
	}

	before := r.entries[i]
	e := before
	mutate(&e)
	if localMatch {
		r.stats.LocalMatches++
	}
	if reflect.DeepEqual(before, e) {
		return
	}
	r.entries[i] = e
	r.stats.Updated++
	r.s.recorder.RecordEnrichmentUpdate()
	if r.onUpdate != nil {
		r.onUpdate(Update{Index: i, Entry: e})
	}
}
