// Package refgraph coordinates the cache tiers, the remote fetch paths, the
// related-papers ranker and background enrichment behind one service.
//
// Every public operation runs under a request token issued by a Tracker.
// Starting a request cancels the previous request of the same class and
// scope, and results are written to the caches only while their token is
// still current, so a late response from a superseded request is dropped.
package refgraph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/inspire-refgraph/internal/diskcache"
	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/papersources"
	"github.com/helixir/inspire-refgraph/internal/papersources/inspire"
	"github.com/helixir/inspire-refgraph/internal/pipeline"
	"github.com/helixir/inspire-refgraph/internal/ranking"
)

// ErrNoLibrary is returned by library operations when no local library is
// configured.
var ErrNoLibrary = errors.New("local library not configured")

// RecordSource fetches single records and reference lists. *inspire.Client
// satisfies it.
type RecordSource interface {
	Record(ctx context.Context, recid string) (*domain.Entry, error)
	References(ctx context.Context, recid string) ([]domain.Entry, error)
}

// Lister runs paginated searches. *pipeline.Pipeline satisfies it.
type Lister interface {
	Run(ctx context.Context, req pipeline.Request, onProgress func(pipeline.Progress)) (*pipeline.Result, error)
}

// Ranker produces related-paper rankings. *ranking.Ranker satisfies it.
type Ranker interface {
	Key(recid string) ranking.RelatedKey
	Rank(ctx context.Context, seed ranking.Seed, onProgress func(ranking.Progress)) ([]domain.RankedCandidate, error)
}

// Enricher fills gaps in delivered entries. *enrichment.Scheduler satisfies it.
type Enricher interface {
	Enrich(ctx context.Context, entries []domain.Entry, opts enrichment.Options, onUpdate func(enrichment.Update)) (enrichment.Stats, error)
}

// Library stores the host's local items. *repository.SQLiteLocalItemRepository
// satisfies it.
type Library interface {
	Upsert(ctx context.Context, item *domain.LocalItem) error
	Delete(ctx context.Context, itemID string) (string, error)
	AddRelation(ctx context.Context, itemA, itemB string) error
}

// StatusSource exposes the shared fetcher's throttling state.
// *papersources.HTTPClient satisfies it.
type StatusSource interface {
	Status() papersources.Status
	Subscribe() (<-chan papersources.Status, func())
}

// Deps are the collaborators of a Service. Disk, Library and Fetcher may be nil.
type Deps struct {
	Records  RecordSource
	Lister   Lister
	Ranker   Ranker
	Enricher Enricher
	Caches   *Caches
	Disk     *diskcache.Cache
	Library  Library
	Fetcher  StatusSource
}

// Origin names the tier that answered a request.
type Origin string

const (
	OriginMemory  Origin = "memory"
	OriginDisk    Origin = "disk"
	OriginNetwork Origin = "network"
)

// Request selects one entry list.
type Request struct {
	// Key is the recid for references and citedBy, the author identifier
	// for authorPapers, or the query for search.
	Key  string
	Mode domain.Mode
	Sort domain.Sort
	// Scope isolates cancellation between independent clients. Requests
	// only supersede requests of the same scope.
	Scope string
}

func (r *Request) normalize() error {
	r.Key = strings.TrimSpace(r.Key)
	if r.Key == "" {
		return domain.NewValidationError("key", "key is required")
	}
	switch r.Mode {
	case domain.ModeReferences, domain.ModeCitedBy, domain.ModeAuthorPapers, domain.ModeSearch:
	case domain.ModeRelated:
		return domain.NewValidationError("mode", "related lists are loaded with Related")
	default:
		return domain.NewValidationError("mode", fmt.Sprintf("unknown mode %q", r.Mode))
	}
	if r.Sort == "" {
		r.Sort = domain.SortDefault
	}
	return nil
}

func (r Request) cacheKey() diskcache.Key {
	return diskcache.Key{Query: r.Key, Mode: r.Mode, Sort: r.Sort}
}

// Progress is a snapshot of a loading list. Entries must not be modified.
type Progress struct {
	Entries []domain.Entry
	Total   int
	Done    bool
	Origin  Origin
}

// Result is a completed list.
type Result struct {
	Request Request
	Entries []domain.Entry
	Total   int
	Origin  Origin
	Token   uuid.UUID
}

// Service is the request orchestrator. It is safe for concurrent use.
type Service struct {
	deps    Deps
	caches  *Caches
	tracker *Tracker
	logger  zerolog.Logger

	// patchMu serializes library patches of cached lists and guards the
	// fields below.
	patchMu   sync.Mutex
	patchSeq  uint64
	patchLog  []loggedPatch
	enriching int
}

// loggedPatch is a library patch applied while enrichment runs were in
// flight. Their merges replay it onto the entries they resolved.
type loggedPatch struct {
	seq   uint64
	patch func(*domain.Entry) bool
}

// Option configures optional Service collaborators.
type Option func(*serviceOptions)

type serviceOptions struct {
	logger   zerolog.Logger
	recorder SupersededRecorder
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *serviceOptions) {
		o.logger = l
	}
}

// WithRecorder counts superseded requests.
func WithRecorder(r SupersededRecorder) Option {
	return func(o *serviceOptions) {
		o.recorder = r
	}
}

// NewService validates deps and creates a service.
func NewService(deps Deps, opts ...Option) (*Service, error) {
	switch {
	case deps.Records == nil:
		return nil, fmt.Errorf("record source is required")
	case deps.Lister == nil:
		return nil, fmt.Errorf("lister is required")
	case deps.Ranker == nil:
		return nil, fmt.Errorf("ranker is required")
	case deps.Enricher == nil:
		return nil, fmt.Errorf("enricher is required")
	case deps.Caches == nil:
		return nil, fmt.Errorf("memory caches are required")
	}

	o := serviceOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Service{
		deps:    deps,
		caches:  deps.Caches,
		tracker: NewTracker(o.recorder),
		logger:  o.logger.With().Str("component", "refgraph").Logger(),
	}, nil
}

// Tracker exposes the request tracker.
func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Load returns the list selected by req, from the memory tier, the disk
// tier or the network in that order. Network loads report progress as pages
// arrive. The result is cached only if req is still the current list
// request of its scope when it completes; otherwise an error matching
// domain.ErrCancelled is returned.
func (s *Service) Load(ctx context.Context, req Request, onProgress func(Progress)) (*Result, error) {
	if err := req.normalize(); err != nil {
		return nil, err
	}
	tok, rctx := s.tracker.Begin(ctx, req.Scope, ClassList)
	defer s.tracker.End(tok)

	res, err := s.load(rctx, tok, req, onProgress)
	if err != nil {
		return nil, err
	}
	res.Token = tok.ID
	return res, nil
}

// Search loads a search result list.
func (s *Service) Search(ctx context.Context, query string, sort domain.Sort, scope string, onProgress func(Progress)) (*Result, error) {
	return s.Load(ctx, Request{Key: query, Mode: domain.ModeSearch, Sort: sort, Scope: scope}, onProgress)
}

// current reports whether results for tok may still be applied. Internal
// loads without a token always apply.
func (s *Service) current(tok *Token) bool {
	return tok == nil || s.tracker.Current(tok)
}

// commit runs fn if tok is still current.
func (s *Service) commit(tok *Token, fn func()) bool {
	if tok == nil {
		fn()
		return true
	}
	return s.tracker.Guard(tok, fn)
}

func superseded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("request aborted: %w", errors.Join(domain.ErrCancelled, err))
	}
	return fmt.Errorf("request superseded: %w", domain.ErrCancelled)
}

func (s *Service) load(ctx context.Context, tok *Token, req Request, onProgress func(Progress)) (*Result, error) {
	emit := func(p Progress) {
		if onProgress != nil && ctx.Err() == nil && s.current(tok) {
			onProgress(p)
		}
	}
	key := req.cacheKey()
	log := s.logger.With().Str("mode", string(req.Mode)).Str("key", req.Key).Str("sort", string(req.Sort)).Logger()

	if entries, ok := s.caches.Lists.Get(key); ok {
		emit(Progress{Entries: entries, Total: len(entries), Done: true, Origin: OriginMemory})
		return &Result{Request: req, Entries: entries, Total: len(entries), Origin: OriginMemory}, nil
	}

	if s.deps.Disk != nil {
		if entries, ok := s.deps.Disk.Read(ctx, key); ok {
			if !s.commit(tok, func() { s.caches.Lists.Set(key, entries) }) {
				return nil, superseded(ctx)
			}
			log.Debug().Int("entries", len(entries)).Msg("list served from disk cache")
			emit(Progress{Entries: entries, Total: len(entries), Done: true, Origin: OriginDisk})
			return &Result{Request: req, Entries: entries, Total: len(entries), Origin: OriginDisk}, nil
		}
	}

	entries, total, err := s.fetch(ctx, req, emit)
	if err != nil {
		if domain.IsCancellation(err) || ctx.Err() != nil || !s.current(tok) {
			return nil, superseded(ctx)
		}
		log.Warn().Err(err).Msg("list fetch failed")
		return nil, err
	}

	ok := s.commit(tok, func() {
		s.caches.Lists.Set(key, entries)
		s.rememberMetadata(entries)
		if s.deps.Disk != nil {
			s.deps.Disk.Write(key, entries)
		}
	})
	if !ok {
		log.Debug().Msg("discarding results of superseded request")
		return nil, superseded(ctx)
	}

	log.Info().Int("entries", len(entries)).Int("total", total).Msg("list loaded")
	emit(Progress{Entries: entries, Total: total, Done: true, Origin: OriginNetwork})
	return &Result{Request: req, Entries: entries, Total: total, Origin: OriginNetwork}, nil
}

// fetch retrieves a list over the network.
func (s *Service) fetch(ctx context.Context, req Request, emit func(Progress)) ([]domain.Entry, int, error) {
	var query string
	switch req.Mode {
	case domain.ModeReferences:
		refs, err := s.deps.Records.References(ctx, req.Key)
		if err != nil {
			return nil, 0, err
		}
		return domain.SortEntries(refs, req.Sort), len(refs), nil
	case domain.ModeCitedBy:
		query = inspire.CitedByQuery(req.Key)
	case domain.ModeAuthorPapers:
		query = inspire.AuthorQuery(req.Key)
	default:
		query = req.Key
	}

	res, err := s.deps.Lister.Run(ctx, pipeline.Request{Query: query, Sort: req.Sort, Fields: inspire.ListFields},
		func(p pipeline.Progress) {
			if !p.Done {
				emit(Progress{Entries: p.Entries, Total: p.Total, Origin: OriginNetwork})
			}
		})
	if err != nil {
		return nil, 0, err
	}
	return res.Entries, res.Total, nil
}

// rememberMetadata seeds the metadata cache from complete list entries.
func (s *Service) rememberMetadata(entries []domain.Entry) {
	for i := range entries {
		e := &entries[i]
		if e.HasRecid() && !e.NeedsMetadata() {
			s.caches.Metadata.Set(e.Recid, *e)
		}
	}
}

// record returns a record's metadata, from the metadata cache when possible.
func (s *Service) record(ctx context.Context, recid string) (*domain.Entry, error) {
	if e, ok := s.caches.Metadata.Get(recid); ok && e.CitationCount != nil {
		return &e, nil
	}
	e, err := s.deps.Records.Record(ctx, recid)
	if err != nil {
		return nil, err
	}
	s.caches.Metadata.Set(recid, *e)
	return e, nil
}

// EnrichRequest selects the list to enrich and what to resolve.
type EnrichRequest struct {
	Request
	CurrentItemID string
	SkipLocal     bool
	SkipMetadata  bool
}

// Enrich fills gaps in entries, or in the cached list for req when entries
// is nil. Each changed entry is passed to onUpdate while the request is
// current. When the run finishes and is still current, the changes are
// merged into the cached list by entry ID.
func (s *Service) Enrich(ctx context.Context, req EnrichRequest, entries []domain.Entry, onUpdate func(enrichment.Update)) (enrichment.Stats, error) {
	if err := req.normalize(); err != nil {
		return enrichment.Stats{}, err
	}
	key := req.cacheKey()
	if entries == nil {
		cached, ok := s.caches.Lists.Peek(key)
		if !ok {
			return enrichment.Stats{}, domain.NewNotFoundError("list", key.String())
		}
		entries = cached
	}

	tok, rctx := s.tracker.Begin(ctx, req.Scope, ClassEnrichment)
	defer s.tracker.End(tok)

	since := s.beginEnrichment()
	defer s.endEnrichment()

	changed := make(map[string]domain.Entry)
	stats, err := s.deps.Enricher.Enrich(rctx, entries, enrichment.Options{
		CurrentItemID: req.CurrentItemID,
		SkipLocal:     req.SkipLocal,
		SkipMetadata:  req.SkipMetadata,
	}, func(u enrichment.Update) {
		if !s.tracker.Current(tok) {
			return
		}
		changed[u.Entry.ID] = u.Entry
		if onUpdate != nil {
			onUpdate(u)
		}
	})
	if err != nil {
		return stats, superseded(rctx)
	}

	if !s.commit(tok, func() { s.mergeList(key, changed, since) }) {
		return stats, superseded(rctx)
	}
	if partial := stats.Partial(); partial != nil {
		s.logger.Warn().Err(partial).Str("key", key.String()).Msg("enrichment incomplete")
	}
	return stats, nil
}

// beginEnrichment starts logging library patches and returns the sequence
// number preceding the run.
func (s *Service) beginEnrichment() uint64 {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()
	s.enriching++
	return s.patchSeq
}

func (s *Service) endEnrichment() {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()
	s.enriching--
	if s.enriching == 0 {
		s.patchLog = nil
	}
}

// mergeList replaces cached entries of key by ID. Library patches applied
// after since are replayed onto the changed entries first, as they were
// resolved against the library state at the start of the run.
func (s *Service) mergeList(key diskcache.Key, changed map[string]domain.Entry, since uint64) {
	if len(changed) == 0 {
		return
	}
	s.patchMu.Lock()
	defer s.patchMu.Unlock()

	for _, lp := range s.patchLog {
		if lp.seq <= since {
			continue
		}
		for id, e := range changed {
			if lp.patch(&e) {
				changed[id] = e
			}
		}
	}

	cached, ok := s.caches.Lists.Peek(key)
	if !ok {
		return
	}
	merged := make([]domain.Entry, len(cached))
	for i, e := range cached {
		if u, ok := changed[e.ID]; ok {
			merged[i] = u
		} else {
			merged[i] = e
		}
	}
	s.caches.Lists.Set(key, merged)
}

// RelatedRequest selects a related-papers ranking.
type RelatedRequest struct {
	Recid string
	Scope string
}

// RelatedResult is a completed ranking.
type RelatedResult struct {
	Key        ranking.RelatedKey
	Candidates []domain.RankedCandidate
	Origin     Origin
	Token      uuid.UUID
}

func relatedDiskKey(k ranking.RelatedKey) diskcache.Key {
	return diskcache.Key{Query: k.String(), Mode: domain.ModeRelated, Sort: domain.SortDefault}
}

// Related ranks papers related to recid. The seed's reference list goes
// through the regular list tiers without preempting the caller's list
// request, and the ranking is cached under a key carrying the algorithm
// version and settings.
func (s *Service) Related(ctx context.Context, req RelatedRequest, onProgress func(ranking.Progress)) (*RelatedResult, error) {
	recid := strings.TrimSpace(req.Recid)
	if recid == "" {
		return nil, domain.NewValidationError("recid", "recid is required")
	}
	tok, rctx := s.tracker.Begin(ctx, req.Scope, ClassRelated)
	defer s.tracker.End(tok)

	key := s.deps.Ranker.Key(recid)
	if ranked, ok := s.caches.Related.Get(key); ok {
		return &RelatedResult{Key: key, Candidates: ranked, Origin: OriginMemory, Token: tok.ID}, nil
	}
	if s.deps.Disk != nil {
		if ranked, ok := s.deps.Disk.ReadRanked(rctx, relatedDiskKey(key)); ok {
			if !s.commit(tok, func() { s.caches.Related.Set(key, ranked) }) {
				return nil, superseded(rctx)
			}
			return &RelatedResult{Key: key, Candidates: ranked, Origin: OriginDisk, Token: tok.ID}, nil
		}
	}

	refs, err := s.load(rctx, nil, Request{Key: recid, Mode: domain.ModeReferences, Sort: domain.SortDefault}, nil)
	if err != nil {
		return nil, s.relatedError(rctx, tok, err)
	}
	seed, err := s.record(rctx, recid)
	if err != nil {
		return nil, s.relatedError(rctx, tok, err)
	}

	ranked, err := s.deps.Ranker.Rank(rctx, ranking.Seed{
		Recid:         recid,
		CitationCount: seed.Citations(),
		References:    refs.Entries,
	}, func(p ranking.Progress) {
		if onProgress != nil && s.tracker.Current(tok) {
			onProgress(p)
		}
	})
	if err != nil {
		return nil, s.relatedError(rctx, tok, err)
	}

	ok := s.commit(tok, func() {
		s.caches.Related.Set(key, ranked)
		if s.deps.Disk != nil {
			s.deps.Disk.WriteRanked(relatedDiskKey(key), ranked)
		}
	})
	if !ok {
		return nil, superseded(rctx)
	}
	s.logger.Info().Str("recid", recid).Int("candidates", len(ranked)).Msg("related papers ranked")
	return &RelatedResult{Key: key, Candidates: ranked, Origin: OriginNetwork, Token: tok.ID}, nil
}

func (s *Service) relatedError(ctx context.Context, tok *Token, err error) error {
	if domain.IsCancellation(err) || ctx.Err() != nil || !s.current(tok) {
		return superseded(ctx)
	}
	return err
}
