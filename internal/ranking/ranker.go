// Package ranking recommends papers related to a seed paper by blending
// weighted bibliographic coupling with co-citation.
package ranking

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// AlgorithmVersion is part of every cache key for rankings. Bump it when
// scoring changes so stale rankings are not served.
const AlgorithmVersion = 3

// metadataChunk bounds recids per anchor metadata lookup.
const metadataChunk = 100

// Source provides the remote lookups the ranker needs. *inspire.Client
// satisfies it.
type Source interface {
	CitingPapers(ctx context.Context, recid string, limit int) ([]domain.Entry, error)
	CoCitationCount(ctx context.Context, a, b string) (int, error)
	FetchByRecids(ctx context.Context, recids []string) (map[string]domain.Entry, error)
}

// Recorder receives ranking measurements. *observability.Metrics satisfies it.
type Recorder interface {
	RecordRanking(candidates int, durationSeconds float64)
}

type nopRecorder struct{}

func (nopRecorder) RecordRanking(int, float64) {}

// Config tunes the ranker.
type Config struct {
	// MaxAnchors is K, the number of seed references used as anchors.
	MaxAnchors int
	// CitingPerAnchor is N, the citing papers fetched per anchor.
	CitingPerAnchor int
	// CoCitationBudget is T, the number of top candidates refined by co-citation.
	CoCitationBudget int
	// MaxResults caps the returned list.
	MaxResults int
	// ExcludeReviews drops review articles as anchors and as candidates.
	ExcludeReviews bool
	// ExcludedAnchors are recids never used as anchors.
	ExcludedAnchors []string
	// Parallelism bounds concurrent remote lookups.
	Parallelism int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxAnchors:       40,
		CitingPerAnchor:  50,
		CoCitationBudget: 25,
		MaxResults:       50,
		ExcludeReviews:   true,
		ExcludedAnchors:  []string{"2104524"},
		Parallelism:      3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxAnchors <= 0 {
		c.MaxAnchors = d.MaxAnchors
	}
	if c.CitingPerAnchor <= 0 {
		c.CitingPerAnchor = d.CitingPerAnchor
	}
	if c.CoCitationBudget < 0 {
		c.CoCitationBudget = 0
	}
	if c.MaxResults <= 0 {
		c.MaxResults = d.MaxResults
	}
	if c.Parallelism <= 0 {
		c.Parallelism = d.Parallelism
	}
}

// RelatedKey identifies a cached ranking. Changing the algorithm or a
// user-facing preference yields a different key.
type RelatedKey struct {
	Recid            string
	AlgorithmVersion int
	ExcludeReviews   bool
	MaxResults       int
}

// String returns a stable text form usable as a cache key.
func (k RelatedKey) String() string {
	return fmt.Sprintf("%s|v%d|exclude_reviews=%t|max=%d", k.Recid, k.AlgorithmVersion, k.ExcludeReviews, k.MaxResults)
}

// Seed is the paper to find related papers for.
type Seed struct {
	Recid         string
	CitationCount int
	// References in reference-list order.
	References []domain.Entry
}

// Phase names a ranking stage reported through progress callbacks.
type Phase string

const (
	PhaseAnchors    Phase = "anchors"
	PhaseCoupling   Phase = "coupling"
	PhaseCoCitation Phase = "cocitation"
	PhaseDone       Phase = "done"
)

// Progress reports how far a ranking has advanced.
type Progress struct {
	Phase     Phase `json:"phase"`
	Completed int   `json:"completed"`
	Total     int   `json:"total"`
}

// Ranker computes related-paper rankings. It is safe for concurrent use.
type Ranker struct {
	source   Source
	cfg      Config
	excluded map[string]struct{}
	logger   zerolog.Logger
	recorder Recorder
}

// Option configures optional Ranker collaborators.
type Option func(*Ranker)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Ranker) {
		r.logger = l
	}
}

// WithRecorder reports ranking durations to rec.
func WithRecorder(rec Recorder) Option {
	return func(r *Ranker) {
		if rec != nil {
			r.recorder = rec
		}
	}
}

// NewRanker creates a ranker.
func NewRanker(source Source, cfg Config, opts ...Option) *Ranker {
	cfg.applyDefaults()
	r := &Ranker{
		source:   source,
		cfg:      cfg,
		excluded: make(map[string]struct{}, len(cfg.ExcludedAnchors)),
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
	}
	for _, id := range cfg.ExcludedAnchors {
		r.excluded[id] = struct{}{}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Key returns the cache key for a ranking of recid under this configuration.
func (r *Ranker) Key(recid string) RelatedKey {
	return RelatedKey{
		Recid:            recid,
		AlgorithmVersion: AlgorithmVersion,
		ExcludeReviews:   r.cfg.ExcludeReviews,
		MaxResults:       r.cfg.MaxResults,
	}
}

// anchor is one seed reference used for coupling.
type anchor struct {
	recid  string
	weight float64
}

// candidate accumulates coupling evidence for one paper.
type candidate struct {
	entry   domain.Entry
	shared  float64
	anchors int
}

// Rank produces related papers for seed, best first. Failed lookups for a
// single anchor or candidate only reduce that contribution. It returns an
// error only when ctx ends.
func (r *Ranker) Rank(ctx context.Context, seed Seed, onProgress func(Progress)) ([]domain.RankedCandidate, error) {
	start := time.Now()
	report := func(p Progress) {
		if onProgress != nil && ctx.Err() == nil {
			onProgress(p)
		}
	}
	log := r.logger.With().Str("recid", seed.Recid).Logger()

	anchors, err := r.selectAnchors(ctx, seed)
	if err != nil {
		return nil, err
	}
	report(Progress{Phase: PhaseAnchors, Completed: len(anchors), Total: len(anchors)})
	if len(anchors) == 0 {
		log.Debug().Msg("no usable anchors")
		report(Progress{Phase: PhaseDone})
		return []domain.RankedCandidate{}, nil
	}

	cands, totalWeight, err := r.couple(ctx, seed, anchors, report)
	if err != nil {
		return nil, err
	}

	ranked := make([]domain.RankedCandidate, 0, len(cands))
	for _, c := range cands {
		cs := CouplingScore(c.shared, totalWeight)
		ranked = append(ranked, domain.RankedCandidate{
			Entry:         c.entry,
			CouplingScore: cs,
			CombinedScore: cs,
			SharedAnchors: c.anchors,
		})
	}
	sortCandidates(ranked, func(c *domain.RankedCandidate) float64 { return c.CouplingScore })

	alpha := Alpha(seed.CitationCount)
	if alpha > 0 {
		if err := r.refine(ctx, seed, ranked, alpha, report); err != nil {
			return nil, err
		}
		sortCandidates(ranked, func(c *domain.RankedCandidate) float64 { return c.CombinedScore })
	}

	if len(ranked) > r.cfg.MaxResults {
		ranked = ranked[:r.cfg.MaxResults]
	}

	r.recorder.RecordRanking(len(cands), time.Since(start).Seconds())
	log.Debug().
		Int("anchors", len(anchors)).
		Int("candidates", len(cands)).
		Float64("alpha", alpha).
		Dur("elapsed", time.Since(start)).
		Msg("related ranking complete")
	report(Progress{Phase: PhaseDone, Completed: len(ranked), Total: len(ranked)})
	return ranked, nil
}

// selectAnchors picks up to K resolvable references in reference order,
// skipping excluded recids, duplicates, the seed itself and, when
// configured, reviews. Citation counts and document types missing from the
// references are looked up.
func (r *Ranker) selectAnchors(ctx context.Context, seed Seed) ([]anchor, error) {
	pool := make([]domain.Entry, 0, len(seed.References))
	seen := map[string]struct{}{seed.Recid: {}}
	for _, ref := range seed.References {
		if !ref.HasRecid() {
			continue
		}
		if _, dup := seen[ref.Recid]; dup {
			continue
		}
		if _, skip := r.excluded[ref.Recid]; skip {
			continue
		}
		seen[ref.Recid] = struct{}{}
		pool = append(pool, ref)
	}

	// Reviews are only known after the lookup, so look at a margin beyond K.
	limit := r.cfg.MaxAnchors
	if r.cfg.ExcludeReviews {
		limit *= 2
	}
	if len(pool) > limit {
		pool = pool[:limit]
	}

	if err := r.fillMetadata(ctx, pool); err != nil {
		return nil, err
	}

	anchors := make([]anchor, 0, r.cfg.MaxAnchors)
	for _, ref := range pool {
		if len(anchors) == r.cfg.MaxAnchors {
			break
		}
		if r.cfg.ExcludeReviews && ref.IsReview() {
			continue
		}
		anchors = append(anchors, anchor{recid: ref.Recid, weight: AnchorWeight(ref.Citations())})
	}
	return anchors, nil
}

// fillMetadata merges remote metadata into refs lacking a citation count.
// Lookup failures leave the refs as they are.
func (r *Ranker) fillMetadata(ctx context.Context, refs []domain.Entry) error {
	var missing []string
	for _, ref := range refs {
		if ref.CitationCount == nil {
			missing = append(missing, ref.Recid)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	var (
		mu   sync.Mutex
		meta = make(map[string]domain.Entry, len(missing))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for start := 0; start < len(missing); start += metadataChunk {
		chunk := missing[start:min(start+metadataChunk, len(missing))]
		g.Go(func() error {
			got, err := r.source.FetchByRecids(gctx, chunk)
			if err != nil {
				if gctx.Err() == nil {
					r.logger.Warn().Err(err).Int("recids", len(chunk)).Msg("anchor metadata lookup failed")
				}
				return nil
			}
			mu.Lock()
			for k, v := range got {
				meta[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	for i := range refs {
		if m, ok := meta[refs[i].Recid]; ok {
			refs[i].MergeMetadata(m)
		}
	}
	return nil
}

// couple fetches papers citing each anchor and accumulates shared weight.
// An anchor whose lookup fails is left out of the total weight as well.
func (r *Ranker) couple(ctx context.Context, seed Seed, anchors []anchor, report func(Progress)) (map[string]*candidate, float64, error) {
	var (
		mu          sync.Mutex
		cands       = make(map[string]*candidate)
		totalWeight float64
		completed   int
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for _, a := range anchors {
		g.Go(func() error {
			citing, err := r.source.CitingPapers(gctx, a.recid, r.cfg.CitingPerAnchor)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if err != nil {
				if gctx.Err() == nil {
					r.logger.Warn().Err(err).Str("anchor", a.recid).Msg("citing papers lookup failed")
				}
				return nil
			}
			totalWeight += a.weight

			counted := make(map[string]struct{}, len(citing))
			for _, e := range citing {
				if !e.HasRecid() || e.Recid == seed.Recid {
					continue
				}
				if r.cfg.ExcludeReviews && e.IsReview() {
					continue
				}
				if _, dup := counted[e.Recid]; dup {
					continue
				}
				counted[e.Recid] = struct{}{}

				c, ok := cands[e.Recid]
				if !ok {
					e.ID = e.Recid
					c = &candidate{entry: e}
					cands[e.Recid] = c
				}
				c.shared += a.weight
				c.anchors++
			}
			report(Progress{Phase: PhaseCoupling, Completed: completed, Total: len(anchors)})
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return cands, totalWeight, nil
}

// refine looks up co-citation counts for the top-T candidates of ranked,
// which must be sorted by coupling. Candidates beyond T keep their
// coupling score. A failed lookup scores 0 for that candidate.
func (r *Ranker) refine(ctx context.Context, seed Seed, ranked []domain.RankedCandidate, alpha float64, report func(Progress)) error {
	n := min(r.cfg.CoCitationBudget, len(ranked))
	if n == 0 {
		return nil
	}

	var (
		mu        sync.Mutex
		completed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Parallelism)
	for i := 0; i < n; i++ {
		c := &ranked[i]
		g.Go(func() error {
			co, err := r.source.CoCitationCount(gctx, seed.Recid, c.Entry.Recid)
			if err != nil {
				if gctx.Err() == nil {
					r.logger.Warn().Err(err).Str("candidate", c.Entry.Recid).Msg("co-citation lookup failed")
				}
				co = 0
			}
			score := CoCitationScore(co, seed.CitationCount, c.Entry.Citations())
			c.CoCitationScore = &score
			c.CombinedScore = Combine(alpha, c.CouplingScore, score)

			mu.Lock()
			completed++
			report(Progress{Phase: PhaseCoCitation, Completed: completed, Total: n})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ctx.Err()
}

// sortCandidates orders by score, then coupling, then citations, all
// descending, then recid ascending so equal inputs rank identically.
func sortCandidates(cs []domain.RankedCandidate, score func(*domain.RankedCandidate) float64) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := &cs[i], &cs[j]
		if sa, sb := score(a), score(b); sa != sb {
			return sa > sb
		}
		if a.CouplingScore != b.CouplingScore {
			return a.CouplingScore > b.CouplingScore
		}
		if ca, cb := a.Entry.Citations(), b.Entry.Citations(); ca != cb {
			return ca > cb
		}
		return compareRecids(a.Entry.Recid, b.Entry.Recid) < 0
	})
}

// compareRecids compares numerically when both are numbers.
func compareRecids(a, b string) int {
	na, errA := strconv.Atoi(a)
	nb, errB := strconv.Atoi(b)
	if errA == nil && errB == nil {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
