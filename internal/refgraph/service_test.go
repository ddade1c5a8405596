package refgraph

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/inspire-refgraph/internal/diskcache"
	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/papersources/inspire"
	"github.com/helixir/inspire-refgraph/internal/pipeline"
	"github.com/helixir/inspire-refgraph/internal/ranking"
)

type fakeRecords struct {
	refs    map[string][]domain.Entry
	records map[string]domain.Entry
	refCall atomic.Int32
	recCall atomic.Int32
}

func (f *fakeRecords) Record(_ context.Context, recid string) (*domain.Entry, error) {
	f.recCall.Add(1)
	e, ok := f.records[recid]
	if !ok {
		return nil, domain.NewNotFoundError("record", recid)
	}
	return &e, nil
}

func (f *fakeRecords) References(_ context.Context, recid string) ([]domain.Entry, error) {
	f.refCall.Add(1)
	refs, ok := f.refs[recid]
	if !ok {
		return nil, domain.NewNotFoundError("record", recid)
	}
	return refs, nil
}

// fakeLister answers every query with n entries in two progress steps.
// When hold is set, runs for that query wait for release and then return
// their results even if their context was cancelled.
type fakeLister struct {
	n       int
	hold    string
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32

	mu      sync.Mutex
	queries []string
}

func (f *fakeLister) Run(ctx context.Context, req pipeline.Request, onProgress func(pipeline.Progress)) (*pipeline.Result, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.queries = append(f.queries, req.Query)
	f.mu.Unlock()

	if req.Query == "missing" {
		return nil, domain.NewNotFoundError("search", req.Query)
	}
	if req.Query == f.hold {
		close(f.started)
		<-f.release
	} else if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := make([]domain.Entry, f.n)
	for i := range entries {
		id := req.Query + "-" + strconv.Itoa(i)
		entries[i] = domain.Entry{ID: id, Recid: id, Title: "T" + id, CitationCount: domain.IntPtr(i)}
	}
	half := f.n / 2
	if onProgress != nil {
		onProgress(pipeline.Progress{Entries: entries[:half:half], Total: f.n, Pages: 1})
		onProgress(pipeline.Progress{Entries: entries, Total: f.n, Pages: 2, Done: true})
	}
	return &pipeline.Result{Entries: entries, Total: f.n, Pages: 2}, nil
}

type fakeRanker struct {
	calls atomic.Int32
	seeds []ranking.Seed
}

func (f *fakeRanker) Key(recid string) ranking.RelatedKey {
	return ranking.RelatedKey{Recid: recid, AlgorithmVersion: ranking.AlgorithmVersion, ExcludeReviews: true, MaxResults: 50}
}

func (f *fakeRanker) Rank(_ context.Context, seed ranking.Seed, onProgress func(ranking.Progress)) ([]domain.RankedCandidate, error) {
	f.calls.Add(1)
	f.seeds = append(f.seeds, seed)
	if onProgress != nil {
		onProgress(ranking.Progress{Phase: ranking.PhaseDone, Completed: 1, Total: 1})
	}
	return []domain.RankedCandidate{
		{Entry: domain.Entry{ID: "900", Recid: "900", Title: "Related"}, CouplingScore: 0.5, CombinedScore: 0.5, SharedAnchors: 2},
	}, nil
}

type titleEnricher struct{}

func (titleEnricher) Enrich(_ context.Context, entries []domain.Entry, _ enrichment.Options, onUpdate func(enrichment.Update)) (enrichment.Stats, error) {
	st := enrichment.Stats{}
	for i, e := range entries {
		if e.Title != "" {
			continue
		}
		e.Title = "enriched " + e.ID
		st.Updated++
		onUpdate(enrichment.Update{Index: i, Entry: e})
	}
	return st, nil
}

// markEnricher changes the first entry, then calls during before the run
// returns.
type markEnricher struct {
	mark   func(*domain.Entry)
	during func()
}

func (m markEnricher) Enrich(_ context.Context, entries []domain.Entry, _ enrichment.Options, onUpdate func(enrichment.Update)) (enrichment.Stats, error) {
	e := entries[0]
	m.mark(&e)
	onUpdate(enrichment.Update{Index: 0, Entry: e})
	if m.during != nil {
		m.during()
	}
	return enrichment.Stats{Updated: 1}, nil
}

type fakeLibrary struct {
	items map[string]string
}

func (f *fakeLibrary) Upsert(_ context.Context, item *domain.LocalItem) error {
	if err := item.Validate(); err != nil {
		return err
	}
	f.items[item.ItemID] = item.Recid
	return nil
}

func (f *fakeLibrary) Delete(_ context.Context, itemID string) (string, error) {
	recid, ok := f.items[itemID]
	if !ok {
		return "", domain.NewNotFoundError("local_item", itemID)
	}
	delete(f.items, itemID)
	return recid, nil
}

func (f *fakeLibrary) AddRelation(context.Context, string, string) error { return nil }

type fixture struct {
	svc     *Service
	records *fakeRecords
	lister  *fakeLister
	ranker  *fakeRanker
	caches  *Caches
	disk    *diskcache.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithDir(t, t.TempDir())
}

func newFixtureWithDir(t *testing.T, dir string) *fixture {
	t.Helper()
	disk, err := diskcache.New(diskcache.Config{Dir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close(context.Background()) })

	caches, err := NewCaches(DefaultCapacities())
	require.NoError(t, err)

	f := &fixture{
		records: &fakeRecords{
			refs: map[string][]domain.Entry{
				"1": {
					{ID: "1", Recid: "10", Year: 2001, CitationCount: domain.IntPtr(5)},
					{ID: "2", Recid: "20", Year: 2010, CitationCount: domain.IntPtr(50)},
					{ID: "3", RawReference: "unresolved", Year: 1999},
				},
			},
			records: map[string]domain.Entry{
				"1": {ID: "1", Recid: "1", Title: "Seed", CitationCount: domain.IntPtr(42)},
			},
		},
		lister: &fakeLister{n: 6},
		ranker: &fakeRanker{},
		caches: caches,
		disk:   disk,
	}
	f.svc, err = NewService(Deps{
		Records:  f.records,
		Lister:   f.lister,
		Ranker:   f.ranker,
		Enricher: titleEnricher{},
		Caches:   caches,
		Disk:     disk,
		Library:  &fakeLibrary{items: map[string]string{}},
	})
	require.NoError(t, err)
	return f
}

func TestNewService_RequiresCollaborators(t *testing.T) {
	_, err := NewService(Deps{})
	assert.Error(t, err)
}

func TestService_LoadTiers(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	f := newFixtureWithDir(t, dir)
	req := Request{Key: "42", Mode: domain.ModeCitedBy}

	var progress []Progress
	res, err := f.svc.Load(ctx, req, func(p Progress) { progress = append(progress, p) })
	require.NoError(t, err)
	assert.Equal(t, OriginNetwork, res.Origin)
	assert.Len(t, res.Entries, 6)
	assert.Equal(t, []string{inspire.CitedByQuery("42")}, f.lister.queries)

	require.Len(t, progress, 2)
	assert.Len(t, progress[0].Entries, 3)
	assert.False(t, progress[0].Done)
	assert.True(t, progress[1].Done)
	assert.Len(t, progress[1].Entries, 6)

	res, err = f.svc.Load(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, OriginMemory, res.Origin)
	assert.Equal(t, int32(1), f.lister.calls.Load())

	_, ok := f.caches.Metadata.Peek(res.Entries[0].Recid)
	assert.True(t, ok, "complete list entries seed the metadata cache")

	t.Run("disk tier serves a fresh process", func(t *testing.T) {
		require.NoError(t, f.disk.FlushWrites(ctx))
		g := newFixtureWithDir(t, dir)
		res, err := g.svc.Load(ctx, req, nil)
		require.NoError(t, err)
		assert.Equal(t, OriginDisk, res.Origin)
		assert.Len(t, res.Entries, 6)
		assert.Equal(t, int32(0), g.lister.calls.Load())
	})
}

func TestService_LoadQueries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, Request{Key: "E.Witten.1", Mode: domain.ModeAuthorPapers}, nil)
	require.NoError(t, err)
	_, err = f.svc.Search(ctx, "t higgs", domain.SortMostCited, "", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{inspire.AuthorQuery("E.Witten.1"), "t higgs"}, f.lister.queries)
}

func TestService_LoadReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Load(ctx, Request{Key: "1", Mode: domain.ModeReferences, Sort: domain.SortMostRecent}, nil)
	require.NoError(t, err)
	require.Len(t, res.Entries, 3)
	assert.Equal(t, []string{"2", "1", "3"}, []string{res.Entries[0].ID, res.Entries[1].ID, res.Entries[2].ID})
	assert.Equal(t, int32(0), f.lister.calls.Load())
}

func TestService_LoadValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []Request{
		{Key: " ", Mode: domain.ModeCitedBy},
		{Key: "1", Mode: domain.ModeRelated},
		{Key: "1", Mode: "bogus"},
	} {
		_, err := f.svc.Load(ctx, req, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput, "%+v", req)
	}
}

func TestService_LoadNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, Request{Key: "missing", Mode: domain.ModeSearch}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, f.caches.Lists.Len())

	_, err = f.svc.Load(ctx, Request{Key: "404", Mode: domain.ModeReferences}, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestService_SupersededResultsAreDiscarded(t *testing.T) {
	f := newFixture(t)
	f.lister.hold = "slow"
	f.lister.started = make(chan struct{})
	f.lister.release = make(chan struct{})
	ctx := context.Background()

	var (
		slowErr      error
		slowProgress atomic.Int32
		wg           sync.WaitGroup
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, slowErr = f.svc.Load(ctx, Request{Key: "slow", Mode: domain.ModeSearch}, func(Progress) {
			slowProgress.Add(1)
		})
	}()
	<-f.lister.started

	res, err := f.svc.Load(ctx, Request{Key: "fast", Mode: domain.ModeSearch}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Entries, 6)

	close(f.lister.release)
	wg.Wait()

	assert.ErrorIs(t, slowErr, domain.ErrCancelled)
	assert.True(t, domain.IsCancellation(slowErr))
	assert.Equal(t, int32(0), slowProgress.Load(), "late progress is not delivered")

	_, ok := f.caches.Lists.Peek(diskcache.Key{Query: "slow", Mode: domain.ModeSearch, Sort: domain.SortDefault})
	assert.False(t, ok, "late results are not cached")
	require.NoError(t, f.disk.FlushWrites(ctx))
	_, ok = f.disk.Read(ctx, diskcache.Key{Query: "slow", Mode: domain.ModeSearch, Sort: domain.SortDefault})
	assert.False(t, ok)
}

func TestService_ScopesDoNotSupersede(t *testing.T) {
	f := newFixture(t)
	f.lister.hold = "slow"
	f.lister.started = make(chan struct{})
	f.lister.release = make(chan struct{})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Load(ctx, Request{Key: "slow", Mode: domain.ModeSearch, Scope: "a"}, nil)
		done <- err
	}()
	<-f.lister.started

	_, err := f.svc.Load(ctx, Request{Key: "fast", Mode: domain.ModeSearch, Scope: "b"}, nil)
	require.NoError(t, err)
	close(f.lister.release)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("load did not finish")
	}
}

func TestService_Enrich(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Key: "1", Mode: domain.ModeReferences}

	_, err := f.svc.Enrich(ctx, EnrichRequest{Request: req}, nil, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound, "nothing loaded yet")

	_, err = f.svc.Load(ctx, req, nil)
	require.NoError(t, err)

	var updates []enrichment.Update
	st, err := f.svc.Enrich(ctx, EnrichRequest{Request: req}, nil, func(u enrichment.Update) {
		updates = append(updates, u)
	})
	require.NoError(t, err)
	assert.Equal(t, 3, st.Updated)
	assert.Len(t, updates, 3)

	cached, ok := f.caches.Lists.Peek(req.cacheKey())
	require.True(t, ok)
	for _, e := range cached {
		assert.Equal(t, "enriched "+e.ID, e.Title)
	}
}

func TestService_EnrichKeepsLibraryChanges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Key: "1", Mode: domain.ModeReferences}
	_, err := f.svc.Load(ctx, req, nil)
	require.NoError(t, err)

	t.Run("item deleted while the run resolves it", func(t *testing.T) {
		f.svc.deps.Enricher = markEnricher{
			mark: func(e *domain.Entry) { e.LocalItemID = "X" },
			during: func() {
				assert.Equal(t, 0, f.svc.LocalItemDeleted("X"), "not cached yet")
			},
		}
		_, err := f.svc.Enrich(ctx, EnrichRequest{Request: req}, nil, nil)
		require.NoError(t, err)

		cached, ok := f.caches.Lists.Peek(req.cacheKey())
		require.True(t, ok)
		assert.Empty(t, cached[0].LocalItemID)
	})

	t.Run("item added while the run resolves metadata", func(t *testing.T) {
		f.svc.deps.Enricher = markEnricher{
			mark: func(e *domain.Entry) { e.Title = "resolved" },
			during: func() {
				assert.Equal(t, 1, f.svc.LocalItemAdded("10", "Y"))
			},
		}
		_, err := f.svc.Enrich(ctx, EnrichRequest{Request: req}, nil, nil)
		require.NoError(t, err)

		cached, ok := f.caches.Lists.Peek(req.cacheKey())
		require.True(t, ok)
		assert.Equal(t, "resolved", cached[0].Title)
		assert.Equal(t, "Y", cached[0].LocalItemID)
	})

	t.Run("patches before the run are not replayed", func(t *testing.T) {
		assert.Equal(t, 1, f.svc.LocalItemDeleted("Y"))
		f.svc.deps.Enricher = markEnricher{
			mark: func(e *domain.Entry) { e.LocalItemID = "Y" },
		}
		_, err := f.svc.Enrich(ctx, EnrichRequest{Request: req}, nil, nil)
		require.NoError(t, err)

		cached, _ := f.caches.Lists.Peek(req.cacheKey())
		assert.Equal(t, "Y", cached[0].LocalItemID)
		assert.Empty(t, f.svc.patchLog)
	})
}

func TestService_Related(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var phases []ranking.Phase
	res, err := f.svc.Related(ctx, RelatedRequest{Recid: "1"}, func(p ranking.Progress) {
		phases = append(phases, p.Phase)
	})
	require.NoError(t, err)
	assert.Equal(t, OriginNetwork, res.Origin)
	require.Len(t, res.Candidates, 1)
	assert.Equal(t, []ranking.Phase{ranking.PhaseDone}, phases)

	require.Len(t, f.ranker.seeds, 1)
	assert.Equal(t, 42, f.ranker.seeds[0].CitationCount)
	assert.Len(t, f.ranker.seeds[0].References, 3)

	_, ok := f.caches.Lists.Peek(diskcache.Key{Query: "1", Mode: domain.ModeReferences, Sort: domain.SortDefault})
	assert.True(t, ok, "seed references go through the list tiers")

	res, err = f.svc.Related(ctx, RelatedRequest{Recid: "1"}, nil)
	require.NoError(t, err)
	assert.Equal(t, OriginMemory, res.Origin)
	assert.Equal(t, int32(1), f.ranker.calls.Load())

	t.Run("ranking is persisted", func(t *testing.T) {
		require.NoError(t, f.disk.FlushWrites(ctx))
		f.caches.Clear()
		res, err := f.svc.Related(ctx, RelatedRequest{Recid: "1"}, nil)
		require.NoError(t, err)
		assert.Equal(t, OriginDisk, res.Origin)
		assert.Equal(t, "900", res.Candidates[0].Entry.Recid)
	})

	t.Run("unknown seed", func(t *testing.T) {
		_, err := f.svc.Related(ctx, RelatedRequest{Recid: "404"}, nil)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("empty recid", func(t *testing.T) {
		_, err := f.svc.Related(ctx, RelatedRequest{}, nil)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestService_LocalItemNotifications(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{Key: "1", Mode: domain.ModeReferences}
	_, err := f.svc.Load(ctx, req, nil)
	require.NoError(t, err)
	_, err = f.svc.Related(ctx, RelatedRequest{Recid: "1"}, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, f.svc.LocalItemAdded("20", "ITEM"))
	assert.Equal(t, 0, f.svc.LocalItemAdded("20", "ITEM"), "already marked")
	assert.Equal(t, 1, f.svc.LocalItemAdded("900", "ITEM9"))

	cached, _ := f.caches.Lists.Peek(req.cacheKey())
	assert.Equal(t, "ITEM", cached[1].LocalItemID)
	ranked, _ := f.caches.Related.Peek(f.ranker.Key("1"))
	assert.Equal(t, "ITEM9", ranked[0].Entry.LocalItemID)

	assert.Equal(t, 1, f.svc.LocalItemDeleted("ITEM"))
	cached, _ = f.caches.Lists.Peek(req.cacheKey())
	assert.Empty(t, cached[1].LocalItemID)

	t.Run("library operations patch caches", func(t *testing.T) {
		n, err := f.svc.AddLocalItem(ctx, &domain.LocalItem{ItemID: "X", Recid: "10"})
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = f.svc.RemoveLocalItem(ctx, "X")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = f.svc.RemoveLocalItem(ctx, "X")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestService_NoLibrary(t *testing.T) {
	caches, err := NewCaches(DefaultCapacities())
	require.NoError(t, err)
	svc, err := NewService(Deps{
		Records: &fakeRecords{}, Lister: &fakeLister{}, Ranker: &fakeRanker{},
		Enricher: titleEnricher{}, Caches: caches,
	})
	require.NoError(t, err)

	_, err = svc.AddLocalItem(context.Background(), &domain.LocalItem{ItemID: "A", Recid: "1"})
	assert.ErrorIs(t, err, ErrNoLibrary)
	assert.ErrorIs(t, svc.RelateLocalItems(context.Background(), "A", "B"), ErrNoLibrary)

	assert.Equal(t, "", svc.CacheDir())
	n, err := svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Nil(t, svc.CacheStats().Disk)

	ch, cancel := svc.SubscribeFetcherStatus()
	defer cancel()
	assert.False(t, (<-ch).IsThrottling)
}

func TestService_CacheAdministration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Load(ctx, Request{Key: "q", Mode: domain.ModeSearch}, nil)
	require.NoError(t, err)
	require.NoError(t, f.disk.FlushWrites(ctx))

	st := f.svc.CacheStats()
	assert.Equal(t, 1, st.Memory[CacheLists].Size)
	require.NotNil(t, st.Disk)
	assert.Equal(t, 1, st.Disk.Records)

	cleared, err := f.svc.ClearCaches(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cleared.Memory, 1)
	assert.Equal(t, 1, cleared.Disk)
	assert.Equal(t, 0, f.caches.Lists.Len())

	t.Run("cache directory switch", func(t *testing.T) {
		next := t.TempDir()
		require.NoError(t, f.svc.SetCacheDir(ctx, next))
		assert.Equal(t, next, f.svc.CacheDir())
		assert.ErrorIs(t, f.svc.SetCacheDir(ctx, ""), domain.ErrInvalidInput)
	})
}
