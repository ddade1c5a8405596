package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/inspire-refgraph/internal/config"
	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

const seedRecord = `{
  "id": "1",
  "metadata": {
    "control_number": 1,
    "titles": [{"title": "Seed"}],
    "citation_count": 3,
    "references": [
      {"record": {"$ref": "https://inspirehep.net/api/literature/4321"}, "reference": {"title": {"title": "Resolved"}, "publication_info": {"year": 1996}}},
      {"reference": {"misc": ["Unpublished notes"]}}
    ]
  }
}`

func newInspireStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/literature/1":
			_, _ = w.Write([]byte(seedRecord))
		case "/literature":
			_, _ = w.Write([]byte(`{"hits": {"total": 0, "hits": []}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics", Namespace: "refgraph"},
		Inspire: config.InspireConfig{BaseURL: baseURL, Timeout: 5 * time.Second},
		Fetcher: config.FetcherConfig{
			RateLimit:              1000,
			BurstSize:              100,
			MaxConcurrent:          4,
			ThrottleQueueThreshold: 1,
			MaxBodyBytes:           1 << 20,
		},
		Pagination: config.PaginationConfig{PageSize: 250, MaxResults: 1000, MaxPages: 4, BatchParallelism: 2},
		Cache: config.CacheConfig{
			TTLHours:       24,
			Directory:      filepath.Join(dir, "cache"),
			SplitThreshold: 10000,
			PurgeDelay:     time.Hour,
			WriteQueueSize: 8,
			Memory: config.MemoryCacheConfig{
				ListCapacity:     10,
				MetadataCapacity: 10,
				RelatedCapacity:  10,
				CitingCapacity:   10,
			},
		},
		Enrichment: config.EnrichmentConfig{BatchSize: 50, Parallelism: 2, LocalLookupChunk: 100},
		Related:    config.RelatedConfig{MaxAnchors: 5, CitingPerAnchor: 10, CoCitationBudget: 2, MaxResults: 10, Parallelism: 2},
		Library:    config.LibraryConfig{Enabled: true, Path: filepath.Join(dir, "library.db"), MigrateOnStart: true},
	}
}

func TestNew_WiresService(t *testing.T) {
	ctx := context.Background()
	stub := newInspireStub(t)

	a, err := New(ctx, testConfig(t, stub.URL), zerolog.Nop())
	require.NoError(t, err)

	require.NotNil(t, a.Service)
	require.NotNil(t, a.DB)
	require.NotNil(t, a.Library)
	require.NotNil(t, a.Metrics)

	n, err := a.Library.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	res, err := a.Service.Load(ctx, refgraph.Request{Key: "1", Mode: domain.ModeReferences}, nil)
	require.NoError(t, err)
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "4321", res.Entries[0].Recid)
	assert.Equal(t, refgraph.OriginNetwork, res.Origin)

	t.Run("local items mark loaded entries", func(t *testing.T) {
		patched, err := a.Service.AddLocalItem(ctx, &domain.LocalItem{ItemID: "ITEM", Recid: "4321"})
		require.NoError(t, err)
		assert.Positive(t, patched)

		found, err := a.Library.BatchFindLocalItems(ctx, []string{"4321"})
		require.NoError(t, err)
		assert.Equal(t, "ITEM", found["4321"])
	})

	t.Run("metrics handler serves the registry", func(t *testing.T) {
		rr := httptest.NewRecorder()
		a.MetricsHandler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		require.Equal(t, http.StatusOK, rr.Code)
		body, _ := io.ReadAll(rr.Body)
		assert.Contains(t, string(body), "go_goroutines")
		assert.Contains(t, string(body), "refgraph_")
	})

	require.NoError(t, a.Close(ctx))
}

func TestNew_LibraryDisabled(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t, newInspireStub(t).URL)
	cfg.Library.Enabled = false
	cfg.Metrics.Enabled = false

	a, err := New(ctx, cfg, zerolog.Nop(), WithoutBackgroundPurge())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	assert.Nil(t, a.DB)
	assert.Nil(t, a.MetricsHandler())

	_, err = a.Service.AddLocalItem(ctx, &domain.LocalItem{ItemID: "ITEM", Recid: "4321"})
	assert.ErrorIs(t, err, refgraph.ErrNoLibrary)
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestNew_BadLibraryPath(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Library.Path = ""

	_, err := New(context.Background(), cfg, zerolog.Nop(), WithoutBackgroundPurge())
	assert.Error(t, err)
}
