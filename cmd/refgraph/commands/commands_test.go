package commands_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/inspire-refgraph/cmd/refgraph/commands"
	"github.com/helixir/inspire-refgraph/internal/app"
	"github.com/helixir/inspire-refgraph/internal/config"
)

const recordJSON = `{
  "id": "1",
  "metadata": {
    "control_number": 1,
    "titles": [{"title": "Seed"}],
    "references": [
      {"record": {"$ref": "https://inspirehep.net/api/literature/4321"}, "reference": {"title": {"title": "Resolved"}, "publication_info": {"year": 1996}}},
      {"reference": {"misc": ["Unpublished notes"]}}
    ]
  }
}`

const searchJSON = `{
  "hits": {
    "total": 2,
    "hits": [
      {"id": "1", "metadata": {"control_number": 1, "titles": [{"title": "First"}], "citation_count": 10}},
      {"id": "2", "metadata": {"control_number": 2, "titles": [{"title": "Second"}], "citation_count": 3}}
    ]
  }
}`

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	inspire := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/literature/1":
			_, _ = w.Write([]byte(recordJSON))
		case r.URL.Path == "/literature" && strings.HasPrefix(r.URL.Query().Get("q"), "recid:"):
			_, _ = w.Write([]byte(`{"hits": {"total": 0, "hits": []}}`))
		case r.URL.Path == "/literature":
			_, _ = w.Write([]byte(searchJSON))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(inspire.Close)

	dir := t.TempDir()
	cfg := &config.Config{
		Metrics: config.MetricsConfig{Namespace: "refgraph"},
		Inspire: config.InspireConfig{BaseURL: inspire.URL, Timeout: 5 * time.Second},
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
			WriteQueueSize: 8,
			Memory: config.MemoryCacheConfig{
				ListCapacity:     10,
				MetadataCapacity: 10,
				RelatedCapacity:  10,
				CitingCapacity:   10,
			},
		},
		Enrichment: config.EnrichmentConfig{BatchSize: 50, Parallelism: 2, LocalLookupChunk: 100},
		Related:    config.RelatedConfig{MaxAnchors: 5, CitingPerAnchor: 10, MaxResults: 10, Parallelism: 2},
		Library:    config.LibraryConfig{Enabled: true, Path: filepath.Join(dir, "library.db"), MigrateOnStart: true},
	}

	a, err := app.New(context.Background(), cfg, zerolog.Nop(), app.WithoutBackgroundPurge())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func execute(a *app.App, args ...string) (string, error) {
	cli := commands.New(a)
	var out bytes.Buffer
	cli.SetOut(&out)
	cli.SetArgs(args)
	err := cli.Execute(context.Background())
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(nil, "version")
	require.NoError(t, err)
	assert.Equal(t, "refgraph version "+commands.Version+"\n", out)
}

func TestFetch_References(t *testing.T) {
	a := newTestApp(t)

	t.Run("table", func(t *testing.T) {
		out, err := execute(a, "fetch", "references", "1")
		require.NoError(t, err)
		assert.Contains(t, out, "RECID")
		assert.Contains(t, out, "4321")
		assert.Contains(t, out, "Resolved")
		assert.Contains(t, out, "Unpublished notes")
		assert.Contains(t, out, "2 of 2 entries")
	})

	t.Run("json", func(t *testing.T) {
		out, err := execute(a, "fetch", "refs", "1", "-o", "json", "--enrich=false")
		require.NoError(t, err)

		var got struct {
			Mode    string `json:"mode"`
			Origin  string `json:"origin"`
			Total   int    `json:"total"`
			Entries []struct {
				Recid string `json:"recid"`
			} `json:"entries"`
			Enrichment *struct{} `json:"enrichment"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, "references", got.Mode)
		assert.Equal(t, "memory", got.Origin)
		assert.Equal(t, 2, got.Total)
		require.Len(t, got.Entries, 2)
		assert.Equal(t, "4321", got.Entries[0].Recid)
		assert.Nil(t, got.Enrichment)
	})

	t.Run("year filter and limit", func(t *testing.T) {
		out, err := execute(a, "fetch", "references", "1", "-o", "json", "--year-from", "1990", "-n", "5")
		require.NoError(t, err)

		var got struct {
			Matched int `json:"matched"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.Equal(t, 1, got.Matched)
	})
}

func TestFetch_Errors(t *testing.T) {
	a := newTestApp(t)

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown mode", args: []string{"fetch", "sideways", "1"}},
		{name: "search mode", args: []string{"fetch", "search", "1"}},
		{name: "missing key", args: []string{"fetch", "references"}},
		{name: "bad sort", args: []string{"fetch", "references", "1", "--sort", "random"}},
		{name: "exclusive library filters", args: []string{"fetch", "references", "1", "--only-local", "--only-missing"}},
		{name: "unknown output", args: []string{"fetch", "references", "1", "-o", "xml"}},
		{name: "unknown record", args: []string{"fetch", "references", "999"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(a, tt.args...)
			assert.Error(t, err)
		})
	}
}

func TestSearch(t *testing.T) {
	a := newTestApp(t)

	t.Run("yaml", func(t *testing.T) {
		out, err := execute(a, "search", "t", "quark", "-o", "yaml", "--enrich=false")
		require.NoError(t, err)
		assert.Contains(t, out, "key: t quark")
		assert.Contains(t, out, "title: First")
		assert.Contains(t, out, "title: Second")
	})

	t.Run("filter", func(t *testing.T) {
		out, err := execute(a, "search", "t", "quark", "-f", "second")
		require.NoError(t, err)
		assert.Contains(t, out, "Second")
		assert.NotContains(t, out, "First")
		assert.Contains(t, out, "1 of 2 entries")
	})

	t.Run("sorted by citations", func(t *testing.T) {
		out, err := execute(a, "search", "t", "quark", "-s", "mostcited", "-o", "json", "--enrich=false")
		require.NoError(t, err)

		var got struct {
			Entries []struct {
				Title string `json:"title"`
			} `json:"entries"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		require.Len(t, got.Entries, 2)
		assert.Equal(t, "First", got.Entries[0].Title)
	})
}

func TestCache(t *testing.T) {
	a := newTestApp(t)
	_, err := execute(a, "fetch", "references", "1", "--enrich=false")
	require.NoError(t, err)

	t.Run("stats", func(t *testing.T) {
		out, err := execute(a, "cache", "stats", "-o", "json")
		require.NoError(t, err)

		var got struct {
			Memory map[string]struct {
				Size int `json:"size"`
			} `json:"memory"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &got))
		assert.NotEmpty(t, got.Memory)
	})

	t.Run("stats table", func(t *testing.T) {
		out, err := execute(a, "cache", "stats")
		require.NoError(t, err)
		assert.Contains(t, out, "TIER")
		assert.Contains(t, out, "disk")
	})

	t.Run("purge", func(t *testing.T) {
		out, err := execute(a, "cache", "purge")
		require.NoError(t, err)
		assert.Equal(t, "removed 0 expired records\n", out)
	})

	t.Run("clear", func(t *testing.T) {
		out, err := execute(a, "cache", "clear")
		require.NoError(t, err)
		assert.Contains(t, out, "cleared")
	})
}
