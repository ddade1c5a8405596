// Package app assembles the reference-graph service from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/helixir/inspire-refgraph/internal/config"
	"github.com/helixir/inspire-refgraph/internal/database"
	"github.com/helixir/inspire-refgraph/internal/diskcache"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/memcache"
	"github.com/helixir/inspire-refgraph/internal/observability"
	"github.com/helixir/inspire-refgraph/internal/papersources"
	"github.com/helixir/inspire-refgraph/internal/papersources/inspire"
	"github.com/helixir/inspire-refgraph/internal/pipeline"
	"github.com/helixir/inspire-refgraph/internal/ranking"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
	"github.com/helixir/inspire-refgraph/internal/repository"
)

// App holds the wired components of one process.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Fetcher  *papersources.HTTPClient
	Client   *inspire.Client
	Caches   *refgraph.Caches
	Disk     *diskcache.Cache
	// DB is nil when the local library is disabled.
	DB      *database.DB
	Library *repository.SQLiteLocalItemRepository
	Service *refgraph.Service

	stopPurge func()
	purgeDone <-chan struct{}
}

// Option adjusts how New wires the application.
type Option func(*options)

type options struct {
	skipPurge  bool
	httpClient *http.Client
}

// WithoutBackgroundPurge skips the delayed startup purge of expired disk
// records. One-shot CLI commands use it.
func WithoutBackgroundPurge() Option {
	return func(o *options) {
		o.skipPurge = true
	}
}

// WithHTTPClient replaces the transport used for remote requests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

// New wires every component from cfg. Call Close to release them.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Metrics.Enabled {
		a.Metrics = observability.NewMetricsWith(cfg.Metrics.Namespace, a.Registry)
	}

	clientOpts := []papersources.ClientOption{
		papersources.WithClientLogger(logger),
		papersources.WithFetchRecorder(a.Metrics),
	}
	if o.httpClient != nil {
		clientOpts = append(clientOpts, papersources.WithHTTPClient(o.httpClient))
	}
	a.Fetcher = papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Source:                 "inspire",
		Timeout:                cfg.Inspire.Timeout,
		RateLimit:              cfg.Fetcher.RateLimit,
		BurstSize:              cfg.Fetcher.BurstSize,
		MaxConcurrent:          cfg.Fetcher.MaxConcurrent,
		ThrottleQueueThreshold: cfg.Fetcher.ThrottleQueueThreshold,
		MaxRetries:             cfg.Fetcher.MaxRetries,
		RetryDelay:             cfg.Fetcher.RetryDelay,
		UserAgent:              cfg.Inspire.UserAgent,
		MaxBodyBytes:           cfg.Fetcher.MaxBodyBytes,
	}, clientOpts...)
	a.Client = inspire.NewClient(inspire.Config{
		BaseURL:  cfg.Inspire.BaseURL,
		PageSize: cfg.Pagination.PageSize,
	}, a.Fetcher)

	caches, err := refgraph.NewCaches(refgraph.Capacities{
		Lists:    cfg.Cache.Memory.ListCapacity,
		Metadata: cfg.Cache.Memory.MetadataCapacity,
		Related:  cfg.Cache.Memory.RelatedCapacity,
		Citing:   cfg.Cache.Memory.CitingCapacity,
	}, memcache.WithRecorder(a.Metrics))
	if err != nil {
		return nil, fmt.Errorf("create memory caches: %w", err)
	}
	a.Caches = caches

	a.Disk, err = diskcache.New(diskcache.Config{
		Dir:            cfg.Cache.Directory,
		TTL:            cfg.Cache.TTL(),
		Compression:    cfg.Cache.Compression,
		SplitThreshold: cfg.Cache.SplitThreshold,
		WriteQueueSize: cfg.Cache.WriteQueueSize,
	}, diskcache.WithLogger(logger), diskcache.WithRecorder(a.Metrics))
	if err != nil {
		return nil, fmt.Errorf("open disk cache: %w", err)
	}

	var library enrichment.LocalLibrary
	var svcLibrary refgraph.Library
	if cfg.Library.Enabled {
		if err := a.openLibrary(ctx); err != nil {
			_ = a.Disk.Close(ctx)
			return nil, err
		}
		library, svcLibrary = a.Library, a.Library
	}

	lister := pipeline.New(a.Client, pipeline.Config{
		PageSize:         cfg.Pagination.PageSize,
		MaxResults:       cfg.Pagination.MaxResults,
		MaxPages:         cfg.Pagination.MaxPages,
		BatchParallelism: cfg.Pagination.BatchParallelism,
	}, pipeline.WithLogger(logger), pipeline.WithRecorder(a.Metrics))

	ranker := ranking.NewRanker(ranking.NewCachedSource(a.Client, caches.Citing), ranking.Config{
		MaxAnchors:       cfg.Related.MaxAnchors,
		CitingPerAnchor:  cfg.Related.CitingPerAnchor,
		CoCitationBudget: cfg.Related.CoCitationBudget,
		MaxResults:       cfg.Related.MaxResults,
		ExcludeReviews:   cfg.Related.ExcludeReviews,
		ExcludedAnchors:  cfg.Related.ExcludedAnchors,
		Parallelism:      cfg.Related.Parallelism,
	}, ranking.WithLogger(logger), ranking.WithRecorder(a.Metrics))

	enricher := enrichment.New(a.Client, library, caches.Metadata, enrichment.Config{
		BatchSize:        cfg.Enrichment.BatchSize,
		Parallelism:      cfg.Enrichment.Parallelism,
		LocalLookupChunk: cfg.Enrichment.LocalLookupChunk,
	}, enrichment.WithLogger(logger), enrichment.WithRecorder(a.Metrics))

	a.Service, err = refgraph.NewService(refgraph.Deps{
		Records:  a.Client,
		Lister:   lister,
		Ranker:   ranker,
		Enricher: enricher,
		Caches:   caches,
		Disk:     a.Disk,
		Library:  svcLibrary,
		Fetcher:  a.Fetcher,
	}, refgraph.WithLogger(logger), refgraph.WithRecorder(a.Metrics))
	if err != nil {
		_ = a.close(ctx)
		return nil, fmt.Errorf("create service: %w", err)
	}

	if !o.skipPurge {
		purgeCtx, cancel := context.WithCancel(context.Background())
		a.stopPurge = cancel
		a.purgeDone = a.Disk.StartBackgroundPurge(purgeCtx, cfg.Cache.PurgeDelay)
	}

	logger.Info().
		Str("cache_dir", a.Disk.Dir()).
		Bool("library", a.DB != nil).
		Bool("metrics", a.Metrics != nil).
		Msg("application wired")
	return a, nil
}

func (a *App) openLibrary(ctx context.Context) error {
	db, err := database.Open(ctx, a.Config.Library.Path, a.Logger)
	if err != nil {
		return fmt.Errorf("open library database: %w", err)
	}
	if a.Config.Library.MigrateOnStart {
		if err := database.MigrateUp(db, a.Logger); err != nil {
			_ = db.Close()
			return fmt.Errorf("migrate library database: %w", err)
		}
	}
	repo := repository.NewSQLiteLocalItemRepository(db)
	if a.Config.Enrichment.LocalLookupChunk > 0 {
		repo = repo.WithChunk(a.Config.Enrichment.LocalLookupChunk)
	}
	a.DB = db
	a.Library = repo
	return nil
}

// MetricsHandler serves the application registry, or nil when metrics are
// disabled.
func (a *App) MetricsHandler() http.Handler {
	if a.Metrics == nil {
		return nil
	}
	return promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{Registry: a.Registry})
}

// Close stops background work, flushes pending disk writes and closes the
// library database.
func (a *App) Close(ctx context.Context) error {
	if a.stopPurge != nil {
		a.stopPurge()
		select {
		case <-a.purgeDone:
		case <-ctx.Done():
		}
	}
	var errs []error
	if a.Service != nil {
		errs = append(errs, a.Service.Close(ctx))
	}
	errs = append(errs, a.close(ctx))
	return errors.Join(errs...)
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.Service == nil && a.Disk != nil {
		errs = append(errs, a.Disk.Close(ctx))
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}
