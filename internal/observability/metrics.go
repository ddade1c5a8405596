package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the reference-graph service.
// Metrics are organized by subsystem: memory cache, disk cache, fetcher,
// pipeline, enrichment, ranking and request tracking.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
type Metrics struct {
	// CacheHits counts memory cache hits, labeled by cache name.
	CacheHits *prometheus.CounterVec

	// CacheMisses counts memory cache misses, labeled by cache name.
	CacheMisses *prometheus.CounterVec

	// CacheEvictions counts LRU evictions, labeled by cache name.
	CacheEvictions *prometheus.CounterVec

	// DiskReads counts disk cache reads, labeled by result
	// (hit, miss, expired, corrupt, error).
	DiskReads *prometheus.CounterVec

	// DiskWrites counts committed or failed disk writes, labeled by result.
	DiskWrites *prometheus.CounterVec

	// DiskPurged counts records removed by expiry purges.
	DiskPurged prometheus.Counter

	// FetchRequests counts outbound HTTP exchanges, labeled by status class.
	FetchRequests *prometheus.CounterVec

	// FetchDuration observes outbound request latency in seconds.
	FetchDuration prometheus.Histogram

	// FetchQueued is the number of callers waiting for the request gate.
	FetchQueued prometheus.Gauge

	// FetchInFlight is the number of requests holding a gate slot.
	FetchInFlight prometheus.Gauge

	// FetchShared counts callers that joined an identical in-flight request.
	FetchShared prometheus.Counter

	// FetchRateLimited counts 429 responses.
	FetchRateLimited prometheus.Counter

	// PipelinePages counts fetched search pages, labeled by outcome (ok, empty, discarded).
	PipelinePages *prometheus.CounterVec

	// PipelineResults observes the number of entries assembled per query.
	PipelineResults prometheus.Histogram

	// EnrichmentUpdates counts per-entry enrichment notifications.
	EnrichmentUpdates prometheus.Counter

	// EnrichmentBatchesFailed counts enrichment batches that failed remotely.
	EnrichmentBatchesFailed prometheus.Counter

	// RankingDuration observes related-papers ranking time in seconds.
	RankingDuration prometheus.Histogram

	// RankingCandidates observes the number of coupling candidates per ranking.
	RankingCandidates prometheus.Histogram

	// RequestsSuperseded counts requests cancelled by a newer one, labeled by class.
	RequestsSuperseded *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance registered with the default registry.
// The namespace is used as a prefix for all metric names.
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWith(namespace, prometheus.DefaultRegisterer)
}

// NewMetricsWith creates a new Metrics instance registered with reg.
func NewMetricsWith(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Memory cache
		CacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memcache",
			Name:      "hits_total",
			Help:      "Total number of memory cache hits",
		}, []string{"cache"}),
		CacheMisses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memcache",
			Name:      "misses_total",
			Help:      "Total number of memory cache misses",
		}, []string{"cache"}),
		CacheEvictions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memcache",
			Name:      "evictions_total",
			Help:      "Total number of least-recently-used evictions",
		}, []string{"cache"}),

		// Disk cache
		DiskReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diskcache",
			Name:      "reads_total",
			Help:      "Total number of disk cache reads by result",
		}, []string{"result"}),
		DiskWrites: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diskcache",
			Name:      "writes_total",
			Help:      "Total number of disk cache writes by result",
		}, []string{"result"}),
		DiskPurged: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diskcache",
			Name:      "purged_total",
			Help:      "Total number of expired records removed",
		}),

		// Fetcher
		FetchRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "requests_total",
			Help:      "Total number of outbound requests by status class",
		}, []string{"status"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "request_duration_seconds",
			Help:      "Outbound request latency",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		FetchQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "queued",
			Help:      "Callers waiting for a request slot",
		}),
		FetchInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "in_flight",
			Help:      "Requests currently holding a slot",
		}),
		FetchShared: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "shared_total",
			Help:      "Callers served by an identical in-flight request",
		}),
		FetchRateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetcher",
			Name:      "rate_limited_total",
			Help:      "Total number of 429 responses",
		}),

		// Pipeline
		PipelinePages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "pages_total",
			Help:      "Search pages fetched by outcome",
		}, []string{"outcome"}),
		PipelineResults: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "results",
			Help:      "Entries assembled per paginated query",
			Buckets:   []float64{0, 10, 50, 250, 500, 1000, 2500, 5000, 10000},
		}),

		// Enrichment
		EnrichmentUpdates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "updates_total",
			Help:      "Entries updated by background enrichment",
		}),
		EnrichmentBatchesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "enrichment",
			Name:      "batches_failed_total",
			Help:      "Enrichment batches that failed remotely",
		}),

		// Ranking
		RankingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "duration_seconds",
			Help:      "Related-papers ranking duration",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
		}),
		RankingCandidates: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ranking",
			Name:      "candidates",
			Help:      "Coupling candidates per ranking",
			Buckets:   []float64{0, 10, 50, 100, 250, 500, 1000, 2000},
		}),

		// Requests
		RequestsSuperseded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_superseded_total",
			Help:      "Requests cancelled by a newer request of the same class",
		}, []string{"class"}),
	}
}

// RecordCacheHit records a memory cache hit.
func (m *Metrics) RecordCacheHit(cache string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a memory cache miss.
func (m *Metrics) RecordCacheMiss(cache string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cache).Inc()
}

// RecordCacheEviction records an LRU eviction.
func (m *Metrics) RecordCacheEviction(cache string) {
	if m == nil {
		return
	}
	m.CacheEvictions.WithLabelValues(cache).Inc()
}

// RecordDiskRead records the outcome of a disk cache read.
func (m *Metrics) RecordDiskRead(result string) {
	if m == nil {
		return
	}
	m.DiskReads.WithLabelValues(result).Inc()
}

// RecordDiskWrite records the outcome of a disk cache write.
func (m *Metrics) RecordDiskWrite(result string) {
	if m == nil {
		return
	}
	m.DiskWrites.WithLabelValues(result).Inc()
}

// RecordDiskPurged records expired records removed.
func (m *Metrics) RecordDiskPurged(count int) {
	if m == nil {
		return
	}
	m.DiskPurged.Add(float64(count))
}

// RecordFetch records a completed outbound exchange.
func (m *Metrics) RecordFetch(status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.FetchRequests.WithLabelValues(status).Inc()
	m.FetchDuration.Observe(durationSeconds)
}

// SetFetchQueue publishes the request gate occupancy.
func (m *Metrics) SetFetchQueue(queued, inFlight int) {
	if m == nil {
		return
	}
	m.FetchQueued.Set(float64(queued))
	m.FetchInFlight.Set(float64(inFlight))
}

// RecordFetchShared records a caller joining an in-flight request.
func (m *Metrics) RecordFetchShared() {
	if m == nil {
		return
	}
	m.FetchShared.Inc()
}

// RecordFetchRateLimited records a 429 response.
func (m *Metrics) RecordFetchRateLimited() {
	if m == nil {
		return
	}
	m.FetchRateLimited.Inc()
}

// RecordPipelinePage records one fetched search page.
func (m *Metrics) RecordPipelinePage(outcome string) {
	if m == nil {
		return
	}
	m.PipelinePages.WithLabelValues(outcome).Inc()
}

// RecordPipelineResults records the size of an assembled result set.
func (m *Metrics) RecordPipelineResults(count int) {
	if m == nil {
		return
	}
	m.PipelineResults.Observe(float64(count))
}

// RecordEnrichmentUpdate records one per-entry enrichment notification.
func (m *Metrics) RecordEnrichmentUpdate() {
	if m == nil {
		return
	}
	m.EnrichmentUpdates.Inc()
}

// RecordEnrichmentBatchFailed records a failed enrichment batch.
func (m *Metrics) RecordEnrichmentBatchFailed() {
	if m == nil {
		return
	}
	m.EnrichmentBatchesFailed.Inc()
}

// RecordRanking records a completed ranking run.
func (m *Metrics) RecordRanking(candidates int, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RankingCandidates.Observe(float64(candidates))
	m.RankingDuration.Observe(durationSeconds)
}

// RecordSuperseded records a request cancelled by a newer one of its class.
func (m *Metrics) RecordSuperseded(class string) {
	if m == nil {
		return
	}
	m.RequestsSuperseded.WithLabelValues(class).Inc()
}
