// Package observability provides logging and metrics support for the
// reference-graph service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for caches, the fetcher, the pipeline and the ranker
//   - Context helpers for propagating request identity
//
// # Logging
//
// Create a logger from configuration:
//
//	logger := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "json",
//	    Output: "stderr",
//	})
//	logger = observability.WithComponent(logger, "diskcache")
//	logger.Warn().Str("path", p).Msg("corrupt cache record removed")
//
// # Metrics
//
//	metrics := observability.NewMetrics("refgraph")
//	metrics.RecordCacheHit("lists")
//
// All Record* methods accept a nil receiver.
//
// # Standard Fields
//
//   - component: emitting package (fetcher, diskcache, pipeline, ranking, ...)
//   - recid: INSPIRE record identifier
//   - mode: list mode (references, citedBy, authorPapers, related, search)
//   - sort: requested sort order
//   - request_class, request_token: cancellation bookkeeping
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
