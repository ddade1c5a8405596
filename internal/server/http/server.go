// Package httpserver exposes the reference-graph service over a REST and
// server-sent events API.
package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/helixir/inspire-refgraph/internal/database"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

// Server is the HTTP API server.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	svc        *refgraph.Service
	db         *database.DB
	metrics    http.Handler
	cfg        Config
	logger     zerolog.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// MetricsPath mounts the metrics handler; it defaults to /metrics.
	MetricsPath string
}

// NewServer creates a new HTTP server. db and metrics may be nil when the
// local library or metrics exposure are disabled.
func NewServer(cfg Config, svc *refgraph.Service, db *database.DB, metrics http.Handler, logger zerolog.Logger) *Server {
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	s := &Server{
		svc:     svc,
		db:      db,
		metrics: metrics,
		cfg:     cfg,
		logger:  logger.With().Str("component", "http-server").Logger(),
	}

	s.router = s.buildRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// buildRouter creates the chi router with all middleware and routes.
func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlationIDMiddleware)
	r.Use(jsonContentTypeMiddleware)

	r.Get("/healthz", s.healthHandler)
	r.Get("/readyz", s.readinessHandler)
	if s.metrics != nil {
		r.Handle(s.cfg.MetricsPath, s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(sessionScopeMiddleware)

		r.Get("/search", s.searchHandler)
		r.Get("/records/{key}/related", s.relatedHandler)
		r.Get("/records/{key}/{mode}", s.listHandler)

		r.Get("/fetcher/status", s.fetcherStatusHandler)
		r.Get("/fetcher/status/stream", s.streamFetcherStatus)

		r.Route("/cache", func(r chi.Router) {
			r.Get("/stats", s.cacheStatsHandler)
			r.Delete("/", s.clearCacheHandler)
			r.Post("/purge", s.purgeCacheHandler)
			r.Get("/directory", s.cacheDirectoryHandler)
			r.Put("/directory", s.setCacheDirectoryHandler)
		})

		r.Route("/library", func(r chi.Router) {
			r.Put("/items/{itemID}", s.putLibraryItem)
			r.Delete("/items/{itemID}", s.deleteLibraryItem)
			r.Post("/relations", s.relateLibraryItems)
		})
	})

	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info().Str("address", s.httpServer.Addr).Msg("HTTP server starting")
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on HTTP address: %w", err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// healthHandler returns basic liveness status.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "disabled"})
		return
	}
	health := s.db.Health(r.Context())
	if health.Status == "healthy" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": health.Status})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{
		"status":   "unhealthy",
		"database": health.Status,
		"error":    health.Error,
	})
}

// readinessHandler reports whether the library database and the disk cache
// are usable.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ready", "database": "disabled", "cache": "disabled"}
	status := http.StatusOK

	if s.db != nil {
		health := s.db.Health(r.Context())
		resp["database"] = health.Status
		if health.Status != "healthy" {
			status = http.StatusServiceUnavailable
			resp["error"] = health.Error
		}
	}

	stats := s.svc.CacheStats()
	switch {
	case stats.DiskError != "":
		resp["cache"] = "unavailable"
		if status == http.StatusOK {
			status = http.StatusServiceUnavailable
			resp["error"] = stats.DiskError
		}
	case stats.Disk != nil:
		resp["cache"] = "healthy"
	}

	if status != http.StatusOK {
		resp["status"] = "not_ready"
	}
	writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Best-effort; headers already sent.
		_ = err
	}
}

// errorResponse is the JSON body of every error reply.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	writeJSON(w, statusCode, errorResponse{Error: code, Message: message})
}
