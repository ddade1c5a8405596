package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/ranking"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

// sseMaxDuration is the maximum time a status stream may remain open.
const sseMaxDuration = 4 * time.Hour

// Stream event types.
const (
	eventSnapshot     = "snapshot"
	eventEntryUpdated = "entry_updated"
	eventProgress     = "progress"
	eventCompleted    = "completed"
	eventNotFound     = "not_found"
	eventError        = "error"
	eventStatus       = "status"
	eventTimeout      = "timeout"
)

// snapshotEvent carries the filtered entries loaded so far.
type snapshotEvent struct {
	Entries []domain.Entry  `json:"entries"`
	Loaded  int             `json:"loaded"`
	Total   int             `json:"total"`
	Done    bool            `json:"done"`
	Origin  refgraph.Origin `json:"origin"`
}

// entryUpdatedEvent carries one enriched entry. Index is its position in
// the unfiltered list.
type entryUpdatedEvent struct {
	ID    string       `json:"id"`
	Index int          `json:"index"`
	Entry domain.Entry `json:"entry"`
}

// completedEvent closes a list stream.
type completedEvent struct {
	Token      string            `json:"token"`
	Total      int               `json:"total"`
	Matched    int               `json:"matched"`
	Stats      domain.ListStats  `json:"stats"`
	Enrichment *enrichment.Stats `json:"enrichment,omitempty"`
	Warning    string            `json:"warning,omitempty"`
}

// sseWriter serializes events onto one response.
type sseWriter struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the stream headers and lifts the server write deadline.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	// Streams outlive the JSON write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &sseWriter{w: w, flusher: flusher}, true
}

// send writes a single SSE event.
func (s *sseWriter) send(eventType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, data)
	s.flusher.Flush()
}

// sendError reports a failed request on the stream. Aborted requests end
// the stream silently.
func (s *sseWriter) sendError(err error) {
	if domain.IsCancellation(err) {
		return
	}
	status, code, msg := classifyError(err)
	if errors.Is(err, domain.ErrNotFound) {
		s.send(eventNotFound, errorResponse{Error: code, Message: msg})
		return
	}
	s.send(eventError, struct {
		errorResponse
		Status int `json:"status"`
	}{errorResponse{Error: code, Message: msg}, status})
}

// streamList serves a list as server-sent events: snapshots while pages
// arrive, entry updates while enrichment runs, then completed.
func (s *Server) streamList(w http.ResponseWriter, r *http.Request, p listParams) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	ctx := r.Context()

	res, err := s.svc.Load(ctx, p.req, func(pr refgraph.Progress) {
		sse.send(eventSnapshot, snapshotEvent{
			Entries: nonNil(domain.FilterEntries(pr.Entries, p.filter)),
			Loaded:  len(pr.Entries),
			Total:   pr.Total,
			Done:    pr.Done,
			Origin:  pr.Origin,
		})
	})
	if err != nil {
		s.logStreamError(r, err)
		sse.sendError(err)
		return
	}

	entries := res.Entries
	var enriched *enrichment.Stats
	if p.enrich {
		working := slices.Clone(res.Entries)
		stats, err := s.svc.Enrich(ctx, s.enrichRequest(p), res.Entries, func(u enrichment.Update) {
			working[u.Index] = u.Entry
			sse.send(eventEntryUpdated, entryUpdatedEvent{ID: u.Entry.ID, Index: u.Index, Entry: u.Entry})
		})
		if err != nil {
			sse.sendError(err)
			return
		}
		entries = working
		enriched = &stats
	}

	filtered := domain.FilterEntries(entries, p.filter)
	done := completedEvent{
		Token:      res.Token.String(),
		Total:      res.Total,
		Matched:    len(filtered),
		Stats:      domain.ComputeStats(filtered),
		Enrichment: enriched,
	}
	if enriched != nil {
		if partial := enriched.Partial(); partial != nil {
			done.Warning = partial.Error()
		}
	}
	sse.send(eventCompleted, done)
}

// streamRelated serves a ranking as server-sent events: progress per
// phase, then completed with the candidates.
func (s *Server) streamRelated(w http.ResponseWriter, r *http.Request, req refgraph.RelatedRequest) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	res, err := s.svc.Related(r.Context(), req, func(p ranking.Progress) {
		sse.send(eventProgress, p)
	})
	if err != nil {
		s.logStreamError(r, err)
		sse.sendError(err)
		return
	}
	sse.send(eventCompleted, buildRelatedResponse(req.Recid, res))
}

// streamFetcherStatus handles GET /fetcher/status/stream. The current
// status is sent first, then every change until the client leaves.
func (s *Server) streamFetcherStatus(w http.ResponseWriter, r *http.Request) {
	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}
	updates, cancel := s.svc.SubscribeFetcherStatus()
	defer cancel()

	deadlineTimer := time.NewTimer(sseMaxDuration)
	defer deadlineTimer.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadlineTimer.C:
			sse.send(eventTimeout, errorResponse{Error: "timeout", Message: "stream max duration exceeded"})
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			sse.send(eventStatus, st)
		}
	}
}

func (s *Server) logStreamError(r *http.Request, err error) {
	if domain.IsCancellation(err) {
		return
	}
	if status, _, _ := classifyError(err); status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("stream request failed")
	}
}

func nonNil(entries []domain.Entry) []domain.Entry {
	if entries == nil {
		return []domain.Entry{}
	}
	return entries
}
