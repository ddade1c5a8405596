package httpserver

import (
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

// Pagination and validation constants.
const (
	defaultPageSize    = 250
	maxPageSize        = 1000
	maxQueryLength     = 2000
	maxRequestBodySize = 64 << 10
)

// listParams are the parsed query parameters of a list request.
type listParams struct {
	req    refgraph.Request
	filter domain.Filter
	enrich bool
	itemID string
	limit  int
	offset int
}

// listHandler handles GET /records/{key}/{mode}.
func (s *Server) listHandler(w http.ResponseWriter, r *http.Request) {
	mode, err := domain.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if mode == domain.ModeSearch {
		writeError(w, http.StatusBadRequest, "invalid_input", "use /search for search queries")
		return
	}
	p, err := parseListParams(r, chi.URLParam(r, "key"), mode, "q")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.serveList(w, r, p)
}

// searchHandler handles GET /search?q=.
func (s *Server) searchHandler(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "q is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_input", "q is too long")
		return
	}
	p, err := parseListParams(r, query, domain.ModeSearch, "filter")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.serveList(w, r, p)
}

func (s *Server) serveList(w http.ResponseWriter, r *http.Request, p listParams) {
	if wantsEventStream(r) {
		s.streamList(w, r, p)
		return
	}

	ctx := r.Context()
	res, err := s.svc.Load(ctx, p.req, nil)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	entries := res.Entries
	var enriched *enrichment.Stats
	if p.enrich {
		working := slices.Clone(res.Entries)
		stats, err := s.svc.Enrich(ctx, s.enrichRequest(p), res.Entries, func(u enrichment.Update) {
			working[u.Index] = u.Entry
		})
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		entries = working
		enriched = &stats
	}

	writeJSON(w, http.StatusOK, buildListResponse(res, entries, p, enriched))
}

func (s *Server) enrichRequest(p listParams) refgraph.EnrichRequest {
	return refgraph.EnrichRequest{Request: p.req, CurrentItemID: p.itemID}
}

// relatedHandler handles GET /records/{key}/related.
func (s *Server) relatedHandler(w http.ResponseWriter, r *http.Request) {
	req := refgraph.RelatedRequest{
		Recid: strings.TrimSpace(chi.URLParam(r, "key")),
		Scope: scopeFromContext(r.Context()),
	}
	if wantsEventStream(r) {
		s.streamRelated(w, r, req)
		return
	}

	res, err := s.svc.Related(r.Context(), req, nil)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildRelatedResponse(req.Recid, res))
}

// parseListParams reads sort, filter, enrichment and pagination parameters.
// textParam names the parameter holding the filter text.
func parseListParams(r *http.Request, key string, mode domain.Mode, textParam string) (listParams, error) {
	q := r.URL.Query()
	key = strings.TrimSpace(key)
	if key == "" {
		return listParams{}, domain.NewValidationError("key", "key is required")
	}

	sort, err := domain.ParseSort(q.Get("sort"))
	if err != nil {
		return listParams{}, err
	}

	p := listParams{
		req: refgraph.Request{
			Key:   key,
			Mode:  mode,
			Sort:  sort,
			Scope: scopeFromContext(r.Context()),
		},
		filter: domain.Filter{
			Text:        strings.TrimSpace(q.Get(textParam)),
			OnlyLocal:   parseBool(q.Get("only_local")),
			OnlyMissing: parseBool(q.Get("only_missing")),
		},
		enrich: q.Get("enrich") == "" || parseBool(q.Get("enrich")),
		itemID: strings.TrimSpace(q.Get("item_id")),
	}
	if p.filter.OnlyLocal && p.filter.OnlyMissing {
		return listParams{}, domain.NewValidationError("only_local", "only_local and only_missing are exclusive")
	}
	if p.filter.YearFrom, err = parseYear(q.Get("year_from"), "year_from"); err != nil {
		return listParams{}, err
	}
	if p.filter.YearTo, err = parseYear(q.Get("year_to"), "year_to"); err != nil {
		return listParams{}, err
	}
	p.limit, p.offset = parsePaginationParams(r)
	return p, nil
}

func parseBool(s string) bool {
	v, err := strconv.ParseBool(s)
	return err == nil && v
}

func parseYear(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	y, err := strconv.Atoi(s)
	if err != nil || y < 0 || y > 9999 {
		return 0, domain.NewValidationError(field, field+" must be a year")
	}
	return y, nil
}

// parsePaginationParams extracts page_size and page_token query parameters.
func parsePaginationParams(r *http.Request) (limit, offset int) {
	limit = defaultPageSize
	if pageSizeStr := r.URL.Query().Get("page_size"); pageSizeStr != "" {
		if parsed, err := strconv.Atoi(pageSizeStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	if pageToken := r.URL.Query().Get("page_token"); pageToken != "" {
		decoded, err := base64.StdEncoding.DecodeString(pageToken)
		if err == nil {
			if parsed, parseErr := strconv.Atoi(string(decoded)); parseErr == nil && parsed > 0 {
				offset = parsed
			}
		}
	}

	return limit, offset
}

// encodePageToken creates a base64-encoded page token from an offset.
func encodePageToken(offset int) string {
	return base64.StdEncoding.EncodeToString([]byte(strconv.Itoa(offset)))
}

// wantsEventStream reports whether the client asked for server-sent events.
func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream") || parseBool(r.URL.Query().Get("stream"))
}

// writeServiceError writes err unless it stems from an aborted request. A
// client that went away gets nothing; a request superseded by a newer one
// from the same session gets 409.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if domain.IsCancellation(err) {
		if r.Context().Err() == nil {
			writeError(w, http.StatusConflict, "superseded", "request was superseded by a newer request")
		}
		return
	}
	if status, _, _ := classifyError(err); status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeDomainError(w, err)
}

// classifyError maps a service error to a status, an error code and a
// client-safe message.
func classifyError(err error) (int, string, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return http.StatusNotFound, "not_found", nf.Error()
		}
		return http.StatusNotFound, "not_found", "resource not found"
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			return http.StatusBadRequest, "invalid_input", ve.Error()
		}
		return http.StatusBadRequest, "invalid_input", "invalid input"
	case errors.Is(err, refgraph.ErrNoLibrary):
		return http.StatusServiceUnavailable, "library_disabled", "local library is not configured"
	case errors.Is(err, domain.ErrTransient):
		return http.StatusBadGateway, "upstream_unavailable", "literature service is unavailable"
	case domain.IsCancellation(err):
		return http.StatusConflict, "superseded", "operation cancelled"
	default:
		return http.StatusInternalServerError, "internal", "internal server error"
	}
}

// writeDomainError maps domain errors to HTTP status codes and writes the
// error response. Internal details never reach the client.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	status, code, msg := classifyError(err)
	writeError(w, status, code, msg)
}
