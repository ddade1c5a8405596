package httpserver

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// fetcherStatusHandler handles GET /fetcher/status.
func (s *Server) fetcherStatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.FetcherStatus())
}

// cacheStatsHandler handles GET /cache/stats.
func (s *Server) cacheStatsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.CacheStats())
}

// clearCacheHandler handles DELETE /cache.
func (s *Server) clearCacheHandler(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ClearCaches(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// purgeCacheHandler handles POST /cache/purge.
func (s *Server) purgeCacheHandler(w http.ResponseWriter, r *http.Request) {
	removed, err := s.svc.PurgeExpired(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

type cacheDirectoryRequest struct {
	Directory string `json:"directory"`
}

// cacheDirectoryHandler handles GET /cache/directory.
func (s *Server) cacheDirectoryHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, cacheDirectoryRequest{Directory: s.svc.CacheDir()})
}

// setCacheDirectoryHandler handles PUT /cache/directory.
func (s *Server) setCacheDirectoryHandler(w http.ResponseWriter, r *http.Request) {
	var req cacheDirectoryRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.SetCacheDir(r.Context(), strings.TrimSpace(req.Directory)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.logger.Info().Str("dir", s.svc.CacheDir()).Msg("cache directory changed")
	writeJSON(w, http.StatusOK, cacheDirectoryRequest{Directory: s.svc.CacheDir()})
}

type libraryItemRequest struct {
	Recid string `json:"recid"`
	Title string `json:"title,omitempty"`
}

type libraryItemResponse struct {
	ItemID  string `json:"item_id"`
	Recid   string `json:"recid,omitempty"`
	Patched int    `json:"patched"`
}

// putLibraryItem handles PUT /library/items/{itemID}. Cached entries of
// the item's recid are marked as held locally.
func (s *Server) putLibraryItem(w http.ResponseWriter, r *http.Request) {
	var req libraryItemRequest
	if !decodeBody(w, r, &req) {
		return
	}
	item := &domain.LocalItem{
		ItemID: strings.TrimSpace(chi.URLParam(r, "itemID")),
		Recid:  strings.TrimSpace(req.Recid),
		Title:  strings.TrimSpace(req.Title),
	}
	patched, err := s.svc.AddLocalItem(r.Context(), item)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, libraryItemResponse{ItemID: item.ItemID, Recid: item.Recid, Patched: patched})
}

// deleteLibraryItem handles DELETE /library/items/{itemID}.
func (s *Server) deleteLibraryItem(w http.ResponseWriter, r *http.Request) {
	itemID := strings.TrimSpace(chi.URLParam(r, "itemID"))
	patched, err := s.svc.RemoveLocalItem(r.Context(), itemID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, libraryItemResponse{ItemID: itemID, Patched: patched})
}

type relationRequest struct {
	ItemA string `json:"item_a"`
	ItemB string `json:"item_b"`
}

// relateLibraryItems handles POST /library/relations.
func (s *Server) relateLibraryItems(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := s.svc.RelateLocalItems(r.Context(), strings.TrimSpace(req.ItemA), strings.TrimSpace(req.ItemB)); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads a size-limited JSON body into v, writing a 400 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "failed to read request body")
		return false
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid JSON in request body")
		return false
	}
	return true
}
