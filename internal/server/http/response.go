package httpserver

import (
	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/enrichment"
	"github.com/helixir/inspire-refgraph/internal/refgraph"
)

// listResponse is the JSON representation of one page of an entry list.
type listResponse struct {
	Key           string            `json:"key"`
	Mode          domain.Mode       `json:"mode"`
	Sort          domain.Sort       `json:"sort"`
	Origin        refgraph.Origin   `json:"origin"`
	Token         string            `json:"token"`
	Total         int               `json:"total"`
	Matched       int               `json:"matched"`
	Stats         domain.ListStats  `json:"stats"`
	Entries       []domain.Entry    `json:"entries"`
	NextPageToken string            `json:"next_page_token,omitempty"`
	Enrichment    *enrichment.Stats `json:"enrichment,omitempty"`
	Warning       string            `json:"warning,omitempty"`
}

// relatedResponse is the JSON representation of a related-papers ranking.
type relatedResponse struct {
	Recid      string                   `json:"recid"`
	Key        string                   `json:"key"`
	Origin     refgraph.Origin          `json:"origin"`
	Token      string                   `json:"token"`
	Count      int                      `json:"count"`
	Candidates []domain.RankedCandidate `json:"candidates"`
}

// buildListResponse filters entries and cuts out the requested page. Stats
// describe the whole filtered list.
func buildListResponse(res *refgraph.Result, entries []domain.Entry, p listParams, enriched *enrichment.Stats) listResponse {
	filtered := domain.FilterEntries(entries, p.filter)
	page, next := paginate(filtered, p.limit, p.offset)

	resp := listResponse{
		Key:        res.Request.Key,
		Mode:       res.Request.Mode,
		Sort:       res.Request.Sort,
		Origin:     res.Origin,
		Token:      res.Token.String(),
		Total:      res.Total,
		Matched:    len(filtered),
		Stats:      domain.ComputeStats(filtered),
		Entries:    page,
		Enrichment: enriched,
	}
	if next > 0 {
		resp.NextPageToken = encodePageToken(next)
	}
	if enriched != nil {
		if partial := enriched.Partial(); partial != nil {
			resp.Warning = partial.Error()
		}
	}
	return resp
}

// paginate returns entries[offset:offset+limit] and the offset of the next
// page, or 0 on the last page.
func paginate(entries []domain.Entry, limit, offset int) ([]domain.Entry, int) {
	if offset >= len(entries) {
		return []domain.Entry{}, 0
	}
	end := min(offset+limit, len(entries))
	next := 0
	if end < len(entries) {
		next = end
	}
	return entries[offset:end], next
}

func buildRelatedResponse(recid string, res *refgraph.RelatedResult) relatedResponse {
	candidates := res.Candidates
	if candidates == nil {
		candidates = []domain.RankedCandidate{}
	}
	return relatedResponse{
		Recid:      recid,
		Key:        res.Key.String(),
		Origin:     res.Origin,
		Token:      res.Token.String(),
		Count:      len(candidates),
		Candidates: candidates,
	}
}
