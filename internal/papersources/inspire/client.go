package inspire

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/papersources"
)

const (
	// DefaultBaseURL is the INSPIRE REST API root.
	DefaultBaseURL = "https://inspirehep.net/api"

	// DefaultPageSize is the search page size. A fixed size keeps page
	// offsets stable while relevance ordering reshuffles.
	DefaultPageSize = 250

	// MaxPageSize is the largest page INSPIRE serves.
	MaxPageSize = 1000

	// maxAuthorNames bounds the author names kept per entry.
	maxAuthorNames = 10

	// sourceName is the human-readable name for this source.
	sourceName = "INSPIRE"
)

// Field sets requested from the API.
const (
	ListFields      = "control_number,titles.title,authors.full_name,author_count,citation_count,citation_count_without_self_citations,publication_info,arxiv_eprints.value,dois.value,document_type,earliest_date"
	RecordFields    = ListFields + ",abstracts.value"
	ReferenceFields = "control_number,citation_count,references"
	CitingFields    = "control_number,titles.title,authors.full_name,author_count,citation_count,document_type,earliest_date,arxiv_eprints.value,publication_info"
	countFields     = "control_number"
)

// Fetcher performs rate-limited GETs. *papersources.HTTPClient satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*papersources.Response, error)
}

// Config contains configuration options for the INSPIRE client.
type Config struct {
	// BaseURL is the base URL for the API.
	// Defaults to DefaultBaseURL if empty.
	BaseURL string

	// PageSize is the default search page size.
	// Defaults to DefaultPageSize if zero.
	PageSize int
}

// Client is an INSPIRE literature API client. It is safe for concurrent use.
type Client struct {
	fetcher Fetcher
	config  Config
}

// NewClient creates a client that sends every request through fetcher.
func NewClient(cfg Config, fetcher Fetcher) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	return &Client{fetcher: fetcher, config: cfg}
}

// SearchRequest describes one page of a literature search.
type SearchRequest struct {
	Query string
	Sort  domain.Sort
	// Page is 1-based.
	Page   int
	Size   int
	Fields string
}

// SearchPage is one page of search results.
type SearchPage struct {
	Total   int
	Entries []domain.Entry
}

// CitedByQuery returns the query for papers citing recid.
func CitedByQuery(recid string) string {
	return "refersto:recid:" + recid
}

// AuthorQuery returns the query for papers by an author identifier or name.
func AuthorQuery(author string) string {
	return "a " + author
}

// CoCitationQuery returns the query for papers citing both a and b.
func CoCitationQuery(a, b string) string {
	return CitedByQuery(a) + " and " + CitedByQuery(b)
}

// RecidsQuery returns the query matching any of recids.
func RecidsQuery(recids []string) string {
	parts := make([]string, len(recids))
	for i, r := range recids {
		parts[i] = "recid:" + r
	}
	return strings.Join(parts, " or ")
}

// Record fetches a single literature record.
func (c *Client) Record(ctx context.Context, recid string) (*domain.Entry, error) {
	hit, err := c.record(ctx, recid, RecordFields)
	if err != nil {
		return nil, err
	}
	e := normalizeHit(*hit)
	return &e, nil
}

// References returns the reference list of recid in its original order.
// Entry IDs are 1-based positions; unresolved references keep their raw text.
func (c *Client) References(ctx context.Context, recid string) ([]domain.Entry, error) {
	hit, err := c.record(ctx, recid, ReferenceFields)
	if err != nil {
		return nil, err
	}
	entries := make([]domain.Entry, 0, len(hit.Metadata.References))
	for i, ref := range hit.Metadata.References {
		entries = append(entries, normalizeReference(i+1, ref))
	}
	return entries, nil
}

// SearchPage fetches one page of a search. A 404 yields a NotFoundError.
func (c *Client) SearchPage(ctx context.Context, req SearchRequest) (*SearchPage, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, domain.NewValidationError("query", "must not be empty")
	}
	resp, err := c.fetcher.Fetch(ctx, c.searchURL(req))
	if err != nil {
		return nil, err
	}
	if resp.NotFound() {
		return nil, domain.NewNotFoundError("search", req.Query)
	}
	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	var sr SearchResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, "decoding search response", err)
	}

	entries := make([]domain.Entry, 0, len(sr.Hits.Hits))
	for _, h := range sr.Hits.Hits {
		entries = append(entries, normalizeHit(h))
	}
	return &SearchPage{Total: sr.Hits.Total, Entries: entries}, nil
}

// FetchByRecids returns metadata for the given recids, keyed by recid.
// Recids INSPIRE does not know are absent from the map.
func (c *Client) FetchByRecids(ctx context.Context, recids []string) (map[string]domain.Entry, error) {
	out := make(map[string]domain.Entry, len(recids))
	if len(recids) == 0 {
		return out, nil
	}
	page, err := c.SearchPage(ctx, SearchRequest{
		Query:  RecidsQuery(recids),
		Page:   1,
		Size:   len(recids),
		Fields: ListFields,
	})
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range page.Entries {
		out[e.Recid] = e
	}
	return out, nil
}

// CitingPapers returns up to limit papers citing recid, most cited first.
func (c *Client) CitingPapers(ctx context.Context, recid string, limit int) ([]domain.Entry, error) {
	if limit <= 0 {
		limit = c.config.PageSize
	}
	page, err := c.SearchPage(ctx, SearchRequest{
		Query:  CitedByQuery(recid),
		Sort:   domain.SortMostCited,
		Page:   1,
		Size:   limit,
		Fields: CitingFields,
	})
	if err != nil {
		return nil, err
	}
	return page.Entries, nil
}

// CoCitationCount returns the number of papers citing both a and b.
func (c *Client) CoCitationCount(ctx context.Context, a, b string) (int, error) {
	page, err := c.SearchPage(ctx, SearchRequest{
		Query:  CoCitationQuery(a, b),
		Page:   1,
		Size:   1,
		Fields: countFields,
	})
	if err != nil {
		var nf *domain.NotFoundError
		if errors.As(err, &nf) {
			return 0, nil
		}
		return 0, err
	}
	return page.Total, nil
}

func (c *Client) record(ctx context.Context, recid, fields string) (*Hit, error) {
	if recid == "" {
		return nil, domain.NewValidationError("recid", "must not be empty")
	}
	u := fmt.Sprintf("%s/literature/%s?fields=%s", c.config.BaseURL, url.PathEscape(recid), url.QueryEscape(fields))
	resp, err := c.fetcher.Fetch(ctx, u)
	if err != nil {
		return nil, err
	}
	if resp.NotFound() {
		return nil, domain.NewNotFoundError("record", recid)
	}
	if err := handleErrorResponse(resp); err != nil {
		return nil, err
	}

	var hit Hit
	if err := json.Unmarshal(resp.Body, &hit); err != nil {
		return nil, domain.NewExternalAPIError(sourceName, resp.StatusCode, "decoding record response", err)
	}
	return &hit, nil
}

// searchURL builds the search endpoint URL. Parameters are encoded in a
// fixed order so identical searches produce identical URLs and can share
// one in-flight request.
func (c *Client) searchURL(req SearchRequest) string {
	size := req.Size
	if size <= 0 {
		size = c.config.PageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	page := req.Page
	if page < 1 {
		page = 1
	}
	fields := req.Fields
	if fields == "" {
		fields = ListFields
	}

	q := url.Values{}
	q.Set("q", req.Query)
	q.Set("size", strconv.Itoa(size))
	q.Set("page", strconv.Itoa(page))
	if s := sortParam(req.Sort); s != "" {
		q.Set("sort", s)
	}
	q.Set("fields", fields)
	return c.config.BaseURL + "/literature?" + q.Encode()
}

func sortParam(s domain.Sort) string {
	switch s {
	case domain.SortMostRecent:
		return "mostrecent"
	case domain.SortMostCited:
		return "mostcited"
	default:
		return ""
	}
}

// handleErrorResponse maps non-2xx responses to ExternalAPIError.
func handleErrorResponse(resp *papersources.Response) error {
	if resp.OK() {
		return nil
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(resp.Body, &errResp); err == nil && errResp.Message != "" {
		return domain.NewExternalAPIError(sourceName, resp.StatusCode, errResp.Message, nil)
	}

	msg := string(resp.Body)
	if len(msg) > 512 {
		msg = msg[:512]
	}
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return domain.NewExternalAPIError(sourceName, resp.StatusCode, msg, nil)
}
