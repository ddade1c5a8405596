// Package inspire provides a client for the INSPIRE-HEP literature REST API.
//
// All requests go through the shared papersources.HTTPClient so they are
// subject to the process-wide concurrency gate and rate limit. Responses are
// normalized to domain.Entry values.
//
// API Documentation: https://github.com/inspirehep/rest-api-doc
package inspire

// SearchResponse is the envelope of GET /literature?q=...
type SearchResponse struct {
	Hits struct {
		Total int   `json:"total"`
		Hits  []Hit `json:"hits"`
	} `json:"hits"`
}

// Hit is a single record in a search response or a record response.
type Hit struct {
	ID       string   `json:"id"`
	Metadata Metadata `json:"metadata"`
}

// Metadata is the subset of literature record fields the client requests.
type Metadata struct {
	ControlNumber       int               `json:"control_number"`
	Titles              []Title           `json:"titles"`
	Authors             []Author          `json:"authors"`
	AuthorCount         int               `json:"author_count"`
	CitationCount       *int              `json:"citation_count"`
	CitationCountNoSelf *int              `json:"citation_count_without_self_citations"`
	PublicationInfo     []PublicationInfo `json:"publication_info"`
	ArxivEprints        []Value           `json:"arxiv_eprints"`
	DOIs                []Value           `json:"dois"`
	DocumentType        []string          `json:"document_type"`
	EarliestDate        string            `json:"earliest_date"`
	Abstracts           []Value           `json:"abstracts"`
	References          []Reference       `json:"references"`
}

// Title is one entry of the titles array.
type Title struct {
	Title string `json:"title"`
}

// Author is one entry of the authors array.
type Author struct {
	FullName string `json:"full_name"`
}

// Value wraps the {"value": ...} objects INSPIRE uses for identifiers.
type Value struct {
	Value string `json:"value"`
}

// PublicationInfo is one journal publication of a record.
type PublicationInfo struct {
	JournalTitle  string `json:"journal_title"`
	JournalVolume string `json:"journal_volume"`
	JournalIssue  string `json:"journal_issue"`
	PageStart     string `json:"page_start"`
	PageEnd       string `json:"page_end"`
	ArtID         string `json:"artid"`
	Year          int    `json:"year"`
}

// Reference is one item of a record's reference list. Record is set only
// when INSPIRE resolved the citation to a record.
type Reference struct {
	Record *struct {
		Ref string `json:"$ref"`
	} `json:"record"`
	Reference struct {
		Title           *Title           `json:"title"`
		Authors         []Author         `json:"authors"`
		ArxivEprint     string           `json:"arxiv_eprint"`
		DOIs            []string         `json:"dois"`
		PublicationInfo *PublicationInfo `json:"publication_info"`
		Misc            []string         `json:"misc"`
		Label           string           `json:"label"`
	} `json:"reference"`
	Raw []struct {
		Value string `json:"value"`
	} `json:"raw_refs"`
}

// ErrorResponse is the body INSPIRE returns with non-2xx statuses.
type ErrorResponse struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}
