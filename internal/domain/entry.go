// Package domain defines the bibliographic entry model, list modes and the
// error taxonomy shared by the caching, fetching and ranking layers.
package domain

import (
	"strings"
)

// Mode selects which list of related entries is assembled for a record.
type Mode string

// Supported list modes.
const (
	ModeReferences   Mode = "references"
	ModeCitedBy      Mode = "citedBy"
	ModeAuthorPapers Mode = "authorPapers"
	ModeRelated      Mode = "related"
	ModeSearch       Mode = "search"
)

// ParseMode converts user input into a Mode. Matching is case-insensitive.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "references", "refs":
		return ModeReferences, nil
	case "citedby", "cited-by", "citations":
		return ModeCitedBy, nil
	case "authorpapers", "author-papers", "author":
		return ModeAuthorPapers, nil
	case "related":
		return ModeRelated, nil
	case "search":
		return ModeSearch, nil
	default:
		return "", NewValidationError("mode", "unknown mode "+s)
	}
}

// Permanent reports whether results of this mode never expire on disk.
// Reference lists of a published record do not change.
func (m Mode) Permanent() bool {
	return m == ModeReferences
}

// Sort is the requested ordering of an entry list.
type Sort string

// Supported sort orders. SortDefault keeps reference order or server relevance.
const (
	SortDefault    Sort = "default"
	SortMostRecent Sort = "mostrecent"
	SortMostCited  Sort = "mostcited"
)

// ParseSort converts user input into a Sort. An empty string yields SortDefault.
func ParseSort(s string) (Sort, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default", "relevance":
		return SortDefault, nil
	case "mostrecent", "recent":
		return SortMostRecent, nil
	case "mostcited", "cited":
		return SortMostCited, nil
	default:
		return "", NewValidationError("sort", "unknown sort "+s)
	}
}

// PublicationInfo holds journal publication details.
type PublicationInfo struct {
	Journal string `json:"journal,omitempty"`
	Volume  string `json:"volume,omitempty"`
	Issue   string `json:"issue,omitempty"`
	Pages   string `json:"pages,omitempty"`
	Year    int    `json:"year,omitempty"`
}

// Entry is one bibliographic record in a result list.
type Entry struct {
	// ID is unique within one result set. For references it is the position
	// in the reference list, otherwise the recid.
	ID                     string           `json:"id"`
	Recid                  string           `json:"recid,omitempty"`
	Title                  string           `json:"title,omitempty"`
	Year                   int              `json:"year,omitempty"`
	Authors                []string         `json:"authors,omitempty"`
	TotalAuthors           int              `json:"total_authors,omitempty"`
	CitationCount          *int             `json:"citation_count,omitempty"`
	CitationCountNoSelf    *int             `json:"citation_count_without_self_citations,omitempty"`
	Publication            *PublicationInfo `json:"publication,omitempty"`
	ArxivID                string           `json:"arxiv_id,omitempty"`
	DOI                    string           `json:"doi,omitempty"`
	DocumentTypes          []string         `json:"document_types,omitempty"`
	RawReference           string           `json:"raw_reference,omitempty"`
	Abstract               string           `json:"abstract,omitempty"`
	LocalItemID            string           `json:"local_item_id,omitempty"`
	IsRelatedToCurrentItem bool             `json:"is_related_to_current_item,omitempty"`
}

// HasRecid reports whether the entry resolves to a remote record.
func (e *Entry) HasRecid() bool {
	return e.Recid != ""
}

// NeedsMetadata reports whether a remote lookup could fill gaps in the entry.
func (e *Entry) NeedsMetadata() bool {
	return e.HasRecid() && (e.Title == "" || e.CitationCount == nil)
}

// IsReview reports whether the record is classified as a review article.
func (e *Entry) IsReview() bool {
	for _, t := range e.DocumentTypes {
		if strings.EqualFold(t, "review") {
			return true
		}
	}
	return false
}

// Citations returns the citation count, treating unknown as zero.
func (e *Entry) Citations() int {
	if e.CitationCount == nil {
		return 0
	}
	return *e.CitationCount
}

// MergeMetadata fills empty fields of e from src. Local-library fields are
// not touched.
func (e *Entry) MergeMetadata(src Entry) {
	if e.Title == "" {
		e.Title = src.Title
	}
	if e.Year == 0 {
		e.Year = src.Year
	}
	if len(e.Authors) == 0 {
		e.Authors = src.Authors
		e.TotalAuthors = src.TotalAuthors
	}
	if src.CitationCount != nil {
		e.CitationCount = src.CitationCount
	}
	if src.CitationCountNoSelf != nil {
		e.CitationCountNoSelf = src.CitationCountNoSelf
	}
	if e.Publication == nil {
		e.Publication = src.Publication
	}
	if e.ArxivID == "" {
		e.ArxivID = src.ArxivID
	}
	if e.DOI == "" {
		e.DOI = src.DOI
	}
	if len(e.DocumentTypes) == 0 {
		e.DocumentTypes = src.DocumentTypes
	}
	if e.Abstract == "" {
		e.Abstract = src.Abstract
	}
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}

// RankedCandidate is one recommendation produced by the related-papers ranker.
type RankedCandidate struct {
	Entry           Entry    `json:"entry"`
	CouplingScore   float64  `json:"coupling_score"`
	CoCitationScore *float64 `json:"co_citation_score,omitempty"`
	CombinedScore   float64  `json:"combined_score"`
	SharedAnchors   int      `json:"shared_anchors"`
}
