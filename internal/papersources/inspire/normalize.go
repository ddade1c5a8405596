package inspire

import (
	"strconv"
	"strings"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// normalizeHit converts a literature record to an entry keyed by recid.
func normalizeHit(h Hit) domain.Entry {
	m := h.Metadata
	recid := h.ID
	if m.ControlNumber != 0 {
		recid = strconv.Itoa(m.ControlNumber)
	}

	e := domain.Entry{
		ID:                  recid,
		Recid:               recid,
		CitationCount:       m.CitationCount,
		CitationCountNoSelf: m.CitationCountNoSelf,
		DocumentTypes:       m.DocumentType,
	}
	if len(m.Titles) > 0 {
		e.Title = m.Titles[0].Title
	}
	e.Authors, e.TotalAuthors = authorNames(m.Authors, m.AuthorCount)
	if len(m.ArxivEprints) > 0 {
		e.ArxivID = m.ArxivEprints[0].Value
	}
	if len(m.DOIs) > 0 {
		e.DOI = m.DOIs[0].Value
	}
	if len(m.Abstracts) > 0 {
		e.Abstract = m.Abstracts[0].Value
	}
	for _, p := range m.PublicationInfo {
		if p.JournalTitle != "" {
			e.Publication = publication(p)
			break
		}
	}
	e.Year = yearOf(e.Publication, m.EarliestDate)
	return e
}

// normalizeReference converts one reference list item. Resolved references
// carry the recid parsed from the record link; the rest keep raw text so
// they can still be displayed and filtered.
func normalizeReference(pos int, ref Reference) domain.Entry {
	r := ref.Reference
	e := domain.Entry{
		ID:      strconv.Itoa(pos),
		ArxivID: r.ArxivEprint,
	}
	if ref.Record != nil {
		e.Recid = recidFromRef(ref.Record.Ref)
	}
	if r.Title != nil {
		e.Title = r.Title.Title
	}
	e.Authors, e.TotalAuthors = authorNames(r.Authors, 0)
	if len(r.DOIs) > 0 {
		e.DOI = r.DOIs[0]
	}
	if r.PublicationInfo != nil && r.PublicationInfo.JournalTitle != "" {
		e.Publication = publication(*r.PublicationInfo)
	}
	if r.PublicationInfo != nil {
		e.Year = r.PublicationInfo.Year
	}

	switch {
	case len(ref.Raw) > 0:
		e.RawReference = ref.Raw[0].Value
	case len(r.Misc) > 0:
		e.RawReference = strings.Join(r.Misc, " ")
	}
	return e
}

// recidFromRef extracts the trailing recid from a record link such as
// https://inspirehep.net/api/literature/451647.
func recidFromRef(ref string) string {
	ref = strings.TrimRight(ref, "/")
	i := strings.LastIndexByte(ref, '/')
	id := ref[i+1:]
	if _, err := strconv.Atoi(id); err != nil {
		return ""
	}
	return id
}

func authorNames(authors []Author, count int) ([]string, int) {
	total := count
	if total < len(authors) {
		total = len(authors)
	}
	n := len(authors)
	if n > maxAuthorNames {
		n = maxAuthorNames
	}
	if n == 0 {
		return nil, total
	}
	names := make([]string, 0, n)
	for _, a := range authors[:n] {
		names = append(names, a.FullName)
	}
	return names, total
}

func publication(p PublicationInfo) *domain.PublicationInfo {
	pages := p.PageStart
	if pages != "" && p.PageEnd != "" {
		pages += "-" + p.PageEnd
	}
	if pages == "" {
		pages = p.ArtID
	}
	return &domain.PublicationInfo{
		Journal: p.JournalTitle,
		Volume:  p.JournalVolume,
		Issue:   p.JournalIssue,
		Pages:   pages,
		Year:    p.Year,
	}
}

func yearOf(pub *domain.PublicationInfo, earliest string) int {
	if pub != nil && pub.Year > 0 {
		return pub.Year
	}
	if len(earliest) >= 4 {
		if y, err := strconv.Atoi(earliest[:4]); err == nil {
			return y
		}
	}
	return 0
}
