package domain

import (
	"cmp"
	"slices"
	"strings"
)

// SortEntries returns a new slice ordered by s. The sort is stable so that
// SortDefault and ties keep their original order.
func SortEntries(entries []Entry, s Sort) []Entry {
	out := slices.Clone(entries)
	switch s {
	case SortMostRecent:
		slices.SortStableFunc(out, func(a, b Entry) int {
			return cmp.Compare(b.Year, a.Year)
		})
	case SortMostCited:
		slices.SortStableFunc(out, func(a, b Entry) int {
			return cmp.Compare(b.Citations(), a.Citations())
		})
	}
	return out
}

// Filter narrows an entry list for display.
type Filter struct {
	// Text matches case-insensitively against title, authors, journal and arXiv id.
	Text        string
	OnlyLocal   bool
	OnlyMissing bool
	YearFrom    int
	YearTo      int
}

// IsZero reports whether the filter accepts everything.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Match reports whether e passes the filter.
func (f Filter) Match(e *Entry) bool {
	if f.OnlyLocal && e.LocalItemID == "" {
		return false
	}
	if f.OnlyMissing && e.LocalItemID != "" {
		return false
	}
	if f.YearFrom > 0 && e.Year < f.YearFrom {
		return false
	}
	if f.YearTo > 0 && (e.Year == 0 || e.Year > f.YearTo) {
		return false
	}
	if f.Text == "" {
		return true
	}

	needle := strings.ToLower(f.Text)
	if strings.Contains(strings.ToLower(e.Title), needle) ||
		strings.Contains(strings.ToLower(e.ArxivID), needle) ||
		strings.Contains(strings.ToLower(e.RawReference), needle) {
		return true
	}
	if e.Publication != nil && strings.Contains(strings.ToLower(e.Publication.Journal), needle) {
		return true
	}
	for _, a := range e.Authors {
		if strings.Contains(strings.ToLower(a), needle) {
			return true
		}
	}
	return false
}

// FilterEntries returns the entries accepted by f.
func FilterEntries(entries []Entry, f Filter) []Entry {
	if f.IsZero() {
		return entries
	}
	out := make([]Entry, 0, len(entries))
	for i := range entries {
		if f.Match(&entries[i]) {
			out = append(out, entries[i])
		}
	}
	return out
}

// ListStats summarizes an entry list for the panel header.
type ListStats struct {
	Total          int `json:"total"`
	WithRecid      int `json:"with_recid"`
	InLibrary      int `json:"in_library"`
	TotalCitations int `json:"total_citations"`
	YearMin        int `json:"year_min,omitempty"`
	YearMax        int `json:"year_max,omitempty"`
}

// ComputeStats aggregates counts over entries.
func ComputeStats(entries []Entry) ListStats {
	st := ListStats{Total: len(entries)}
	for i := range entries {
		e := &entries[i]
		if e.HasRecid() {
			st.WithRecid++
		}
		if e.LocalItemID != "" {
			st.InLibrary++
		}
		st.TotalCitations += e.Citations()
		if e.Year > 0 {
			if st.YearMin == 0 || e.Year < st.YearMin {
				st.YearMin = e.Year
			}
			if e.Year > st.YearMax {
				st.YearMax = e.Year
			}
		}
	}
	return st
}
