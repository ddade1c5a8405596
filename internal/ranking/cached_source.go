package ranking

import (
	"context"
	"strconv"

	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/memcache"
)

// CachedSource memoizes citing-paper lists so rankings of papers sharing
// anchors reuse earlier lookups. Other calls pass through.
type CachedSource struct {
	Source
	citing *memcache.BoundedCache[string, []domain.Entry]
}

// NewCachedSource wraps src with a citing-papers cache.
func NewCachedSource(src Source, citing *memcache.BoundedCache[string, []domain.Entry]) *CachedSource {
	return &CachedSource{Source: src, citing: citing}
}

// CitingPapers serves from the cache before asking the wrapped source.
// Failed lookups are not cached.
func (s *CachedSource) CitingPapers(ctx context.Context, recid string, limit int) ([]domain.Entry, error) {
	key := recid + "|" + strconv.Itoa(limit)
	if papers, ok := s.citing.Get(key); ok {
		return papers, nil
	}
	papers, err := s.Source.CitingPapers(ctx, recid, limit)
	if err != nil {
		return nil, err
	}
	s.citing.Set(key, papers)
	return papers, nil
}
