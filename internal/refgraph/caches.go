package refgraph

import (
	"fmt"

	"github.com/helixir/inspire-refgraph/internal/diskcache"
	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/memcache"
	"github.com/helixir/inspire-refgraph/internal/ranking"
)

// Memory cache names, used as metric labels.
const (
	CacheLists    = "lists"
	CacheMetadata = "metadata"
	CacheRelated  = "related"
	CacheCiting   = "citing"
)

// Capacities sizes the memory tier.
type Capacities struct {
	Lists    int
	Metadata int
	Related  int
	Citing   int
}

// DefaultCapacities returns the standard memory tier sizes.
func DefaultCapacities() Capacities {
	return Capacities{Lists: 50, Metadata: 500, Related: 50, Citing: 200}
}

// Caches is the memory tier shared by the service, the enrichment
// scheduler (Metadata) and the ranker (Citing).
type Caches struct {
	Lists    *memcache.BoundedCache[diskcache.Key, []domain.Entry]
	Metadata *memcache.BoundedCache[string, domain.Entry]
	Related  *memcache.BoundedCache[ranking.RelatedKey, []domain.RankedCandidate]
	Citing   *memcache.BoundedCache[string, []domain.Entry]
}

// NewCaches builds the memory tier.
func NewCaches(c Capacities, opts ...memcache.Option) (*Caches, error) {
	lists, err := memcache.New[diskcache.Key, []domain.Entry](CacheLists, c.Lists, opts...)
	if err != nil {
		return nil, fmt.Errorf("create list cache: %w", err)
	}
	metadata, err := memcache.New[string, domain.Entry](CacheMetadata, c.Metadata, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metadata cache: %w", err)
	}
	related, err := memcache.New[ranking.RelatedKey, []domain.RankedCandidate](CacheRelated, c.Related, opts...)
	if err != nil {
		return nil, fmt.Errorf("create related cache: %w", err)
	}
	citing, err := memcache.New[string, []domain.Entry](CacheCiting, c.Citing, opts...)
	if err != nil {
		return nil, fmt.Errorf("create citing cache: %w", err)
	}
	return &Caches{Lists: lists, Metadata: metadata, Related: related, Citing: citing}, nil
}

// Stats returns per-cache statistics keyed by cache name.
func (c *Caches) Stats() map[string]memcache.Stats {
	return map[string]memcache.Stats{
		CacheLists:    c.Lists.Stats(),
		CacheMetadata: c.Metadata.Stats(),
		CacheRelated:  c.Related.Stats(),
		CacheCiting:   c.Citing.Stats(),
	}
}

// Clear empties every cache and returns the number of dropped values.
func (c *Caches) Clear() int {
	n := c.Lists.Len() + c.Metadata.Len() + c.Related.Len() + c.Citing.Len()
	c.Lists.Clear()
	c.Metadata.Clear()
	c.Related.Clear()
	c.Citing.Clear()
	return n
}
