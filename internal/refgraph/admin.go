package refgraph

import (
	"context"

	"github.com/helixir/inspire-refgraph/internal/diskcache"
	"github.com/helixir/inspire-refgraph/internal/domain"
	"github.com/helixir/inspire-refgraph/internal/memcache"
	"github.com/helixir/inspire-refgraph/internal/papersources"
)

// LocalItemAdded marks every cached entry of recid as held by itemID and
// returns the number of entries patched.
func (s *Service) LocalItemAdded(recid, itemID string) int {
	if recid == "" || itemID == "" {
		return 0
	}
	return s.patchEntries(func(e *domain.Entry) bool {
		if e.Recid != recid || e.LocalItemID == itemID {
			return false
		}
		e.LocalItemID = itemID
		return true
	})
}

// LocalItemDeleted clears itemID from every cached entry and returns the
// number of entries patched.
func (s *Service) LocalItemDeleted(itemID string) int {
	if itemID == "" {
		return 0
	}
	return s.patchEntries(func(e *domain.Entry) bool {
		if e.LocalItemID != itemID {
			return false
		}
		e.LocalItemID = ""
		e.IsRelatedToCurrentItem = false
		return true
	})
}

// patchEntries applies patch to copies of the cached lists and rankings,
// replacing only those that changed. While enrichment runs are in flight
// the patch is also logged for their merges.
func (s *Service) patchEntries(patch func(*domain.Entry) bool) int {
	s.patchMu.Lock()
	defer s.patchMu.Unlock()

	s.patchSeq++
	if s.enriching > 0 {
		s.patchLog = append(s.patchLog, loggedPatch{seq: s.patchSeq, patch: patch})
	}

	patched := 0
	for _, key := range s.caches.Lists.Keys() {
		list, ok := s.caches.Lists.Peek(key)
		if !ok {
			continue
		}
		var out []domain.Entry
		for i := range list {
			e := list[i]
			if !patch(&e) {
				continue
			}
			if out == nil {
				out = append([]domain.Entry(nil), list...)
			}
			out[i] = e
			patched++
		}
		if out != nil {
			s.caches.Lists.Set(key, out)
		}
	}

	for _, key := range s.caches.Related.Keys() {
		ranked, ok := s.caches.Related.Peek(key)
		if !ok {
			continue
		}
		var out []domain.RankedCandidate
		for i := range ranked {
			c := ranked[i]
			if !patch(&c.Entry) {
				continue
			}
			if out == nil {
				out = append([]domain.RankedCandidate(nil), ranked...)
			}
			out[i] = c
			patched++
		}
		if out != nil {
			s.caches.Related.Set(key, out)
		}
	}
	return patched
}

// AddLocalItem stores item in the local library and patches cached lists.
func (s *Service) AddLocalItem(ctx context.Context, item *domain.LocalItem) (int, error) {
	if s.deps.Library == nil {
		return 0, ErrNoLibrary
	}
	if err := s.deps.Library.Upsert(ctx, item); err != nil {
		return 0, err
	}
	return s.LocalItemAdded(item.Recid, item.ItemID), nil
}

// RemoveLocalItem deletes an item from the local library and patches
// cached lists.
func (s *Service) RemoveLocalItem(ctx context.Context, itemID string) (int, error) {
	if s.deps.Library == nil {
		return 0, ErrNoLibrary
	}
	if _, err := s.deps.Library.Delete(ctx, itemID); err != nil {
		return 0, err
	}
	return s.LocalItemDeleted(itemID), nil
}

// RelateLocalItems links two library items.
func (s *Service) RelateLocalItems(ctx context.Context, itemA, itemB string) error {
	if s.deps.Library == nil {
		return ErrNoLibrary
	}
	return s.deps.Library.AddRelation(ctx, itemA, itemB)
}

// FetcherStatus returns the shared fetcher's throttling state.
func (s *Service) FetcherStatus() papersources.Status {
	if s.deps.Fetcher == nil {
		return papersources.Status{}
	}
	return s.deps.Fetcher.Status()
}

// SubscribeFetcherStatus returns a latest-value status feed and its
// cancel function.
func (s *Service) SubscribeFetcherStatus() (<-chan papersources.Status, func()) {
	if s.deps.Fetcher == nil {
		ch := make(chan papersources.Status, 1)
		ch <- papersources.Status{}
		return ch, func() {}
	}
	return s.deps.Fetcher.Subscribe()
}

// CacheStats describes both cache tiers.
type CacheStats struct {
	Memory    map[string]memcache.Stats `json:"memory"`
	Disk      *diskcache.Usage          `json:"disk,omitempty"`
	DiskError string                    `json:"disk_error,omitempty"`
}

// CacheStats returns memory statistics and disk usage.
func (s *Service) CacheStats() CacheStats {
	st := CacheStats{Memory: s.caches.Stats()}
	if s.deps.Disk != nil {
		u, err := s.deps.Disk.Usage()
		if err != nil {
			st.DiskError = err.Error()
		} else {
			st.Disk = &u
		}
	}
	return st
}

// ClearResult reports what ClearCaches removed.
type ClearResult struct {
	Memory int `json:"memory"`
	Disk   int `json:"disk"`
}

// ClearCaches empties both tiers. In-flight requests keep running; their
// results repopulate the caches.
func (s *Service) ClearCaches(ctx context.Context) (ClearResult, error) {
	res := ClearResult{Memory: s.caches.Clear()}
	if s.deps.Disk != nil {
		n, err := s.deps.Disk.ClearAll(ctx)
		res.Disk = n
		if err != nil {
			return res, err
		}
	}
	s.logger.Info().Int("memory", res.Memory).Int("disk", res.Disk).Msg("caches cleared")
	return res, nil
}

// PurgeExpired removes expired disk records.
func (s *Service) PurgeExpired(ctx context.Context) (int, error) {
	if s.deps.Disk == nil {
		return 0, nil
	}
	return s.deps.Disk.PurgeExpired(ctx)
}

// CacheDir returns the active disk cache directory.
func (s *Service) CacheDir() string {
	if s.deps.Disk == nil {
		return ""
	}
	return s.deps.Disk.Dir()
}

// SetCacheDir moves the disk tier to dir. On failure the previous directory
// stays active.
func (s *Service) SetCacheDir(ctx context.Context, dir string) error {
	if s.deps.Disk == nil {
		return domain.NewValidationError("directory", "disk cache is disabled")
	}
	if dir == "" {
		return domain.NewValidationError("directory", "directory is required")
	}
	return s.deps.Disk.Reinit(ctx, dir)
}

// Close cancels in-flight requests and flushes pending disk writes.
func (s *Service) Close(ctx context.Context) error {
	s.tracker.CancelAll()
	if s.deps.Disk == nil {
		return nil
	}
	return s.deps.Disk.Close(ctx)
}
