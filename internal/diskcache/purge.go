package diskcache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// isRecordFile reports whether name looks like a record written by this package.
func isRecordFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// PurgeExpired removes expired, stale and unreadable records from the
// active directory and returns how many were removed.
func (c *Cache) PurgeExpired(ctx context.Context) (int, error) {
	dir := c.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list cache directory: %w", err)
	}

	now := c.cfg.Now().Unix()
	removed := 0
	for _, de := range entries {
		if err := ctx.Err(); err != nil {
			c.recorder.RecordDiskPurged(removed)
			return removed, err
		}
		if de.IsDir() || !isRecordFile(de.Name()) {
			continue
		}

		path := filepath.Join(dir, de.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		r, err := decodeEnvelope(data)
		if err == nil && r.Schema == SchemaVersion && !r.expired(now) {
			continue
		}
		if err := os.Remove(path); err == nil {
			removed++
		}
	}

	c.recorder.RecordDiskPurged(removed)
	return removed, nil
}

// StartBackgroundPurge runs PurgeExpired once after delay without blocking
// the caller. It returns a channel closed when the purge has finished or
// was abandoned because ctx ended.
func (c *Cache) StartBackgroundPurge(ctx context.Context, delay time.Duration) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		n, err := c.PurgeExpired(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Int("removed", n).Msg("expired cache purge incomplete")
			return
		}
		c.logger.Info().Int("removed", n).Msg("expired cache records purged")
	}()
	return finished
}

// ClearAll flushes pending writes and removes every record, returning the
// number removed.
func (c *Cache) ClearAll(ctx context.Context) (int, error) {
	if err := c.FlushWrites(ctx); err != nil {
		return 0, err
	}

	dir := c.Dir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("list cache directory: %w", err)
	}

	removed := 0
	for _, de := range entries {
		if de.IsDir() || !isRecordFile(de.Name()) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, de.Name())); err == nil {
			removed++
		}
	}

	c.logger.Info().Int("removed", removed).Str("dir", dir).Msg("disk cache cleared")
	return removed, nil
}

// Usage describes the active cache directory.
type Usage struct {
	Dir     string `json:"dir"`
	Records int    `json:"records"`
	Bytes   int64  `json:"bytes"`
}

// Usage counts records and their total size.
func (c *Cache) Usage() (Usage, error) {
	u := Usage{Dir: c.Dir()}
	entries, err := os.ReadDir(u.Dir)
	if err != nil {
		return u, fmt.Errorf("list cache directory: %w", err)
	}
	for _, de := range entries {
		if de.IsDir() || !isRecordFile(de.Name()) {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		u.Records++
		u.Bytes += info.Size()
	}
	return u, nil
}
