// Package diskcache implements the persistent result cache: one JSON record
// per result set, optionally gzip compressed, with TTL expiry, integrity
// verification on read and asynchronous atomic writes.
//
// Any I/O or decoding failure is reported as a miss. Corrupt records are
// deleted when detected.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// Recorder receives disk cache events. *observability.Metrics satisfies it.
type Recorder interface {
	RecordDiskRead(result string)
	RecordDiskWrite(result string)
	RecordDiskPurged(count int)
}

type nopRecorder struct{}

func (nopRecorder) RecordDiskRead(string)  {}
func (nopRecorder) RecordDiskWrite(string) {}
func (nopRecorder) RecordDiskPurged(int)   {}

// Config configures a Cache.
type Config struct {
	// Dir is the cache directory. It is created if missing.
	Dir string

	// TTL is the lifetime of records of non-permanent modes.
	TTL time.Duration

	// Compression gzips newly written records. Readers accept both forms.
	Compression bool

	// SplitThreshold is the size above which each sort order is stored in
	// its own file. Smaller sets share one file and are sorted on read.
	SplitThreshold int

	// WriteQueueSize bounds pending asynchronous writes.
	WriteQueueSize int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

const (
	defaultTTL            = 24 * time.Hour
	defaultSplitThreshold = 10000
	defaultWriteQueueSize = 64
)

func (c *Config) applyDefaults() {
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.SplitThreshold <= 0 {
		c.SplitThreshold = defaultSplitThreshold
	}
	if c.WriteQueueSize <= 0 {
		c.WriteQueueSize = defaultWriteQueueSize
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// writeJob is one queued file commit, or a flush barrier when done is set.
type writeJob struct {
	key    Key
	encode func(compress bool) ([]byte, error)
	// storage is the sort recorded in the file name: sharedSort or the key's sort.
	storage domain.Sort
	// obsolete is removed after a successful commit.
	obsolete string
	done     chan struct{}
}

// Cache is the persistent result cache. It is safe for concurrent use.
type Cache struct {
	cfg      Config
	logger   zerolog.Logger
	recorder Recorder

	dirMu sync.RWMutex
	dir   string

	sendMu sync.RWMutex
	closed bool
	jobs   chan writeJob
	done   chan struct{}
}

// Option configures optional Cache collaborators.
type Option func(*Cache)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// WithRecorder reports read, write and purge outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(c *Cache) {
		if r != nil {
			c.recorder = r
		}
	}
}

// New validates the directory and starts the background writer.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg.applyDefaults()
	if err := ensureWritable(cfg.Dir); err != nil {
		return nil, err
	}

	c := &Cache{
		cfg:      cfg,
		logger:   zerolog.Nop(),
		recorder: nopRecorder{},
		dir:      cfg.Dir,
		jobs:     make(chan writeJob, cfg.WriteQueueSize),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	go c.writer()
	return c, nil
}

// Dir returns the active cache directory.
func (c *Cache) Dir() string {
	c.dirMu.RLock()
	defer c.dirMu.RUnlock()
	return c.dir
}

// ttlFor returns the lifetime recorded for mode; zero means permanent.
func (c *Cache) ttlFor(mode domain.Mode) time.Duration {
	if mode.Permanent() {
		return 0
	}
	return c.cfg.TTL
}

// Read returns the cached entries for key in key.Sort order.
func (c *Cache) Read(ctx context.Context, key Key) ([]domain.Entry, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	dir := c.Dir()

	shared := filepath.Join(dir, fileName(key, sharedSort))
	if r, ok := c.load(shared, key); ok {
		// The shared file keeps the writer's order. Source order cannot be
		// recovered from a sorted copy.
		if key.Sort == domain.SortDefault && r.Sort != domain.SortDefault {
			c.recorder.RecordDiskRead("miss")
			return nil, false
		}
		entries, err := decodePayload(r, validEntry)
		if err != nil {
			c.discardCorrupt(shared, err)
			return nil, false
		}
		c.recorder.RecordDiskRead("hit")
		if key.Sort == r.Sort {
			return entries, true
		}
		return domain.SortEntries(entries, key.Sort), true
	}

	if ctx.Err() != nil {
		return nil, false
	}

	split := filepath.Join(dir, fileName(key, key.Sort))
	if r, ok := c.load(split, key); ok {
		entries, err := decodePayload(r, validEntry)
		if err != nil {
			c.discardCorrupt(split, err)
			return nil, false
		}
		c.recorder.RecordDiskRead("hit")
		return entries, true
	}

	c.recorder.RecordDiskRead("miss")
	return nil, false
}

// ReadRanked returns cached related-paper rankings for key.
func (c *Cache) ReadRanked(ctx context.Context, key Key) ([]domain.RankedCandidate, bool) {
	if ctx.Err() != nil {
		return nil, false
	}

	path := filepath.Join(c.Dir(), fileName(key, key.Sort))
	r, ok := c.load(path, key)
	if !ok {
		c.recorder.RecordDiskRead("miss")
		return nil, false
	}
	ranked, err := decodePayload(r, validCandidate)
	if err != nil {
		c.discardCorrupt(path, err)
		return nil, false
	}
	c.recorder.RecordDiskRead("hit")
	return ranked, true
}

// load reads and validates the envelope at path. Missing, foreign, stale,
// expired and unreadable records all yield false; the last three are removed.
func (c *Cache) load(path string, key Key) (*record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn().Err(err).Str("path", path).Msg("disk cache read failed")
			c.recorder.RecordDiskRead("error")
		}
		return nil, false
	}

	r, err := decodeEnvelope(data)
	if err != nil {
		c.discardCorrupt(path, err)
		return nil, false
	}

	if r.Schema != SchemaVersion {
		c.remove(path)
		c.recorder.RecordDiskRead("stale")
		return nil, false
	}
	if r.Query != key.Query || r.Mode != key.Mode {
		return nil, false
	}
	if r.expired(c.cfg.Now().Unix()) {
		c.remove(path)
		c.recorder.RecordDiskRead("expired")
		return nil, false
	}
	return r, true
}

func (c *Cache) discardCorrupt(path string, cause error) {
	err := domain.NewCorruptionError(path, cause.Error())
	c.logger.Warn().Err(err).Msg("removing corrupt cache record")
	c.recorder.RecordDiskRead("corrupt")
	c.remove(path)
}

func (c *Cache) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn().Err(err).Str("path", path).Msg("failed to remove cache record")
	}
}

// Write queues entries for key. Sets up to the split threshold are stored
// once for all sort orders; larger sets are stored per sort order. The
// caller must not modify entries afterwards.
func (c *Cache) Write(key Key, entries []domain.Entry) {
	job := writeJob{key: key, storage: sharedSort}
	if len(entries) > c.cfg.SplitThreshold {
		job.storage = key.Sort
		job.obsolete = fileName(key, sharedSort)
	}

	r := c.newRecord(key)
	job.encode = func(compress bool) ([]byte, error) {
		return encodeRecord(r, entries, compress)
	}
	c.enqueue(job)
}

// WriteRanked queues a related-papers ranking for key.
func (c *Cache) WriteRanked(key Key, ranked []domain.RankedCandidate) {
	r := c.newRecord(key)
	c.enqueue(writeJob{
		key:     key,
		storage: key.Sort,
		encode: func(compress bool) ([]byte, error) {
			return encodeRecord(r, ranked, compress)
		},
	})
}

func (c *Cache) newRecord(key Key) record {
	return record{
		Query:      key.Query,
		Mode:       key.Mode,
		Sort:       key.Sort,
		StoredAt:   c.cfg.Now().Unix(),
		TTLSeconds: int64(c.ttlFor(key.Mode) / time.Second),
	}
}

func (c *Cache) enqueue(job writeJob) bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		c.logger.Debug().Str("key", job.key.String()).Msg("disk cache closed, dropping write")
		return false
	}
	c.jobs <- job
	return true
}

// writer commits queued jobs one at a time.
func (c *Cache) writer() {
	defer close(c.done)
	for job := range c.jobs {
		if job.done != nil {
			close(job.done)
			continue
		}
		if err := c.commit(job); err != nil {
			c.logger.Warn().Err(err).Str("key", job.key.String()).Msg("disk cache write failed")
			c.recorder.RecordDiskWrite("error")
			continue
		}
		c.recorder.RecordDiskWrite("ok")
	}
}

// commit writes the record to a temporary file and renames it into place so
// readers never observe a partial record.
func (c *Cache) commit(job writeJob) error {
	data, err := job.encode(c.cfg.Compression)
	if err != nil {
		return err
	}

	dir := c.Dir()
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}

	target := filepath.Join(dir, fileName(job.key, job.storage))
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	if job.obsolete != "" {
		c.remove(filepath.Join(dir, job.obsolete))
	}
	return nil
}

// FlushWrites blocks until every write queued before the call is committed.
func (c *Cache) FlushWrites(ctx context.Context) error {
	barrier := make(chan struct{})
	if !c.enqueue(writeJob{done: barrier}) {
		return nil
	}
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reinit switches to dir after flushing pending writes. The directory is
// created and probed for writability first; on failure the current
// directory stays active and the error is returned.
func (c *Cache) Reinit(ctx context.Context, dir string) error {
	if err := c.FlushWrites(ctx); err != nil {
		return fmt.Errorf("flush before reinit: %w", err)
	}
	if err := ensureWritable(dir); err != nil {
		return err
	}

	c.dirMu.Lock()
	prev := c.dir
	c.dir = dir
	c.dirMu.Unlock()

	c.logger.Info().Str("from", prev).Str("to", dir).Msg("disk cache directory changed")
	return nil
}

// Close flushes pending writes and stops the writer. Later writes are dropped.
func (c *Cache) Close(ctx context.Context) error {
	flushErr := c.FlushWrites(ctx)

	c.sendMu.Lock()
	if !c.closed {
		c.closed = true
		close(c.jobs)
	}
	c.sendMu.Unlock()

	select {
	case <-c.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return flushErr
}

// ensureWritable creates dir and verifies a file can be written into it.
func ensureWritable(dir string) error {
	if dir == "" {
		return domain.NewValidationError("cache.directory", "must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create cache directory %s: %w", dir, err)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("cache directory %s is not writable: %w", dir, err)
	}
	name := probe.Name()
	_, werr := probe.Write([]byte("ok"))
	cerr := probe.Close()
	os.Remove(name)
	if werr != nil {
		return fmt.Errorf("cache directory %s is not writable: %w", dir, werr)
	}
	if cerr != nil {
		return fmt.Errorf("cache directory %s is not writable: %w", dir, cerr)
	}
	return nil
}
