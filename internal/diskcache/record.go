package diskcache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// SchemaVersion tags every record. Records with another version are
// discarded on read and by purges.
const SchemaVersion = 3

// maxDecodedBytes caps a decompressed record.
const maxDecodedBytes = 512 << 20

// spotChecks is the number of randomly sampled elements verified on read.
const spotChecks = 8

// sharedSort marks a file that holds one unsorted set serving every order.
const sharedSort domain.Sort = "*"

// Key identifies a cached result set.
type Key struct {
	// Query is the recid for record-centric modes or the search string.
	Query string
	Mode  domain.Mode
	Sort  domain.Sort
}

// String renders the key for logs.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Mode, k.Query, k.Sort)
}

// fileName derives the record file name from the key, the storage sort
// and the schema version.
func fileName(k Key, storage domain.Sort) string {
	h := xxhash.New()
	_, _ = h.WriteString(strconv.Itoa(SchemaVersion))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(k.Query)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(k.Mode))
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(string(storage))
	return fmt.Sprintf("%s-%016x.json", k.Mode, h.Sum64())
}

// record is the on-disk envelope.
type record struct {
	Schema     int             `json:"schema"`
	Query      string          `json:"query"`
	Mode       domain.Mode     `json:"mode"`
	Sort       domain.Sort     `json:"sort"`
	StoredAt   int64           `json:"stored_at"`
	TTLSeconds int64           `json:"ttl_seconds"`
	Count      int             `json:"count"`
	Checksum   string          `json:"checksum"`
	Payload    json.RawMessage `json:"payload"`
}

// expired reports whether the record is past its lifetime at unix time now.
// A record is still valid at exactly StoredAt+TTLSeconds.
func (r *record) expired(now int64) bool {
	return r.TTLSeconds > 0 && now > r.StoredAt+r.TTLSeconds
}

func checksum(b []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(b))
}

// encodeRecord serializes items into an envelope, optionally gzip compressed.
func encodeRecord[T any](r record, items []T, compress bool) ([]byte, error) {
	payload, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	r.Schema = SchemaVersion
	r.Count = len(items)
	r.Checksum = checksum(payload)
	r.Payload = payload

	raw, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	if !compress {
		return raw, nil
	}

	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestSpeed)
	if err != nil {
		return nil, fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		zw.Close()
		return nil, fmt.Errorf("compress record: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close gzip writer: %w", err)
	}
	return buf.Bytes(), nil
}

// isGzip reports whether data starts with the gzip magic bytes.
func isGzip(data []byte) bool {
	return len(data) >= 2 && data[0] == 0x1f && data[1] == 0x8b
}

// decodeEnvelope parses file contents, transparently decompressing.
func decodeEnvelope(data []byte) (*record, error) {
	if isGzip(data) {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		defer zr.Close()
		data, err = io.ReadAll(io.LimitReader(zr, maxDecodedBytes))
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
	}

	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &r, nil
}

// decodePayload verifies the checksum, decodes the items and spot-checks a
// random sample of them with valid.
func decodePayload[T any](r *record, valid func(*T) bool) ([]T, error) {
	if checksum(r.Payload) != r.Checksum {
		return nil, fmt.Errorf("checksum mismatch")
	}

	var items []T
	if err := json.Unmarshal(r.Payload, &items); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if len(items) != r.Count {
		return nil, fmt.Errorf("count mismatch: header %d, payload %d", r.Count, len(items))
	}

	n := min(spotChecks, len(items))
	for i := 0; i < n; i++ {
		idx := rand.IntN(len(items))
		if !valid(&items[idx]) {
			return nil, fmt.Errorf("invalid element at %d", idx)
		}
	}
	return items, nil
}

func validEntry(e *domain.Entry) bool {
	return e.ID != ""
}

func validCandidate(c *domain.RankedCandidate) bool {
	return c.Entry.ID != "" && c.CombinedScore >= 0 && c.CombinedScore <= 1
}
