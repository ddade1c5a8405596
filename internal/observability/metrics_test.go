package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWith("test_refgraph", prometheus.NewRegistry())
}

func TestNewMetrics(t *testing.T) {
	m := NewMetrics("test_refgraph_default")

	assert.NotNil(t, m.CacheHits)
	assert.NotNil(t, m.DiskReads)
	assert.NotNil(t, m.FetchRequests)
	assert.NotNil(t, m.FetchQueued)
	assert.NotNil(t, m.PipelinePages)
	assert.NotNil(t, m.EnrichmentUpdates)
	assert.NotNil(t, m.RankingDuration)
	assert.NotNil(t, m.RequestsSuperseded)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordCacheHit("lists")
		m.RecordCacheMiss("lists")
		m.RecordCacheEviction("lists")
		m.RecordDiskRead("hit")
		m.RecordDiskWrite("ok")
		m.RecordDiskPurged(3)
		m.RecordFetch("2xx", 0.1)
		m.SetFetchQueue(1, 2)
		m.RecordFetchShared()
		m.RecordFetchRateLimited()
		m.RecordPipelinePage("ok")
		m.RecordPipelineResults(10)
		m.RecordEnrichmentUpdate()
		m.RecordEnrichmentBatchFailed()
		m.RecordRanking(5, 1)
		m.RecordSuperseded("list")
	})
}

func TestRecordCache(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordCacheHit("metadata")
	m.RecordCacheHit("metadata")
	m.RecordCacheMiss("metadata")
	m.RecordCacheEviction("lists")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.CacheHits.WithLabelValues("metadata")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheMisses.WithLabelValues("metadata")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.CacheEvictions.WithLabelValues("lists")))
}

func TestRecordDisk(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordDiskRead("corrupt")
	m.RecordDiskWrite("ok")
	m.RecordDiskPurged(4)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiskReads.WithLabelValues("corrupt")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.DiskWrites.WithLabelValues("ok")))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.DiskPurged))
}

func TestRecordFetch(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordFetch("2xx", 0.25)
	m.SetFetchQueue(3, 4)
	m.RecordFetchShared()

	assert.Equal(t, float64(1), testutil.ToFloat64(m.FetchRequests.WithLabelValues("2xx")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.FetchQueued))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.FetchInFlight))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.FetchShared))

	count, err := getHistogramSampleCount(m.FetchDuration)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestRecordRanking(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRanking(120, 2.5)

	count, err := getHistogramSampleCount(m.RankingCandidates)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

// Helper to get histogram sample count
func getHistogramSampleCount(h prometheus.Histogram) (uint64, error) {
	ch := make(chan prometheus.Metric, 1)
	h.Collect(ch)
	close(ch)

	var m prometheus.Metric
	for m = range ch {
		break
	}

	var out = &dto.Metric{}
	if err := m.Write(out); err != nil {
		return 0, err
	}

	return out.Histogram.GetSampleCount(), nil
}
