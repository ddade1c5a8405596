package papersources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

func fastConfig() HTTPClientConfig {
	return HTTPClientConfig{
		RateLimit:  1000,
		BurstSize:  100,
		RetryDelay: 10 * time.Millisecond,
		MaxRetries: 2,
	}
}

type countingRecorder struct {
	mu       sync.Mutex
	statuses map[string]int
	shared   int
	limited  int
}

func (r *countingRecorder) RecordFetch(status string, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[string]int)
	}
	r.statuses[status]++
}

func (r *countingRecorder) SetFetchQueue(int, int) {}

func (r *countingRecorder) RecordFetchShared() {
	r.mu.Lock()
	r.shared++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordFetchRateLimited() {
	r.mu.Lock()
	r.limited++
	r.mu.Unlock()
}

func (c *HTTPClient) waitersFor(url string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.flights[url]; ok {
		return f.waiters
	}
	return 0
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewHTTPClient(HTTPClientConfig{})

		require.NotNil(t, client)
		assert.Equal(t, 30*time.Second, client.client.Timeout)
		assert.Equal(t, "inspire-refgraph/1.0", client.config.UserAgent)
		assert.Equal(t, "inspire", client.config.Source)
		assert.Equal(t, float64(3), client.config.RateLimit)
		assert.Equal(t, 15, client.config.BurstSize)
		assert.Equal(t, 4, client.config.MaxConcurrent)
		assert.Equal(t, Status{}, client.Status())
	})

	t.Run("keeps custom values", func(t *testing.T) {
		client := NewHTTPClient(HTTPClientConfig{
			Timeout:       5 * time.Second,
			UserAgent:     "TestAgent/1.0",
			MaxConcurrent: 2,
		})
		assert.Equal(t, 5*time.Second, client.client.Timeout)
		assert.Equal(t, "TestAgent/1.0", client.config.UserAgent)
		assert.Equal(t, 2, client.config.MaxConcurrent)
	})
}

func TestHTTPClient_Fetch(t *testing.T) {
	t.Run("returns body and sends headers", func(t *testing.T) {
		var ua, accept string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ua = r.Header.Get("User-Agent")
			accept = r.Header.Get("Accept")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.UserAgent = "TestAgent/2.0"
		client := NewHTTPClient(cfg)

		resp, err := client.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.True(t, resp.OK())
		assert.False(t, resp.NotFound())
		assert.Equal(t, `{"status":"ok"}`, string(resp.Body))
		assert.Equal(t, "TestAgent/2.0", ua)
		assert.Equal(t, "application/json", accept)
	})

	t.Run("404 is an outcome, not an error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		resp, err := NewHTTPClient(fastConfig()).Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.True(t, resp.NotFound())
	})

	t.Run("server errors are returned without retry", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer server.Close()

		resp, err := NewHTTPClient(fastConfig()).Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries 429 honoring Retry-After", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer server.Close()

		rec := &countingRecorder{}
		client := NewHTTPClient(fastConfig(), WithFetchRecorder(rec))

		start := time.Now()
		resp, err := client.Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.True(t, resp.OK())
		assert.Equal(t, int32(2), calls.Load())
		assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
		assert.Equal(t, 1, rec.limited)
		assert.Equal(t, 1, rec.statuses["4xx"])
		assert.Equal(t, 1, rec.statuses["2xx"])
	})

	t.Run("backing off releases the gate slot", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) == 1 {
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			_, _ = w.Write([]byte("ok"))
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.MaxConcurrent = 1
		client := NewHTTPClient(cfg)

		done := make(chan *Response, 1)
		go func() {
			resp, _ := client.Fetch(context.Background(), server.URL+"/a")
			done <- resp
		}()

		require.Eventually(t, func() bool {
			s := client.Status()
			return calls.Load() == 1 && s.InFlight == 0 && s.QueuedCount == 1
		}, time.Second, time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		require.NoError(t, client.gate.Acquire(ctx), "slot is free during the pause")
		client.gate.Release()

		select {
		case resp := <-done:
			require.NotNil(t, resp)
			assert.True(t, resp.OK())
		case <-time.After(3 * time.Second):
			t.Fatal("retry did not finish")
		}
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("gives up after max retries and returns the 429", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		resp, err := NewHTTPClient(fastConfig()).Fetch(context.Background(), server.URL)
		require.NoError(t, err)
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("oversized body is a transient error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(strings.Repeat("x", 64)))
		}))
		defer server.Close()

		cfg := fastConfig()
		cfg.MaxBodyBytes = 16
		_, err := NewHTTPClient(cfg).Fetch(context.Background(), server.URL)
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrTransient)
	})

	t.Run("connection failure is a transient error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		_, err := NewHTTPClient(fastConfig()).Fetch(context.Background(), url)
		require.Error(t, err)
		var apiErr *domain.ExternalAPIError
		assert.ErrorAs(t, err, &apiErr)
		assert.ErrorIs(t, err, domain.ErrTransient)
	})
}

func TestHTTPClient_FetchCancellation(t *testing.T) {
	t.Run("returns promptly and aborts the request", func(t *testing.T) {
		started := make(chan struct{})
		aborted := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			close(started)
			<-r.Context().Done()
			close(aborted)
		}))
		defer server.Close()

		client := NewHTTPClient(fastConfig())
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Fetch(ctx, server.URL)
			errCh <- err
		}()

		<-started
		cancel()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("Fetch did not return after cancel")
		}
		select {
		case <-aborted:
		case <-time.After(2 * time.Second):
			t.Fatal("server request was not aborted")
		}
	})

	t.Run("queued request leaves the gate on cancel", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-release
		}))
		defer server.Close()
		defer close(release)

		cfg := fastConfig()
		cfg.MaxConcurrent = 1
		client := NewHTTPClient(cfg)

		go func() { _, _ = client.Fetch(context.Background(), server.URL+"/first") }()
		require.Eventually(t, func() bool { return client.Status().InFlight == 1 }, time.Second, time.Millisecond)

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() {
			_, err := client.Fetch(ctx, server.URL+"/second")
			errCh <- err
		}()
		require.Eventually(t, func() bool { return client.Status().QueuedCount == 1 }, time.Second, time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
		assert.Eventually(t, func() bool { return client.Status().QueuedCount == 0 }, time.Second, time.Millisecond)
	})
}

func TestHTTPClient_SingleFlight(t *testing.T) {
	t.Run("identical concurrent requests share one call", func(t *testing.T) {
		var calls atomic.Int32
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			<-release
			_, _ = w.Write([]byte("shared"))
		}))
		defer server.Close()

		rec := &countingRecorder{}
		client := NewHTTPClient(fastConfig(), WithFetchRecorder(rec))

		var wg sync.WaitGroup
		bodies := make([]string, 3)
		for i := range bodies {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				resp, err := client.Fetch(context.Background(), server.URL)
				if assert.NoError(t, err) {
					bodies[i] = string(resp.Body)
				}
			}(i)
		}
		require.Eventually(t, func() bool { return client.waitersFor(server.URL) == 3 }, time.Second, time.Millisecond)
		close(release)
		wg.Wait()

		assert.Equal(t, int32(1), calls.Load())
		assert.Equal(t, []string{"shared", "shared", "shared"}, bodies)
		assert.Equal(t, 3, rec.shared)
	})

	t.Run("call survives while one caller remains", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
				_, _ = w.Write([]byte("done"))
			case <-r.Context().Done():
			}
		}))
		defer server.Close()

		client := NewHTTPClient(fastConfig())

		leaving, cancel := context.WithCancel(context.Background())
		leftCh := make(chan error, 1)
		go func() {
			_, err := client.Fetch(leaving, server.URL)
			leftCh <- err
		}()

		type result struct {
			resp *Response
			err  error
		}
		stayCh := make(chan result, 1)
		go func() {
			resp, err := client.Fetch(context.Background(), server.URL)
			stayCh <- result{resp, err}
		}()
		require.Eventually(t, func() bool { return client.waitersFor(server.URL) == 2 }, time.Second, time.Millisecond)

		cancel()
		assert.ErrorIs(t, <-leftCh, context.Canceled)

		close(release)
		res := <-stayCh
		require.NoError(t, res.err)
		assert.Equal(t, "done", string(res.resp.Body))
	})

	t.Run("sequential requests are not shared", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
		}))
		defer server.Close()

		client := NewHTTPClient(fastConfig())
		for i := 0; i < 2; i++ {
			_, err := client.Fetch(context.Background(), server.URL)
			require.NoError(t, err)
		}
		assert.Equal(t, int32(2), calls.Load())
	})
}

func TestHTTPClient_Status(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()

	cfg := fastConfig()
	cfg.MaxConcurrent = 1
	cfg.ThrottleQueueThreshold = 1
	client := NewHTTPClient(cfg)

	updates, unsubscribe := client.Subscribe()
	defer unsubscribe()
	assert.Equal(t, Status{}, <-updates)

	var wg sync.WaitGroup
	for _, path := range []string{"/a", "/b"} {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, _ = client.Fetch(context.Background(), server.URL+p)
		}(path)
	}

	require.Eventually(t, func() bool {
		s := client.Status()
		return s.InFlight == 1 && s.QueuedCount == 1
	}, time.Second, time.Millisecond)
	assert.True(t, client.Status().IsThrottling)

	close(release)
	wg.Wait()

	final := client.Status()
	assert.False(t, final.IsThrottling)
	assert.Equal(t, 0, final.InFlight)

	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s == final
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}
