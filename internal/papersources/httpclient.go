package papersources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/helixir/inspire-refgraph/internal/domain"
)

// HTTPClientConfig configures the HTTP client.
type HTTPClientConfig struct {
	// Source names the remote API in errors and logs.
	Source string

	// Timeout is the request timeout for HTTP operations.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// BurstSize is the maximum burst of requests allowed.
	BurstSize int

	// MaxConcurrent bounds requests in flight.
	MaxConcurrent int

	// ThrottleQueueThreshold is the number of waiting callers at which the
	// status feed reports throttling.
	ThrottleQueueThreshold int

	// MaxRetries is the number of retries after a 429 response.
	MaxRetries int

	// RetryDelay is the delay after a 429 without a usable Retry-After header.
	RetryDelay time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// MaxBodyBytes caps a response body.
	MaxBodyBytes int64
}

func (c *HTTPClientConfig) applyDefaults() {
	if c.Source == "" {
		c.Source = "inspire"
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.RateLimit == 0 {
		c.RateLimit = 3
	}
	if c.BurstSize == 0 {
		c.BurstSize = 15
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = 4
	}
	if c.ThrottleQueueThreshold == 0 {
		c.ThrottleQueueThreshold = 1
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "inspire-refgraph/1.0"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 64 << 20
	}
}

// Response is a fully read HTTP response. Responses may be shared between
// callers of identical requests and must be treated as read-only.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// NotFound reports a 404 status. A missing record is an outcome, not an error.
func (r *Response) NotFound() bool {
	return r.StatusCode == http.StatusNotFound
}

// FetchRecorder receives fetcher events. *observability.Metrics satisfies it.
type FetchRecorder interface {
	RecordFetch(status string, durationSeconds float64)
	SetFetchQueue(queued, inFlight int)
	RecordFetchShared()
	RecordFetchRateLimited()
}

type nopFetchRecorder struct{}

func (nopFetchRecorder) RecordFetch(string, float64) {}
func (nopFetchRecorder) SetFetchQueue(int, int)      {}
func (nopFetchRecorder) RecordFetchShared()          {}
func (nopFetchRecorder) RecordFetchRateLimited()     {}

// flight tracks the callers interested in one in-flight request.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// HTTPClient is the process-wide fetcher. Every request passes a FIFO
// concurrency gate and a token bucket; identical concurrent GETs share a
// single network exchange. It is safe for concurrent use.
type HTTPClient struct {
	client      *http.Client
	gate        *Gate
	rateLimiter *RateLimiter
	config      HTTPClientConfig
	logger      zerolog.Logger
	recorder    FetchRecorder

	group   singleflight.Group
	mu      sync.Mutex
	flights map[string]*flight

	gateQueued   atomic.Int64
	gateActive   atomic.Int64
	tokenWaiters atomic.Int64
	status       *statusHub
}

// ClientOption configures optional HTTPClient collaborators.
type ClientOption func(*HTTPClient)

// WithClientLogger sets the logger.
func WithClientLogger(l zerolog.Logger) ClientOption {
	return func(c *HTTPClient) {
		c.logger = l
	}
}

// WithFetchRecorder reports request outcomes and queue depth to r.
func WithFetchRecorder(r FetchRecorder) ClientOption {
	return func(c *HTTPClient) {
		if r != nil {
			c.recorder = r
		}
	}
}

// WithHTTPClient replaces the underlying transport client. The configured
// timeout is not applied to it.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.client = hc
		}
	}
}

// NewHTTPClient creates the fetcher.
func NewHTTPClient(cfg HTTPClientConfig, opts ...ClientOption) *HTTPClient {
	cfg.applyDefaults()

	c := &HTTPClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.BurstSize),
		config:      cfg,
		logger:      zerolog.Nop(),
		recorder:    nopFetchRecorder{},
		flights:     make(map[string]*flight),
	}
	c.status = newStatusHub(c.snapshot)
	c.gate = NewGate(cfg.MaxConcurrent, func(queued, active int) {
		c.gateQueued.Store(int64(queued))
		c.gateActive.Store(int64(active))
		c.statusChanged()
	})

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) snapshot() Status {
	queued := int(c.gateQueued.Load() + c.tokenWaiters.Load())
	return Status{
		IsThrottling: queued >= c.config.ThrottleQueueThreshold,
		QueuedCount:  queued,
		InFlight:     int(c.gateActive.Load()),
	}
}

func (c *HTTPClient) statusChanged() {
	c.status.publish()
	s := c.status.current()
	c.recorder.SetFetchQueue(s.QueuedCount, s.InFlight)
}

// Status returns the current throttling state.
func (c *HTTPClient) Status() Status {
	return c.snapshot()
}

// Subscribe returns a channel carrying the latest Status and a function to
// unsubscribe. The channel is closed on unsubscribe.
func (c *HTTPClient) Subscribe() (<-chan Status, func()) {
	return c.status.subscribe()
}

// Fetch performs a GET of rawURL. Identical concurrent calls share one
// exchange, which is aborted once every interested caller has gone. A 404
// is returned as a Response, not an error. When ctx ends Fetch returns
// ctx.Err() promptly.
func (c *HTTPClient) Fetch(ctx context.Context, rawURL string) (*Response, error) {
	f := c.join(ctx, rawURL)

	ch := c.group.DoChan(rawURL, func() (interface{}, error) {
		defer c.finish(rawURL, f)
		return c.do(f.ctx, rawURL)
	})

	select {
	case res := <-ch:
		c.leave(rawURL, f)
		if res.Shared {
			c.recorder.RecordFetchShared()
		}
		if res.Err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, res.Err
		}
		return res.Val.(*Response), nil
	case <-ctx.Done():
		c.leave(rawURL, f)
		return nil, ctx.Err()
	}
}

// join registers the caller with the flight for key, creating it if needed.
// The flight context keeps request-scoped values but not the caller's
// cancellation; it is cancelled when the last caller leaves.
func (c *HTTPClient) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

// leave drops one caller. The last caller out aborts the exchange and makes
// later callers start a fresh one.
func (c *HTTPClient) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
		c.group.Forget(key)
	}
}

// finish unregisters a completed flight so new callers start afresh.
func (c *HTTPClient) finish(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// do executes the request under the gate and the rate limiter, retrying
// 429 responses with Retry-After support. The gate slot is held for one
// attempt only, so a caller backing off never blocks another.
func (c *HTTPClient) do(ctx context.Context, rawURL string) (*Response, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusTooManyRequests || attempt >= c.config.MaxRetries {
			return resp, nil
		}

		c.recorder.RecordFetchRateLimited()
		delay := c.getRetryDelay(resp.Header)
		c.logger.Warn().
			Str("url", rawURL).
			Int("attempt", attempt+1).
			Dur("retry_after", delay).
			Msg("rate limited by remote, backing off")
		c.rateLimiter.Pause(delay)
	}
}

// attempt waits out any pause, then sends one request holding a gate slot.
func (c *HTTPClient) attempt(ctx context.Context, rawURL string) (*Response, error) {
	if err := c.waitFor(ctx, c.rateLimiter.WaitResume); err != nil {
		return nil, err
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.gate.Release()

	if err := c.waitFor(ctx, c.rateLimiter.Wait); err != nil {
		return nil, err
	}
	return c.exchange(ctx, rawURL)
}

// waitFor runs a rate limiter wait, counting the caller as queued.
func (c *HTTPClient) waitFor(ctx context.Context, wait func(context.Context) error) error {
	c.tokenWaiters.Add(1)
	c.statusChanged()
	defer func() {
		c.tokenWaiters.Add(-1)
		c.statusChanged()
	}()

	if err := wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("rate limiter wait: %w", err)
	}
	return nil
}

// exchange sends one GET and reads the whole body.
func (c *HTTPClient) exchange(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.NewValidationError("url", err.Error())
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.recorder.RecordFetch("error", time.Since(start).Seconds())
		return nil, domain.NewExternalAPIError(c.config.Source, 0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.recorder.RecordFetch("error", time.Since(start).Seconds())
		return nil, domain.NewExternalAPIError(c.config.Source, resp.StatusCode, "read body failed", err)
	}
	c.recorder.RecordFetch(statusClass(resp.StatusCode), time.Since(start).Seconds())

	if int64(len(body)) > c.config.MaxBodyBytes {
		return nil, domain.NewExternalAPIError(c.config.Source, resp.StatusCode,
			fmt.Sprintf("response exceeds %d bytes", c.config.MaxBodyBytes), nil)
	}

	return &Response{
		URL:        rawURL,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}

// getRetryDelay determines how long to wait before retrying.
// It respects the Retry-After header if present, otherwise uses the configured retry delay.
func (c *HTTPClient) getRetryDelay(h http.Header) time.Duration {
	retryAfter := h.Get("Retry-After")
	if retryAfter == "" {
		return c.config.RetryDelay
	}

	if seconds, err := strconv.ParseInt(retryAfter, 10, 64); err == nil {
		if seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		return c.config.RetryDelay
	}

	if t, err := http.ParseTime(retryAfter); err == nil {
		if delay := time.Until(t); delay > 0 {
			return delay
		}
	}

	return c.config.RetryDelay
}
