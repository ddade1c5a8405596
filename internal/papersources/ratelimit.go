// Package papersources provides the shared, rate-limited HTTP fetcher through
// which every request to the literature API passes, and the API clients
// built on it.
package papersources

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the process-wide token bucket. A remote rate-limit answer
// pauses the whole bucket, so every caller backs off together. It is safe
// for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter

	mu       sync.Mutex
	resumeAt time.Time
}

// NewRateLimiter creates a bucket refilled at ratePerSecond holding at most
// burst tokens. INSPIRE allows 15 requests in any 5 second window, which is
// NewRateLimiter(3, 15).
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
	}
}

// Wait blocks until a pause has passed and a token is available, or ctx
// ends. Token waiters are served in reservation order.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.WaitResume(ctx); err != nil {
		return err
	}
	return r.limiter.Wait(ctx)
}

// WaitResume blocks until no pause is active, or ctx ends. It takes no
// token.
func (r *RateLimiter) WaitResume(ctx context.Context) error {
	for {
		d := r.pauseRemaining()
		if d <= 0 {
			break
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// Pause holds every waiter for d. A shorter pause never cuts a longer one
// short.
func (r *RateLimiter) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if until := time.Now().Add(d); until.After(r.resumeAt) {
		r.resumeAt = until
	}
}

func (r *RateLimiter) pauseRemaining() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Until(r.resumeAt)
}

// Tokens returns the current number of available tokens.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
