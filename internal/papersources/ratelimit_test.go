package papersources

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiter(t *testing.T) {
	t.Run("starts with a full bucket", func(t *testing.T) {
		rl := NewRateLimiter(3, 15)
		assert.InDelta(t, 15.0, rl.Tokens(), 0.5)
	})
}

func TestRateLimiter_Wait(t *testing.T) {
	t.Run("burst passes without blocking", func(t *testing.T) {
		rl := NewRateLimiter(1, 5)
		ctx := context.Background()

		start := time.Now()
		for i := 0; i < 5; i++ {
			require.NoError(t, rl.Wait(ctx))
		}
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("blocks once the burst is spent", func(t *testing.T) {
		rl := NewRateLimiter(20, 1)
		ctx := context.Background()

		require.NoError(t, rl.Wait(ctx))
		start := time.Now()
		require.NoError(t, rl.Wait(ctx))
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	})

	t.Run("returns when the context is cancelled", func(t *testing.T) {
		rl := NewRateLimiter(0.1, 1)
		require.NoError(t, rl.Wait(context.Background()))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		start := time.Now()
		err := rl.Wait(ctx)
		require.Error(t, err)
		assert.Less(t, time.Since(start), time.Second)
	})
}

func TestRateLimiter_Pause(t *testing.T) {
	t.Run("holds waiters until the pause ends", func(t *testing.T) {
		rl := NewRateLimiter(100, 10)
		rl.Pause(50 * time.Millisecond)

		start := time.Now()
		require.NoError(t, rl.Wait(context.Background()))
		assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	})

	t.Run("shorter pause keeps the longer one", func(t *testing.T) {
		rl := NewRateLimiter(100, 10)
		rl.Pause(time.Hour)
		rl.Pause(time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)
	})

	t.Run("waiting for resume takes no token", func(t *testing.T) {
		rl := NewRateLimiter(0.001, 1)
		rl.Pause(20 * time.Millisecond)

		require.NoError(t, rl.WaitResume(context.Background()))
		require.NoError(t, rl.WaitResume(context.Background()))
		assert.InDelta(t, 1, rl.Tokens(), 0.01)
		require.NoError(t, rl.Wait(context.Background()))
	})

	t.Run("non-positive pause is ignored", func(t *testing.T) {
		rl := NewRateLimiter(100, 10)
		rl.Pause(-time.Second)

		start := time.Now()
		require.NoError(t, rl.Wait(context.Background()))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})
}
