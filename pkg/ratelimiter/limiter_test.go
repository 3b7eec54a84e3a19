package ratelimiter_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dev-geek/syntopia-v1-sub001/pkg/ratelimiter"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, cfg ratelimiter.Config) (*ratelimiter.Limiter, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	l, err := ratelimiter.New(ratelimiter.NewMemoryStore(), cfg, ratelimiter.WithClock(clk.Now))
	require.NoError(t, err)
	return l, clk
}

func TestLimiter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cfg := ratelimiter.Config{Capacity: 3, RefillRate: 1, RefillInterval: 10 * time.Second}

	t.Run("allows a burst up to capacity", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, cfg)

		for i := range 3 {
			res, err := l.Allow(ctx, "user-1")
			require.NoError(t, err)
			assert.True(t, res.Allowed)
			assert.Equal(t, 2-i, res.Remaining)
		}

		res, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)
	})

	t.Run("refills over time", func(t *testing.T) {
		t.Parallel()
		l, clk := newLimiter(t, cfg)

		_, err := l.AllowN(ctx, "user-1", 3)
		require.NoError(t, err)

		clk.Advance(25 * time.Second)
		res, err := l.AllowN(ctx, "user-1", 2)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 0, res.Remaining)

		clk.Advance(time.Hour)
		res, err = l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Remaining, "refill is capped at capacity")
	})

	t.Run("keys are independent", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, cfg)

		_, err := l.AllowN(ctx, "user-1", 3)
		require.NoError(t, err)
		res, err := l.Allow(ctx, "user-2")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("reset restores the bucket", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, cfg)

		_, err := l.AllowN(ctx, "user-1", 3)
		require.NoError(t, err)
		require.NoError(t, l.Reset(ctx, "user-1"))
		res, err := l.Allow(ctx, "user-1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("rejects non-positive counts", func(t *testing.T) {
		t.Parallel()
		l, _ := newLimiter(t, cfg)

		_, err := l.AllowN(ctx, "user-1", 0)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidTokenCount)
	})
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []ratelimiter.Config{
		{Capacity: 0, RefillRate: 1, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 0, RefillInterval: time.Second},
		{Capacity: 1, RefillRate: 1, RefillInterval: 0},
	}
	for _, cfg := range tests {
		_, err := ratelimiter.New(ratelimiter.NewMemoryStore(), cfg)
		assert.ErrorIs(t, err, ratelimiter.ErrInvalidConfig)
	}
}

func TestMiddleware(t *testing.T) {
	t.Parallel()

	l, clk := newLimiter(t, ratelimiter.Config{Capacity: 1, RefillRate: 1, RefillInterval: time.Minute})
	h := ratelimiter.Middleware(l, func(r *http.Request) string { return r.Header.Get("X-User-ID") }, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }),
	)

	call := func(user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/checkout", nil)
		if user != "" {
			req.Header.Set("X-User-ID", user)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("u1").Code)

	rec := call("u1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	assert.Equal(t, http.StatusNoContent, call("").Code, "anonymous requests are not limited")

	clk.Advance(time.Minute)
	assert.Equal(t, http.StatusNoContent, call("u1").Code)
}
