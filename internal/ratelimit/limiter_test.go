package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/calsync/internal/model"
	"github.com/meridianhq/calsync/internal/provider"
)

func newTestLimiter(t *testing.T, limit int, window time.Duration) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l := NewLimiter("testprov", []provider.RateLimitSpec{
		{Type: "requests_per_minute", Limit: limit, Window: window},
	}, zerolog.Nop())
	l.now = func() time.Time { return now }
	// Rebuild window reset times against the fake clock.
	for _, w := range l.windows {
		w.resetTime = now.Add(w.span)
	}
	return l, &now
}

func TestLimiterExactlyNImmediate(t *testing.T) {
	l, _ := newTestLimiter(t, 3, time.Minute)
	ctx := context.Background()

	ran := 0
	for i := 0; i < 3; i++ {
		err := l.Do(ctx, Options{NoQueue: true}, func(context.Context) error {
			ran++
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, ran)

	err := l.Do(ctx, Options{NoQueue: true}, func(context.Context) error { return nil })
	require.Error(t, err)
	var se *model.SyncError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, model.CodeRateLimitExceeded, se.Code)
	assert.NotNil(t, se.RetryAfter)
}

func TestLimiterWindowRollRestoresCapacity(t *testing.T) {
	l, now := newTestLimiter(t, 2, time.Minute)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Do(ctx, Options{NoQueue: true}, func(context.Context) error { return nil }))
	}
	assert.False(t, l.CanMakeRequest())

	*now = now.Add(61 * time.Second)
	assert.True(t, l.CanMakeRequest())
	require.NoError(t, l.Do(ctx, Options{NoQueue: true}, func(context.Context) error { return nil }))
}

func TestLimiterQueuedRequestRunsOnDrain(t *testing.T) {
	l, now := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()

	require.NoError(t, l.Do(ctx, Options{}, func(context.Context) error { return nil }))

	var wg sync.WaitGroup
	var queuedErr error
	ran := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		queuedErr = l.Do(ctx, Options{}, func(context.Context) error {
			close(ran)
			return nil
		})
	}()

	// Wait until the request is parked before advancing time.
	require.Eventually(t, func() bool { return l.QueueDepth() == 1 },
		time.Second, 5*time.Millisecond)

	*now = now.Add(2 * time.Minute)
	l.drain()
	wg.Wait()
	require.NoError(t, queuedErr)
	select {
	case <-ran:
	default:
		t.Fatal("queued request did not run")
	}
}

func TestLimiterHighPriorityJumpsQueue(t *testing.T) {
	l, now := newTestLimiter(t, 1, time.Minute)
	ctx := context.Background()
	require.NoError(t, l.Do(ctx, Options{}, func(context.Context) error { return nil }))

	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() { defer wg.Done(); _ = l.Do(ctx, Options{Priority: PriorityNormal}, record("normal")) }()
	require.Eventually(t, func() bool { return l.QueueDepth() == 1 }, time.Second, 5*time.Millisecond)
	wg.Add(1)
	go func() { defer wg.Done(); _ = l.Do(ctx, Options{Priority: PriorityHigh}, record("high")) }()
	require.Eventually(t, func() bool { return l.QueueDepth() == 2 }, time.Second, 5*time.Millisecond)

	*now = now.Add(time.Hour)
	l.drain()
	wg.Wait()
	require.Equal(t, []string{"high", "normal"}, order)
}

func TestLimiterResponseHeadersOverrideBookkeeping(t *testing.T) {
	l, _ := newTestLimiter(t, 10, time.Minute)
	h := http.Header{}
	h.Set("X-Ratelimit-Limit", "10")
	h.Set("X-Ratelimit-Remaining", "0")
	l.ApplyResponseHeaders(h)
	assert.False(t, l.CanMakeRequest())

	h = http.Header{}
	h.Set("X-Ratelimit-Remaining", "7")
	l.ApplyResponseHeaders(h)
	assert.True(t, l.CanMakeRequest())
	assert.Equal(t, 3, l.Usage()["requests_per_minute"].Used)
}

func TestLimiterMarkExhausted(t *testing.T) {
	l, now := newTestLimiter(t, 5, time.Minute)
	l.MarkExhausted(30 * time.Second)
	assert.False(t, l.CanMakeRequest())
	snap := l.Usage()["requests_per_minute"]
	assert.Equal(t, 5, snap.Used)
	assert.Equal(t, now.Add(30*time.Second), snap.ResetTime)

	*now = now.Add(31 * time.Second)
	assert.True(t, l.CanMakeRequest())
}

func TestLimiterNoWindowsIsPassThrough(t *testing.T) {
	l := NewLimiter("open", nil, zerolog.Nop())
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Do(context.Background(), Options{NoQueue: true},
			func(context.Context) error { return nil }))
	}
}

func TestBatchRunsAllRequests(t *testing.T) {
	l := NewLimiter("open", nil, zerolog.Nop())
	var mu sync.Mutex
	ran := 0
	reqs := make([]func(context.Context) error, 7)
	for i := range reqs {
		reqs[i] = func(context.Context) error {
			mu.Lock()
			ran++
			mu.Unlock()
			return nil
		}
	}
	reqs[4] = func(context.Context) error { return errors.New("boom") }

	results := l.Batch(context.Background(), reqs, BatchOptions{Size: 3})
	assert.Equal(t, 6, ran)
	for i, err := range results {
		if i == 4 {
			assert.Error(t, err)
		} else {
			assert.NoError(t, err)
		}
	}
}

func TestSchedulerLazyLimiterAndStats(t *testing.T) {
	reg := provider.NewRegistry()
	s := NewScheduler(reg, time.Second, zerolog.Nop())
	l1 := s.Limiter("prov-a")
	l2 := s.Limiter("prov-a")
	assert.Same(t, l1, l2)

	stats := s.Stats()
	require.Contains(t, stats, "prov-a")
	assert.Equal(t, 0, stats["prov-a"].QueueDepth)
}
