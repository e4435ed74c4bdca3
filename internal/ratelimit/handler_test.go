package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckResponseBackoffSchedule(t *testing.T) {
	h := NewHandler(&RetryStrategy{Intervals: []time.Duration{time.Second, 3 * time.Second}}, 0)

	backoff, limited := h.CheckResponse("wms", http.StatusOK)
	assert.False(t, limited)
	assert.Zero(t, backoff)

	backoff, limited = h.CheckResponse("wms", http.StatusTooManyRequests)
	require.True(t, limited)
	assert.Equal(t, time.Second, backoff)
	assert.True(t, h.IsRateLimited("wms"))
	assert.False(t, h.IsRateLimited("other"))

	backoff, _ = h.CheckResponse("wms", http.StatusServiceUnavailable)
	assert.Equal(t, 3*time.Second, backoff)

	backoff, _ = h.CheckResponse("wms", 509)
	assert.Equal(t, 3*time.Second, backoff, "schedule end is reused")

	state := h.GetCurrentState("wms")
	require.NotNil(t, state)
	assert.Equal(t, 2, state.RetryAttempt)
	assert.Equal(t, 509, state.StatusCode)

	_, limited = h.CheckResponse("wms", http.StatusOK)
	assert.False(t, limited)
	assert.False(t, h.IsRateLimited("wms"))
	assert.Nil(t, h.GetCurrentState("wms"))
}

func TestCallbacks(t *testing.T) {
	h := NewHandler(nil, 0)

	events := make(chan RateLimitEvent, 1)
	recovered := make(chan string, 1)
	h.SetOnRateLimit(func(e RateLimitEvent) { events <- e })
	h.SetOnRecovered(func(s string) { recovered <- s })

	h.CheckResponse("wms", http.StatusTooManyRequests)
	select {
	case e := <-events:
		assert.Equal(t, "wms", e.Service)
		assert.Contains(t, e.Message, "HTTP 429")
	case <-time.After(time.Second):
		t.Fatal("rate limit callback not invoked")
	}

	h.CheckResponse("wms", http.StatusOK)
	select {
	case s := <-recovered:
		assert.Equal(t, "wms", s)
	case <-time.After(time.Second):
		t.Fatal("recovery callback not invoked")
	}
}

func TestWaitWithoutLimiter(t *testing.T) {
	h := NewHandler(nil, 0)
	assert.False(t, h.Limited())
	assert.NoError(t, h.Wait(context.Background()))
}

func TestWaitEnforcesRate(t *testing.T) {
	h := NewHandler(nil, 20)
	require.True(t, h.Limited())

	start := time.Now()
	for i := 0; i < 30; i++ {
		require.NoError(t, h.Wait(context.Background()))
	}
	// burst of 20, then 10 more at 20/s
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestWaitHonoursContext(t *testing.T) {
	h := NewHandler(nil, 1)
	require.NoError(t, h.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, h.Wait(ctx))
}
