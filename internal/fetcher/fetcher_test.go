package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagery-timelapse/internal/cache"
	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/ratelimit"
)

// fakeWMS serves a small PNG for every TIME value and tracks concurrency
type fakeWMS struct {
	width, height int
	delay         time.Duration
	fail          map[string]int // label -> status code
	slow          map[string]time.Duration

	hits        atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func (s *fakeWMS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	cur := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		prev := s.maxInFlight.Load()
		if cur <= prev || s.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}

	label := r.URL.Query().Get("TIME")
	if d, ok := s.slow[label]; ok {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if status, ok := s.fail[label]; ok {
		http.Error(w, "boom", status)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(pngBytes(s.width, s.height))
}

func pngBytes(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 100, 255})
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func newServer(t *testing.T, wms *fakeWMS) *httptest.Server {
	t.Helper()
	if wms.width == 0 {
		wms.width, wms.height = 10, 10
	}
	server := httptest.NewServer(wms)
	t.Cleanup(server.Close)
	return server
}

func requestsFor(serverURL string, labels ...string) []common.FetchRequest {
	reqs := make([]common.FetchRequest, len(labels))
	for i, l := range labels {
		reqs[i] = common.FetchRequest{
			Label:     common.TimeLabel(l),
			TargetURL: fmt.Sprintf("%s/?SERVICE=WMS&REQUEST=GetMap&TIME=%s", serverURL, l),
			Index:     i,
		}
	}
	return reqs
}

func yearLabels(from, to int) []string {
	var labels []string
	for y := from; y <= to; y++ {
		labels = append(labels, fmt.Sprintf("%d", y))
	}
	return labels
}

func newFetcher(t *testing.T, cfg Config) *Fetcher {
	t.Helper()
	f, err := New(cfg)
	require.NoError(t, err)
	return f
}

func TestFetchAllPreservesOrderAndSkipsFailures(t *testing.T) {
	wms := &fakeWMS{fail: map[string]int{"2005": http.StatusInternalServerError}}
	server := newServer(t, wms)
	f := newFetcher(t, Config{})

	labels := yearLabels(2000, 2009)
	results, stats := f.FetchAllWithStats(context.Background(), requestsFor(server.URL, labels...), 4)

	require.Len(t, results, 10)
	for i, frame := range results {
		if labels[i] == "2005" {
			assert.Nil(t, frame)
			continue
		}
		require.NotNil(t, frame, "slot %d", i)
		assert.Equal(t, common.TimeLabel(labels[i]), frame.Label)
		assert.Equal(t, image.Rect(0, 0, 10, 10), frame.Bounds())
	}
	assert.Equal(t, 9, stats.Succeeded)
	assert.Equal(t, 1, stats.Failed)
}

func TestFetchAllBoundsConcurrency(t *testing.T) {
	wms := &fakeWMS{delay: 20 * time.Millisecond}
	server := newServer(t, wms)
	f := newFetcher(t, Config{})

	results := f.FetchAll(context.Background(), requestsFor(server.URL, yearLabels(1900, 1999)...), 20)

	require.Len(t, results, 100)
	for i, frame := range results {
		assert.NotNil(t, frame, "slot %d", i)
	}
	assert.Equal(t, int64(100), wms.hits.Load())
	assert.LessOrEqual(t, wms.maxInFlight.Load(), int64(20))
	assert.Greater(t, wms.maxInFlight.Load(), int64(1))
}

func TestFetchAllTimeout(t *testing.T) {
	wms := &fakeWMS{slow: map[string]time.Duration{"2001": 2 * time.Second}}
	server := newServer(t, wms)
	f := newFetcher(t, Config{Timeout: 100 * time.Millisecond})

	results := f.FetchAll(context.Background(), requestsFor(server.URL, "2000", "2001", "2002"), 3)

	require.Len(t, results, 3)
	assert.NotNil(t, results[0])
	assert.Nil(t, results[1])
	assert.NotNil(t, results[2])
}

func TestFetchAllRejectsUndecodableBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("TIME") {
		case "garbage":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("not an image"))
		case "exception":
			w.Header().Set("Content-Type", "application/vnd.ogc.se_xml")
			_, _ = w.Write([]byte(`<ServiceExceptionReport><ServiceException>Invalid TIME</ServiceException></ServiceExceptionReport>`))
		default:
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write(pngBytes(4, 4))
		}
	}))
	defer server.Close()

	f := newFetcher(t, Config{})
	results := f.FetchAll(context.Background(), requestsFor(server.URL, "garbage", "ok", "exception"), 2)

	assert.Nil(t, results[0])
	assert.NotNil(t, results[1])
	assert.Nil(t, results[2])
}

func TestFetchAllMemoryBudget(t *testing.T) {
	wms := &fakeWMS{}
	server := newServer(t, wms)

	// 10x10 RGBA = 400 bytes per frame, room for two
	f := newFetcher(t, Config{MemoryBudget: 1000})
	results, stats := f.FetchAllWithStats(context.Background(), requestsFor(server.URL, yearLabels(2000, 2009)...), 1)

	require.Len(t, results, 10)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])
	for i := 2; i < 10; i++ {
		assert.Nil(t, results[i], "slot %d", i)
	}
	assert.Equal(t, 2, stats.Succeeded)
	assert.Equal(t, 8, stats.SkippedByBudget)
	assert.Less(t, wms.hits.Load(), int64(10))
}

func TestFetchAllUsesCache(t *testing.T) {
	wms := &fakeWMS{}
	server := newServer(t, wms)

	mem, err := cache.NewMemoryCache(16)
	require.NoError(t, err)
	f := newFetcher(t, Config{Cache: mem})
	reqs := requestsFor(server.URL, "1990", "1991", "1992")

	_, stats := f.FetchAllWithStats(context.Background(), reqs, 2)
	assert.Equal(t, 0, stats.CacheHits)
	assert.Equal(t, int64(3), wms.hits.Load())

	results, stats := f.FetchAllWithStats(context.Background(), reqs, 2)
	assert.Equal(t, 3, stats.CacheHits)
	assert.Equal(t, int64(3), wms.hits.Load(), "second run must not touch the network")
	for _, frame := range results {
		assert.NotNil(t, frame)
	}
}

func TestFetchAllRetriesRateLimitedResponses(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		label := r.URL.Query().Get("TIME")
		mu.Lock()
		seen[label]++
		n := seen[label]
		mu.Unlock()
		if n == 1 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(pngBytes(4, 4))
	}))
	defer server.Close()

	strategy := &ratelimit.RetryStrategy{Intervals: []time.Duration{10 * time.Millisecond}}

	f := newFetcher(t, Config{MaxRetries: 2, RateLimitHandler: ratelimit.NewHandler(strategy, 0)})
	results := f.FetchAll(context.Background(), requestsFor(server.URL, "2000", "2001"), 2)
	assert.NotNil(t, results[0])
	assert.NotNil(t, results[1])

	mu.Lock()
	seen = map[string]int{}
	mu.Unlock()

	noRetry := newFetcher(t, Config{MaxRetries: 0, RateLimitHandler: ratelimit.NewHandler(strategy, 0)})
	results = noRetry.FetchAll(context.Background(), requestsFor(server.URL, "2000"), 1)
	assert.Nil(t, results[0])
}

type recordingAnnotator struct {
	mu    sync.Mutex
	texts []string
}

func (a *recordingAnnotator) Annotate(src image.Image, text string) *image.RGBA {
	a.mu.Lock()
	a.texts = append(a.texts, text)
	a.mu.Unlock()
	b := src.Bounds()
	return image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
}

func TestFetchAllAnnotatesWithDisplayLabel(t *testing.T) {
	server := newServer(t, &fakeWMS{})
	annotator := &recordingAnnotator{}
	f := newFetcher(t, Config{Annotator: annotator})

	results := f.FetchAll(context.Background(), requestsFor(server.URL, "18641231"), 1)

	require.NotNil(t, results[0])
	assert.IsType(t, &image.RGBA{}, results[0].Image)
	assert.Equal(t, []string{"1864"}, annotator.texts)
	assert.Equal(t, common.TimeLabel("18641231"), results[0].Label)
}

func TestFetchAllProgress(t *testing.T) {
	server := newServer(t, &fakeWMS{fail: map[string]int{"2002": http.StatusNotFound}})

	var updates []Progress
	f := newFetcher(t, Config{ProgressCallback: func(p Progress) {
		updates = append(updates, p)
	}})

	f.FetchAll(context.Background(), requestsFor(server.URL, yearLabels(2000, 2004)...), 3)

	require.Len(t, updates, 5)
	last := updates[len(updates)-1]
	assert.Equal(t, 5, last.Completed)
	assert.Equal(t, 5, last.Total)
}

func TestFetchAllEmptyAndCancelled(t *testing.T) {
	f := newFetcher(t, Config{})
	assert.Empty(t, f.FetchAll(context.Background(), nil, 20))

	server := newServer(t, &fakeWMS{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := f.FetchAll(ctx, requestsFor(server.URL, "2000", "2001"), 2)
	require.Len(t, results, 2)
	assert.Nil(t, results[0])
	assert.Nil(t, results[1])
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Timeout: -time.Second})
	assert.Error(t, err)
	_, err = New(Config{MaxRetries: -1})
	assert.Error(t, err)
	_, err = New(Config{MemoryBudget: -1})
	assert.Error(t, err)
}
