package fetcher

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"imagery-timelapse/internal/cache"
	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/logging"
	"imagery-timelapse/internal/ratelimit"
)

const (
	// DefaultConcurrency matches the service's comfortable parallel request count
	DefaultConcurrency = 20

	// DefaultTimeout bounds one request including reading the body
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent identifies the client to the imagery service
	DefaultUserAgent = "imagery-timelapse/1.0"

	maxErrorBody = 512
)

// Annotator draws a label on a copy of an image
type Annotator interface {
	Annotate(src image.Image, text string) *image.RGBA
}

// Progress reports fetch completion after each item
type Progress struct {
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Label     common.TimeLabel `json:"label"`
}

// Stats summarises one FetchAll call
type Stats struct {
	Requested       int   `json:"requested"`
	Succeeded       int   `json:"succeeded"`
	Failed          int   `json:"failed"`
	SkippedByBudget int   `json:"skippedByBudget"`
	CacheHits       int   `json:"cacheHits"`
	DecodedBytes    int64 `json:"decodedBytes"`
}

// ItemError describes why one label produced no frame
type ItemError struct {
	Label      common.TimeLabel
	URL        string
	StatusCode int
	Err        error
}

func (e *ItemError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.Label, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.Label, e.Err)
}

func (e *ItemError) Unwrap() error {
	return e.Err
}

// Config holds the fetcher's dependencies. All fields are optional.
type Config struct {
	HTTPClient       *http.Client
	Timeout          time.Duration
	Cache            cache.Cache
	RateLimitHandler *ratelimit.Handler
	Annotator        Annotator
	LabelText        func(common.TimeLabel) string
	MaxRetries       int
	MemoryBudget     int64 // bytes of decoded RGBA; 0 = unlimited
	UserAgent        string
	ProgressCallback func(Progress)
}

// Fetcher retrieves planned frames with a bounded number of requests in flight
type Fetcher struct {
	client           *http.Client
	timeout          time.Duration
	cache            cache.Cache
	rateLimitHandler *ratelimit.Handler
	annotator        Annotator
	labelText        func(common.TimeLabel) string
	maxRetries       int
	memoryBudget     int64
	userAgent        string
	progressCallback func(Progress)
	logger           zerolog.Logger
}

// New creates a fetcher with dependencies injected
func New(cfg Config) (*Fetcher, error) {
	if cfg.Timeout < 0 {
		return nil, fmt.Errorf("timeout cannot be negative")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("maxRetries cannot be negative")
	}
	if cfg.MemoryBudget < 0 {
		return nil, fmt.Errorf("memoryBudget cannot be negative")
	}

	f := &Fetcher{
		client:           cfg.HTTPClient,
		timeout:          cfg.Timeout,
		cache:            cfg.Cache,
		rateLimitHandler: cfg.RateLimitHandler,
		annotator:        cfg.Annotator,
		labelText:        cfg.LabelText,
		maxRetries:       cfg.MaxRetries,
		memoryBudget:     cfg.MemoryBudget,
		userAgent:        cfg.UserAgent,
		progressCallback: cfg.ProgressCallback,
		logger:           logging.Component("fetcher"),
	}
	if f.client == nil {
		f.client = http.DefaultClient
	}
	if f.timeout == 0 {
		f.timeout = DefaultTimeout
	}
	if f.rateLimitHandler == nil {
		f.rateLimitHandler = ratelimit.NewHandler(nil, 0)
	}
	if f.labelText == nil {
		f.labelText = common.TimeLabel.Display
	}
	if f.userAgent == "" {
		f.userAgent = DefaultUserAgent
	}
	return f, nil
}

// FetchAll retrieves every request and returns one slot per request in input
// order; a nil slot means that label produced no frame. It never fails as a
// whole: per-item failures are logged and leave their slot empty.
func (f *Fetcher) FetchAll(ctx context.Context, requests []common.FetchRequest, concurrencyLimit int) []*common.Frame {
	results, _ := f.FetchAllWithStats(ctx, requests, concurrencyLimit)
	return results
}

// FetchAllWithStats is FetchAll that also reports what happened
func (f *Fetcher) FetchAllWithStats(ctx context.Context, requests []common.FetchRequest, concurrencyLimit int) ([]*common.Frame, Stats) {
	total := len(requests)
	results := make([]*common.Frame, total)
	if total == 0 {
		return results, Stats{}
	}
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}

	run := &batch{
		fetcher: f,
		total:   total,
		results: results,
		sem:     semaphore.NewWeighted(int64(concurrencyLimit)),
	}

	admitCtx, stopAdmission := context.WithCancel(ctx)
	defer stopAdmission()
	run.stopAdmission = stopAdmission

	f.logger.Info().
		Int("requests", total).
		Int("concurrency", concurrencyLimit).
		Msg("Fetching frames")

	var wg sync.WaitGroup
	for i, req := range requests {
		if run.budgetTripped.Load() {
			run.skipped.Add(int64(total - i))
			break
		}
		if err := run.sem.Acquire(admitCtx, 1); err != nil {
			if ctx.Err() != nil {
				f.logger.Warn().Err(ctx.Err()).Int("remaining", total-i).Msg("Fetch cancelled before all requests started")
			}
			run.skipped.Add(int64(total - i))
			break
		}
		if run.budgetTripped.Load() || ctx.Err() != nil {
			run.sem.Release(1)
			run.skipped.Add(int64(total - i))
			break
		}

		wg.Add(1)
		go func(slot int, req common.FetchRequest) {
			defer wg.Done()
			run.process(ctx, slot, req)
		}(i, req)
	}
	wg.Wait()

	stats := Stats{
		Requested:       total,
		Succeeded:       int(run.succeeded.Load()),
		Failed:          int(run.failed.Load()),
		SkippedByBudget: int(run.skipped.Load()),
		CacheHits:       int(run.cacheHits.Load()),
		DecodedBytes:    run.budgetUsed.Load(),
	}

	f.logger.Info().
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("skipped", stats.SkippedByBudget).
		Int("cacheHits", stats.CacheHits).
		Msg("Fetch complete")

	return results, stats
}

// batch is the shared state of one FetchAll call
type batch struct {
	fetcher       *Fetcher
	total         int
	results       []*common.Frame
	sem           *semaphore.Weighted
	stopAdmission context.CancelFunc

	budgetUsed    atomic.Int64
	budgetTripped atomic.Bool

	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	cacheHits atomic.Int64

	progressMu sync.Mutex
}

// process runs one item. The caller has acquired a slot; it is released as
// soon as the network part is done so decoding does not hold it.
func (b *batch) process(ctx context.Context, slot int, req common.FetchRequest) {
	f := b.fetcher
	release := sync.OnceFunc(func() { b.sem.Release(1) })
	defer release()

	data, fromCache, err := f.download(ctx, req)
	release()
	if err != nil {
		b.fail(req, err)
		return
	}
	if fromCache {
		b.cacheHits.Add(1)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		b.fail(req, &ItemError{Label: req.Label, URL: req.TargetURL, Err: fmt.Errorf("decode: %w", err)})
		return
	}

	if !fromCache && f.cache != nil {
		if err := f.cache.Set(req.TargetURL, data); err != nil {
			f.logger.Debug().Err(err).Str("label", req.Label.String()).Msg("Failed to cache response")
		}
	}

	if !b.reserve(img.Bounds(), req.Label) {
		b.skipped.Add(1)
		b.report(req.Label)
		return
	}

	frame := &common.Frame{Label: req.Label, Image: img}
	if f.annotator != nil {
		frame.Image = f.annotator.Annotate(img, f.labelText(req.Label))
	}
	b.results[slot] = frame
	b.succeeded.Add(1)

	f.logger.Debug().
		Str("label", req.Label.String()).
		Str("format", format).
		Bool("cached", fromCache).
		Msg("Frame fetched")

	b.report(req.Label)
}

// reserve accounts a decoded frame against the memory budget. Once the
// budget is exceeded no further requests are admitted and later frames are
// discarded.
func (b *batch) reserve(bounds image.Rectangle, label common.TimeLabel) bool {
	f := b.fetcher
	size := int64(bounds.Dx()) * int64(bounds.Dy()) * 4
	if f.memoryBudget <= 0 {
		b.budgetUsed.Add(size)
		return true
	}
	if b.budgetTripped.Load() {
		return false
	}

	used := b.budgetUsed.Add(size)
	if used <= f.memoryBudget {
		return true
	}

	b.budgetUsed.Add(-size)
	if b.budgetTripped.CompareAndSwap(false, true) {
		f.logger.Warn().
			Str("label", label.String()).
			Int64("budgetBytes", f.memoryBudget).
			Int64("usedBytes", b.budgetUsed.Load()).
			Msg("Memory budget reached, remaining frames skipped")
		b.stopAdmission()
	}
	return false
}

func (b *batch) fail(req common.FetchRequest, err error) {
	b.failed.Add(1)
	b.fetcher.logger.Warn().
		Str("label", req.Label.String()).
		Err(err).
		Msg("Frame fetch failed")
	b.report(req.Label)
}

func (b *batch) report(label common.TimeLabel) {
	completed := b.completed.Add(1)
	cb := b.fetcher.progressCallback
	if cb == nil {
		return
	}

	b.progressMu.Lock()
	defer b.progressMu.Unlock()
	cb(Progress{
		Completed: int(completed),
		Total:     b.total,
		Succeeded: int(b.succeeded.Load()),
		Failed:    int(b.failed.Load()),
		Label:     label,
	})
}

// download returns the response body for a request, from cache when possible.
// Rate-limit responses are retried with the handler's backoff.
func (f *Fetcher) download(ctx context.Context, req common.FetchRequest) ([]byte, bool, error) {
	if f.cache != nil {
		if data, ok := f.cache.Get(req.TargetURL); ok {
			return data, true, nil
		}
	}

	service := serviceKey(req.TargetURL)
	for attempt := 0; ; attempt++ {
		data, status, err := f.get(ctx, req)

		var backoff time.Duration
		limited := false
		if status != 0 {
			backoff, limited = f.rateLimitHandler.CheckResponse(service, status)
		}
		if err == nil {
			return data, false, nil
		}
		if !limited || attempt >= f.maxRetries {
			return nil, false, err
		}

		f.logger.Debug().
			Str("label", req.Label.String()).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Retrying rate-limited request")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, false, &ItemError{Label: req.Label, URL: req.TargetURL, Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

// get performs one bounded GET and returns the body of a successful image response
func (f *Fetcher) get(ctx context.Context, req common.FetchRequest) ([]byte, int, error) {
	if err := f.rateLimitHandler.Wait(ctx); err != nil {
		return nil, 0, &ItemError{Label: req.Label, URL: req.TargetURL, Err: err}
	}

	reqCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodGet, req.TargetURL, nil)
	if err != nil {
		return nil, 0, &ItemError{Label: req.Label, URL: req.TargetURL, Err: err}
	}
	httpReq.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, 0, &ItemError{Label: req.Label, URL: req.TargetURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, resp.StatusCode, &ItemError{
			Label:      req.Label,
			URL:        req.TargetURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status: %s", strings.TrimSpace(string(snippet))),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &ItemError{Label: req.Label, URL: req.TargetURL, Err: fmt.Errorf("read body: %w", err)}
	}

	// WMS servers report request errors as XML documents with status 200
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "xml") {
		snippet := data
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		return nil, resp.StatusCode, &ItemError{
			Label:      req.Label,
			URL:        req.TargetURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("service exception: %s", strings.TrimSpace(string(snippet))),
		}
	}

	return data, resp.StatusCode, nil
}

func serviceKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
