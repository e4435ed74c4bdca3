package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	goruntime "runtime"
	"strings"

	"github.com/rs/zerolog/log"

	"imagery-timelapse/internal/annotate"
	"imagery-timelapse/internal/cache"
	"imagery-timelapse/internal/catalog"
	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/config"
	"imagery-timelapse/internal/encoder"
	"imagery-timelapse/internal/fetcher"
	"imagery-timelapse/internal/outputstore"
	"imagery-timelapse/internal/pipeline"
	"imagery-timelapse/internal/planner"
	"imagery-timelapse/internal/ratelimit"
	"imagery-timelapse/internal/telemetry"
)

// Linker flags
var (
	PostHogKey  string
	PostHogHost string
	AppVersion  string = "0.0.0-dev"
)

// App holds the long-lived collaborators shared by every command
type App struct {
	settings         *config.Settings
	httpClient       *http.Client
	frameCache       cache.Cache
	closeCache       func() error
	discoverer       *catalog.Discoverer
	rateLimitHandler *ratelimit.Handler
	annotator        *annotate.Annotator
	tracker          telemetry.Tracker
}

// NewApp wires the collaborators described by settings
func NewApp(settings *config.Settings) (*App, error) {
	a := &App{
		settings:   settings,
		httpClient: &http.Client{},
		closeCache: func() error { return nil },
	}

	// Response cache
	switch settings.Cache.Mode {
	case "disk":
		dir := settings.Cache.Dir
		if dir == "" {
			dir = cache.GetCacheDir()
		}
		disk, err := cache.NewPersistentCache(dir, settings.Cache.MaxSizeMB, settings.Cache.TTLDays)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize disk cache, continuing without cache")
			a.frameCache = cache.Nop{}
		} else {
			log.Debug().Str("dir", dir).Int("maxSizeMB", settings.Cache.MaxSizeMB).Msg("Disk cache initialized")
			a.frameCache = disk
			a.closeCache = disk.Close
		}
	case "memory":
		memory, err := cache.NewMemoryCache(settings.Cache.MemoryEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize memory cache: %w", err)
		}
		a.frameCache = memory
	default:
		a.frameCache = cache.Nop{}
	}

	a.discoverer = catalog.NewDiscoverer(a.httpClient, settings.WMS.CapabilitiesTTL)
	a.rateLimitHandler = ratelimit.NewHandler(nil, settings.Fetch.RateLimitPerSecond)
	a.registerRateLimitCallbacks()

	if settings.Annotate.Enabled {
		position, err := annotate.ParsePosition(settings.Annotate.Position)
		if err != nil {
			return nil, err
		}
		opts := annotate.DefaultOptions()
		opts.Position = position
		opts.FontPath = settings.Annotate.FontPath
		if settings.Annotate.FontSize > 0 {
			opts.FontSize = settings.Annotate.FontSize
		}
		annotator, err := annotate.New(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize label renderer: %w", err)
		}
		a.annotator = annotator
	}

	a.tracker = newTracker(settings.Telemetry)

	return a, nil
}

// Shutdown flushes the cache index and pending analytics events
func (a *App) Shutdown() {
	if err := a.closeCache(); err != nil {
		log.Warn().Err(err).Msg("Failed to close cache")
	}
	if a.annotator != nil {
		a.annotator.Close()
	}
	if err := a.tracker.Close(); err != nil {
		log.Debug().Err(err).Msg("Failed to flush telemetry")
	}
}

// newTracker returns the analytics tracker for the configured key, or a no-op
// when telemetry is disabled or no key is configured or linked in. Every event
// is tagged with the build.
func newTracker(cfg config.TelemetryConfig) telemetry.Tracker {
	if !cfg.Enabled {
		return telemetry.Nop{}
	}
	key, host := cfg.PostHogKey, cfg.PostHogHost
	if key == "" {
		key = PostHogKey
	}
	if PostHogHost != "" && cfg.PostHogHost == "" {
		host = PostHogHost
	}
	if key == "" {
		return telemetry.Nop{}
	}

	installID, err := telemetry.InstallID(config.GetSettingsDir())
	if err != nil {
		log.Debug().Err(err).Msg("Failed to persist install id")
	}
	tracker, err := telemetry.New(key, host, installID)
	if err != nil {
		log.Warn().Err(err).Msg("Telemetry disabled")
		return telemetry.Nop{}
	}
	return telemetry.WithProps(tracker, map[string]interface{}{
		"version": AppVersion,
		"os":      goruntime.GOOS,
		"arch":    goruntime.GOARCH,
	})
}

// Catalog returns the time labels of the configured layer, asking the service
// when discover is set and using the built-in list otherwise
func (a *App) Catalog(ctx context.Context, discover bool) (*catalog.Catalog, error) {
	if discover {
		return a.discoverer.Resolve(ctx, a.settings.WMS.BaseURL, a.settings.WMS.Layer)
	}
	return catalog.Builtin(a.settings.WMS.Layer)
}

// ResolveLabels picks the labels of one run: explicit labels win, otherwise
// the catalog labels between start and end (0 = open) are used
func (a *App) ResolveLabels(ctx context.Context, explicit []string, start, end int, discover bool) ([]common.TimeLabel, error) {
	if len(explicit) > 0 {
		return common.ParseTimeLabels(explicit)
	}

	cat, err := a.Catalog(ctx, discover)
	if err != nil {
		return nil, err
	}
	first, last, ok := cat.Span()
	if !ok {
		return nil, &catalog.EmptyRangeError{Layer: cat.Layer, Start: start, End: end}
	}
	if start == 0 {
		start = first
	}
	if end == 0 {
		end = last
	}
	return cat.Select(start, end)
}

// NewPipeline builds a pipeline for one run. progress receives fetch progress
// and onStage the stage changes; both may be nil.
func (a *App) NewPipeline(ctx context.Context, progress func(fetcher.Progress), onStage func(pipeline.Stage, string)) (*pipeline.Pipeline, error) {
	s := a.settings

	pl, err := planner.New(planner.Config{
		BaseURL:   s.WMS.BaseURL,
		Layer:     s.WMS.Layer,
		CRS:       s.WMS.CRS,
		Format:    s.ImageFormat(),
		MaxPixels: s.WMS.MaxPixels,
	})
	if err != nil {
		return nil, err
	}

	fetchCfg := fetcher.Config{
		HTTPClient:       a.httpClient,
		Timeout:          s.Fetch.Timeout,
		Cache:            a.frameCache,
		RateLimitHandler: a.rateLimitHandler,
		MaxRetries:       s.Fetch.MaxRetries,
		MemoryBudget:     s.MemoryBudgetBytes(),
		UserAgent:        "imagery-timelapse/" + AppVersion,
		ProgressCallback: progress,
	}
	if a.annotator != nil {
		fetchCfg.Annotator = a.annotator
	}
	f, err := fetcher.New(fetchCfg)
	if err != nil {
		return nil, err
	}

	enc, err := encoder.New(encoder.Options{
		OutputDir:          s.OutputDir,
		VideoCodec:         s.Encode.VideoCodec,
		VideoQuality:       s.Encode.VideoQuality,
		FFmpegPath:         s.Encode.FFmpegPath,
		ArchiveBatchSize:   s.Encode.ArchiveBatchSize,
		ArchiveCompression: s.Encode.ArchiveCompression,
	})
	if err != nil {
		return nil, err
	}

	var store outputstore.Store = outputstore.NewLocal()
	if s.S3.Bucket != "" {
		s3Store, err := outputstore.NewS3(ctx, outputstore.S3Config{
			Bucket: s.S3.Bucket,
			Prefix: s.S3.Prefix,
			Region: s.S3.Region,
		})
		if err != nil {
			return nil, err
		}
		store = s3Store
	}

	return pipeline.New(pipeline.Options{
		Planner:      pl,
		Fetcher:      f,
		Encoder:      enc,
		Store:        store,
		Tracker:      a.tracker,
		QuotaWarning: s.Fetch.QuotaWarning,
		OnStage:      onStage,
	})
}

// outputDir returns the configured output directory or a fresh temp directory
func (a *App) outputDir() (string, error) {
	if a.settings.OutputDir != "" {
		return a.settings.OutputDir, nil
	}
	dir, err := os.MkdirTemp("", "timelapse_*")
	if err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return dir, nil
}

func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
