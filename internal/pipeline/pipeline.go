package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"imagery-timelapse/internal/collector"
	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/encoder"
	"imagery-timelapse/internal/fetcher"
	"imagery-timelapse/internal/logging"
	"imagery-timelapse/internal/outputstore"
	"imagery-timelapse/internal/planner"
	"imagery-timelapse/internal/telemetry"
	"imagery-timelapse/internal/utils/naming"
)

// DefaultQuotaWarning is the planned request count above which a run logs a quota warning
const DefaultQuotaWarning = 500

// ErrAllSinksFailed is returned when frames were collected but no requested sink produced output
var ErrAllSinksFailed = errors.New("all requested sinks failed")

// EmptyResultError means the fetch phase finished without a single usable frame
type EmptyResultError struct {
	Requested int
	Stats     fetcher.Stats
}

func (e *EmptyResultError) Error() string {
	return fmt.Sprintf("no frames retrieved out of %d requests (failed: %d, skipped: %d)",
		e.Requested, e.Stats.Failed, e.Stats.SkippedByBudget)
}

// Stage names a phase of a run for progress reporting
type Stage string

const (
	StagePlan    Stage = "plan"
	StageFetch   Stage = "fetch"
	StageEncode  Stage = "encode"
	StagePublish Stage = "publish"
	StageDone    Stage = "done"
)

// Job describes one timelapse
type Job struct {
	BBox             common.BoundingBox
	Width            int
	Height           int
	Labels           []common.TimeLabel
	Sinks            common.SinkSet
	FrameRate        int
	ConcurrencyLimit int
	OutputDir        string // empty = encoder default
	BaseName         string // empty = derived from layer, labels and bbox
}

// Result reports what a run produced
type Result struct {
	RunID     string
	BaseName  string
	Requested int
	Frames    []common.TimeLabel
	Missing   []common.TimeLabel
	Fetch     fetcher.Stats
	Encoded   *encoder.Result
	Duration  time.Duration
}

// Options holds the stages of the pipeline. Store and Tracker are optional.
type Options struct {
	Planner      *planner.Planner
	Fetcher      *fetcher.Fetcher
	Encoder      *encoder.Encoder
	Store        outputstore.Store
	Tracker      telemetry.Tracker
	QuotaWarning int
	OnStage      func(stage Stage, message string)
}

// Pipeline runs plan, fetch, collect, encode and publish for one job at a time
type Pipeline struct {
	planner      *planner.Planner
	fetcher      *fetcher.Fetcher
	encoder      *encoder.Encoder
	store        outputstore.Store
	tracker      telemetry.Tracker
	quotaWarning int
	onStage      func(Stage, string)
	logger       zerolog.Logger
}

// New creates a pipeline
func New(opts Options) (*Pipeline, error) {
	if opts.Planner == nil || opts.Fetcher == nil || opts.Encoder == nil {
		return nil, fmt.Errorf("planner, fetcher and encoder are required")
	}
	p := &Pipeline{
		planner:      opts.Planner,
		fetcher:      opts.Fetcher,
		encoder:      opts.Encoder,
		store:        opts.Store,
		tracker:      opts.Tracker,
		quotaWarning: opts.QuotaWarning,
		onStage:      opts.OnStage,
		logger:       logging.Component("pipeline"),
	}
	if p.store == nil {
		p.store = outputstore.NewLocal()
	}
	if p.tracker == nil {
		p.tracker = telemetry.Nop{}
	}
	if p.quotaWarning <= 0 {
		p.quotaWarning = DefaultQuotaWarning
	}
	return p, nil
}

func (p *Pipeline) stage(stage Stage, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	p.logger.Debug().Str("stage", string(stage)).Msg(msg)
	if p.onStage != nil {
		p.onStage(stage, msg)
	}
}

// Run executes one job. Validation errors are returned before any request is
// sent. A run where every item fails returns *EmptyResultError and writes no
// file; a run where every sink fails returns ErrAllSinksFailed. Anything short
// of that succeeds with partial results described in the returned Result.
func (p *Pipeline) Run(ctx context.Context, job Job) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: uuid.NewString()}
	logger := p.logger.With().Str("run", result.RunID).Logger()

	if len(job.Sinks) == 0 {
		return nil, fmt.Errorf("no sinks requested")
	}
	if job.FrameRate < 1 {
		return nil, fmt.Errorf("frame rate must be at least 1, got %d", job.FrameRate)
	}
	concurrency := job.ConcurrencyLimit
	if concurrency < 1 {
		concurrency = fetcher.DefaultConcurrency
	}

	// Plan
	p.stage(StagePlan, "Planning %d frames", len(job.Labels))
	requests, err := p.planner.Plan(job.BBox, job.Width, job.Height, job.Labels)
	if err != nil {
		return nil, err
	}
	result.Requested = len(requests)
	if len(requests) > p.quotaWarning {
		logger.Warn().
			Int("requests", len(requests)).
			Int("quota", p.quotaWarning).
			Msg("Run exceeds the service's request quota, expect throttling")
	}

	// Fetch
	p.stage(StageFetch, "Fetching %d frames", len(requests))
	slots, stats := p.fetcher.FetchAllWithStats(ctx, requests, concurrency)
	result.Fetch = stats
	for _, i := range collector.Missing(slots) {
		result.Missing = append(result.Missing, requests[i].Label)
	}

	frames := collector.Collect(slots)
	for _, f := range frames {
		result.Frames = append(result.Frames, f.Label)
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	if len(frames) == 0 {
		err := &EmptyResultError{Requested: len(requests), Stats: stats}
		result.Duration = time.Since(start)
		p.track("timelapse_failed", job, result, err)
		return result, err
	}
	if len(result.Missing) > 0 {
		logger.Warn().
			Int("missing", len(result.Missing)).
			Strs("labels", labelStrings(result.Missing)).
			Msg("Some frames are missing from the timelapse")
	}

	// Encode
	result.BaseName = job.BaseName
	if result.BaseName == "" {
		result.BaseName = naming.GenerateTimelapseBaseName(
			p.planner.Config().Layer, frames[0].Label, frames[len(frames)-1].Label, job.BBox)
	}
	p.stage(StageEncode, "Encoding %d frames to %s", len(frames), job.Sinks)
	enc := p.encoder.WithOutput(job.OutputDir, result.BaseName)
	encoded := enc.Encode(ctx, frames, job.Sinks, job.FrameRate)
	result.Encoded = encoded

	if encoded.AllFailed() {
		err := fmt.Errorf("%w: %v", ErrAllSinksFailed, encoded.Err())
		result.Duration = time.Since(start)
		p.track("timelapse_failed", job, result, err)
		return result, err
	}

	// Publish
	p.stage(StagePublish, "Publishing to %s", p.store.Name())
	p.publish(ctx, result.RunID, encoded)

	result.Duration = time.Since(start)
	p.stage(StageDone, "Timelapse complete: %d/%d frames", len(frames), len(requests))
	logger.Info().
		Int("frames", len(frames)).
		Int("missing", len(result.Missing)).
		Strs("sinks", sinkStrings(encoded.Present())).
		Dur("took", result.Duration).
		Msg("Timelapse complete")

	p.track("timelapse_completed", job, result, encoded.Err())
	return result, nil
}

// publish hands every produced artifact to the store. Failures are attached
// to the sink and never remove local files.
func (p *Pipeline) publish(ctx context.Context, runID string, encoded *encoder.Result) {
	for _, kind := range encoded.Present() {
		out := encoded.Outputs[kind]
		var errs *multierror.Error
		for i := range out.Artifacts {
			location, err := p.store.Publish(ctx, runID, out.Artifacts[i].Path)
			if err != nil {
				errs = multierror.Append(errs, err)
				p.logger.Error().Err(err).Str("sink", string(kind)).Msg("Failed to publish artifact")
				continue
			}
			out.Artifacts[i].Location = location
		}
		if err := errs.ErrorOrNil(); err != nil {
			out.PublishErr = &encoder.SinkError{Kind: kind, Err: err}
		}
	}
}

func (p *Pipeline) track(event string, job Job, result *Result, err error) {
	props := map[string]interface{}{
		"requested":   result.Requested,
		"frames":      len(result.Frames),
		"missing":     len(result.Missing),
		"sinks":       job.Sinks.String(),
		"width":       job.Width,
		"height":      job.Height,
		"layer":       p.planner.Config().Layer,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if err != nil {
		props["error"] = err.Error()
	}
	p.tracker.Track(event, props)
}

func labelStrings(labels []common.TimeLabel) []string {
	return lo.Map(labels, func(l common.TimeLabel, _ int) string { return l.String() })
}

func sinkStrings(kinds []common.SinkKind) []string {
	return lo.Map(kinds, func(k common.SinkKind, _ int) string { return string(k) })
}
