package encoder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/logging"
)

// ErrNoFrames is reported by every requested sink when there is nothing to encode
var ErrNoFrames = errors.New("no frames to encode")

// Video codec choices
const (
	CodecAuto  = "auto"
	CodecH264  = "h264"
	CodecMJPEG = "mjpeg"
)

// Archive compression choices
const (
	CompressionStore   = "store"
	CompressionDeflate = "deflate"
	CompressionZstd    = "zstd"
)

// SinkError records why one sink produced no artifact
type SinkError struct {
	Kind common.SinkKind
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("%s sink: %v", e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Artifact is one file written by a sink
type Artifact struct {
	Kind       common.SinkKind `json:"kind"`
	Path       string          `json:"path"`
	Location   string          `json:"location,omitempty"` // set once published
	SizeBytes  int64           `json:"sizeBytes"`
	FrameCount int             `json:"frameCount"`
}

// SinkOutput is the outcome of one sink. Artifacts is empty when Err is set.
type SinkOutput struct {
	Kind       common.SinkKind
	Artifacts  []Artifact
	Err        error
	PublishErr error
}

// Present reports whether the sink produced its artifacts
func (o *SinkOutput) Present() bool {
	return o != nil && o.Err == nil && len(o.Artifacts) > 0
}

// Result maps each requested sink to its outcome
type Result struct {
	Outputs map[common.SinkKind]*SinkOutput
}

// Present returns the sinks that produced artifacts, in stable order
func (r *Result) Present() []common.SinkKind {
	var kinds []common.SinkKind
	for _, kind := range common.AllSinks {
		if r.Outputs[kind].Present() {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// AllFailed reports whether no requested sink produced anything
func (r *Result) AllFailed() bool {
	return len(r.Outputs) > 0 && len(r.Present()) == 0
}

// Artifacts lists every artifact of every sink in stable order
func (r *Result) Artifacts() []Artifact {
	var all []Artifact
	for _, kind := range common.AllSinks {
		if out, ok := r.Outputs[kind]; ok {
			all = append(all, out.Artifacts...)
		}
	}
	return all
}

// Err combines the sink and publish errors, or returns nil
func (r *Result) Err() error {
	var result *multierror.Error
	for _, kind := range common.AllSinks {
		out, ok := r.Outputs[kind]
		if !ok {
			continue
		}
		if out.Err != nil {
			result = multierror.Append(result, out.Err)
		}
		if out.PublishErr != nil {
			result = multierror.Append(result, out.PublishErr)
		}
	}
	return result.ErrorOrNil()
}

// Options configures the encoder
type Options struct {
	OutputDir          string
	BaseName           string
	VideoCodec         string
	VideoQuality       int // 1-100
	FFmpegPath         string
	FFmpegTimeout      time.Duration
	ArchiveBatchSize   int // 0 = single archive
	ArchiveCompression string
}

// DefaultOptions returns default encoder options writing to the temp directory
func DefaultOptions() Options {
	return Options{
		OutputDir:          os.TempDir(),
		BaseName:           "timelapse",
		VideoCodec:         CodecAuto,
		VideoQuality:       90,
		FFmpegTimeout:      5 * time.Minute,
		ArchiveCompression: CompressionDeflate,
	}
}

// Encoder turns an ordered frame sequence into the requested artifacts
type Encoder struct {
	options    Options
	ffmpegPath string
	logger     zerolog.Logger
}

// New creates an encoder and looks up ffmpeg when the codec may use it
func New(opts Options) (*Encoder, error) {
	defaults := DefaultOptions()
	if opts.OutputDir == "" {
		opts.OutputDir = defaults.OutputDir
	}
	if opts.BaseName == "" {
		opts.BaseName = defaults.BaseName
	}
	if opts.VideoCodec == "" {
		opts.VideoCodec = defaults.VideoCodec
	}
	if opts.VideoQuality <= 0 || opts.VideoQuality > 100 {
		opts.VideoQuality = defaults.VideoQuality
	}
	if opts.FFmpegTimeout <= 0 {
		opts.FFmpegTimeout = defaults.FFmpegTimeout
	}
	if opts.ArchiveCompression == "" {
		opts.ArchiveCompression = defaults.ArchiveCompression
	}
	if opts.ArchiveBatchSize < 0 {
		return nil, fmt.Errorf("archive batch size cannot be negative")
	}

	switch opts.VideoCodec {
	case CodecAuto, CodecH264, CodecMJPEG:
	default:
		return nil, fmt.Errorf("unsupported video codec: %s (supported: auto, h264, mjpeg)", opts.VideoCodec)
	}
	switch opts.ArchiveCompression {
	case CompressionStore, CompressionDeflate, CompressionZstd:
	default:
		return nil, fmt.Errorf("unsupported archive compression: %s (supported: store, deflate, zstd)", opts.ArchiveCompression)
	}

	e := &Encoder{
		options: opts,
		logger:  logging.Component("encoder"),
	}

	if opts.VideoCodec != CodecMJPEG {
		if opts.FFmpegPath != "" {
			e.ffmpegPath = opts.FFmpegPath
		} else if path, found := CheckFFmpeg(); found {
			e.ffmpegPath = path
		}
		if e.ffmpegPath != "" {
			e.logger.Debug().Str("path", e.ffmpegPath).Msg("FFmpeg found")
		} else {
			e.logger.Debug().Msg("FFmpeg not found, video sink will use Motion-JPEG")
		}
	}

	return e, nil
}

// WithOutput returns a copy of the encoder writing to dir with the given file prefix
func (e *Encoder) WithOutput(dir, baseName string) *Encoder {
	clone := *e
	if dir != "" {
		clone.options.OutputDir = dir
	}
	if baseName != "" {
		clone.options.BaseName = baseName
	}
	return &clone
}

// HasFFmpeg returns true if FFmpeg is available
func (e *Encoder) HasFFmpeg() bool {
	return e.ffmpegPath != ""
}

// Encode runs every requested sink independently over the same frames.
// Frames are only read. A failing sink never affects the others; its error
// is recorded in its own output.
func (e *Encoder) Encode(ctx context.Context, frames []common.Frame, sinks common.SinkSet, frameRate int) *Result {
	kinds := sinks.Kinds()
	result := &Result{Outputs: make(map[common.SinkKind]*SinkOutput, len(kinds))}
	for _, kind := range kinds {
		result.Outputs[kind] = &SinkOutput{Kind: kind}
	}

	var setupErr error
	switch {
	case len(frames) == 0:
		setupErr = ErrNoFrames
	case frameRate < 1:
		setupErr = fmt.Errorf("frame rate must be at least 1, got %d", frameRate)
	default:
		if err := os.MkdirAll(e.options.OutputDir, 0755); err != nil {
			setupErr = fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if setupErr != nil {
		for _, out := range result.Outputs {
			out.Err = &SinkError{Kind: out.Kind, Err: setupErr}
		}
		return result
	}

	var seq *sequence
	if sinks[common.SinkGIF] || sinks[common.SinkVideo] {
		seq = newSequence(frames)
	}

	e.logger.Info().
		Int("frames", len(frames)).
		Int("frameRate", frameRate).
		Str("sinks", sinks.String()).
		Msg("Encoding timelapse")

	var g errgroup.Group
	for _, kind := range kinds {
		out := result.Outputs[kind]
		g.Go(func() error {
			start := time.Now()
			var artifacts []Artifact
			var err error

			switch out.Kind {
			case common.SinkGIF:
				artifacts, err = e.encodeGIF(ctx, seq, frameRate)
			case common.SinkVideo:
				artifacts, err = e.encodeVideo(ctx, seq, frameRate)
			case common.SinkArchive:
				artifacts, err = e.encodeArchives(ctx, frames)
			default:
				err = fmt.Errorf("unsupported sink")
			}

			if err != nil {
				out.Err = &SinkError{Kind: out.Kind, Err: err}
				e.logger.Error().Err(err).Str("sink", string(out.Kind)).Msg("Sink failed")
				return nil
			}

			out.Artifacts = artifacts
			e.logger.Info().
				Str("sink", string(out.Kind)).
				Int("files", len(artifacts)).
				Dur("took", time.Since(start)).
				Msg("Sink complete")
			return nil
		})
	}
	_ = g.Wait()

	return result
}

// statOutput is os.Stat; tests replace it to simulate a vanished output file
var statOutput = os.Stat

// finishArtifact stats a written file and builds its artifact record
func finishArtifact(kind common.SinkKind, path string, frameCount int) (Artifact, error) {
	info, err := statOutput(path)
	if err != nil {
		return Artifact{}, fmt.Errorf("output file not created: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return Artifact{}, fmt.Errorf("output file is empty")
	}
	return Artifact{Kind: kind, Path: path, SizeBytes: info.Size(), FrameCount: frameCount}, nil
}
