package encoder

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	"github.com/icza/mjpeg"

	"imagery-timelapse/internal/common"
)

// ErrFFmpegNotFound is returned when H.264 output is forced without an ffmpeg binary
var ErrFFmpegNotFound = errors.New("ffmpeg not found")

// crfForQuality maps quality 1-100 to an x264 CRF value, 51 (worst) to 0 (best)
func crfForQuality(quality int) int {
	crf := 51 - (quality * 51 / 100)
	return min(max(crf, 0), 51)
}

// encodeVideo picks H.264 through ffmpeg when available and allowed, falling
// back to Motion-JPEG AVI otherwise.
func (e *Encoder) encodeVideo(ctx context.Context, seq *sequence, frameRate int) ([]Artifact, error) {
	var path string
	var err error

	switch {
	case e.options.VideoCodec == CodecMJPEG:
		path, err = e.encodeMotionJPEG(ctx, seq, frameRate)
	case e.ffmpegPath != "":
		path, err = e.encodeH264(ctx, seq, frameRate)
	case e.options.VideoCodec == CodecH264:
		return nil, fmt.Errorf("h264 codec requested: %w", ErrFFmpegNotFound)
	default:
		e.logger.Info().Msg("FFmpeg not available, falling back to Motion-JPEG AVI")
		path, err = e.encodeMotionJPEG(ctx, seq, frameRate)
	}
	if err != nil {
		return nil, err
	}

	artifact, err := finishArtifact(common.SinkVideo, path, seq.Len())
	if err != nil {
		return nil, err
	}
	return []Artifact{artifact}, nil
}

// encodeH264 streams the frames as PNG into ffmpeg and writes an MP4
func (e *Encoder) encodeH264(ctx context.Context, seq *sequence, frameRate int) (string, error) {
	outputPath := filepath.Join(e.options.OutputDir, e.options.BaseName+".mp4")
	crf := crfForQuality(e.options.VideoQuality)

	args := []string{
		"-y",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(frameRate),
		"-c:v", "png",
		"-i", "-",
		// libx264 with yuv420p needs even dimensions
		"-vf", "scale=trunc(iw/2)*2:trunc(ih/2)*2",
		"-c:v", "libx264",
		"-preset", "medium",
		"-crf", strconv.Itoa(crf),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		outputPath,
	}

	ctx, cancel := context.WithTimeout(ctx, e.options.FFmpegTimeout)
	defer cancel()

	e.logger.Debug().Str("ffmpeg", e.ffmpegPath).Strs("args", args).Msg("Running FFmpeg")

	cmd := exec.CommandContext(ctx, e.ffmpegPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("failed to open FFmpeg stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start FFmpeg: %w", err)
	}

	writeErr := func() error {
		w := bufio.NewWriterSize(stdin, 1<<20)
		encoder := png.Encoder{CompressionLevel: png.BestSpeed}
		for i := 0; i < seq.Len(); i++ {
			if err := encoder.Encode(w, seq.At(i)); err != nil {
				return fmt.Errorf("failed to stream frame %d: %w", i, err)
			}
		}
		return w.Flush()
	}()
	closeErr := stdin.Close()
	waitErr := cmd.Wait()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		err = fmt.Errorf("FFmpeg encoding timed out after %s", e.options.FFmpegTimeout)
	case ctx.Err() != nil:
		err = ctx.Err()
	case waitErr != nil:
		err = fmt.Errorf("FFmpeg encoding failed: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	case writeErr != nil:
		err = writeErr
	case closeErr != nil:
		err = fmt.Errorf("failed to close FFmpeg stdin: %w", closeErr)
	}
	if err != nil {
		os.Remove(outputPath)
		return "", err
	}

	e.logger.Debug().Str("path", outputPath).Msg("H.264 video exported")
	return outputPath, nil
}

// encodeMotionJPEG writes an AVI with one JPEG per frame. It needs no external tools.
func (e *Encoder) encodeMotionJPEG(ctx context.Context, seq *sequence, frameRate int) (path string, err error) {
	outputPath := filepath.Join(e.options.OutputDir, e.options.BaseName+".avi")

	writer, err := mjpeg.New(outputPath, int32(seq.width), int32(seq.height), int32(frameRate))
	if err != nil {
		return "", fmt.Errorf("failed to create video writer: %w", err)
	}
	defer func() {
		if closeErr := writer.Close(); err == nil && closeErr != nil {
			err = fmt.Errorf("failed to finalize video: %w", closeErr)
		}
		if err != nil {
			os.Remove(outputPath)
			path = ""
		}
	}()

	var buf bytes.Buffer
	for i := 0; i < seq.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		buf.Reset()
		if err := jpeg.Encode(&buf, seq.At(i), &jpeg.Options{Quality: e.options.VideoQuality}); err != nil {
			return "", fmt.Errorf("failed to encode frame %d as JPEG: %w", i, err)
		}
		if err := writer.AddFrame(buf.Bytes()); err != nil {
			return "", fmt.Errorf("failed to add frame %d: %w", i, err)
		}
	}

	e.logger.Debug().Str("path", outputPath).Msg("Motion-JPEG video exported")
	return outputPath, nil
}
