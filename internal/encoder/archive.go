package encoder

import (
	"archive/zip"
	"bufio"
	"context"
	"fmt"
	"image/png"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/samber/lo"

	"imagery-timelapse/internal/common"
	"imagery-timelapse/internal/utils/naming"
)

// encodeArchives writes the frames as PNG stills into one zip, or several
// when a batch size is set. Entry numbering runs across all parts. On any
// failure every part written so far is removed.
func (e *Encoder) encodeArchives(ctx context.Context, frames []common.Frame) (_ []Artifact, err error) {
	batches := [][]common.Frame{frames}
	if size := e.options.ArchiveBatchSize; size > 0 && len(frames) > size {
		batches = lo.Chunk(frames, size)
	}

	var written []string
	defer func() {
		if err != nil {
			for _, path := range written {
				os.Remove(path)
			}
		}
	}()

	artifacts := make([]Artifact, 0, len(batches))
	seq := 1
	for part, batch := range batches {
		name := naming.GenerateArchiveName(e.options.BaseName, part+1, len(batches))
		path := filepath.Join(e.options.OutputDir, name)

		if err := e.writeArchive(ctx, path, batch, seq); err != nil {
			return nil, fmt.Errorf("archive %s: %w", name, err)
		}
		written = append(written, path)
		seq += len(batch)

		artifact, err := finishArtifact(common.SinkArchive, path, len(batch))
		if err != nil {
			return nil, fmt.Errorf("archive %s: %w", name, err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}

// writeArchive writes one zip; firstSeq is the 1-based number of its first entry
func (e *Encoder) writeArchive(ctx context.Context, path string, frames []common.Frame, firstSeq int) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			os.Remove(path)
		}
	}()

	buffered := bufio.NewWriter(f)
	zw := zip.NewWriter(buffered)
	method := e.registerCompressor(zw)

	for i, frame := range frames {
		if err := ctx.Err(); err != nil {
			return err
		}
		header := &zip.FileHeader{
			Name:   naming.GenerateFrameEntryName(firstSeq+i, frame.Label),
			Method: method,
		}
		if t, err := frame.Label.Time(); err == nil {
			header.Modified = t
		}
		entry, err := zw.CreateHeader(header)
		if err != nil {
			return fmt.Errorf("failed to add entry %s: %w", header.Name, err)
		}
		if err := png.Encode(entry, frame.Image); err != nil {
			return fmt.Errorf("failed to encode %s: %w", header.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return buffered.Flush()
}

// registerCompressor installs the configured compressor on zw and returns the entry method
func (e *Encoder) registerCompressor(zw *zip.Writer) uint16 {
	switch e.options.ArchiveCompression {
	case CompressionStore:
		return zip.Store
	case CompressionZstd:
		zw.RegisterCompressor(zstd.ZipMethodWinZip, zstd.ZipCompressor(zstd.WithEncoderLevel(zstd.SpeedDefault)))
		return zstd.ZipMethodWinZip
	default:
		zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
			return flate.NewWriter(out, flate.DefaultCompression)
		})
		return zip.Deflate
	}
}
