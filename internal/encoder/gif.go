package encoder

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"image/color/palette"
	"image/draw"
	"image/gif"
	"math"
	"os"
	"path/filepath"

	"imagery-timelapse/internal/common"
)

// gifDelay converts a frame rate to a per-frame delay in hundredths of a second
func gifDelay(frameRate int) int {
	delay := int(math.Round(100 / float64(frameRate)))
	if delay < 1 {
		delay = 1
	}
	return delay
}

// encodeGIF writes one looping animated GIF with a frame per input frame
func (e *Encoder) encodeGIF(ctx context.Context, seq *sequence, frameRate int) ([]Artifact, error) {
	outputPath := filepath.Join(e.options.OutputDir, e.options.BaseName+".gif")
	delay := gifDelay(frameRate)

	anim := &gif.GIF{
		Image:     make([]*image.Paletted, 0, seq.Len()),
		Delay:     make([]int, 0, seq.Len()),
		LoopCount: 0,
		Config:    image.Config{Width: seq.width, Height: seq.height},
	}

	for i := 0; i < seq.Len(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		src := seq.At(i)
		bounds := src.Bounds()
		paletted := image.NewPaletted(bounds, palette.Plan9)
		draw.FloydSteinberg.Draw(paletted, bounds, src, image.Point{})

		anim.Image = append(anim.Image, paletted)
		anim.Delay = append(anim.Delay, delay)
	}

	f, err := os.Create(outputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w := bufio.NewWriter(f)
	err = gif.EncodeAll(w, anim)
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(outputPath)
		return nil, fmt.Errorf("failed to encode GIF: %w", err)
	}

	artifact, err := finishArtifact(common.SinkGIF, outputPath, seq.Len())
	if err != nil {
		return nil, err
	}
	return []Artifact{artifact}, nil
}
