package encoder

import (
	"image"
	"sync"

	"golang.org/x/image/draw"

	"imagery-timelapse/internal/common"
)

// sequence lazily converts frames to RGBA images of one common size, the
// size of the first frame. Conversions are shared by the GIF and video sinks.
type sequence struct {
	frames []common.Frame
	width  int
	height int

	once   []sync.Once
	images []*image.RGBA
}

func newSequence(frames []common.Frame) *sequence {
	b := frames[0].Bounds()
	return &sequence{
		frames: frames,
		width:  b.Dx(),
		height: b.Dy(),
		once:   make([]sync.Once, len(frames)),
		images: make([]*image.RGBA, len(frames)),
	}
}

func (s *sequence) Len() int {
	return len(s.frames)
}

// At returns frame i at the sequence size. The result must not be modified.
func (s *sequence) At(i int) *image.RGBA {
	s.once[i].Do(func() {
		s.images[i] = toRGBA(s.frames[i].Image, s.width, s.height)
	})
	return s.images[i]
}

// toRGBA returns src as an RGBA image of the given size. An RGBA source that
// already matches is reused as-is; anything else is copied or scaled.
func toRGBA(src image.Image, width, height int) *image.RGBA {
	b := src.Bounds()
	if rgba, ok := src.(*image.RGBA); ok && b.Min == (image.Point{}) && b.Dx() == width && b.Dy() == height {
		return rgba
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if b.Dx() == width && b.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}
	return dst
}
