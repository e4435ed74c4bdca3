package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"os"
	"sync"

	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
)

// Position names the corner the label box is anchored to
type Position string

const (
	TopLeft     Position = "top-left"
	TopRight    Position = "top-right"
	BottomLeft  Position = "bottom-left"
	BottomRight Position = "bottom-right"
)

// ParsePosition validates a position name, defaulting to bottom-right
func ParsePosition(value string) (Position, error) {
	switch p := Position(value); p {
	case "":
		return BottomRight, nil
	case TopLeft, TopRight, BottomLeft, BottomRight:
		return p, nil
	default:
		return "", fmt.Errorf("invalid label position: %s", value)
	}
}

// Options configures how labels are drawn
type Options struct {
	Position  Position
	FontPath  string  // empty = built-in Go Regular
	FontSize  float64 // points at 72 DPI
	Margin    int     // distance between box and image edge
	Padding   int     // distance between text and box edge
	TextColor color.Color
	BoxColor  color.Color
}

// DefaultOptions returns white text on a black box in the bottom-right corner
func DefaultOptions() Options {
	return Options{
		Position:  BottomRight,
		FontSize:  24,
		Margin:    10,
		Padding:   5,
		TextColor: color.White,
		BoxColor:  color.Black,
	}
}

// Annotator draws a text label onto copies of images.
// Font faces are not safe for concurrent use, drawing is serialized.
type Annotator struct {
	options Options
	mu      sync.Mutex
	face    font.Face
}

// New creates an annotator, loading the configured font
func New(opts Options) (*Annotator, error) {
	defaults := DefaultOptions()
	if opts.Position == "" {
		opts.Position = defaults.Position
	}
	if opts.FontSize <= 0 {
		opts.FontSize = defaults.FontSize
	}
	if opts.TextColor == nil {
		opts.TextColor = defaults.TextColor
	}
	if opts.BoxColor == nil {
		opts.BoxColor = defaults.BoxColor
	}
	if opts.Margin < 0 {
		opts.Margin = 0
	}
	if opts.Padding < 0 {
		opts.Padding = 0
	}

	face, err := loadFace(opts.FontPath, opts.FontSize)
	if err != nil {
		return nil, err
	}

	return &Annotator{options: opts, face: face}, nil
}

func loadFace(path string, size float64) (font.Face, error) {
	fontBytes := goregular.TTF
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read font file: %w", err)
		}
		fontBytes = data
	}

	f, err := opentype.Parse(fontBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse font: %w", err)
	}

	face, err := opentype.NewFace(f, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create font face: %w", err)
	}
	return face, nil
}

// Annotate returns a new RGBA image holding src with text drawn in the
// configured corner. src is never modified.
func (a *Annotator) Annotate(src image.Image, text string) *image.RGBA {
	sb := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, sb.Dx(), sb.Dy()))
	draw.Draw(dst, dst.Bounds(), src, sb.Min, draw.Src)

	if text == "" {
		return dst
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bounds, _ := font.BoundString(a.face, text)
	textWidth := (bounds.Max.X - bounds.Min.X).Ceil()
	textHeight := (bounds.Max.Y - bounds.Min.Y).Ceil()

	box := a.boxRect(dst.Bounds(), textWidth, textHeight)
	draw.Draw(dst, box, image.NewUniform(a.options.BoxColor), image.Point{}, draw.Over)

	pad := a.options.Padding
	drawer := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(a.options.TextColor),
		Face: a.face,
		Dot: fixed.Point26_6{
			X: fixed.I(box.Min.X+pad) - bounds.Min.X,
			Y: fixed.I(box.Min.Y+pad) - bounds.Min.Y,
		},
	}
	drawer.DrawString(text)

	return dst
}

// boxRect places a text box of the given size in the configured corner,
// clipped to the image
func (a *Annotator) boxRect(img image.Rectangle, textWidth, textHeight int) image.Rectangle {
	m, pad := a.options.Margin, a.options.Padding
	w := textWidth + 2*pad
	h := textHeight + 2*pad

	var x, y int
	switch a.options.Position {
	case TopLeft:
		x, y = m, m
	case TopRight:
		x, y = img.Dx()-m-w, m
	case BottomLeft:
		x, y = m, img.Dy()-m-h
	default:
		x, y = img.Dx()-m-w, img.Dy()-m-h
	}

	return image.Rect(x, y, x+w, y+h).Intersect(img)
}

// Close releases the font face
func (a *Annotator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.face.Close()
}
