package common

import "image"

// FetchRequest is one planned retrieval: the label it stands for and the exact
// URL that retrieves it. Index preserves the position in the plan.
type FetchRequest struct {
	Label     TimeLabel
	TargetURL string
	Index     int
}

// Frame is a decoded, annotated image for one time label.
// Frames are treated as immutable once produced by the fetcher.
type Frame struct {
	Label TimeLabel
	Image image.Image
}

// Bounds returns the pixel bounds of the frame image
func (f Frame) Bounds() image.Rectangle {
	if f.Image == nil {
		return image.Rectangle{}
	}
	return f.Image.Bounds()
}
