package common

import (
	"fmt"
	"strconv"
	"strings"
)

// BoundingBox is an axis-aligned rectangle in the imagery service's projected CRS
type BoundingBox struct {
	XMin float64 `json:"xmin"`
	YMin float64 `json:"ymin"`
	XMax float64 `json:"xmax"`
	YMax float64 `json:"ymax"`
}

// Validate checks that the box has a positive extent on both axes
func (b BoundingBox) Validate() error {
	if !(b.XMin < b.XMax) || !(b.YMin < b.YMax) {
		return fmt.Errorf("invalid bounding box %s: min must be below max on both axes", b)
	}
	return nil
}

// Width returns the horizontal extent in CRS units
func (b BoundingBox) Width() float64 {
	return b.XMax - b.XMin
}

// Height returns the vertical extent in CRS units
func (b BoundingBox) Height() float64 {
	return b.YMax - b.YMin
}

// String returns the canonical "xmin,ymin,xmax,ymax" form. Values use the
// shortest exact decimal representation so equal boxes always format equally.
func (b BoundingBox) String() string {
	parts := []string{
		formatCoord(b.XMin),
		formatCoord(b.YMin),
		formatCoord(b.XMax),
		formatCoord(b.YMax),
	}
	return strings.Join(parts, ",")
}

// ParseBoundingBox parses "xmin,ymin,xmax,ymax"
func ParseBoundingBox(value string) (BoundingBox, error) {
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bounding box must have 4 comma-separated values, got %d", len(parts))
	}

	var coords [4]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("invalid bounding box value %q: %w", p, err)
		}
		coords[i] = v
	}

	bbox := BoundingBox{XMin: coords[0], YMin: coords[1], XMax: coords[2], YMax: coords[3]}
	if err := bbox.Validate(); err != nil {
		return BoundingBox{}, err
	}
	return bbox, nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
