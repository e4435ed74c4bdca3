package region

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"imagery-timelapse/internal/common"
)

// ParseKML returns the bounding box of every <coordinates> element in a KML
// document (points, line strings and polygon rings alike).
func ParseKML(data []byte) (common.BoundingBox, error) {
	geometries, err := kmlGeometries(bytes.NewReader(data))
	if err != nil {
		return common.BoundingBox{}, err
	}
	if len(geometries) == 0 {
		return common.BoundingBox{}, fmt.Errorf("KML contains no coordinates")
	}
	return boundOf(geometries)
}

// ParseKMZ reads every .kml entry of a KMZ archive and returns their combined bounding box
func ParseKMZ(data []byte) (common.BoundingBox, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return common.BoundingBox{}, fmt.Errorf("failed to open KMZ: %w", err)
	}

	var geometries []orb.Geometry
	for _, zf := range zr.File {
		if !strings.EqualFold(path.Ext(zf.Name), ".kml") {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return common.BoundingBox{}, fmt.Errorf("failed to open %s: %w", zf.Name, err)
		}
		g, err := kmlGeometries(rc)
		rc.Close()
		if err != nil {
			return common.BoundingBox{}, fmt.Errorf("%s: %w", zf.Name, err)
		}
		geometries = append(geometries, g...)
	}
	if len(geometries) == 0 {
		return common.BoundingBox{}, fmt.Errorf("KMZ contains no KML coordinates")
	}
	return boundOf(geometries)
}

// kmlGeometries streams the document and turns each coordinates element into a MultiPoint
func kmlGeometries(r io.Reader) ([]orb.Geometry, error) {
	dec := xml.NewDecoder(r)

	var geometries []orb.Geometry
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid KML: %w", err)
		}

		el, ok := tok.(xml.StartElement)
		if !ok || el.Name.Local != "coordinates" {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &el); err != nil {
			return nil, fmt.Errorf("invalid KML coordinates: %w", err)
		}
		points, err := parseKMLCoordinates(text)
		if err != nil {
			return nil, err
		}
		if len(points) > 0 {
			geometries = append(geometries, points)
		}
	}
	return geometries, nil
}

// parseKMLCoordinates reads whitespace separated "x,y[,z]" tuples
func parseKMLCoordinates(text string) (orb.MultiPoint, error) {
	var points orb.MultiPoint
	for _, tuple := range strings.Fields(text) {
		parts := strings.Split(tuple, ",")
		if len(parts) < 2 {
			return nil, fmt.Errorf("invalid KML coordinate %q", tuple)
		}
		x, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid KML coordinate %q: %w", tuple, err)
		}
		y, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid KML coordinate %q: %w", tuple, err)
		}
		points = append(points, orb.Point{x, y})
	}
	return points, nil
}
