package region

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"imagery-timelapse/internal/common"
)

// Load reads a region file and returns the bounding box of all its geometries.
// The format follows the extension: .geojson/.json, .kml, .kmz or a zipped shapefile (.zip).
func Load(path string) (common.BoundingBox, error) {
	var (
		bbox common.BoundingBox
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".zip":
		bbox, err = LoadShapefileZip(path)
	case ".geojson", ".json", ".kml", ".kmz":
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return common.BoundingBox{}, fmt.Errorf("failed to read region file: %w", readErr)
		}
		switch ext {
		case ".kml":
			bbox, err = ParseKML(data)
		case ".kmz":
			bbox, err = ParseKMZ(data)
		default:
			bbox, err = Parse(data)
		}
	default:
		return common.BoundingBox{}, fmt.Errorf("unsupported region file %s: want .geojson, .json, .kml, .kmz or .zip", path)
	}
	if err != nil {
		return common.BoundingBox{}, fmt.Errorf("%s: %w", path, err)
	}
	return bbox, nil
}

// Parse accepts a GeoJSON FeatureCollection, Feature or bare Geometry and
// returns the bounding box covering every geometry in it. Coordinates are used as-is.
func Parse(data []byte) (common.BoundingBox, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return common.BoundingBox{}, fmt.Errorf("invalid GeoJSON: %w", err)
	}

	var geometries []orb.Geometry
	switch probe.Type {
	case "FeatureCollection":
		fc, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return common.BoundingBox{}, fmt.Errorf("invalid feature collection: %w", err)
		}
		for _, f := range fc.Features {
			if f.Geometry != nil {
				geometries = append(geometries, f.Geometry)
			}
		}
	case "Feature":
		f, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return common.BoundingBox{}, fmt.Errorf("invalid feature: %w", err)
		}
		if f.Geometry != nil {
			geometries = append(geometries, f.Geometry)
		}
	case "":
		return common.BoundingBox{}, fmt.Errorf("GeoJSON object has no type")
	default:
		g, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return common.BoundingBox{}, fmt.Errorf("invalid geometry: %w", err)
		}
		if geom := g.Geometry(); geom != nil {
			geometries = append(geometries, geom)
		}
	}

	if len(geometries) == 0 {
		return common.BoundingBox{}, fmt.Errorf("GeoJSON contains no geometry")
	}
	return boundOf(geometries)
}

// boundOf unions the bounds of geometries and rejects a result without area
func boundOf(geometries []orb.Geometry) (common.BoundingBox, error) {
	bound := geometries[0].Bound()
	for _, g := range geometries[1:] {
		bound = bound.Union(g.Bound())
	}
	return validBound(bound)
}

func validBound(bound orb.Bound) (common.BoundingBox, error) {
	bbox := FromBound(bound)
	if err := bbox.Validate(); err != nil {
		return common.BoundingBox{}, fmt.Errorf("region has no area: %w", err)
	}
	return bbox, nil
}

// FromBound converts an orb bound to a bounding box
func FromBound(b orb.Bound) common.BoundingBox {
	return common.BoundingBox{XMin: b.Min.X(), YMin: b.Min.Y(), XMax: b.Max.X(), YMax: b.Max.Y()}
}

// ToBound converts a bounding box to an orb bound
func ToBound(b common.BoundingBox) orb.Bound {
	return orb.Bound{Min: orb.Point{b.XMin, b.YMin}, Max: orb.Point{b.XMax, b.YMax}}
}

// LooksGeographic reports whether every coordinate fits in longitude/latitude
// ranges, which usually means the region was not projected to the service CRS.
func LooksGeographic(b common.BoundingBox) bool {
	return math.Abs(b.XMin) <= 180 && math.Abs(b.XMax) <= 180 &&
		math.Abs(b.YMin) <= 90 && math.Abs(b.YMax) <= 90
}

// HeightForWidth returns the pixel height that keeps the region's aspect ratio at the given width
func HeightForWidth(b common.BoundingBox, width int) int {
	if b.Width() <= 0 || width <= 0 {
		return 0
	}
	return max(1, int(math.Round(float64(width)*b.Height()/b.Width())))
}
