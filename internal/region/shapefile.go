package region

import (
	"archive/zip"
	"fmt"
	"strings"

	"github.com/jonas-p/go-shp"
	"github.com/paulmach/orb"

	"imagery-timelapse/internal/common"
)

// LoadShapefileZip opens a ZIP holding a single shapefile and returns the
// bounding box of its shapes. The .prj is ignored; coordinates are used as-is.
func LoadShapefileZip(path string) (common.BoundingBox, error) {
	if err := checkShapefileZip(path); err != nil {
		return common.BoundingBox{}, err
	}
	zr, err := shp.OpenZip(path)
	if err != nil {
		return common.BoundingBox{}, fmt.Errorf("failed to open zipped shapefile: %w", err)
	}
	defer zr.Close()

	var (
		bound orb.Bound
		found bool
	)
	for zr.Next() {
		_, shape := zr.Shape()
		if shape == nil {
			continue
		}
		if _, null := shape.(*shp.Null); null {
			continue
		}
		box := shape.BBox()
		b := orb.Bound{Min: orb.Point{box.MinX, box.MinY}, Max: orb.Point{box.MaxX, box.MaxY}}
		if found {
			bound = bound.Union(b)
		} else {
			bound, found = b, true
		}
	}
	if err := zr.Err(); err != nil {
		return common.BoundingBox{}, fmt.Errorf("failed to read shapefile: %w", err)
	}
	if !found {
		return common.BoundingBox{}, fmt.Errorf("shapefile contains no shapes")
	}
	return validBound(bound)
}

// checkShapefileZip requires the .dbf next to a single .shp; the sequential
// reader reads one attribute row per shape and cannot run without it.
func checkShapefileZip(path string) error {
	z, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("failed to open zipped shapefile: %w", err)
	}
	defer z.Close()

	names := make(map[string]bool, len(z.File))
	var shapes []string
	for _, f := range z.File {
		names[f.Name] = true
		if strings.HasSuffix(f.Name, ".shp") {
			shapes = append(shapes, f.Name)
		}
	}
	switch len(shapes) {
	case 0:
		return fmt.Errorf("zip contains no .shp file")
	case 1:
		if dbf := strings.TrimSuffix(shapes[0], ".shp") + ".dbf"; !names[dbf] {
			return fmt.Errorf("zipped shapefile is missing %s", dbf)
		}
		return nil
	default:
		return fmt.Errorf("zip contains %d .shp files, want one", len(shapes))
	}
}
