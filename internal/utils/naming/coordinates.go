package naming

import (
	"fmt"
	"strconv"
	"strings"

	"imagery-timelapse/internal/common"
)

// SanitizeCoordinate formats a projected coordinate for use in filenames.
// The decimal point becomes 'p' and a minus sign becomes 'm' for Windows compatibility.
func SanitizeCoordinate(coord float64) string {
	s := strconv.FormatFloat(coord, 'f', -1, 64)
	s = strings.Replace(s, ".", "p", 1)
	return strings.Replace(s, "-", "m", 1)
}

// GenerateBBoxString creates a compact bbox string for filenames
// Format: E{xmin}-{xmax}_N{ymin}-{ymax}
func GenerateBBoxString(bbox common.BoundingBox) string {
	return fmt.Sprintf("E%s-%s_N%s-%s",
		SanitizeCoordinate(bbox.XMin),
		SanitizeCoordinate(bbox.XMax),
		SanitizeCoordinate(bbox.YMin),
		SanitizeCoordinate(bbox.YMax))
}
