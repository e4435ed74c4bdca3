package naming

import (
	"fmt"
	"strings"

	"imagery-timelapse/internal/common"
)

// LayerSlug shortens a dotted layer id to its last segment ("ch.swisstopo.zeitreihen" -> "zeitreihen")
func LayerSlug(layer string) string {
	if i := strings.LastIndex(layer, "."); i >= 0 && i < len(layer)-1 {
		layer = layer[i+1:]
	}
	return SanitizeLabel(layer)
}

// SanitizeLabel keeps letters, digits, '-' and '_' and replaces anything else with '-'
func SanitizeLabel(value string) string {
	var sb strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('-')
		}
	}
	if sb.Len() == 0 {
		return "unnamed"
	}
	return sb.String()
}

// GenerateTimelapseBaseName creates the shared prefix of a run's artifacts
// Format: {layer}_{first}-{last}_{bbox}
func GenerateTimelapseBaseName(layer string, first, last common.TimeLabel, bbox common.BoundingBox) string {
	return fmt.Sprintf("%s_%s-%s_%s",
		LayerSlug(layer),
		SanitizeLabel(first.Display()),
		SanitizeLabel(last.Display()),
		GenerateBBoxString(bbox))
}

// GenerateArchiveName names one archive of a run. part is 1-based and only
// used when the frames are split over several archives.
// Format: {base}_frames.zip or {base}_frames_part{NN}.zip
func GenerateArchiveName(base string, part, parts int) string {
	if parts <= 1 {
		return fmt.Sprintf("%s_frames.zip", base)
	}
	return fmt.Sprintf("%s_frames_part%02d.zip", base, part)
}

// GenerateFrameEntryName names one still inside an archive. seq is 1-based
// and runs across all archives of a run.
// Format: frame_{seq}_{label}.png
func GenerateFrameEntryName(seq int, label common.TimeLabel) string {
	return fmt.Sprintf("frame_%04d_%s.png", seq, SanitizeLabel(label.String()))
}
