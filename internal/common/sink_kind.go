package common

import (
	"fmt"
	"sort"
	"strings"
)

// SinkKind names one output artifact type produced from a frame sequence
type SinkKind string

const (
	// SinkGIF is a single looping animated GIF
	SinkGIF SinkKind = "gif"

	// SinkVideo is a single video file (H.264 MP4 or Motion-JPEG AVI)
	SinkVideo SinkKind = "video"

	// SinkArchive is one or more ZIP archives of PNG stills
	SinkArchive SinkKind = "archive"
)

// AllSinks lists every supported sink kind in a stable order
var AllSinks = []SinkKind{SinkGIF, SinkVideo, SinkArchive}

// SinkSet is the set of sinks requested for one run
type SinkSet map[SinkKind]bool

// ParseSinkSet converts a comma-separated list into a SinkSet
// Accepted values: "gif", "video", "archive" and "all"
func ParseSinkSet(value string) (SinkSet, error) {
	set := SinkSet{}
	for _, part := range strings.Split(value, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "":
			continue
		case "all":
			for _, kind := range AllSinks {
				set[kind] = true
			}
		case string(SinkGIF), string(SinkVideo), string(SinkArchive):
			set[SinkKind(part)] = true
		case "mp4", "avi":
			set[SinkVideo] = true
		case "zip":
			set[SinkArchive] = true
		default:
			return nil, fmt.Errorf("invalid sink: %s (must be 'gif', 'video', 'archive' or 'all')", part)
		}
	}
	if len(set) == 0 {
		return nil, fmt.Errorf("no sinks selected")
	}
	return set, nil
}

// NewSinkSet builds a set from explicit kinds
func NewSinkSet(kinds ...SinkKind) SinkSet {
	set := SinkSet{}
	for _, kind := range kinds {
		set[kind] = true
	}
	return set
}

// Kinds returns the selected kinds in the stable AllSinks order
func (s SinkSet) Kinds() []SinkKind {
	kinds := make([]SinkKind, 0, len(s))
	for _, kind := range AllSinks {
		if s[kind] {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// String returns the comma-separated representation of the set
func (s SinkSet) String() string {
	names := make([]string, 0, len(s))
	for kind, on := range s {
		if on {
			names = append(names, string(kind))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}
