package planner

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"imagery-timelapse/internal/common"
)

// DefaultMaxPixels is the largest width*height the service renders in one GetMap call
const DefaultMaxPixels = 4000 * 4000

// ErrNoLabels is returned when a plan is requested for an empty label list
var ErrNoLabels = errors.New("no time labels to plan")

// InvalidDimensionsError reports an output size the service cannot render
type InvalidDimensionsError struct {
	Width     int
	Height    int
	MaxPixels int
}

func (e *InvalidDimensionsError) Error() string {
	if e.Width <= 0 || e.Height <= 0 {
		return fmt.Sprintf("invalid output dimensions %dx%d: width and height must be positive", e.Width, e.Height)
	}
	return fmt.Sprintf("invalid output dimensions %dx%d: exceeds the limit of %d pixels",
		e.Width, e.Height, e.MaxPixels)
}

// Config holds the fixed service parameters shared by every planned request
type Config struct {
	BaseURL   string
	Layer     string
	CRS       string
	Format    string
	MaxPixels int
}

// Planner turns (bbox, size, labels) into one GetMap request per label
type Planner struct {
	config Config
}

// New creates a planner, filling unset parameters with service defaults
func New(config Config) (*Planner, error) {
	if config.Layer == "" {
		return nil, fmt.Errorf("layer is required")
	}
	if config.BaseURL == "" {
		config.BaseURL = common.DefaultWMSBaseURL
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", config.BaseURL, err)
	}
	if config.CRS == "" {
		config.CRS = common.DefaultCRS
	}
	if config.Format == "" {
		config.Format = common.DefaultFormat(config.Layer)
	}
	if config.MaxPixels <= 0 {
		config.MaxPixels = DefaultMaxPixels
	}
	return &Planner{config: config}, nil
}

// Config returns the effective planner configuration
func (p *Planner) Config() Config {
	return p.config
}

// Plan produces one request per label in the given order. It fails before
// producing anything when the size or box is unusable or labels is empty.
func (p *Planner) Plan(bbox common.BoundingBox, width, height int, labels []common.TimeLabel) ([]common.FetchRequest, error) {
	if err := p.ValidateDimensions(width, height); err != nil {
		return nil, err
	}
	if err := bbox.Validate(); err != nil {
		return nil, err
	}
	if len(labels) == 0 {
		return nil, ErrNoLabels
	}

	requests := make([]common.FetchRequest, len(labels))
	for i, label := range labels {
		requests[i] = common.FetchRequest{
			Label:     label,
			TargetURL: p.GetMapURL(bbox, width, height, label),
			Index:     i,
		}
	}
	return requests, nil
}

// ValidateDimensions checks the output size against the pixel budget
func (p *Planner) ValidateDimensions(width, height int) error {
	// width*height can overflow int, so compare against the per-row quotient
	if width <= 0 || height <= 0 || width > p.config.MaxPixels/height {
		return &InvalidDimensionsError{Width: width, Height: height, MaxPixels: p.config.MaxPixels}
	}
	return nil
}

// GetMapURL builds the WMS 1.3.0 GetMap URL for one label. Parameters are
// written in a fixed order so equal inputs always give identical URLs.
func (p *Planner) GetMapURL(bbox common.BoundingBox, width, height int, label common.TimeLabel) string {
	params := [][2]string{
		{"SERVICE", "WMS"},
		{"REQUEST", "GetMap"},
		{"VERSION", "1.3.0"},
		{"LAYERS", p.config.Layer},
		{"STYLES", ""},
		{"CRS", p.config.CRS},
		{"BBOX", bbox.String()},
		{"WIDTH", strconv.Itoa(width)},
		{"HEIGHT", strconv.Itoa(height)},
		{"FORMAT", p.config.Format},
		{"TIME", label.String()},
		{"TILED", "true"},
	}

	var sb strings.Builder
	sb.WriteString(p.config.BaseURL)
	if strings.Contains(p.config.BaseURL, "?") {
		if !strings.HasSuffix(p.config.BaseURL, "?") && !strings.HasSuffix(p.config.BaseURL, "&") {
			sb.WriteByte('&')
		}
	} else {
		sb.WriteByte('?')
	}

	for i, kv := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(kv[0])
		sb.WriteByte('=')
		sb.WriteString(escapeParam(kv[1]))
	}
	return sb.String()
}

// escapeParam query-escapes a value but keeps the separators WMS servers
// expect verbatim in BBOX and CRS values
func escapeParam(v string) string {
	escaped := url.QueryEscape(v)
	escaped = strings.ReplaceAll(escaped, "%2C", ",")
	escaped = strings.ReplaceAll(escaped, "%3A", ":")
	escaped = strings.ReplaceAll(escaped, "%2F", "/")
	return escaped
}
