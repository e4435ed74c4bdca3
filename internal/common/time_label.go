package common

import (
	"fmt"
	"strconv"
	"time"
)

// Time label format constants
const (
	// LabelDate is the WMS TIME value format used by the dated time-series layers
	LabelDate = "20060102"

	// LabelYear is the WMS TIME value format used by yearly product layers
	LabelYear = "2006"

	// OverlayDate is the format used when a full date is drawn on a frame
	OverlayDate = "2 January 2006"
)

// TimeLabel identifies one temporal snapshot of a layer, as understood by the
// imagery service's TIME parameter (e.g. "18641231" or "1946")
type TimeLabel string

// String returns the raw label value
func (l TimeLabel) String() string {
	return string(l)
}

// Year returns the calendar year encoded in the first four characters of the label
func (l TimeLabel) Year() (int, error) {
	if len(l) < 4 {
		return 0, fmt.Errorf("time label %q is too short to carry a year", string(l))
	}
	year, err := strconv.Atoi(string(l[:4]))
	if err != nil {
		return 0, fmt.Errorf("time label %q does not start with a year: %w", string(l), err)
	}
	return year, nil
}

// Time parses the label as either a full date (YYYYMMDD) or a year (YYYY)
func (l TimeLabel) Time() (time.Time, error) {
	switch len(l) {
	case len(LabelDate):
		return time.Parse(LabelDate, string(l))
	case len(LabelYear):
		return time.Parse(LabelYear, string(l))
	default:
		return time.Time{}, fmt.Errorf("unsupported time label format: %q", string(l))
	}
}

// Display returns the text drawn on a frame. Labels that carry a year are shown
// as that year; anything else is shown verbatim.
func (l TimeLabel) Display() string {
	if year, err := l.Year(); err == nil {
		return strconv.Itoa(year)
	}
	return string(l)
}

// FormatOverlay formats a label as a full date when it is one, falling back to Display
func (l TimeLabel) FormatOverlay() string {
	if len(l) == len(LabelDate) {
		if t, err := l.Time(); err == nil {
			return t.Format(OverlayDate)
		}
	}
	return l.Display()
}

// ParseTimeLabels converts raw strings into labels, rejecting empty values
func ParseTimeLabels(values []string) ([]TimeLabel, error) {
	labels := make([]TimeLabel, 0, len(values))
	for _, v := range values {
		if v == "" {
			return nil, fmt.Errorf("time label is empty")
		}
		labels = append(labels, TimeLabel(v))
	}
	return labels, nil
}
