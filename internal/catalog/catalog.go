package catalog

import (
	"fmt"
	"strconv"

	"imagery-timelapse/internal/common"
)

// Catalog is the ordered list of time labels a layer can be requested at
type Catalog struct {
	Layer  string
	Labels []common.TimeLabel
}

// EmptyRangeError reports a start/end selection that matched no label
type EmptyRangeError struct {
	Layer string
	Start int
	End   int
}

func (e *EmptyRangeError) Error() string {
	if e.Start > e.End {
		return fmt.Sprintf("empty time range for %s: start %d is after end %d", e.Layer, e.Start, e.End)
	}
	return fmt.Sprintf("no time labels for %s between %d and %d", e.Layer, e.Start, e.End)
}

// Builtin returns the known catalog of a layer without contacting the service
func Builtin(layer string) (*Catalog, error) {
	switch layer {
	case common.LayerZeitreihen:
		return &Catalog{Layer: layer, Labels: zeitreihenLabels()}, nil
	case common.LayerSwissImage:
		return &Catalog{Layer: layer, Labels: swissImageLabels()}, nil
	default:
		return nil, fmt.Errorf("no built-in catalog for layer %s", layer)
	}
}

// Select returns the labels whose year lies in [startYear, endYear], in catalog order
func (c *Catalog) Select(startYear, endYear int) ([]common.TimeLabel, error) {
	if startYear > endYear {
		return nil, &EmptyRangeError{Layer: c.Layer, Start: startYear, End: endYear}
	}

	var selected []common.TimeLabel
	for _, label := range c.Labels {
		year, err := label.Year()
		if err != nil {
			continue
		}
		if year >= startYear && year <= endYear {
			selected = append(selected, label)
		}
	}

	if len(selected) == 0 {
		return nil, &EmptyRangeError{Layer: c.Layer, Start: startYear, End: endYear}
	}
	return selected, nil
}

// Span returns the first and last year covered by the catalog
func (c *Catalog) Span() (first, last int, ok bool) {
	for _, label := range c.Labels {
		year, err := label.Year()
		if err != nil {
			continue
		}
		if !ok || year < first {
			first = year
		}
		if !ok || year > last {
			last = year
		}
		ok = true
	}
	return first, last, ok
}

// zeitreihenLabels lists the year-end snapshots of the national map series:
// 1864, 1870, 1880, 1890 and then every year from 1894 to 2021.
func zeitreihenLabels() []common.TimeLabel {
	years := []int{1864, 1870, 1880, 1890}
	for y := 1894; y <= 2021; y++ {
		years = append(years, y)
	}

	labels := make([]common.TimeLabel, 0, len(years))
	for _, y := range years {
		labels = append(labels, common.TimeLabel(strconv.Itoa(y)+"1231"))
	}
	return labels
}

// swissImageLabels lists the flight years of the orthophoto product
func swissImageLabels() []common.TimeLabel {
	years := []int{1946, 1959, 1965, 1966, 1967, 1970, 1971, 1972, 1973, 1974}
	for y := 1976; y <= 2023; y++ {
		years = append(years, y)
	}

	labels := make([]common.TimeLabel, 0, len(years))
	for _, y := range years {
		labels = append(labels, common.TimeLabel(strconv.Itoa(y)))
	}
	return labels
}
