package collector

import (
	"github.com/samber/lo"

	"imagery-timelapse/internal/common"
)

// Collect drops empty slots and returns the remaining frames in slot order
func Collect(results []*common.Frame) []common.Frame {
	return lo.FilterMap(results, func(f *common.Frame, _ int) (common.Frame, bool) {
		if f == nil {
			return common.Frame{}, false
		}
		return *f, true
	})
}

// Missing returns the slot indexes that produced no frame
func Missing(results []*common.Frame) []int {
	return lo.FilterMap(results, func(f *common.Frame, i int) (int, bool) {
		return i, f == nil
	})
}
