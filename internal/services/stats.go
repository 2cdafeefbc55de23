package services

import (
	"sort"

	"airquality-platform/internal/models"
)

// usableValues filters out sentinel and non-finite values. No aggregate is
// ever computed over unusable values.
func usableValues(values []float64) []float64 {
	usable := make([]float64, 0, len(values))
	for _, v := range values {
		if models.IsUsableValue(v) {
			usable = append(usable, v)
		}
	}
	return usable
}

// percentile returns the q-th percentile (0 <= q <= 100) of values using the
// lower-interpolation method: the element at the floored fractional rank.
// This keeps boundary readings inside trim bounds instead of interpolating
// them away. values must be non-empty and sorted ascending.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := q / 100 * float64(len(sorted)-1)
	idx := int(rank)
	if idx < 0 {
		idx = 0
	}
	if idx > len(sorted)-1 {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// outlierBounds computes the two-sided percentile bounds [alpha/2, 1-alpha/2]
// over the given values. Returns ok=false when no usable values exist.
func outlierBounds(values []float64, alpha float64) (lower, upper float64, ok bool) {
	usable := usableValues(values)
	if len(usable) == 0 {
		return 0, 0, false
	}

	sorted := make([]float64, len(usable))
	copy(sorted, usable)
	sort.Float64s(sorted)

	lower = percentile(sorted, alpha/2*100)
	upper = percentile(sorted, (1-alpha/2)*100)
	return lower, upper, true
}

// trimmedMean discards values outside the two-sided percentile bounds and
// averages the remainder. ok=false when the trimmed set is empty; callers
// omit the key instead of reporting a mean of nothing.
func trimmedMean(values []float64, alpha float64) (mean float64, kept int, ok bool) {
	lower, upper, ok := outlierBounds(values, alpha)
	if !ok {
		return 0, 0, false
	}

	var sum float64
	for _, v := range usableValues(values) {
		if v < lower || v > upper {
			continue
		}
		sum += v
		kept++
	}

	if kept == 0 {
		return 0, 0, false
	}
	return sum / float64(kept), kept, true
}
