// Package segment detects nuclei in a single fluorescence plane.
//
// The stages are, in order: global median background estimation, Otsu
// thresholding of the background-subtracted signal, removal of small
// objects, hole filling and connected-component labelling.
package segment

import (
	"errors"
	"sort"
)

// ErrEmptyInput is returned when a stage receives no samples.
var ErrEmptyInput = errors.New("no samples")

// Median returns the median of vals. For an even count it is the mean of the
// two middle values.
func Median(vals []float64) (float64, error) {
	n := len(vals)
	if n == 0 {
		return 0, ErrEmptyInput
	}
	s := make([]float64, n)
	copy(s, vals)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2], nil
	}
	return (s[n/2-1] + s[n/2]) / 2, nil
}

// Subtract returns v - bg for every sample, keeping negative values.
func Subtract(vals []float64, bg float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		out[i] = v - bg
	}
	return out
}

// Clip returns max(v, 0) for every sample.
func Clip(vals []float64) []float64 {
	out := make([]float64, len(vals))
	for i, v := range vals {
		if v > 0 {
			out[i] = v
		}
	}
	return out
}
