// Package qc summarises a measurements table and flags images whose nucleus
// counts fall outside the expected range.
package qc

import (
	"fmt"
	"sort"

	"nucleusquant/internal/measure"
	"nucleusquant/internal/segment"
)

// Flag reasons.
const (
	ReasonTooFew  = "Too few nuclei"
	ReasonTooMany = "Too many nuclei"
)

// Default count bounds.
const (
	DefaultMinNuclei = 5
	DefaultMaxNuclei = 5000
)

// Summary holds dataset-wide statistics.
type Summary struct {
	NumNuclei     int     `json:"num_nuclei"`
	MeanArea      float64 `json:"mean_area"`
	MedianArea    float64 `json:"median_area"`
	MinArea       int     `json:"min_area"`
	MaxArea       int     `json:"max_area"`
	MeanIntensity float64 `json:"mean_intensity"`
}

// Summarize computes a Summary. An empty table yields the zero Summary.
func Summarize(ms []measure.Measurement) Summary {
	if len(ms) == 0 {
		return Summary{}
	}
	s := Summary{NumNuclei: len(ms), MinArea: ms[0].Area, MaxArea: ms[0].Area}
	areas := make([]float64, len(ms))
	var areaSum, intensitySum float64
	for i, m := range ms {
		areas[i] = float64(m.Area)
		areaSum += float64(m.Area)
		intensitySum += m.MeanIntensity
		if m.Area < s.MinArea {
			s.MinArea = m.Area
		}
		if m.Area > s.MaxArea {
			s.MaxArea = m.Area
		}
	}
	s.MeanArea = areaSum / float64(len(ms))
	s.MeanIntensity = intensitySum / float64(len(ms))
	// Non-empty input cannot fail.
	s.MedianArea, _ = segment.Median(areas)
	return s
}

// Flag marks an image that failed a quality check.
type Flag struct {
	ImageID string `json:"image_id"`
	Count   int    `json:"num_nuclei"`
	Reason  string `json:"reason"`
}

// Counts returns the number of nuclei per image. Every ID in images is
// present, including those with no nuclei.
func Counts(ms []measure.Measurement, images []string) map[string]int {
	counts := make(map[string]int, len(images))
	for _, id := range images {
		counts[id] = 0
	}
	for _, m := range ms {
		counts[m.ImageID]++
	}
	return counts
}

// FlagImages flags images with fewer than minNuclei or more than maxNuclei
// nuclei. Flags are ordered by image ID.
func FlagImages(ms []measure.Measurement, images []string, minNuclei, maxNuclei int) []Flag {
	counts := Counts(ms, images)
	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var flags []Flag
	for _, id := range ids {
		n := counts[id]
		switch {
		case n < minNuclei:
			flags = append(flags, Flag{ImageID: id, Count: n, Reason: ReasonTooFew})
		case n > maxNuclei:
			flags = append(flags, Flag{ImageID: id, Count: n, Reason: ReasonTooMany})
		}
	}
	return flags
}

// Bin is one histogram bucket covering [Lo, Hi). The last bin is closed.
type Bin struct {
	Lo    float64 `json:"lo"`
	Hi    float64 `json:"hi"`
	Count int     `json:"count"`
}

// Histogram buckets vals into bins equal-width bins over [min, max]. A
// constant input is widened by 0.5 on each side.
func Histogram(vals []float64, bins int) ([]Bin, error) {
	counts, _, err := segment.Histogram(vals, bins)
	if err != nil {
		return nil, fmt.Errorf("histogram: %w", err)
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if lo == hi {
		lo, hi = lo-0.5, hi+0.5
	}
	step := (hi - lo) / float64(bins)
	out := make([]Bin, len(counts))
	for i, c := range counts {
		out[i] = Bin{Lo: lo + float64(i)*step, Hi: lo + float64(i+1)*step, Count: int(c)}
	}
	out[len(out)-1].Hi = hi
	return out, nil
}

// Areas returns the area column as float64.
func Areas(ms []measure.Measurement) []float64 {
	out := make([]float64, len(ms))
	for i, m := range ms {
		out[i] = float64(m.Area)
	}
	return out
}
