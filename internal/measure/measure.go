// Package measure computes per-nucleus region properties and reads and
// writes the measurements table.
package measure

import (
	"errors"
	"fmt"

	"nucleusquant/internal/imaging"
)

// ErrShapeMismatch is returned when the label and intensity rasters differ in size.
var ErrShapeMismatch = errors.New("label and intensity shapes differ")

// Measurement is one row of the measurements table.
//
// MeanIntensity is computed on the background-corrected signal and
// IntegratedIntensity is Area * MeanIntensity. Bounding box maxima are
// exclusive.
type Measurement struct {
	ImageID             string  `json:"image_id"`
	Label               int     `json:"label"`
	Area                int     `json:"area"`
	MeanIntensity       float64 `json:"mean_intensity"`
	IntegratedIntensity float64 `json:"integrated_intensity"`
	CentroidRow         float64 `json:"centroid_row"`
	CentroidCol         float64 `json:"centroid_col"`
	MinRow              int     `json:"bbox_min_row"`
	MinCol              int     `json:"bbox_min_col"`
	MaxRow              int     `json:"bbox_max_row"`
	MaxCol              int     `json:"bbox_max_col"`
}

type accumulator struct {
	area           int
	sum            float64
	rowSum, colSum float64
	minRow, minCol int
	maxRow, maxCol int
}

// Regions measures every labelled object in labels against intensity.
// Results are ordered by label.
func Regions(labels *imaging.LabelImage, intensity []float64, imageID string) ([]Measurement, error) {
	if labels == nil {
		return nil, fmt.Errorf("%w: nil labels", ErrShapeMismatch)
	}
	n := labels.Width * labels.Height
	if len(labels.Labels) != n || len(intensity) != n {
		return nil, fmt.Errorf("%w: labels %d, intensity %d, expected %d", ErrShapeMismatch, len(labels.Labels), len(intensity), n)
	}

	acc := make([]accumulator, labels.Count+1)
	for i, l := range labels.Labels {
		if l <= 0 {
			continue
		}
		if int(l) > labels.Count {
			return nil, fmt.Errorf("label %d exceeds count %d", l, labels.Count)
		}
		row, col := i/labels.Width, i%labels.Width
		a := &acc[l]
		if a.area == 0 {
			a.minRow, a.minCol = row, col
			a.maxRow, a.maxCol = row, col
		}
		a.area++
		a.sum += intensity[i]
		a.rowSum += float64(row)
		a.colSum += float64(col)
		if row < a.minRow {
			a.minRow = row
		}
		if col < a.minCol {
			a.minCol = col
		}
		if row > a.maxRow {
			a.maxRow = row
		}
		if col > a.maxCol {
			a.maxCol = col
		}
	}

	out := make([]Measurement, 0, labels.Count)
	for l := 1; l <= labels.Count; l++ {
		a := acc[l]
		if a.area == 0 {
			continue
		}
		area := float64(a.area)
		mean := a.sum / area
		out = append(out, Measurement{
			ImageID:             imageID,
			Label:               l,
			Area:                a.area,
			MeanIntensity:       mean,
			IntegratedIntensity: area * mean,
			CentroidRow:         a.rowSum / area,
			CentroidCol:         a.colSum / area,
			MinRow:              a.minRow,
			MinCol:              a.minCol,
			MaxRow:              a.maxRow + 1,
			MaxCol:              a.maxCol + 1,
		})
	}
	return out, nil
}
