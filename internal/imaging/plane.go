// Package imaging holds the raster types shared by segmentation, measurement
// and rendering, together with their TIFF codecs.
package imaging

import (
	"errors"
	"math"
)

var (
	// ErrEmptyImage is returned for rasters with no pixels.
	ErrEmptyImage = errors.New("image has no pixels")

	// ErrTooManyLabels is returned when a label image cannot be represented
	// with 16-bit samples.
	ErrTooManyLabels = errors.New("label count exceeds 16-bit range")
)

// Plane is a single-channel raster in row-major order.
//
// MaxValue is the nominal full-scale value of the source sample format and is
// only used to scale for display. Zero means unknown; renderers then fall back
// to min-max normalisation.
type Plane struct {
	Width    int
	Height   int
	Pix      []float64
	MaxValue float64
}

// NewPlane allocates a zeroed plane.
func NewPlane(width, height int) *Plane {
	return &Plane{Width: width, Height: height, Pix: make([]float64, width*height)}
}

// At returns the value at column x, row y.
func (p *Plane) At(x, y int) float64 {
	return p.Pix[y*p.Width+x]
}

// Set stores v at column x, row y.
func (p *Plane) Set(x, y int, v float64) {
	p.Pix[y*p.Width+x] = v
}

// Len returns the number of pixels.
func (p *Plane) Len() int {
	return p.Width * p.Height
}

// MinMax returns the smallest and largest pixel values.
func (p *Plane) MinMax() (float64, float64) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range p.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// LabelImage is an instance segmentation: 0 is background, 1..Count are objects.
type LabelImage struct {
	Width  int
	Height int
	Labels []int32
	Count  int
}

// NewLabelImage allocates an all-background label image.
func NewLabelImage(width, height int) *LabelImage {
	return &LabelImage{Width: width, Height: height, Labels: make([]int32, width*height)}
}

// At returns the label at column x, row y.
func (l *LabelImage) At(x, y int) int32 {
	return l.Labels[y*l.Width+x]
}
