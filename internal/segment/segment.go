package segment

import (
	"fmt"

	"nucleusquant/internal/imaging"
)

// Params controls segmentation.
type Params struct {
	// MinNucleusSize is the smallest 4-connected object, in pixels, that
	// survives cleanup.
	MinNucleusSize int

	// HistogramBins is the number of bins used for the Otsu histogram.
	HistogramBins int
}

// DefaultParams returns the default segmentation parameters.
func DefaultParams() Params {
	return Params{MinNucleusSize: 100, HistogramBins: 256}
}

// Result is the output of Segment.
type Result struct {
	// Background is the global median of the raw plane.
	Background float64

	// Threshold is the Otsu threshold in background-subtracted units.
	Threshold float64

	// Corrected is the background-subtracted signal clipped at zero.
	Corrected []float64

	// Labels is the instance segmentation.
	Labels *imaging.LabelImage
}

// Segment runs background correction, thresholding, cleanup and labelling
// on p.
func Segment(p *imaging.Plane, params Params) (*Result, error) {
	if p == nil || p.Len() == 0 || len(p.Pix) != p.Len() {
		return nil, imaging.ErrEmptyImage
	}
	bins := params.HistogramBins
	if bins == 0 {
		bins = DefaultParams().HistogramBins
	}

	bg, err := Median(p.Pix)
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	signed := Subtract(p.Pix, bg)

	thr, err := OtsuThreshold(signed, bins)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}

	mask := Foreground(signed, p.Width, p.Height, thr)
	mask = RemoveSmallObjects(mask, params.MinNucleusSize)
	mask = FillHoles(mask)

	return &Result{
		Background: bg,
		Threshold:  thr,
		Corrected:  Clip(signed),
		Labels:     Label(mask),
	}, nil
}
