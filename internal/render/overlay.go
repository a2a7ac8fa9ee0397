package render

import (
	"fmt"
	"image"
	"image/color"
	"sort"

	"nucleusquant/internal/imaging"
)

// DefaultAlpha is the label opacity used for overlays.
const DefaultAlpha = 0.3

func checkShape(p *imaging.Plane, labels *imaging.LabelImage) error {
	if p == nil || labels == nil {
		return fmt.Errorf("render: nil input")
	}
	if p.Width != labels.Width || p.Height != labels.Height {
		return fmt.Errorf("render: image %dx%d and labels %dx%d differ", p.Width, p.Height, labels.Width, labels.Height)
	}
	return nil
}

// grayScale returns p scaled to [0,1] by its nominal full-scale value, or
// min-max normalised when that is unknown.
func grayScale(p *imaging.Plane) []float64 {
	out := make([]float64, len(p.Pix))
	if p.MaxValue > 0 {
		for i, v := range p.Pix {
			out[i] = v / p.MaxValue
		}
		return out
	}
	return normalize(p)
}

// normalize scales p to [0,1] by its own range.
func normalize(p *imaging.Plane) []float64 {
	lo, hi := p.MinMax()
	span := hi - lo + 1e-8
	out := make([]float64, len(p.Pix))
	for i, v := range p.Pix {
		out[i] = (v - lo) / span
	}
	return out
}

// Overlay blends a distinct colour per label over the gray image. Labelled
// pixels are color*alpha + gray*(1-alpha); background keeps the gray value.
// Colours cycle through Palette in ascending label order.
func Overlay(p *imaging.Plane, labels *imaging.LabelImage, alpha float64) (*image.NRGBA, error) {
	if err := checkShape(p, labels); err != nil {
		return nil, err
	}
	gray := grayScale(p)

	present := make(map[int32]struct{})
	for _, l := range labels.Labels {
		if l != 0 {
			present[l] = struct{}{}
		}
	}
	ordered := make([]int32, 0, len(present))
	for l := range present {
		ordered = append(ordered, l)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	colorOf := make(map[int32]color.NRGBA, len(ordered))
	for i, l := range ordered {
		colorOf[l] = Palette[i%len(Palette)]
	}

	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	for i, l := range labels.Labels {
		g := gray[i]
		px := color.NRGBA{A: 255}
		if l == 0 {
			b := toByte(g)
			px.R, px.G, px.B = b, b, b
		} else {
			c := colorOf[l]
			px.R = toByte(unit(c.R)*alpha + g*(1-alpha))
			px.G = toByte(unit(c.G)*alpha + g*(1-alpha))
			px.B = toByte(unit(c.B)*alpha + g*(1-alpha))
		}
		img.SetNRGBA(i%p.Width, i/p.Width, px)
	}
	return img, nil
}
