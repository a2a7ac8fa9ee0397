package render

import (
	"image"
	"image/color"
	"math"

	"nucleusquant/internal/imaging"
)

var (
	crossFootprint  = [][2]int{{0, 0}, {0, -1}, {-1, 0}, {1, 0}, {0, 1}}
	squareFootprint = [][2]int{{0, 0}, {-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
)

// extremum returns the per-pixel max (dilate) or min (erode) of vals over fp.
// Neighbours outside the raster are ignored.
func extremum(vals []int32, width, height int, fp [][2]int, dilate bool) []int32 {
	out := make([]int32, len(vals))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			best := vals[y*width+x]
			for _, o := range fp {
				nx, ny := x+o[0], y+o[1]
				if nx < 0 || ny < 0 || nx >= width || ny >= height {
					continue
				}
				v := vals[ny*width+nx]
				if (dilate && v > best) || (!dilate && v < best) {
					best = v
				}
			}
			out[y*width+x] = best
		}
	}
	return out
}

// FindBoundaries marks the outer boundary of every object: background pixels
// that touch an object, plus object pixels that touch a different object.
func FindBoundaries(labels *imaging.LabelImage) []bool {
	w, h := labels.Width, labels.Height
	l := labels.Labels

	dilCross := extremum(l, w, h, crossFootprint, true)
	eroCross := extremum(l, w, h, crossFootprint, false)

	inverted := make([]int32, len(l))
	for i, v := range l {
		if v == 0 {
			inverted[i] = math.MaxInt32
		} else {
			inverted[i] = v
		}
	}
	dilSquare := extremum(l, w, h, squareFootprint, true)
	eroInverted := extremum(inverted, w, h, squareFootprint, false)

	out := make([]bool, len(l))
	for i, v := range l {
		thick := dilCross[i] != eroCross[i]
		if !thick {
			continue
		}
		background := v == 0
		adjacent := !background && dilSquare[i] != eroInverted[i]
		out[i] = background || adjacent
	}
	return out
}

// Boundaries draws the min-max normalised image in gray with object
// boundaries painted white.
func Boundaries(p *imaging.Plane, labels *imaging.LabelImage) (*image.NRGBA, error) {
	if err := checkShape(p, labels); err != nil {
		return nil, err
	}
	gray := normalize(p)
	edges := FindBoundaries(labels)

	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	for i, g := range gray {
		b := toByte(g)
		if edges[i] {
			b = 255
		}
		img.SetNRGBA(i%p.Width, i/p.Width, color.NRGBA{R: b, G: b, B: b, A: 255})
	}
	return img, nil
}
