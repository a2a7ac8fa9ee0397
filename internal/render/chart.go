package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"strconv"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"nucleusquant/internal/segment"
)

// ChartOptions configures BarChart.
type ChartOptions struct {
	Width  int
	Height int
	Title  string
	XLabel string
	YLabel string
}

// AreaChartOptions returns the labels used for the nucleus area histogram.
func AreaChartOptions() ChartOptions {
	return ChartOptions{
		Width:  640,
		Height: 480,
		Title:  "Distribution of Nucleus Areas",
		XLabel: "Nucleus Area (pixels)",
		YLabel: "Count",
	}
}

var (
	barColor  = color.NRGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255}
	axisColor = color.NRGBA{A: 255}
)

const (
	marginLeft   = 60
	marginRight  = 20
	marginTop    = 36
	marginBottom = 48
)

// BarChart renders counts as adjacent bars spanning [lo, hi] on the x axis.
func BarChart(counts []int, lo, hi float64, opts ChartOptions) (*image.NRGBA, error) {
	if len(counts) == 0 {
		return nil, fmt.Errorf("bar chart: no bins")
	}
	if opts.Width <= marginLeft+marginRight || opts.Height <= marginTop+marginBottom {
		return nil, fmt.Errorf("bar chart: canvas %dx%d too small", opts.Width, opts.Height)
	}
	img := image.NewNRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	plotW := opts.Width - marginLeft - marginRight
	plotH := opts.Height - marginTop - marginBottom
	x0, y0 := marginLeft, opts.Height-marginBottom

	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	if maxCount > 0 {
		for i, c := range counts {
			left := x0 + i*plotW/len(counts)
			right := x0 + (i+1)*plotW/len(counts)
			top := y0 - c*plotH/maxCount
			bar := image.Rect(left, top, right, y0)
			draw.Draw(img, bar, image.NewUniform(barColor), image.Point{}, draw.Src)
			if right-left > 2 && c > 0 {
				// Separator keeps adjacent bars distinguishable.
				draw.Draw(img, image.Rect(right-1, top, right, y0), image.NewUniform(color.White), image.Point{}, draw.Src)
			}
		}
	}

	// Axes.
	draw.Draw(img, image.Rect(x0, marginTop, x0+1, y0+1), image.NewUniform(axisColor), image.Point{}, draw.Src)
	draw.Draw(img, image.Rect(x0, y0, x0+plotW, y0+1), image.NewUniform(axisColor), image.Point{}, draw.Src)

	drawText(img, opts.Title, opts.Width/2, marginTop/2+4, true)
	drawText(img, opts.XLabel, x0+plotW/2, opts.Height-10, true)
	drawText(img, opts.YLabel, 4, marginTop-6, false)
	drawText(img, formatTick(lo), x0, y0+16, true)
	drawText(img, formatTick(hi), x0+plotW, y0+16, true)
	drawText(img, strconv.Itoa(maxCount), 4, marginTop+10, false)
	return img, nil
}

func formatTick(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func drawText(dst draw.Image, s string, x, y int, centered bool) {
	if s == "" {
		return
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(axisColor),
		Face: basicfont.Face7x13,
	}
	if centered {
		x -= d.MeasureString(s).Round() / 2
	}
	d.Dot = fixed.P(x, y)
	d.DrawString(s)
}

// DefaultAreaBins is the bin count of the nucleus area histogram.
const DefaultAreaBins = 50

// AreaHistogram draws the distribution of nucleus areas as a bar chart.
func AreaHistogram(areas []float64, bins int, opts ChartOptions) (*image.NRGBA, error) {
	if bins <= 0 {
		bins = DefaultAreaBins
	}
	counts, centers, err := segment.Histogram(areas, bins)
	if err != nil {
		return nil, fmt.Errorf("area histogram: %w", err)
	}
	ints := make([]int, len(counts))
	for i, c := range counts {
		ints[i] = int(c)
	}
	half := (centers[len(centers)-1] - centers[0]) / float64(2*max(len(centers)-1, 1))
	if len(centers) == 1 {
		half = 0.5
	}
	return BarChart(ints, centers[0]-half, centers[len(centers)-1]+half, opts)
}
