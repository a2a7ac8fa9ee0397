// Package render draws segmentation results for visual inspection. Nothing
// rendered here feeds back into measurements.
package render

import "image/color"

// Palette is the label colour cycle used by overlays.
var Palette = []color.NRGBA{
	{R: 255, G: 0, B: 0, A: 255},     // red
	{R: 0, G: 0, B: 255, A: 255},     // blue
	{R: 255, G: 255, B: 0, A: 255},   // yellow
	{R: 255, G: 0, B: 255, A: 255},   // magenta
	{R: 0, G: 128, B: 0, A: 255},     // green
	{R: 75, G: 0, B: 130, A: 255},    // indigo
	{R: 255, G: 140, B: 0, A: 255},   // darkorange
	{R: 0, G: 255, B: 255, A: 255},   // cyan
	{R: 255, G: 192, B: 203, A: 255}, // pink
	{R: 154, G: 205, B: 50, A: 255},  // yellowgreen
}

// toByte maps [0,1] to [0,255], truncating.
func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

func unit(c uint8) float64 {
	return float64(c) / 255
}
