package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Load decodes the TIFF at path into a Plane.
func Load(path string) (*Plane, error) {
	// #nosec G304 -- input paths come from the operator's input directory
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	return Decode(bytes.NewReader(data))
}

// Decode reads the first page of a TIFF.
//
// 8- and 16-bit grayscale samples are kept as raw values. Other colour models
// are reduced to 16-bit luminance.
func Decode(r io.Reader) (*Plane, error) {
	img, err := tiff.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode tiff: %w", err)
	}
	return FromImage(img)
}

// FromImage converts an arbitrary image into a Plane.
func FromImage(img image.Image) (*Plane, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, ErrEmptyImage
	}
	p := NewPlane(w, h)

	switch src := img.(type) {
	case *image.Gray:
		p.MaxValue = math.MaxUint8
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p.Pix[y*w+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	case *image.Gray16:
		p.MaxValue = math.MaxUint16
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p.Pix[y*w+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y)
			}
		}
	default:
		p.MaxValue = math.MaxUint16
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
				p.Pix[y*w+x] = float64(g.Y)
			}
		}
	}
	return p, nil
}

// EncodeLabels writes a label image as a Deflate-compressed 16-bit grayscale TIFF.
func EncodeLabels(w io.Writer, l *LabelImage) error {
	if l == nil || l.Width <= 0 || l.Height <= 0 {
		return ErrEmptyImage
	}
	if l.Count > math.MaxUint16 {
		return fmt.Errorf("%w: %d labels", ErrTooManyLabels, l.Count)
	}
	img := image.NewGray16(image.Rect(0, 0, l.Width, l.Height))
	for y := 0; y < l.Height; y++ {
		for x := 0; x < l.Width; x++ {
			v := l.Labels[y*l.Width+x]
			if v < 0 || v > math.MaxUint16 {
				return fmt.Errorf("%w: label %d at (%d,%d)", ErrTooManyLabels, v, x, y)
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(v)})
		}
	}
	if err := tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate}); err != nil {
		return fmt.Errorf("encode label tiff: %w", err)
	}
	return nil
}

// DecodeLabels reads a label TIFF written by EncodeLabels.
func DecodeLabels(r io.Reader) (*LabelImage, error) {
	p, err := Decode(r)
	if err != nil {
		return nil, err
	}
	l := NewLabelImage(p.Width, p.Height)
	var maxLabel int32
	for i, v := range p.Pix {
		lv := int32(v)
		l.Labels[i] = lv
		if lv > maxLabel {
			maxLabel = lv
		}
	}
	l.Count = int(maxLabel)
	return l, nil
}
