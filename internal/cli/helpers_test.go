package cli

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"

	"nucleusquant/internal/config"
)

// writeNucleiTIFF writes a 40x40 16-bit image with background 100 and two
// 12x12 nuclei at 1100.
func writeNucleiTIFF(t *testing.T, dir, name string) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 40, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 40; x++ {
			v := uint16(100)
			if (x >= 4 && x < 16 && y >= 4 && y < 16) || (x >= 24 && x < 36 && y >= 24 && y < 36) {
				v = 1100
			}
			img.SetGray16(x, y, color.Gray16{Y: v})
		}
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode tiff: %v", err)
	}
	writeFile(t, filepath.Join(dir, name), buf.Bytes())
}

// writeBlankTIFF writes a uniform 40x40 16-bit image with no nuclei.
func writeBlankTIFF(t *testing.T, dir, name string) {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, 40, 40))
	for i := 0; i < len(img.Pix); i += 2 {
		img.Pix[i], img.Pix[i+1] = 0, 100
	}
	var buf bytes.Buffer
	if err := tiff.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode tiff: %v", err)
	}
	writeFile(t, filepath.Join(dir, name), buf.Bytes())
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return b
}

// newInvocation returns a clean-mode invocation over fresh input and output
// dirs under a temp work dir.
func newInvocation(t *testing.T) Invocation {
	t.Helper()
	work := t.TempDir()
	in := filepath.Join(work, "in")
	if err := os.MkdirAll(in, 0o755); err != nil {
		t.Fatalf("mkdir input: %v", err)
	}
	return Invocation{
		WorkDir:   work,
		InputDir:  in,
		OutputDir: filepath.Join(work, "out"),
		Mode:      ExecutionModeClean,
		Config:    config.Default(),
	}
}
