package segment

import "nucleusquant/internal/imaging"

// Mask is a binary raster in row-major order.
type Mask struct {
	Width  int
	Height int
	Pix    []bool
}

// Count returns the number of set pixels.
func (m *Mask) Count() int {
	n := 0
	for _, v := range m.Pix {
		if v {
			n++
		}
	}
	return n
}

// Connectivity selects the neighbourhood used when growing components.
type Connectivity int

const (
	// Four connects edge-adjacent pixels.
	Four Connectivity = 4
	// Eight also connects diagonal neighbours.
	Eight Connectivity = 8
)

var (
	offsets4 = [][2]int{{0, -1}, {-1, 0}, {1, 0}, {0, 1}}
	offsets8 = [][2]int{{-1, -1}, {0, -1}, {1, -1}, {-1, 0}, {1, 0}, {-1, 1}, {0, 1}, {1, 1}}
)

func (c Connectivity) offsets() [][2]int {
	if c == Eight {
		return offsets8
	}
	return offsets4
}

// Foreground marks every sample strictly above thr.
func Foreground(vals []float64, width, height int, thr float64) *Mask {
	m := &Mask{Width: width, Height: height, Pix: make([]bool, len(vals))}
	for i, v := range vals {
		m.Pix[i] = v > thr
	}
	return m
}

// components labels the pixels for which member returns true. It returns the
// per-pixel component index (0 = none, 1..n in raster order of each
// component's first pixel) and the pixel count of each component, indexed
// from 1.
func components(width, height int, member func(i int) bool, conn Connectivity) ([]int32, []int) {
	labels := make([]int32, width*height)
	sizes := []int{0}
	offs := conn.offsets()
	stack := make([]int, 0, 64)

	var next int32
	for start := range labels {
		if labels[start] != 0 || !member(start) {
			continue
		}
		next++
		labels[start] = next
		size := 0
		stack = append(stack[:0], start)
		for len(stack) > 0 {
			i := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			size++
			x, y := i%width, i/width
			for _, o := range offs {
				nx, ny := x+o[0], y+o[1]
				if nx < 0 || ny < 0 || nx >= width || ny >= height {
					continue
				}
				j := ny*width + nx
				if labels[j] != 0 || !member(j) {
					continue
				}
				labels[j] = next
				stack = append(stack, j)
			}
		}
		sizes = append(sizes, size)
	}
	return labels, sizes
}

// RemoveSmallObjects clears 4-connected foreground components with fewer
// than minSize pixels. minSize <= 0 leaves the mask unchanged.
func RemoveSmallObjects(m *Mask, minSize int) *Mask {
	out := &Mask{Width: m.Width, Height: m.Height, Pix: make([]bool, len(m.Pix))}
	copy(out.Pix, m.Pix)
	if minSize <= 0 {
		return out
	}
	labels, sizes := components(m.Width, m.Height, func(i int) bool { return m.Pix[i] }, Four)
	for i, l := range labels {
		if l != 0 && sizes[l] < minSize {
			out.Pix[i] = false
		}
	}
	return out
}

// FillHoles sets every background pixel that is not 4-connected to the image
// border.
func FillHoles(m *Mask) *Mask {
	w, h := m.Width, m.Height
	out := &Mask{Width: w, Height: h, Pix: make([]bool, len(m.Pix))}
	reached := make([]bool, len(m.Pix))
	stack := make([]int, 0, 2*(w+h))

	seed := func(i int) {
		if !m.Pix[i] && !reached[i] {
			reached[i] = true
			stack = append(stack, i)
		}
	}
	for x := 0; x < w; x++ {
		seed(x)
		seed((h-1)*w + x)
	}
	for y := 0; y < h; y++ {
		seed(y * w)
		seed(y*w + w - 1)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		x, y := i%w, i/w
		for _, o := range offsets4 {
			nx, ny := x+o[0], y+o[1]
			if nx < 0 || ny < 0 || nx >= w || ny >= h {
				continue
			}
			seed(ny*w + nx)
		}
	}
	for i := range out.Pix {
		out.Pix[i] = m.Pix[i] || !reached[i]
	}
	return out
}

// Label assigns 8-connected foreground components labels 1..N in raster
// order of their first pixel.
func Label(m *Mask) *imaging.LabelImage {
	labels, sizes := components(m.Width, m.Height, func(i int) bool { return m.Pix[i] }, Eight)
	return &imaging.LabelImage{
		Width:  m.Width,
		Height: m.Height,
		Labels: labels,
		Count:  len(sizes) - 1,
	}
}
