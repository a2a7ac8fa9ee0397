package segment

import "fmt"

// Histogram counts vals into bins equal-width bins spanning [min, max].
// The last bin is closed on the right. It returns the counts and the bin
// centres.
func Histogram(vals []float64, bins int) ([]float64, []float64, error) {
	if len(vals) == 0 {
		return nil, nil, ErrEmptyInput
	}
	if bins < 1 {
		return nil, nil, fmt.Errorf("bins must be >= 1 (got %d)", bins)
	}
	lo, hi := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	if lo == hi {
		// Degenerate range: widen by 0.5 on both sides.
		lo -= 0.5
		hi += 0.5
	}

	edges := make([]float64, bins+1)
	step := (hi - lo) / float64(bins)
	for i := range edges {
		edges[i] = lo + float64(i)*step
	}
	edges[bins] = hi

	counts := make([]float64, bins)
	norm := float64(bins) / (hi - lo)
	for _, v := range vals {
		idx := int((v - lo) * norm)
		if idx >= bins {
			idx = bins - 1
		}
		if idx < 0 {
			idx = 0
		}
		// Correct for floating point error at the edges.
		if v < edges[idx] && idx > 0 {
			idx--
		} else if idx < bins-1 && v >= edges[idx+1] {
			idx++
		}
		counts[idx]++
	}

	centers := make([]float64, bins)
	for i := range centers {
		centers[i] = (edges[i] + edges[i+1]) / 2
	}
	return counts, centers, nil
}

// OtsuThreshold returns the threshold that maximises the between-class
// variance of a bins-bin histogram of vals. Pixels strictly above the
// threshold are foreground. A uniform input returns its single value.
func OtsuThreshold(vals []float64, bins int) (float64, error) {
	if len(vals) == 0 {
		return 0, ErrEmptyInput
	}
	first := vals[0]
	uniform := true
	for _, v := range vals[1:] {
		if v != first {
			uniform = false
			break
		}
	}
	if uniform {
		return first, nil
	}

	counts, centers, err := Histogram(vals, bins)
	if err != nil {
		return 0, err
	}
	n := len(counts)

	weight1 := make([]float64, n)
	weight2 := make([]float64, n)
	mean1 := make([]float64, n)
	mean2 := make([]float64, n)

	var w, m float64
	for i := 0; i < n; i++ {
		w += counts[i]
		m += counts[i] * centers[i]
		weight1[i] = w
		mean1[i] = m / w
	}
	w, m = 0, 0
	for i := n - 1; i >= 0; i-- {
		w += counts[i]
		m += counts[i] * centers[i]
		weight2[i] = w
		mean2[i] = m / w
	}

	best := -1.0
	idx := 0
	for i := 0; i < n-1; i++ {
		d := mean1[i] - mean2[i+1]
		v := weight1[i] * weight2[i+1] * d * d
		if v > best {
			best = v
			idx = i
		}
	}
	return centers[idx], nil
}
