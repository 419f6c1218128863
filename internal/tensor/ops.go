package tensor

import "math"

// MatVec computes y = W*x for a row-major W of shape [R x C] and a vector
// x of length C. y must have length R.
func MatVec(y []float32, w *Mat, x []float32) {
	if len(x) < w.C || len(y) < w.R {
		panic("matvec: dimension mismatch")
	}
	for i := 0; i < w.R; i++ {
		row := w.Row(i)
		var sum float32
		for j, v := range row {
			sum += v * x[j]
		}
		y[i] = sum
	}
}

// Dot returns the inner product of a and b over the first len(a) elements.
func Dot(a, b []float32) float32 {
	var sum float32
	for i, v := range a {
		sum += v * b[i]
	}
	return sum
}

// Softmax normalises x in place into a probability distribution.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxVal := x[0]
	for _, v := range x[1:] {
		if v > maxVal {
			maxVal = v
		}
	}
	var sum float32
	for i, v := range x {
		e := float32(math.Exp(float64(v - maxVal)))
		x[i] = e
		sum += e
	}
	if sum == 0 {
		return
	}
	inv := 1 / sum
	for i := range x {
		x[i] *= inv
	}
}

// Argmax returns the index of the largest element, -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i, v := range x {
		if v > x[best] {
			best = i
		}
	}
	return best
}

// MaxAbsDiff returns the largest absolute elementwise difference between
// a and b. The slices must have equal length.
func MaxAbsDiff(a, b []float32) float32 {
	if len(a) != len(b) {
		panic("maxabsdiff: length mismatch")
	}
	var maxErr float32
	for i := range a {
		d := a[i] - b[i]
		if d < 0 {
			d = -d
		}
		if d > maxErr {
			maxErr = d
		}
	}
	return maxErr
}
