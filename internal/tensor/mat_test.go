package tensor

import (
	"math"
	"testing"
)

func TestMatVecMatchesNaive(t *testing.T) {
	t.Parallel()

	w := NewMat(4, 6)
	FillRand(&w, 7)
	x := make([]float32, 6)
	for i := range x {
		x[i] = float32(i) * 0.25
	}

	y := make([]float32, 4)
	MatVec(y, &w, x)

	for i := 0; i < w.R; i++ {
		var want float32
		for j := 0; j < w.C; j++ {
			want += w.At(i, j) * x[j]
		}
		if math.Abs(float64(y[i]-want)) > 1e-5 {
			t.Fatalf("row %d: got %f want %f", i, y[i], want)
		}
	}
}

func TestFillRandDeterministic(t *testing.T) {
	t.Parallel()

	a := NewMat(3, 5)
	b := NewMat(3, 5)
	FillRand(&a, 42)
	FillRand(&b, 42)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs for identical seed: %f vs %f", i, a.Data[i], b.Data[i])
		}
	}

	c := NewMat(3, 5)
	FillRand(&c, 43)
	if MaxAbsDiff(a.Data, c.Data) == 0 {
		t.Fatal("different seeds produced identical matrices")
	}
}

func TestSoftmaxNormalises(t *testing.T) {
	t.Parallel()

	x := []float32{1, 2, 3, 4}
	Softmax(x)
	var sum float32
	for _, v := range x {
		if v < 0 || v > 1 {
			t.Fatalf("softmax output out of range: %f", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Fatalf("softmax does not sum to 1: %f", sum)
	}
	if Argmax(x) != 3 {
		t.Fatalf("argmax after softmax: got %d want 3", Argmax(x))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	m := NewMat(2, 2)
	m.Set(0, 0, 1)
	c := m.Clone()
	c.Set(0, 0, 9)
	if m.At(0, 0) != 1 {
		t.Fatal("clone shares backing storage with original")
	}
}
