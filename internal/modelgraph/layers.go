package modelgraph

import (
	"fmt"
	"math"

	"github.com/aciddelgado/qllm/internal/tensor"
)

// Linear is a full-precision affine layer: y = W*x + b, with W stored
// row-major as [out x in].
type Linear struct {
	W tensor.Mat
	B []float32 // nil when the layer has no bias

	capture func(x []float32)
}

// NewLinear allocates a zeroed linear layer.
func NewLinear(in, out int, bias bool) *Linear {
	l := &Linear{W: tensor.NewMat(out, in)}
	if bias {
		l.B = make([]float32, out)
	}
	return l
}

func (l *Linear) InDim() int  { return l.W.C }
func (l *Linear) OutDim() int { return l.W.R }

// SetCapture installs a hook invoked with a copy of every input vector
// seen by Forward. Used by sequential calibration; pass nil to remove.
func (l *Linear) SetCapture(fn func(x []float32)) {
	l.capture = fn
}

func (l *Linear) Forward(x []float32) ([]float32, error) {
	if len(x) != l.W.C {
		return nil, fmt.Errorf("linear: input length %d, want %d", len(x), l.W.C)
	}
	if l.capture != nil {
		cp := make([]float32, len(x))
		copy(cp, x)
		l.capture(cp)
	}
	y := make([]float32, l.W.R)
	tensor.MatVec(y, &l.W, x)
	for i := range l.B {
		y[i] += l.B[i]
	}
	return y, nil
}

// Embedding maps token ids to hidden vectors. W is [vocab x hidden].
type Embedding struct {
	W tensor.Mat
}

func NewEmbedding(vocab, hidden int) *Embedding {
	return &Embedding{W: tensor.NewMat(vocab, hidden)}
}

// Lookup returns a copy of the embedding row for id.
func (e *Embedding) Lookup(id int) ([]float32, error) {
	if id < 0 || id >= e.W.R {
		return nil, fmt.Errorf("embedding: token id %d out of range [0,%d)", id, e.W.R)
	}
	out := make([]float32, e.W.C)
	copy(out, e.W.Row(id))
	return out, nil
}

// RMSNorm is root-mean-square layer normalisation with a learned gain.
type RMSNorm struct {
	Weight []float32
	Eps    float32
}

func NewRMSNorm(dim int) *RMSNorm {
	w := make([]float32, dim)
	for i := range w {
		w[i] = 1
	}
	return &RMSNorm{Weight: w, Eps: 1e-5}
}

func (n *RMSNorm) Forward(x []float32) ([]float32, error) {
	if len(x) != len(n.Weight) {
		return nil, fmt.Errorf("rmsnorm: input length %d, want %d", len(x), len(n.Weight))
	}
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1 / math.Sqrt(ss/float64(len(x))+float64(n.Eps)))
	out := make([]float32, len(x))
	for i, v := range x {
		out[i] = v * inv * n.Weight[i]
	}
	return out, nil
}

func forwardLayer(m Module, x []float32) ([]float32, error) {
	l, ok := m.(Layer)
	if !ok {
		return nil, fmt.Errorf("modelgraph: module %T is not a layer", m)
	}
	return l.Forward(x)
}
