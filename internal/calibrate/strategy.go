// Package calibrate chooses per-layer quantization parameters from
// sample activations, walking the model block by block so each layer is
// calibrated against the activations the already-quantized prefix
// actually produces.
package calibrate

import (
	"fmt"
	"math"
	"sort"

	"github.com/aciddelgado/qllm/pkg/quant"
)

// Strategy computes quantization parameters for one linear layer. The
// weight is row-major [out x in]; samples are input activation vectors
// captured from the calibration forward pass. Implementations must be
// deterministic for fixed inputs.
type Strategy interface {
	Name() string
	Calibrate(weight []float32, in, out int, samples [][]float32, bits, groupSize int) (*quant.Params, error)
}

var registry = map[string]func() Strategy{
	"rtn":        func() Strategy { return rtnStrategy{} },
	"clipsearch": func() Strategy { return clipSearchStrategy{} },
}

// ForMethod resolves a calibration method name.
func ForMethod(name string) (Strategy, error) {
	mk, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("calibrate: unknown method %q (have %v)", name, Methods())
	}
	return mk(), nil
}

// Methods lists registered strategy names in sorted order.
func Methods() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func checkShape(weight []float32, in, out, bits, groupSize int) error {
	if !quant.ValidBits(bits) || bits >= 16 {
		return fmt.Errorf("bit width %d not quantizable", bits)
	}
	if groupSize == 0 || groupSize < -1 {
		return fmt.Errorf("zero-sized group (group size %d)", groupSize)
	}
	if groupSize != -1 && in%groupSize != 0 {
		return fmt.Errorf("group size %d does not divide input width %d", groupSize, in)
	}
	if len(weight) != in*out {
		return fmt.Errorf("weight length %d, want %d", len(weight), in*out)
	}
	return nil
}

// groupBounds returns the [lo, hi) feature range of group g.
func groupBounds(g, in, groupSize int) (int, int) {
	if groupSize == -1 {
		return 0, in
	}
	return g * groupSize, (g + 1) * groupSize
}

// rtnStrategy is round-to-nearest: per-group asymmetric min/max scale
// and zero point, independent of activations. Used directly for the
// degenerate nearest mode and as the base of clipsearch.
type rtnStrategy struct{}

func (rtnStrategy) Name() string { return "rtn" }

func (rtnStrategy) Calibrate(weight []float32, in, out int, _ [][]float32, bits, groupSize int) (*quant.Params, error) {
	if err := checkShape(weight, in, out, bits, groupSize); err != nil {
		return nil, err
	}
	return minMaxParams(weight, in, out, bits, groupSize, 1.0), nil
}

func minMaxParams(weight []float32, in, out, bits, groupSize int, clip float32) *quant.Params {
	groups := quant.NumGroups(in, groupSize)
	maxQ := float32(int32(1)<<bits - 1)
	p := &quant.Params{
		Scale:     make([]float32, out*groups),
		Zero:      make([]int32, out*groups),
		Bits:      bits,
		GroupSize: groupSize,
	}
	for r := 0; r < out; r++ {
		row := weight[r*in : (r+1)*in]
		for g := 0; g < groups; g++ {
			lo, hi := groupBounds(g, in, groupSize)
			// Zero must be representable, so the range always includes it.
			var wmin, wmax float32
			for _, w := range row[lo:hi] {
				if w < wmin {
					wmin = w
				}
				if w > wmax {
					wmax = w
				}
			}
			wmin *= clip
			wmax *= clip
			scale := (wmax - wmin) / maxQ
			var zero int32
			if scale <= 0 {
				scale = 1
			} else {
				zero = int32(math.Round(float64(-wmin / scale)))
				if zero < 0 {
					zero = 0
				}
				if zero > int32(maxQ) {
					zero = int32(maxQ)
				}
			}
			p.Scale[r*groups+g] = scale
			p.Zero[r*groups+g] = zero
		}
	}
	return p
}

// clipSearchStrategy grid-searches a clip ratio per layer, scoring each
// candidate by activation-weighted reconstruction error: input channels
// that see larger activations count more, in the spirit of
// activation-aware weight quantization.
type clipSearchStrategy struct{}

func (clipSearchStrategy) Name() string { return "clipsearch" }

var clipRatios = []float32{1.0, 0.95, 0.9, 0.85, 0.8, 0.75, 0.7}

func (clipSearchStrategy) Calibrate(weight []float32, in, out int, samples [][]float32, bits, groupSize int) (*quant.Params, error) {
	if err := checkShape(weight, in, out, bits, groupSize); err != nil {
		return nil, err
	}

	colMag := make([]float32, in)
	if len(samples) == 0 {
		for j := range colMag {
			colMag[j] = 1
		}
	} else {
		for _, x := range samples {
			for j := 0; j < in && j < len(x); j++ {
				v := x[j]
				if v < 0 {
					v = -v
				}
				colMag[j] += v
			}
		}
		inv := 1 / float32(len(samples))
		for j := range colMag {
			colMag[j] *= inv
		}
	}

	var best *quant.Params
	bestErr := float32(math.Inf(1))
	for _, ratio := range clipRatios {
		cand := minMaxParams(weight, in, out, bits, groupSize, ratio)
		codes, err := quant.ComputeCodes(weight, in, out, cand)
		if err != nil {
			return nil, err
		}
		deq, err := quant.DequantizeCodes(codes, in, out, cand)
		if err != nil {
			return nil, err
		}
		var errSum float32
		for r := 0; r < out; r++ {
			for j := 0; j < in; j++ {
				d := weight[r*in+j] - deq[r*in+j]
				errSum += colMag[j] * d * d
			}
		}
		if errSum < bestErr {
			bestErr = errSum
			best = cand
		}
	}
	return best, nil
}
