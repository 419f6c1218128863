// Package quant defines the packed low-bit linear layer format: per-layer
// quantization parameters, the closed set of pack modes (bit layouts used
// by different inference backends), and the pack/unpack operations
// converting between full-precision weights and packed buffers.
//
// Quantization maps each weight to an integer code relative to its
// group's scale and zero point: q = round(w/scale) + zero, clamped to
// [0, 2^bits-1]; dequantization is w = (q - zero) * scale.
package quant

import (
	"fmt"
	"math"
)

// Params holds the per-layer quantization parameters produced by
// calibration. Scale and Zero are flattened [out x groups] row-major.
// GroupIndex optionally maps each input feature to its group; when nil,
// groups are consecutive runs of GroupSize features.
type Params struct {
	Scale      []float32
	Zero       []int32
	Bits       int
	GroupSize  int
	GroupIndex []int32
}

// ValidBits reports whether b is a supported bit-width.
func ValidBits(b int) bool {
	switch b {
	case 2, 3, 4, 8, 16:
		return true
	}
	return false
}

// NumGroups returns the number of scale/zero groups per output row for
// the given input width. A group size of -1 means whole-row grouping.
func NumGroups(in, groupSize int) int {
	if groupSize == -1 {
		return 1
	}
	return in / groupSize
}

// Validate checks parameter consistency against a layer shape.
func (p *Params) Validate(in, out int) error {
	if !ValidBits(p.Bits) {
		return fmt.Errorf("quant: invalid bit width %d", p.Bits)
	}
	if p.GroupSize != -1 {
		if p.GroupSize <= 0 {
			return fmt.Errorf("quant: invalid group size %d", p.GroupSize)
		}
		if in%p.GroupSize != 0 {
			return fmt.Errorf("quant: group size %d does not divide input width %d", p.GroupSize, in)
		}
	}
	groups := NumGroups(in, p.GroupSize)
	if len(p.Scale) != out*groups || len(p.Zero) != out*groups {
		return fmt.Errorf("quant: scale/zero length %d/%d, want %d", len(p.Scale), len(p.Zero), out*groups)
	}
	if p.GroupIndex != nil {
		if len(p.GroupIndex) != in {
			return fmt.Errorf("quant: group index length %d, want %d", len(p.GroupIndex), in)
		}
		for j, g := range p.GroupIndex {
			if g < 0 || int(g) >= groups {
				return fmt.Errorf("quant: group index %d out of range at feature %d", g, j)
			}
		}
	}
	return nil
}

// GroupOf returns the group of input feature j.
func (p *Params) GroupOf(j int) int {
	if p.GroupIndex != nil {
		return int(p.GroupIndex[j])
	}
	if p.GroupSize == -1 {
		return 0
	}
	return j / p.GroupSize
}

// ComputeCodes quantizes a row-major [out x in] weight matrix to integer
// codes under p.
func ComputeCodes(weight []float32, in, out int, p *Params) ([]uint8, error) {
	if err := p.Validate(in, out); err != nil {
		return nil, err
	}
	if len(weight) != in*out {
		return nil, fmt.Errorf("quant: weight length %d, want %d", len(weight), in*out)
	}
	groups := NumGroups(in, p.GroupSize)
	maxQ := int32(1<<p.Bits - 1)
	codes := make([]uint8, in*out)
	for r := 0; r < out; r++ {
		for j := 0; j < in; j++ {
			g := r*groups + p.GroupOf(j)
			s := p.Scale[g]
			if s == 0 {
				s = 1
			}
			q := int32(math.Round(float64(weight[r*in+j]/s))) + p.Zero[g]
			if q < 0 {
				q = 0
			}
			if q > maxQ {
				q = maxQ
			}
			codes[r*in+j] = uint8(q)
		}
	}
	return codes, nil
}

// DequantizeCodes reconstructs float weights from integer codes under p.
func DequantizeCodes(codes []uint8, in, out int, p *Params) ([]float32, error) {
	if err := p.Validate(in, out); err != nil {
		return nil, err
	}
	if len(codes) != in*out {
		return nil, fmt.Errorf("quant: code length %d, want %d", len(codes), in*out)
	}
	groups := NumGroups(in, p.GroupSize)
	out32 := make([]float32, in*out)
	for r := 0; r < out; r++ {
		for j := 0; j < in; j++ {
			g := r*groups + p.GroupOf(j)
			out32[r*in+j] = (float32(codes[r*in+j]) - float32(p.Zero[g])) * p.Scale[g]
		}
	}
	return out32, nil
}
