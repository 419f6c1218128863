package quant

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PackedLinear is a quantized linear layer: integer weight codes stored
// in the bit layout of its PackMode, with per-group scale and zero
// point. It satisfies the model graph's Layer and Shaped interfaces, so
// surgery can install it wherever a full-precision linear layer stood.
type PackedLinear struct {
	Mode      PackMode
	Bits      int
	GroupSize int
	In        int
	Out       int
	HasBias   bool

	// QWeight holds Out rows of wordsPerRow packed words each.
	QWeight    []uint32
	Scales     []float32
	Zeros      []int32
	GroupIndex []int32
	Bias       []float32

	deq []float32 // lazy dequantized weights for Forward
}

// NewPackedLinear validates the requested format and allocates an empty
// packed layer. Unsupported (mode, bits) pairs fail with PackFormatError.
func NewPackedLinear(mode PackMode, bits, groupSize, in, out int, hasBias bool) (*PackedLinear, error) {
	c, ok := codecs[mode]
	if !ok || !c.supports(bits) {
		return nil, &PackFormatError{Mode: mode, Bits: bits}
	}
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("quant: invalid shape %dx%d", out, in)
	}
	if groupSize != -1 && (groupSize <= 0 || in%groupSize != 0) {
		return nil, fmt.Errorf("quant: group size %d does not divide input width %d", groupSize, in)
	}
	return &PackedLinear{
		Mode:      mode,
		Bits:      bits,
		GroupSize: groupSize,
		In:        in,
		Out:       out,
		HasBias:   hasBias,
	}, nil
}

func (p *PackedLinear) InDim() int  { return p.In }
func (p *PackedLinear) OutDim() int { return p.Out }

// NumGroups returns scale/zero groups per output row.
func (p *PackedLinear) NumGroups() int { return NumGroups(p.In, p.GroupSize) }

// WordsPerRow returns the packed words per output row for this layout.
func (p *PackedLinear) WordsPerRow() int {
	return codecs[p.Mode].wordsPerRow(p.In, p.Bits)
}

// Pack quantizes a row-major [out x in] float weight matrix under params
// and stores the packed representation.
func (p *PackedLinear) Pack(weight []float32, params *Params) error {
	if params.Bits != p.Bits || params.GroupSize != p.GroupSize {
		return fmt.Errorf("quant: params %d-bit/g%d do not match layer %d-bit/g%d",
			params.Bits, params.GroupSize, p.Bits, p.GroupSize)
	}
	codes, err := ComputeCodes(weight, p.In, p.Out, params)
	if err != nil {
		return err
	}
	return p.PackCodes(codes, params.Scale, params.Zero, params.GroupIndex)
}

// PackCodes stores already-quantized integer codes without requantizing.
// Used by repacking, which must preserve the code set exactly.
func (p *PackedLinear) PackCodes(codes []uint8, scales []float32, zeros []int32, groupIndex []int32) error {
	if len(codes) != p.In*p.Out {
		return fmt.Errorf("quant: code length %d, want %d", len(codes), p.In*p.Out)
	}
	groups := p.NumGroups()
	if len(scales) != p.Out*groups || len(zeros) != p.Out*groups {
		return fmt.Errorf("quant: scale/zero length %d/%d, want %d", len(scales), len(zeros), p.Out*groups)
	}
	maxQ := uint8(1<<p.Bits - 1)
	for i, c := range codes {
		if c > maxQ {
			return fmt.Errorf("quant: code %d at %d exceeds %d-bit range", c, i, p.Bits)
		}
	}

	c := codecs[p.Mode]
	wpr := c.wordsPerRow(p.In, p.Bits)
	p.QWeight = make([]uint32, p.Out*wpr)
	for r := 0; r < p.Out; r++ {
		c.packRow(p.QWeight[r*wpr:(r+1)*wpr], codes[r*p.In:(r+1)*p.In], p.Bits)
	}
	p.Scales = append([]float32(nil), scales...)
	p.Zeros = append([]int32(nil), zeros...)
	if groupIndex != nil {
		p.GroupIndex = append([]int32(nil), groupIndex...)
	} else {
		p.GroupIndex = nil
	}
	p.deq = nil
	return nil
}

// Unpack recovers the integer codes together with copies of the scale
// and zero-point arrays.
func (p *PackedLinear) Unpack() (codes []uint8, scales []float32, zeros []int32, err error) {
	if p.QWeight == nil {
		return nil, nil, nil, fmt.Errorf("quant: layer buffers released or never packed")
	}
	c := codecs[p.Mode]
	wpr := c.wordsPerRow(p.In, p.Bits)
	codes = make([]uint8, p.In*p.Out)
	for r := 0; r < p.Out; r++ {
		c.unpackRow(codes[r*p.In:(r+1)*p.In], p.QWeight[r*wpr:(r+1)*wpr], p.Bits)
	}
	scales = append([]float32(nil), p.Scales...)
	zeros = append([]int32(nil), p.Zeros...)
	return codes, scales, zeros, nil
}

func (p *PackedLinear) params() *Params {
	return &Params{
		Scale:      p.Scales,
		Zero:       p.Zeros,
		Bits:       p.Bits,
		GroupSize:  p.GroupSize,
		GroupIndex: p.GroupIndex,
	}
}

// Dequantize reconstructs the row-major float weight matrix.
func (p *PackedLinear) Dequantize() ([]float32, error) {
	codes, _, _, err := p.Unpack()
	if err != nil {
		return nil, err
	}
	return DequantizeCodes(codes, p.In, p.Out, p.params())
}

// Forward computes y = dequant(W)*x + b. The dequantized matrix is
// cached after the first call.
func (p *PackedLinear) Forward(x []float32) ([]float32, error) {
	if len(x) != p.In {
		return nil, fmt.Errorf("quant: input length %d, want %d", len(x), p.In)
	}
	if p.deq == nil {
		deq, err := p.Dequantize()
		if err != nil {
			return nil, err
		}
		p.deq = deq
	}
	y := make([]float32, p.Out)
	for r := 0; r < p.Out; r++ {
		row := p.deq[r*p.In : (r+1)*p.In]
		var sum float32
		for j, w := range row {
			sum += w * x[j]
		}
		y[r] = sum
	}
	for i := range p.Bias {
		y[i] += p.Bias[i]
	}
	return y, nil
}

// Verify checks the debug invariant pack(unpack(packed)) == packed
// bit-for-bit. Expensive; intended for verification runs only.
func (p *PackedLinear) Verify() error {
	codes, _, _, err := p.Unpack()
	if err != nil {
		return err
	}
	c := codecs[p.Mode]
	wpr := c.wordsPerRow(p.In, p.Bits)
	repacked := make([]uint32, p.Out*wpr)
	for r := 0; r < p.Out; r++ {
		c.packRow(repacked[r*wpr:(r+1)*wpr], codes[r*p.In:(r+1)*p.In], p.Bits)
	}
	if !wordsEqual(repacked, p.QWeight) {
		return fmt.Errorf("quant: pack/unpack round trip mismatch in mode %s", p.Mode)
	}
	return nil
}

// Release frees the packed buffers so a superseded layer does not hold
// a second copy of large weight tensors. The layer is unusable after.
func (p *PackedLinear) Release() {
	p.QWeight = nil
	p.Scales = nil
	p.Zeros = nil
	p.GroupIndex = nil
	p.Bias = nil
	p.deq = nil
}

// EncodeQWeight serializes the packed words little-endian, for persistence.
func (p *PackedLinear) EncodeQWeight() []byte {
	var buf bytes.Buffer
	buf.Grow(len(p.QWeight) * 4)
	var word [4]byte
	for _, w := range p.QWeight {
		binary.LittleEndian.PutUint32(word[:], w)
		buf.Write(word[:])
	}
	return buf.Bytes()
}

func wordsEqual(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
