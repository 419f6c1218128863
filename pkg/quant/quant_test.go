package quant

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func randCodes(n, bits int, seed int64) []uint8 {
	rng := rand.New(rand.NewSource(seed))
	maxQ := 1<<bits - 1
	codes := make([]uint8, n)
	for i := range codes {
		codes[i] = uint8(rng.Intn(maxQ + 1))
	}
	return codes
}

func uniformParams(in, out, bits, groupSize int) *Params {
	groups := NumGroups(in, groupSize)
	p := &Params{
		Scale:     make([]float32, out*groups),
		Zero:      make([]int32, out*groups),
		Bits:      bits,
		GroupSize: groupSize,
	}
	for i := range p.Scale {
		p.Scale[i] = 0.01 * float32(i%7+1)
		p.Zero[i] = int32((1<<bits - 1) / 2)
	}
	return p
}

func TestCodeRoundTripAllModes(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode PackMode
		bits int
	}{
		{ModeGPTQ, 2}, {ModeGPTQ, 3}, {ModeGPTQ, 4}, {ModeGPTQ, 8},
		{ModeAWQ, 4},
		{ModeORT, 4}, {ModeORT, 8},
	}
	for _, tc := range cases {
		for _, groupSize := range []int{-1, 8, 24} {
			in, out := 24, 5
			pl, err := NewPackedLinear(tc.mode, tc.bits, groupSize, in, out, false)
			if err != nil {
				t.Fatalf("%s/%d g%d: new: %v", tc.mode, tc.bits, groupSize, err)
			}
			codes := randCodes(in*out, tc.bits, int64(tc.bits)*100+int64(groupSize))
			groups := NumGroups(in, groupSize)
			scales := make([]float32, out*groups)
			zeros := make([]int32, out*groups)
			for i := range scales {
				scales[i] = 0.02
			}
			if err := pl.PackCodes(codes, scales, zeros, nil); err != nil {
				t.Fatalf("%s/%d g%d: pack: %v", tc.mode, tc.bits, groupSize, err)
			}
			got, _, _, err := pl.Unpack()
			if err != nil {
				t.Fatalf("%s/%d g%d: unpack: %v", tc.mode, tc.bits, groupSize, err)
			}
			for i := range codes {
				if got[i] != codes[i] {
					t.Fatalf("%s/%d g%d: code %d: got %d want %d", tc.mode, tc.bits, groupSize, i, got[i], codes[i])
				}
			}
			if err := pl.Verify(); err != nil {
				t.Fatalf("%s/%d g%d: verify: %v", tc.mode, tc.bits, groupSize, err)
			}
		}
	}
}

func TestPackFromFloatsQuantizesAndRoundTrips(t *testing.T) {
	t.Parallel()

	in, out, bits, groupSize := 16, 4, 4, 8
	rng := rand.New(rand.NewSource(11))
	weight := make([]float32, in*out)
	for i := range weight {
		weight[i] = rng.Float32() - 0.5
	}
	p := uniformParams(in, out, bits, groupSize)

	pl, err := NewPackedLinear(ModeGPTQ, bits, groupSize, in, out, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := pl.Pack(weight, p); err != nil {
		t.Fatalf("pack: %v", err)
	}

	wantCodes, err := ComputeCodes(weight, in, out, p)
	if err != nil {
		t.Fatalf("compute codes: %v", err)
	}
	gotCodes, _, _, err := pl.Unpack()
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	for i := range wantCodes {
		if gotCodes[i] != wantCodes[i] {
			t.Fatalf("code %d: got %d want %d", i, gotCodes[i], wantCodes[i])
		}
	}

	// Quantization is lossy against the original floats, but the
	// dequantized weights must match the code reconstruction exactly.
	deq, err := pl.Dequantize()
	if err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	wantDeq, err := DequantizeCodes(wantCodes, in, out, p)
	if err != nil {
		t.Fatalf("dequantize codes: %v", err)
	}
	for i := range deq {
		if deq[i] != wantDeq[i] {
			t.Fatalf("deq %d: got %f want %f", i, deq[i], wantDeq[i])
		}
	}
}

func TestUnsupportedModeBits(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mode PackMode
		bits int
	}{
		{ModeAWQ, 8}, {ModeAWQ, 2}, {ModeORT, 3}, {ModeGPTQ, 5},
	}
	for _, tc := range cases {
		_, err := NewPackedLinear(tc.mode, tc.bits, -1, 8, 2, false)
		var pfe *PackFormatError
		if !errors.As(err, &pfe) {
			t.Fatalf("%s/%d: expected PackFormatError, got %v", tc.mode, tc.bits, err)
		}
		if pfe.Mode != tc.mode || pfe.Bits != tc.bits {
			t.Fatalf("%s/%d: error fields %v", tc.mode, tc.bits, pfe)
		}
	}
}

func TestGroupSizeMustDivide(t *testing.T) {
	t.Parallel()

	if _, err := NewPackedLinear(ModeGPTQ, 4, 5, 16, 2, false); err == nil {
		t.Fatal("expected error for non-dividing group size")
	}
	if _, err := NewPackedLinear(ModeGPTQ, 4, -1, 16, 2, false); err != nil {
		t.Fatalf("whole-row grouping rejected: %v", err)
	}
}

func TestDescribeLayout(t *testing.T) {
	t.Parallel()

	for _, mode := range []PackMode{ModeGPTQ, ModeAWQ, ModeORT} {
		if mode.DescribeLayout(4) == "" {
			t.Fatalf("%s: empty layout description", mode)
		}
	}
	if ModeAWQ.Supports(8) {
		t.Fatal("AWQ must be 4-bit only")
	}
}

func TestParsePackMode(t *testing.T) {
	t.Parallel()

	cases := map[string]PackMode{
		"GPTQ": ModeGPTQ, "gptq": ModeGPTQ,
		"GEMM": ModeAWQ, "AWQ": ModeAWQ,
		"ORT": ModeORT, "onnx": ModeORT,
	}
	for in, want := range cases {
		got, err := ParsePackMode(in)
		if err != nil || got != want {
			t.Fatalf("ParsePackMode(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParsePackMode("EXOTIC"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestForwardMatchesDequantizedMatVec(t *testing.T) {
	t.Parallel()

	in, out := 8, 3
	p := uniformParams(in, out, 4, -1)
	weight := make([]float32, in*out)
	for i := range weight {
		weight[i] = float32(i%5) * 0.03
	}
	pl, err := NewPackedLinear(ModeORT, 4, -1, in, out, true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := pl.Pack(weight, p); err != nil {
		t.Fatalf("pack: %v", err)
	}
	pl.Bias = []float32{0.1, 0.2, 0.3}

	x := []float32{1, 0.5, -1, 2, 0, 0.25, -0.75, 1.5}
	y, err := pl.Forward(x)
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	deq, err := pl.Dequantize()
	if err != nil {
		t.Fatalf("dequantize: %v", err)
	}
	for r := 0; r < out; r++ {
		var want float32
		for j := 0; j < in; j++ {
			want += deq[r*in+j] * x[j]
		}
		want += pl.Bias[r]
		if math.Abs(float64(y[r]-want)) > 1e-6 {
			t.Fatalf("row %d: got %f want %f", r, y[r], want)
		}
	}
}

func TestReleaseFreesBuffers(t *testing.T) {
	t.Parallel()

	pl, err := NewPackedLinear(ModeGPTQ, 4, -1, 8, 2, false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	codes := randCodes(16, 4, 1)
	if err := pl.PackCodes(codes, []float32{1, 1}, []int32{0, 0}, nil); err != nil {
		t.Fatalf("pack: %v", err)
	}
	pl.Release()
	if pl.QWeight != nil {
		t.Fatal("release left packed buffer alive")
	}
	if _, _, _, err := pl.Unpack(); err == nil {
		t.Fatal("unpack after release must fail")
	}
}
