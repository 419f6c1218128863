package quant

import (
	"fmt"
	"strings"
)

// PackMode selects the bit layout used to store quantized codes. The
// set is closed; each mode targets a specific inference backend family.
//
// The layouts here are internally consistent and documented per mode,
// but no attempt is made to match the undocumented byte layouts of
// third-party binary checkpoints bit-for-bit; interoperability with
// foreign packed files is out of scope.
type PackMode uint8

const (
	// ModeGPTQ packs codes per output row as a contiguous LSB-first
	// little-endian bitstream, each row padded to a 32-bit boundary.
	ModeGPTQ PackMode = iota
	// ModeAWQ packs eight 4-bit codes per 32-bit word in the interleaved
	// nibble order {0,2,4,6,1,3,5,7}; rows pad to a multiple of 8 codes.
	ModeAWQ
	// ModeORT packs byte-oriented rows: two codes per byte for 4-bit
	// (low nibble first) or one code per byte for 8-bit, rows padded to
	// a 4-byte boundary, bytes little-endian within each word.
	ModeORT
)

var modeNames = map[PackMode]string{
	ModeGPTQ: "GPTQ",
	ModeAWQ:  "GEMM",
	ModeORT:  "ORT",
}

func (m PackMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("PackMode(%d)", uint8(m))
}

// ParsePackMode resolves a mode name. "GEMM" and "AWQ" are synonyms,
// matching the naming used by the AWQ runtime.
func ParsePackMode(s string) (PackMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GPTQ":
		return ModeGPTQ, nil
	case "GEMM", "AWQ":
		return ModeAWQ, nil
	case "ORT", "ONNX":
		return ModeORT, nil
	}
	return 0, fmt.Errorf("quant: unknown pack mode %q", s)
}

// PackFormatError reports a pack mode that cannot store the requested
// bit width.
type PackFormatError struct {
	Mode PackMode
	Bits int
}

func (e *PackFormatError) Error() string {
	return fmt.Sprintf("quant: pack mode %s does not support %d-bit weights", e.Mode, e.Bits)
}

// codec is the per-mode bit layout implementation. Rows pack
// independently; wordsPerRow is constant for a fixed (cols, bits).
type codec interface {
	supports(bits int) bool
	wordsPerRow(cols, bits int) int
	packRow(dst []uint32, codes []uint8, bits int)
	unpackRow(dst []uint8, words []uint32, bits int)
	describe(bits int) string
}

var codecs = map[PackMode]codec{
	ModeGPTQ: gptqCodec{},
	ModeAWQ:  awqCodec{},
	ModeORT:  ortCodec{},
}

// Supports reports whether the mode can store the given bit width.
func (m PackMode) Supports(bits int) bool {
	c, ok := codecs[m]
	return ok && c.supports(bits)
}

// DescribeLayout documents the concrete storage layout for a bit width.
func (m PackMode) DescribeLayout(bits int) string {
	c, ok := codecs[m]
	if !ok || !c.supports(bits) {
		return fmt.Sprintf("%s: unsupported for %d-bit", m, bits)
	}
	return c.describe(bits)
}
