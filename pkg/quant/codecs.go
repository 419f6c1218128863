package quant

import "fmt"

// gptqCodec stores each output row as a continuous LSB-first bitstream:
// code k occupies bits [k*bits, (k+1)*bits) of the row, words filled
// little-endian. Rows pad independently to a 32-bit word boundary.
type gptqCodec struct{}

func (gptqCodec) supports(bits int) bool {
	switch bits {
	case 2, 3, 4, 8:
		return true
	}
	return false
}

func (gptqCodec) wordsPerRow(cols, bits int) int {
	return (cols*bits + 31) / 32
}

func (gptqCodec) packRow(dst []uint32, codes []uint8, bits int) {
	var acc uint64
	var n uint
	w := 0
	for _, code := range codes {
		acc |= uint64(code) << n
		n += uint(bits)
		for n >= 32 {
			dst[w] = uint32(acc)
			acc >>= 32
			n -= 32
			w++
		}
	}
	if n > 0 {
		dst[w] = uint32(acc)
	}
}

func (gptqCodec) unpackRow(dst []uint8, words []uint32, bits int) {
	mask := uint64(1)<<uint(bits) - 1
	var acc uint64
	var n uint
	w := 0
	for j := range dst {
		for n < uint(bits) {
			acc |= uint64(words[w]) << n
			w++
			n += 32
		}
		dst[j] = uint8(acc & mask)
		acc >>= uint(bits)
		n -= uint(bits)
	}
}

func (gptqCodec) describe(bits int) string {
	return fmt.Sprintf("GPTQ: per-row LSB-first %d-bit bitstream, rows padded to 32-bit words", bits)
}

// awqOrder is the nibble interleave within each 32-bit word.
var awqOrder = [8]int{0, 2, 4, 6, 1, 3, 5, 7}

// awqCodec stores eight 4-bit codes per word. Code base+awqOrder[k]
// occupies nibble k (bits [4k, 4k+4)). 4-bit only.
type awqCodec struct{}

func (awqCodec) supports(bits int) bool { return bits == 4 }

func (awqCodec) wordsPerRow(cols, bits int) int {
	return (cols + 7) / 8
}

func (awqCodec) packRow(dst []uint32, codes []uint8, bits int) {
	for w := range dst {
		base := w * 8
		var word uint32
		for k, o := range awqOrder {
			idx := base + o
			if idx < len(codes) {
				word |= uint32(codes[idx]&0x0F) << (4 * k)
			}
		}
		dst[w] = word
	}
}

func (awqCodec) unpackRow(dst []uint8, words []uint32, bits int) {
	for w, word := range words {
		base := w * 8
		for k, o := range awqOrder {
			idx := base + o
			if idx < len(dst) {
				dst[idx] = uint8(word>>(4*k)) & 0x0F
			}
		}
	}
}

func (awqCodec) describe(bits int) string {
	return "GEMM: eight 4-bit codes per word, nibble order {0,2,4,6,1,3,5,7}"
}

// ortCodec stores rows as bytes: 4-bit packs code pairs low-nibble
// first, 8-bit stores one code per byte. Bytes assemble little-endian
// into words; rows pad to a 4-byte boundary.
type ortCodec struct{}

func (ortCodec) supports(bits int) bool { return bits == 4 || bits == 8 }

func (c ortCodec) bytesPerRow(cols, bits int) int {
	if bits == 4 {
		return (cols + 1) / 2
	}
	return cols
}

func (c ortCodec) wordsPerRow(cols, bits int) int {
	return (c.bytesPerRow(cols, bits) + 3) / 4
}

func (c ortCodec) packRow(dst []uint32, codes []uint8, bits int) {
	for i := range dst {
		dst[i] = 0
	}
	if bits == 8 {
		for j, code := range codes {
			dst[j/4] |= uint32(code) << ((j % 4) * 8)
		}
		return
	}
	for j, code := range codes {
		byteIdx := j / 2
		shift := (byteIdx%4)*8 + (j%2)*4
		dst[byteIdx/4] |= uint32(code&0x0F) << shift
	}
}

func (c ortCodec) unpackRow(dst []uint8, words []uint32, bits int) {
	get := func(byteIdx int) uint8 {
		return uint8(words[byteIdx/4] >> ((byteIdx % 4) * 8))
	}
	if bits == 8 {
		for j := range dst {
			dst[j] = get(j)
		}
		return
	}
	for j := range dst {
		b := get(j / 2)
		if j%2 == 1 {
			b >>= 4
		}
		dst[j] = b & 0x0F
	}
}

func (ortCodec) describe(bits int) string {
	if bits == 4 {
		return "ORT: two 4-bit codes per byte (low nibble first), rows padded to 4 bytes"
	}
	return "ORT: one 8-bit code per byte, rows padded to 4 bytes"
}
