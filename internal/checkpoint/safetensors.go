package checkpoint

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	json "github.com/goccy/go-json"
)

// Tensor is a named, typed, shaped byte payload in a safetensors file.
// Supported dtypes are F32, I32 and U32; that covers full-precision
// weights plus packed codes, scales and zero points.
type Tensor struct {
	Name  string
	DType string
	Shape []int
	Raw   []byte
}

// F32Tensor wraps a float32 slice as a tensor.
func F32Tensor(name string, shape []int, data []float32) Tensor {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return Tensor{Name: name, DType: "F32", Shape: shape, Raw: raw}
}

// I32Tensor wraps an int32 slice as a tensor.
func I32Tensor(name string, shape []int, data []int32) Tensor {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], uint32(v))
	}
	return Tensor{Name: name, DType: "I32", Shape: shape, Raw: raw}
}

// U32Tensor wraps a uint32 slice as a tensor.
func U32Tensor(name string, shape []int, data []uint32) Tensor {
	raw := make([]byte, len(data)*4)
	for i, v := range data {
		binary.LittleEndian.PutUint32(raw[i*4:], v)
	}
	return Tensor{Name: name, DType: "U32", Shape: shape, Raw: raw}
}

// F32 decodes the payload as float32.
func (t Tensor) F32() ([]float32, error) {
	if t.DType != "F32" {
		return nil, fmt.Errorf("checkpoint: tensor %s: dtype %s, want F32", t.Name, t.DType)
	}
	if len(t.Raw)%4 != 0 {
		return nil, fmt.Errorf("checkpoint: tensor %s: ragged payload", t.Name)
	}
	out := make([]float32, len(t.Raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Raw[i*4:]))
	}
	return out, nil
}

// I32 decodes the payload as int32.
func (t Tensor) I32() ([]int32, error) {
	if t.DType != "I32" {
		return nil, fmt.Errorf("checkpoint: tensor %s: dtype %s, want I32", t.Name, t.DType)
	}
	out := make([]int32, len(t.Raw)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(t.Raw[i*4:]))
	}
	return out, nil
}

// U32 decodes the payload as uint32.
func (t Tensor) U32() ([]uint32, error) {
	if t.DType != "U32" {
		return nil, fmt.Errorf("checkpoint: tensor %s: dtype %s, want U32", t.Name, t.DType)
	}
	out := make([]uint32, len(t.Raw)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(t.Raw[i*4:])
	}
	return out, nil
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// WriteTensors writes a safetensors file: a little-endian u64 header
// length, a JSON header mapping names to dtype/shape/offsets, then the
// concatenated payloads in input order.
func WriteTensors(path string, tensors []Tensor) error {
	header := make(map[string]tensorHeader, len(tensors))
	var off int64
	for _, t := range tensors {
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("checkpoint: duplicate tensor %s", t.Name)
		}
		header[t.Name] = tensorHeader{
			DType:       t.DType,
			Shape:       t.Shape,
			DataOffsets: []int64{off, off + int64(len(t.Raw))},
		}
		off += int64(len(t.Raw))
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}
	for _, t := range tensors {
		if _, err := f.Write(t.Raw); err != nil {
			return err
		}
	}
	return f.Close()
}

// ReadTensors loads every tensor from a safetensors file.
func ReadTensors(path string) (map[string]Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, err
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerBytes); err != nil {
		return nil, err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, err
	}
	delete(raw, "__metadata__")

	dataStart := int64(8 + headerLen)
	tensors := make(map[string]Tensor, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("checkpoint: parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 || th.DataOffsets[1] < th.DataOffsets[0] {
			return nil, fmt.Errorf("checkpoint: tensor %s: invalid data_offsets", name)
		}
		buf := make([]byte, th.DataOffsets[1]-th.DataOffsets[0])
		if _, err := f.ReadAt(buf, dataStart+th.DataOffsets[0]); err != nil {
			return nil, fmt.Errorf("checkpoint: read tensor %s: %w", name, err)
		}
		tensors[name] = Tensor{Name: name, DType: th.DType, Shape: th.Shape, Raw: buf}
	}
	return tensors, nil
}
