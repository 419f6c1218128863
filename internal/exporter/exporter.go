// Package exporter serializes a quantized model into a single-file
// QGraph artifact for downstream inference runtimes, and verifies the
// artifact by rebuilding a model from it and comparing logits.
package exporter

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	json "github.com/goccy/go-json"

	"github.com/aciddelgado/qllm/internal/checkpoint"
	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
)

// DefaultOpset is the artifact operator-set revision written when the
// caller does not ask for a specific one.
const DefaultOpset = 14

// VerifyTolerance bounds the acceptable logit divergence between the
// source model and a model rebuilt from the exported artifact.
const VerifyTolerance = 1e-2

// Request carries everything one export needs.
type Request struct {
	Path        string
	Opset       int
	WithCache   bool
	SampleInput []int

	QuantInfo   *checkpoint.QuantInfo
	QuantConfig *checkpoint.QuantConfig
}

// Exporter writes a model to an external artifact and returns the path
// of the file it produced.
type Exporter interface {
	Export(m *modelgraph.CausalLM, req Request) (string, error)
}

// VerificationError reports that the rebuilt artifact diverged from the
// source model beyond tolerance. It is advisory: callers log it rather
// than abort the run.
type VerificationError struct {
	MaxAbsErr float64
	Tolerance float64
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("exporter: verification mismatch: max abs err %.6f exceeds %.6f", e.MaxAbsErr, e.Tolerance)
}

type modelInfo struct {
	Config    modelgraph.Config `json:"config"`
	Opset     int               `json:"opset"`
	WithCache bool              `json:"with_cache"`
}

type quantDocs struct {
	Info   *checkpoint.QuantInfo   `json:"quant_op"`
	Config *checkpoint.QuantConfig `json:"quant_config"`
}

// indexEntry locates one tensor inside the TensorData section. Offset
// is relative to the section start.
type indexEntry struct {
	Name   string `json:"name"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// QGraph is the default Exporter.
type QGraph struct {
	Log logger.Logger
}

// NewQGraph builds the artifact exporter.
func NewQGraph(log logger.Logger) *QGraph {
	return &QGraph{Log: log}
}

// Export writes the model into req.Path. When req.SampleInput is
// non-empty the artifact is verified after writing; a divergence beyond
// tolerance is logged as a warning, not returned as an error.
func (e *QGraph) Export(m *modelgraph.CausalLM, req Request) (string, error) {
	opset := req.Opset
	if opset <= 0 {
		opset = DefaultOpset
	}

	if err := e.write(m, req, opset); err != nil {
		return "", err
	}
	e.Log.Info("exported artifact", "path", req.Path, "opset", opset, "with_cache", req.WithCache)

	if len(req.SampleInput) > 0 {
		maxErr, err := VerifyExport(m, req.Path, req.SampleInput)
		var verr *VerificationError
		switch {
		case err == nil:
			e.Log.Info("export verified", "max_abs_err", maxErr)
		case errors.As(err, &verr):
			e.Log.Warn("export verification mismatch", "max_abs_err", verr.MaxAbsErr, "tolerance", verr.Tolerance)
		default:
			return "", err
		}
	}
	return req.Path, nil
}

func (e *QGraph) write(m *modelgraph.CausalLM, req Request, opset int) error {
	f, err := os.Create(req.Path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	w := &artifactWriter{f: f}
	if err := w.reserveHeader(); err != nil {
		return err
	}

	info, err := json.Marshal(modelInfo{Config: m.Cfg, Opset: opset, WithCache: req.WithCache})
	if err != nil {
		return err
	}
	if err := w.writeSection(sectionModelInfo, info); err != nil {
		return err
	}

	if req.QuantInfo != nil {
		docs, err := json.Marshal(quantDocs{Info: req.QuantInfo, Config: req.QuantConfig})
		if err != nil {
			return err
		}
		if err := w.writeSection(sectionQuantInfo, docs); err != nil {
			return err
		}
	}

	tensors := checkpoint.StateDict(m)
	index := make([]indexEntry, 0, len(tensors))
	var payload []byte
	for _, t := range tensors {
		// Keep every payload 8-byte aligned inside the section so
		// readers can cast slices in place.
		for len(payload)%8 != 0 {
			payload = append(payload, 0)
		}
		index = append(index, indexEntry{
			Name:   t.Name,
			DType:  t.DType,
			Shape:  t.Shape,
			Offset: uint64(len(payload)),
			Size:   uint64(len(t.Raw)),
		})
		payload = append(payload, t.Raw...)
	}

	indexBytes, err := json.Marshal(index)
	if err != nil {
		return err
	}
	if err := w.writeSection(sectionTensorIndex, indexBytes); err != nil {
		return err
	}
	if err := w.writeSection(sectionTensorData, payload); err != nil {
		return err
	}
	return w.finalize()
}

// artifactWriter appends aligned sections to a file and patches the
// header last, the same shape as the checkpoint container writers this
// format descends from.
type artifactWriter struct {
	f        *os.File
	sections []section
}

func (w *artifactWriter) reserveHeader() error {
	if _, err := w.f.Write(make([]byte, headerSize)); err != nil {
		return err
	}
	return w.alignTo(sectionAlign)
}

func (w *artifactWriter) writeSection(typ sectionType, data []byte) error {
	if err := w.alignTo(sectionAlign); err != nil {
		return err
	}
	off, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := w.f.Write(data); err != nil {
			return err
		}
	}
	w.sections = append(w.sections, section{
		Type:   uint32(typ),
		Offset: uint64(off),
		Size:   uint64(len(data)),
	})
	return nil
}

func (w *artifactWriter) finalize() error {
	sort.Slice(w.sections, func(i, j int) bool { return w.sections[i].Type < w.sections[j].Type })

	if err := w.alignTo(sectionAlign); err != nil {
		return err
	}
	dirOff, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	var secBuf [sectionSize]byte
	for _, s := range w.sections {
		if !encodeSection(secBuf[:], s) {
			return ErrCorruptArtifact
		}
		if _, err := w.f.Write(secBuf[:]); err != nil {
			return err
		}
	}
	fileSize, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}

	var hdrBuf [headerSize]byte
	ok := encodeHeader(hdrBuf[:], fileHeader{
		Major:            currentMajor,
		Minor:            currentMinor,
		SectionCount:     uint32(len(w.sections)),
		SectionDirOffset: uint64(dirOff),
		FileSize:         uint64(fileSize),
	})
	if !ok {
		return ErrCorruptArtifact
	}
	if _, err := w.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := w.f.Write(hdrBuf[:]); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *artifactWriter) alignTo(n int64) error {
	pos, err := w.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if rem := pos % n; rem != 0 {
		if _, err := w.f.Write(make([]byte, n-rem)); err != nil {
			return err
		}
	}
	return nil
}

// Artifact is a parsed QGraph file.
type Artifact struct {
	Config      modelgraph.Config
	Opset       int
	WithCache   bool
	QuantInfo   *checkpoint.QuantInfo
	QuantConfig *checkpoint.QuantConfig
	Tensors     map[string]checkpoint.Tensor
}

// OpenArtifact reads and validates a QGraph file.
func OpenArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	hdr, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	if hdr.FileSize != uint64(len(data)) {
		return nil, ErrCorruptArtifact
	}
	dirEnd := hdr.SectionDirOffset + uint64(hdr.SectionCount)*sectionSize
	if hdr.SectionDirOffset < headerSize || dirEnd > uint64(len(data)) {
		return nil, ErrCorruptArtifact
	}

	payload := func(s section) ([]byte, error) {
		end := s.Offset + s.Size
		if s.Offset < headerSize || end > uint64(len(data)) {
			return nil, ErrCorruptArtifact
		}
		return data[s.Offset:end], nil
	}

	a := &Artifact{}
	var indexBytes, tensorData []byte
	for i := uint32(0); i < hdr.SectionCount; i++ {
		s, ok := decodeSection(data[hdr.SectionDirOffset+uint64(i)*sectionSize:])
		if !ok {
			return nil, ErrCorruptArtifact
		}
		body, err := payload(s)
		if err != nil {
			return nil, err
		}
		switch sectionType(s.Type) {
		case sectionModelInfo:
			var info modelInfo
			if err := json.Unmarshal(body, &info); err != nil {
				return nil, fmt.Errorf("exporter: parse model info: %w", err)
			}
			a.Config, a.Opset, a.WithCache = info.Config, info.Opset, info.WithCache
		case sectionQuantInfo:
			var docs quantDocs
			if err := json.Unmarshal(body, &docs); err != nil {
				return nil, fmt.Errorf("exporter: parse quant metadata: %w", err)
			}
			a.QuantInfo, a.QuantConfig = docs.Info, docs.Config
		case sectionTensorIndex:
			indexBytes = body
		case sectionTensorData:
			tensorData = body
		}
	}
	if indexBytes == nil || a.Config.VocabSize == 0 {
		return nil, ErrCorruptArtifact
	}

	var index []indexEntry
	if err := json.Unmarshal(indexBytes, &index); err != nil {
		return nil, fmt.Errorf("exporter: parse tensor index: %w", err)
	}
	a.Tensors = make(map[string]checkpoint.Tensor, len(index))
	for _, entry := range index {
		end := entry.Offset + entry.Size
		if end > uint64(len(tensorData)) {
			return nil, ErrCorruptArtifact
		}
		a.Tensors[entry.Name] = checkpoint.Tensor{
			Name:  entry.Name,
			DType: entry.DType,
			Shape: entry.Shape,
			Raw:   tensorData[entry.Offset:end],
		}
	}
	return a, nil
}

// Model rebuilds a runnable model from the artifact contents.
func (a *Artifact) Model() (*modelgraph.CausalLM, error) {
	return checkpoint.Assemble(a.Config, a.Tensors, a.QuantInfo, a.QuantConfig)
}

// VerifyExport rebuilds a model from the artifact at path and feeds
// sample through both models, returning the largest absolute logit
// divergence. Beyond VerifyTolerance the result is a
// *VerificationError carrying the measured error.
func VerifyExport(m *modelgraph.CausalLM, path string, sample []int) (float64, error) {
	a, err := OpenArtifact(path)
	if err != nil {
		return 0, err
	}
	rebuilt, err := a.Model()
	if err != nil {
		return 0, err
	}

	m.Reset()
	defer m.Reset()
	rebuilt.Reset()

	var maxErr float64
	for _, tok := range sample {
		want, err := m.ForwardToken(tok)
		if err != nil {
			return 0, err
		}
		got, err := rebuilt.ForwardToken(tok)
		if err != nil {
			return 0, err
		}
		for i := range want {
			d := float64(want[i] - got[i])
			if d < 0 {
				d = -d
			}
			if d > maxErr {
				maxErr = d
			}
		}
	}
	if maxErr > VerifyTolerance {
		return maxErr, &VerificationError{MaxAbsErr: maxErr, Tolerance: VerifyTolerance}
	}
	return maxErr, nil
}
