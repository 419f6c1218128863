// Package checkpoint persists and restores models: safetensors weight
// files, the model config, the tokenizer, and the two quantization
// metadata documents. A checkpoint directory is the unit of exchange
// between quantization runs.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/internal/tokenizer"
	"github.com/aciddelgado/qllm/pkg/quant"
)

// StateDict flattens the model graph into named tensors. Full-precision
// layers store ".weight" (and ".bias"); packed layers store ".qweight"
// (U32 words), ".scales", ".qzeros" and optionally ".bias"/".g_idx".
func StateDict(m *modelgraph.CausalLM) []Tensor {
	var tensors []Tensor
	modelgraph.Walk(m, func(name string, mod modelgraph.Module) {
		switch t := mod.(type) {
		case *modelgraph.Embedding:
			tensors = append(tensors, F32Tensor(name+".weight", []int{t.W.R, t.W.C}, t.W.Data))
		case *modelgraph.RMSNorm:
			tensors = append(tensors, F32Tensor(name+".weight", []int{len(t.Weight)}, t.Weight))
		case *modelgraph.Linear:
			tensors = append(tensors, F32Tensor(name+".weight", []int{t.W.R, t.W.C}, t.W.Data))
			if t.B != nil {
				tensors = append(tensors, F32Tensor(name+".bias", []int{len(t.B)}, t.B))
			}
		case *quant.PackedLinear:
			groups := t.NumGroups()
			tensors = append(tensors,
				U32Tensor(name+".qweight", []int{t.Out, t.WordsPerRow()}, t.QWeight),
				F32Tensor(name+".scales", []int{t.Out, groups}, t.Scales),
				I32Tensor(name+".qzeros", []int{t.Out, groups}, t.Zeros),
			)
			if t.Bias != nil {
				tensors = append(tensors, F32Tensor(name+".bias", []int{len(t.Bias)}, t.Bias))
			}
			if t.GroupIndex != nil {
				tensors = append(tensors, I32Tensor(name+".g_idx", []int{len(t.GroupIndex)}, t.GroupIndex))
			}
		}
	})
	return tensors
}

// Assemble builds a model from a tensor set. With quantization metadata
// present, layers named in it are reconstructed as packed layers in the
// pack mode recorded by the config's version field; everything else
// loads in full precision. Unknown tensors are ignored.
func Assemble(cfg modelgraph.Config, tensors map[string]Tensor, qi *QuantInfo, qc *QuantConfig) (*modelgraph.CausalLM, error) {
	m, err := modelgraph.New(cfg, 0)
	if err != nil {
		return nil, err
	}

	var mode quant.PackMode
	if qi != nil {
		if qc == nil {
			return nil, fmt.Errorf("checkpoint: quant info present without quant config")
		}
		mode, err = quant.ParsePackMode(qc.Version)
		if err != nil {
			return nil, err
		}
	}

	loadF32 := func(name string, dst []float32) error {
		t, ok := tensors[name]
		if !ok {
			return fmt.Errorf("checkpoint: missing tensor %s", name)
		}
		data, err := t.F32()
		if err != nil {
			return err
		}
		if len(data) != len(dst) {
			return fmt.Errorf("checkpoint: tensor %s: %d elements, want %d", name, len(data), len(dst))
		}
		copy(dst, data)
		return nil
	}

	var walkErr error
	modelgraph.Walk(m, func(name string, mod modelgraph.Module) {
		if walkErr != nil {
			return
		}
		if qi != nil {
			if lq, ok := qi.Layers[name]; ok {
				lin, isLin := mod.(*modelgraph.Linear)
				if !isLin {
					walkErr = fmt.Errorf("checkpoint: quantized layer %s is not linear in the architecture", name)
					return
				}
				walkErr = installPacked(m, name, lin, lq, mode, tensors)
				return
			}
		}
		switch t := mod.(type) {
		case *modelgraph.Embedding:
			walkErr = loadF32(name+".weight", t.W.Data)
		case *modelgraph.RMSNorm:
			walkErr = loadF32(name+".weight", t.Weight)
		case *modelgraph.Linear:
			walkErr = loadF32(name+".weight", t.W.Data)
			if walkErr == nil {
				if _, ok := tensors[name+".bias"]; ok {
					t.B = make([]float32, t.W.R)
					walkErr = loadF32(name+".bias", t.B)
				}
			}
		}
	})
	if walkErr != nil {
		return nil, walkErr
	}
	return m, nil
}

func installPacked(m *modelgraph.CausalLM, name string, lin *modelgraph.Linear, lq LayerQuant, mode quant.PackMode, tensors map[string]Tensor) error {
	biasT, hasBias := tensors[name+".bias"]
	pl, err := quant.NewPackedLinear(mode, lq.WBits, lq.GroupSize, lin.InDim(), lin.OutDim(), hasBias)
	if err != nil {
		return fmt.Errorf("checkpoint: layer %s: %w", name, err)
	}

	qw, ok := tensors[name+".qweight"]
	if !ok {
		return fmt.Errorf("checkpoint: missing tensor %s.qweight", name)
	}
	if pl.QWeight, err = qw.U32(); err != nil {
		return err
	}
	if want := pl.Out * pl.WordsPerRow(); len(pl.QWeight) != want {
		return fmt.Errorf("checkpoint: tensor %s.qweight: %d words, want %d", name, len(pl.QWeight), want)
	}

	sc, ok := tensors[name+".scales"]
	if !ok {
		return fmt.Errorf("checkpoint: missing tensor %s.scales", name)
	}
	if pl.Scales, err = sc.F32(); err != nil {
		return err
	}
	zr, ok := tensors[name+".qzeros"]
	if !ok {
		return fmt.Errorf("checkpoint: missing tensor %s.qzeros", name)
	}
	if pl.Zeros, err = zr.I32(); err != nil {
		return err
	}
	if want := pl.Out * pl.NumGroups(); len(pl.Scales) != want || len(pl.Zeros) != want {
		return fmt.Errorf("checkpoint: tensor %s: scales/zeros %d/%d, want %d", name, len(pl.Scales), len(pl.Zeros), want)
	}

	if hasBias {
		if pl.Bias, err = biasT.F32(); err != nil {
			return err
		}
	}
	if gt, ok := tensors[name+".g_idx"]; ok {
		if pl.GroupIndex, err = gt.I32(); err != nil {
			return err
		}
	}
	return modelgraph.Replace(m, name, pl)
}

// Save persists a checkpoint directory: config, weights, tokenizer and,
// for quantized models, the two metadata documents.
func Save(dir string, m *modelgraph.CausalLM, tok *tokenizer.Tokenizer, qi *QuantInfo, qc *QuantConfig) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := WriteJSONFile(dir, ConfigFile, m.Cfg); err != nil {
		return err
	}
	if err := WriteTensors(filepath.Join(dir, WeightsFile), StateDict(m)); err != nil {
		return err
	}
	if tok != nil {
		if err := tok.Save(dir); err != nil {
			return err
		}
	}
	if qi != nil {
		if err := WriteJSONFile(dir, QuantInfoFile, qi); err != nil {
			return err
		}
	}
	if qc != nil {
		if err := WriteJSONFile(dir, QuantConfigFile, qc); err != nil {
			return err
		}
	}
	return nil
}

// LoadPretrained restores a full-precision checkpoint.
func LoadPretrained(dir string) (*modelgraph.CausalLM, *tokenizer.Tokenizer, error) {
	var cfg modelgraph.Config
	if err := ReadJSONFile(dir, ConfigFile, &cfg); err != nil {
		return nil, nil, err
	}
	tensors, err := ReadTensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, nil, err
	}
	m, err := Assemble(cfg, tensors, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, nil, err
	}
	return m, tok, nil
}

// LoadQuantized restores a previously quantized checkpoint.
func LoadQuantized(dir string) (*modelgraph.CausalLM, *tokenizer.Tokenizer, *QuantInfo, *QuantConfig, error) {
	var cfg modelgraph.Config
	if err := ReadJSONFile(dir, ConfigFile, &cfg); err != nil {
		return nil, nil, nil, nil, err
	}
	qi := &QuantInfo{}
	if err := ReadJSONFile(dir, QuantInfoFile, qi); err != nil {
		return nil, nil, nil, nil, err
	}
	qc := &QuantConfig{}
	if err := ReadJSONFile(dir, QuantConfigFile, qc); err != nil {
		return nil, nil, nil, nil, err
	}
	tensors, err := ReadTensors(filepath.Join(dir, WeightsFile))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	m, err := Assemble(cfg, tensors, qi, qc)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	tok, err := tokenizer.Load(dir)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return m, tok, qi, qc, nil
}
