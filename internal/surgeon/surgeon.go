// Package surgeon performs model surgery: swapping full-precision
// linear layers for packed low-bit layers in the live graph, and
// repacking packed layers between storage layouts. Surgery mutates the
// graph in place and is not reentrant; nothing else may read the model
// while it runs.
package surgeon

import (
	"fmt"
	"sort"

	"github.com/aciddelgado/qllm/internal/checkpoint"
	"github.com/aciddelgado/qllm/internal/device"
	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/pkg/quant"
)

// Config selects the packed format for PackModel.
type Config struct {
	Mode      quant.PackMode
	Bits      int
	GroupSize int
	Method    string
}

// Surgeon replaces layers in a model graph. With Verify set, every
// packed layer is checked for the pack(unpack(x)) == x invariant, which
// is expensive and intended for debugging runs.
type Surgeon struct {
	Log    logger.Logger
	Device *device.Device
	Verify bool
}

// New builds a surgeon operating on the given device.
func New(log logger.Logger, dev *device.Device) *Surgeon {
	return &Surgeon{Log: log, Device: dev}
}

// PackModel replaces every layer named in params with a PackedLinear of
// the configured mode, packing the (already quantize-dequantized)
// weights under the calibrated parameters. All other layers are left
// untouched. Returns the two metadata documents describing the result.
func (s *Surgeon) PackModel(m *modelgraph.CausalLM, params map[string]*quant.Params, cfg Config) (*checkpoint.QuantInfo, *checkpoint.QuantConfig, error) {
	lease := s.Device.Acquire()
	defer lease.Release()

	layers := modelgraph.FindLayers(m, modelgraph.IsLinear)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	qi := &checkpoint.QuantInfo{
		Method: cfg.Method,
		Layers: make(map[string]checkpoint.LayerQuant, len(names)),
	}
	qc := &checkpoint.QuantConfig{
		ZeroPoint:  true,
		QGroupSize: cfg.GroupSize,
		WBit:       cfg.Bits,
		Version:    cfg.Mode.String(),
	}

	for _, name := range names {
		mod, ok := layers[name]
		if !ok {
			return nil, nil, &modelgraph.NotFoundError{Name: name}
		}
		lin := mod.(*modelgraph.Linear)
		p := params[name]

		pl, err := quant.NewPackedLinear(cfg.Mode, p.Bits, p.GroupSize, lin.InDim(), lin.OutDim(), lin.B != nil)
		if err != nil {
			return nil, nil, fmt.Errorf("surgeon: layer %s: %w", name, err)
		}
		if err := pl.Pack(lin.W.Data, p); err != nil {
			return nil, nil, fmt.Errorf("surgeon: pack %s: %w", name, err)
		}
		if lin.B != nil {
			pl.Bias = append([]float32(nil), lin.B...)
		}
		if s.Verify {
			if err := pl.Verify(); err != nil {
				return nil, nil, fmt.Errorf("surgeon: verify %s: %w", name, err)
			}
		}
		if err := modelgraph.Replace(m, name, pl); err != nil {
			return nil, nil, err
		}
		qi.Layers[name] = checkpoint.LayerQuant{WBits: p.Bits, GroupSize: p.GroupSize}
		s.Log.Debug("packed layer", "layer", name, "mode", cfg.Mode.String(), "bits", p.Bits)
	}

	s.Log.Info("packed model", "layers", len(names), "mode", cfg.Mode.String(), "bits", cfg.Bits)
	return qi, qc, nil
}

// RepackToNewMode converts every packed layer stored under oldMode to
// newMode. The integer code set is moved verbatim: values are never
// requantized, only the storage layout changes. Each superseded layer's
// buffers are freed as soon as its replacement is installed, so at most
// one layer is duplicated at a time.
func (s *Surgeon) RepackToNewMode(m *modelgraph.CausalLM, oldMode, newMode quant.PackMode, bits, groupSize int) error {
	if oldMode == newMode {
		return nil
	}
	lease := s.Device.Acquire()
	defer lease.Release()

	packed := modelgraph.FindLayers(m, func(mod modelgraph.Module) bool {
		pl, ok := mod.(*quant.PackedLinear)
		return ok && pl.Mode == oldMode
	})
	names := make([]string, 0, len(packed))
	for name := range packed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		old := packed[name].(*quant.PackedLinear)
		codes, scales, zeros, err := old.Unpack()
		if err != nil {
			return fmt.Errorf("surgeon: unpack %s: %w", name, err)
		}
		repl, err := quant.NewPackedLinear(newMode, bits, groupSize, old.In, old.Out, old.HasBias)
		if err != nil {
			return fmt.Errorf("surgeon: repack %s: %w", name, err)
		}
		if err := repl.PackCodes(codes, scales, zeros, old.GroupIndex); err != nil {
			return fmt.Errorf("surgeon: repack %s: %w", name, err)
		}
		if old.Bias != nil {
			repl.Bias = append([]float32(nil), old.Bias...)
		}
		if s.Verify {
			if err := repl.Verify(); err != nil {
				return fmt.Errorf("surgeon: verify %s: %w", name, err)
			}
		}
		if err := modelgraph.Replace(m, name, repl); err != nil {
			return err
		}
		old.Release()
	}

	s.Log.Info("repacked model", "layers", len(names), "from", oldMode.String(), "to", newMode.String())
	return nil
}
