package calibrate

import (
	"fmt"

	"github.com/aciddelgado/qllm/internal/device"
	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/pkg/quant"
)

// CalibrationError means a layer could not be calibrated. It aborts the
// whole run: partial quantization would leave the model in a mixed
// state with no defined recovery, so no retry is attempted.
type CalibrationError struct {
	Layer string
	Msg   string
}

func (e *CalibrationError) Error() string {
	if e.Layer == "" {
		return "calibrate: " + e.Msg
	}
	return fmt.Sprintf("calibrate: layer %s: %s", e.Layer, e.Msg)
}

// Sequential runs the calibration strategy over the model's blocks in
// forward order. Each block's layers are calibrated against activations
// produced by the already-quantized preceding blocks, so accumulated
// quantization error is measured against the true forward path.
type Sequential struct {
	Log       logger.Logger
	Strategy  Strategy
	Bits      int
	GroupSize int
}

// New builds a sequential quantizer for the given strategy.
func New(log logger.Logger, strategy Strategy, bits, groupSize int) *Sequential {
	return &Sequential{Log: log, Strategy: strategy, Bits: bits, GroupSize: groupSize}
}

type target struct {
	name  string
	layer *modelgraph.Linear
}

// blockTargets lists a block's linear layers in forward order.
func blockTargets(blockIdx int, b *modelgraph.Block) ([]target, error) {
	names := []struct {
		name string
		mod  modelgraph.Module
	}{
		{"attn.q_proj", b.Attn.QProj},
		{"attn.k_proj", b.Attn.KProj},
		{"attn.v_proj", b.Attn.VProj},
		{"attn.o_proj", b.Attn.OProj},
		{"mlp.up_proj", b.MLP.UpProj},
		{"mlp.down_proj", b.MLP.DownProj},
	}
	targets := make([]target, 0, len(names))
	for _, n := range names {
		full := fmt.Sprintf("blocks.%d.%s", blockIdx, n.name)
		lin, ok := n.mod.(*modelgraph.Linear)
		if !ok {
			return nil, &CalibrationError{Layer: full, Msg: fmt.Sprintf("not a full-precision layer (%T)", n.mod)}
		}
		targets = append(targets, target{name: full, layer: lin})
	}
	return targets, nil
}

// Quantize calibrates one parameter set per target layer. The batch
// sequence is consumed exactly once. The model's KV caches are cleared
// before returning on every path; weights are left quantize-dequantized
// in place, which is what PackModel expects to pack. The head stays in
// full precision.
func (s *Sequential) Quantize(model *modelgraph.CausalLM, batches [][]int, dev *device.Device) (map[string]*quant.Params, error) {
	if len(batches) == 0 {
		return nil, &CalibrationError{Msg: "no calibration batches"}
	}
	lease := dev.Acquire()
	defer lease.Release()
	lease.Defer(model.Reset)

	// Hidden states entering block 0, per batch and token.
	hidden := make([][][]float32, len(batches))
	for bi, batch := range batches {
		if len(batch) == 0 {
			return nil, &CalibrationError{Msg: fmt.Sprintf("calibration batch %d is empty", bi)}
		}
		hidden[bi] = make([][]float32, len(batch))
		for t, id := range batch {
			x, err := model.Embed.Lookup(id)
			if err != nil {
				return nil, &CalibrationError{Msg: err.Error()}
			}
			hidden[bi][t] = x
		}
	}

	results := make(map[string]*quant.Params)
	for blockIdx, block := range model.Blocks {
		s.Log.Info("calibrating block", "block", blockIdx, "method", s.Strategy.Name())

		targets, err := blockTargets(blockIdx, block)
		if err != nil {
			return nil, err
		}

		// Capture pass: record the inputs each target layer sees.
		samples := make(map[string][][]float32, len(targets))
		for _, tg := range targets {
			name := tg.name
			tg.layer.SetCapture(func(x []float32) {
				samples[name] = append(samples[name], x)
			})
		}
		err = s.replay(block, hidden, nil)
		for _, tg := range targets {
			tg.layer.SetCapture(nil)
		}
		if err != nil {
			return nil, &CalibrationError{Layer: fmt.Sprintf("blocks.%d", blockIdx), Msg: err.Error()}
		}

		// Calibrate and quantize-dequantize each layer in place so the
		// re-run below (and every later block) sees quantized weights.
		for _, tg := range targets {
			in, out := tg.layer.InDim(), tg.layer.OutDim()
			params, err := s.Strategy.Calibrate(tg.layer.W.Data, in, out, samples[tg.name], s.Bits, s.GroupSize)
			if err != nil {
				return nil, &CalibrationError{Layer: tg.name, Msg: err.Error()}
			}
			codes, err := quant.ComputeCodes(tg.layer.W.Data, in, out, params)
			if err != nil {
				return nil, &CalibrationError{Layer: tg.name, Msg: err.Error()}
			}
			deq, err := quant.DequantizeCodes(codes, in, out, params)
			if err != nil {
				return nil, &CalibrationError{Layer: tg.name, Msg: err.Error()}
			}
			copy(tg.layer.W.Data, deq)
			results[tg.name] = params
			s.Log.Debug("calibrated layer", "layer", tg.name, "bits", params.Bits, "group_size", params.GroupSize)
		}

		// Re-run the block with quantized weights to produce the hidden
		// states the next block calibrates against.
		if err := s.replay(block, hidden, hidden); err != nil {
			return nil, &CalibrationError{Layer: fmt.Sprintf("blocks.%d", blockIdx), Msg: err.Error()}
		}
	}

	return results, nil
}

// replay feeds every batch through the block, resetting its KV cache
// per batch. When out is non-nil the block outputs replace the hidden
// states in place.
func (s *Sequential) replay(block *modelgraph.Block, hidden [][][]float32, out [][][]float32) error {
	for bi := range hidden {
		block.Attn.Reset()
		for t, x := range hidden[bi] {
			y, err := block.Forward(x)
			if err != nil {
				return err
			}
			if out != nil {
				out[bi][t] = y
			}
		}
		block.Attn.Reset()
	}
	return nil
}
