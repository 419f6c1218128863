// Package orchestrate drives the full quantization pipeline: load a
// checkpoint, calibrate and pack, save, evaluate, export and serve. The
// stages always run in that order; configuration only switches stages
// on and off.
package orchestrate

import (
	"context"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/aciddelgado/qllm/internal/api"
	"github.com/aciddelgado/qllm/internal/calibrate"
	"github.com/aciddelgado/qllm/internal/checkpoint"
	"github.com/aciddelgado/qllm/internal/device"
	"github.com/aciddelgado/qllm/internal/exporter"
	"github.com/aciddelgado/qllm/internal/logger"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/internal/surgeon"
	"github.com/aciddelgado/qllm/internal/tokenizer"
	"github.com/aciddelgado/qllm/pkg/quant"
)

// Orchestrator runs quantization pipelines. The zero value is not
// usable; construct with New and override fields for testing.
type Orchestrator struct {
	Log      logger.Logger
	Device   *device.Device
	Exporter exporter.Exporter
	Source   CalibSource

	// EngineProbe answers whether an inference engine exists for a pack
	// mode on this host.
	EngineProbe func(quant.PackMode) bool

	serveFn func(ctx context.Context, s *api.Server, addr string) error
}

// New builds an orchestrator with the host device and default stages.
func New(log logger.Logger) *Orchestrator {
	return &Orchestrator{
		Log:         log,
		Device:      device.CPU(),
		Exporter:    exporter.NewQGraph(log),
		EngineProbe: device.HasEngine,
		serveFn: func(ctx context.Context, s *api.Server, addr string) error {
			return api.Start(ctx, s, addr)
		},
	}
}

// runState is what the stages hand from one to the next.
type runState struct {
	cfg   RunConfig
	log   logger.Logger
	model *modelgraph.CausalLM
	tok   *tokenizer.Tokenizer
	qi    *checkpoint.QuantInfo
	qc    *checkpoint.QuantConfig
	mode  quant.PackMode
	fresh bool
}

// Run executes one pipeline. It returns the first stage error; a
// missing inference engine during evaluation is recovered (with a
// warning), everything else aborts.
func (o *Orchestrator) Run(ctx context.Context, cfg RunConfig) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	st := &runState{
		cfg:   cfg,
		log:   o.Log.With("run", uuid.NewString()),
		fresh: cfg.ModelPath != "",
		mode:  cfg.PackMode,
	}

	if err := o.load(st); err != nil {
		return err
	}
	if err := o.quantize(st); err != nil {
		return err
	}
	if err := o.save(st); err != nil {
		return err
	}
	if err := o.evaluate(st); err != nil {
		return err
	}
	if err := o.export(st); err != nil {
		return err
	}
	return o.serve(ctx, st)
}

func (o *Orchestrator) load(st *runState) error {
	if st.fresh {
		m, tok, err := checkpoint.LoadPretrained(st.cfg.ModelPath)
		if err != nil {
			return err
		}
		st.model, st.tok = m, tok
		st.log.Info("loaded model", "path", st.cfg.ModelPath, "blocks", m.Cfg.NumBlocks)
		return nil
	}

	m, tok, qi, qc, err := checkpoint.LoadQuantized(st.cfg.LoadPath)
	if err != nil {
		return err
	}
	mode, err := quant.ParsePackMode(qc.Version)
	if err != nil {
		return err
	}
	st.model, st.tok, st.qi, st.qc, st.mode = m, tok, qi, qc, mode
	st.log.Info("loaded quantized model", "path", st.cfg.LoadPath,
		"mode", mode.String(), "wbits", qc.WBit, "layers", len(qi.Layers))
	return nil
}

// quantize runs CALIBRATE and PACK. Both only apply to a fresh model
// below 16 bits; a reloaded checkpoint or a 16-bit run carries its
// weights unchanged.
func (o *Orchestrator) quantize(st *runState) error {
	if !st.fresh || st.cfg.WBits >= 16 {
		if st.fresh {
			st.log.Info("16-bit run, weights stay in full precision")
		}
		return nil
	}

	method := st.cfg.Method
	batches := st.cfg.CalibBatches
	if st.cfg.Nearest {
		// Round-to-nearest needs no activations, so one token batch is
		// enough to drive the layer walk.
		method = "rtn"
		batches = 1
		st.log.Info("nearest mode, calibration data will not influence parameters")
	}
	strat, err := calibrate.ForMethod(method)
	if err != nil {
		return &ConfigError{Field: "method", Msg: err.Error()}
	}

	data, err := o.source(st).Batches(batches, st.cfg.CalibSeqLen)
	if err != nil {
		return err
	}

	seq := calibrate.New(st.log, strat, st.cfg.WBits, st.cfg.GroupSize)
	params, err := seq.Quantize(st.model, data, o.Device)
	if err != nil {
		return err
	}

	s := surgeon.New(st.log, o.Device)
	s.Verify = st.cfg.Verify
	qi, qc, err := s.PackModel(st.model, params, surgeon.Config{
		Mode:      st.mode,
		Bits:      st.cfg.WBits,
		GroupSize: st.cfg.GroupSize,
		Method:    method,
	})
	if err != nil {
		return err
	}
	st.qi, st.qc = qi, qc
	return nil
}

// save honors observe mode: an observe run never writes a checkpoint.
func (o *Orchestrator) save(st *runState) error {
	if st.cfg.Observe {
		st.log.Info("observe mode, skipping save")
		return nil
	}
	if st.cfg.SavePath == "" {
		return nil
	}
	if err := checkpoint.Save(st.cfg.SavePath, st.model, st.tok, st.qi, st.qc); err != nil {
		return err
	}
	st.log.Info("saved checkpoint", "path", st.cfg.SavePath)
	return nil
}

// evaluate runs a greedy smoke generation. A packed model whose mode
// has no engine on this host is repacked to the portable layout first,
// with exactly one warning; full-precision models always evaluate.
func (o *Orchestrator) evaluate(st *runState) error {
	if !st.cfg.Eval {
		return nil
	}

	if st.qi != nil && !o.EngineProbe(st.mode) {
		missing := &device.EngineMissingError{Mode: st.mode}
		st.log.Warn("no inference engine for pack mode, evaluating via repack",
			"error", missing, "fallback", quant.ModeGPTQ.String())
		s := surgeon.New(st.log, o.Device)
		if err := s.RepackToNewMode(st.model, st.mode, quant.ModeGPTQ, st.qc.WBit, st.qc.QGroupSize); err != nil {
			return err
		}
		st.mode = quant.ModeGPTQ
		st.qc.Version = st.mode.String()
	}

	sample, err := o.source(st).Batches(1, 8)
	if err != nil {
		return err
	}
	seq, err := modelgraph.GreedyGenerate(st.model, sample[0], 16)
	if err != nil {
		return err
	}
	st.log.Info("evaluation generation", "prompt_tokens", len(sample[0]),
		"generated_tokens", len(seq)-len(sample[0]), "text", st.tok.Decode(seq[len(sample[0]):]))
	return nil
}

// export repacks to the byte-oriented layout and writes the artifact.
// Observe mode suppresses it like save.
func (o *Orchestrator) export(st *runState) error {
	if st.cfg.ExportPath == "" {
		return nil
	}
	if st.cfg.Observe {
		st.log.Info("observe mode, skipping export")
		return nil
	}

	if st.qi != nil && st.mode != quant.ModeORT {
		s := surgeon.New(st.log, o.Device)
		if err := s.RepackToNewMode(st.model, st.mode, quant.ModeORT, st.qc.WBit, st.qc.QGroupSize); err != nil {
			return err
		}
		st.mode = quant.ModeORT
		st.qc.Version = st.mode.String()
	}

	sample, err := o.source(st).Batches(1, 4)
	if err != nil {
		return err
	}
	path, err := o.Exporter.Export(st.model, exporter.Request{
		Path:        st.cfg.ExportPath,
		WithCache:   true,
		SampleInput: sample[0],
		QuantInfo:   st.qi,
		QuantConfig: st.qc,
	})
	if err != nil {
		return err
	}
	st.log.Info("export complete", "path", path)
	return nil
}

func (o *Orchestrator) serve(ctx context.Context, st *runState) error {
	if !st.cfg.Serve {
		return nil
	}
	modelID := st.cfg.LoadPath
	if st.fresh {
		modelID = st.cfg.ModelPath
	}
	server := api.NewServer(st.log, st.model, st.tok, filepath.Base(modelID))
	return o.serveFn(ctx, server, st.cfg.ServeAddr)
}

func (o *Orchestrator) source(st *runState) CalibSource {
	if o.Source != nil {
		return o.Source
	}
	return NewSyntheticSource(st.model.Cfg.VocabSize, st.cfg.Seed)
}
