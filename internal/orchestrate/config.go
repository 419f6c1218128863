package orchestrate

import (
	"fmt"

	"github.com/aciddelgado/qllm/internal/calibrate"
	"github.com/aciddelgado/qllm/pkg/quant"
)

// ConfigError reports an invalid run configuration. Validation happens
// before any stage runs, so a ConfigError always means nothing was
// touched.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("orchestrate: %s: %s", e.Field, e.Msg)
}

// RunConfig describes one quantization run. Exactly one of ModelPath
// (a full-precision checkpoint to quantize) and LoadPath (a previously
// quantized checkpoint to resume from) must be set.
type RunConfig struct {
	ModelPath string
	LoadPath  string

	Method    string
	WBits     int
	GroupSize int
	PackMode  quant.PackMode
	Nearest   bool
	Verify    bool

	SavePath   string
	Observe    bool
	Eval       bool
	ExportPath string
	Serve      bool
	ServeAddr  string

	CalibBatches int
	CalibSeqLen  int
	Seed         int64
}

// withDefaults fills the optional knobs.
func (c RunConfig) withDefaults() RunConfig {
	if c.Method == "" {
		c.Method = "rtn"
	}
	if c.CalibBatches <= 0 {
		c.CalibBatches = 4
	}
	if c.CalibSeqLen <= 0 {
		c.CalibSeqLen = 16
	}
	if c.ServeAddr == "" {
		c.ServeAddr = "127.0.0.1:8080"
	}
	return c
}

// Validate rejects configurations the pipeline cannot run.
func (c RunConfig) Validate() error {
	if (c.ModelPath == "") == (c.LoadPath == "") {
		return &ConfigError{Field: "model", Msg: "exactly one of a model path and a load path must be given"}
	}
	if !quant.ValidBits(c.WBits) {
		return &ConfigError{Field: "wbits", Msg: fmt.Sprintf("unsupported bit width %d", c.WBits)}
	}
	if c.GroupSize == 0 || c.GroupSize < -1 {
		return &ConfigError{Field: "groupsize", Msg: fmt.Sprintf("invalid group size %d", c.GroupSize)}
	}
	fresh := c.ModelPath != ""
	quantizing := fresh && c.WBits < 16
	if quantizing && !c.Nearest {
		if _, err := calibrate.ForMethod(c.Method); err != nil {
			return &ConfigError{Field: "method", Msg: err.Error()}
		}
	}
	if quantizing && !c.PackMode.Supports(c.WBits) {
		return &ConfigError{Field: "pack-mode", Msg: fmt.Sprintf("%s does not support %d-bit weights", c.PackMode, c.WBits)}
	}
	if fresh && !c.Observe && c.SavePath == "" {
		return &ConfigError{Field: "save", Msg: "a save path is required unless running in observe mode"}
	}
	return nil
}
