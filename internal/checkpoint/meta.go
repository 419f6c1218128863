package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"
)

const (
	QuantInfoFile   = "quant.op.json"
	QuantConfigFile = "quant_config.json"
	ConfigFile      = "config.json"
	WeightsFile     = "model.safetensors"
)

// LayerQuant is the per-layer quantization record in quant.op.json.
type LayerQuant struct {
	WBits     int `json:"wbits"`
	GroupSize int `json:"groupsize"`
}

// QuantInfo is the per-layer metadata document. On disk it is a flat
// JSON object: one entry per layer plus a "method" string. Written once
// at save time, never mutated after.
type QuantInfo struct {
	Method string
	Layers map[string]LayerQuant
}

func (qi *QuantInfo) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(qi.Layers)+1)
	for name, lq := range qi.Layers {
		doc[name] = lq
	}
	doc["method"] = qi.Method
	return json.Marshal(doc)
}

// UnmarshalJSON tolerates unknown extra keys: anything that is neither
// the method string nor a layer record is skipped.
func (qi *QuantInfo) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	qi.Layers = make(map[string]LayerQuant, len(raw))
	for key, msg := range raw {
		if key == "method" {
			if err := json.Unmarshal(msg, &qi.Method); err != nil {
				return fmt.Errorf("checkpoint: bad method field: %w", err)
			}
			continue
		}
		var lq LayerQuant
		if err := json.Unmarshal(msg, &lq); err != nil {
			continue
		}
		qi.Layers[key] = lq
	}
	return nil
}

// QuantConfig is the global metadata document (quant_config.json).
// Version records the pack mode the weights are stored in.
type QuantConfig struct {
	ZeroPoint  bool   `json:"zero_point"`
	QGroupSize int    `json:"q_group_size"`
	WBit       int    `json:"w_bit"`
	Version    string `json:"version"`
}

// WriteJSONFile marshals v into dir/name.
func WriteJSONFile(dir, name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// ReadJSONFile unmarshals dir/name into v.
func ReadJSONFile(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
