package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config is the qllm configuration file (~/.config/qllm/config.yaml).
// Numeric fields are pointers so "not set" stays distinguishable from
// zero values.
type Config struct {
	Method    string `yaml:"method"`
	WBits     *int   `yaml:"wbits"`
	GroupSize *int   `yaml:"groupsize"`
	PackMode  string `yaml:"pack_mode"`

	CalibBatches *int   `yaml:"calib_batches"`
	CalibSeqLen  *int   `yaml:"calib_seq_len"`
	Seed         *int64 `yaml:"seed"`

	ServerAddress string `yaml:"server_address"`
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "qllm", "config.yaml")
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or doesn't parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}

// applyQuantizeConfig fills quantize command variables from the config
// file when the corresponding flag was not explicitly set.
func applyQuantizeConfig(c *cli.Command, cfg Config,
	method *string, wbits, groupSize *int64, packMode *string,
	calibBatches, calibSeqLen *int64, seed *int64,
) {
	if cfg.Method != "" && !c.IsSet("method") {
		*method = cfg.Method
	}
	if cfg.WBits != nil && !c.IsSet("wbits") {
		*wbits = int64(*cfg.WBits)
	}
	if cfg.GroupSize != nil && !c.IsSet("groupsize") {
		*groupSize = int64(*cfg.GroupSize)
	}
	if cfg.PackMode != "" && !c.IsSet("pack-mode") {
		*packMode = cfg.PackMode
	}
	if cfg.CalibBatches != nil && !c.IsSet("calib-batches") {
		*calibBatches = int64(*cfg.CalibBatches)
	}
	if cfg.CalibSeqLen != nil && !c.IsSet("calib-seq-len") {
		*calibSeqLen = int64(*cfg.CalibSeqLen)
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyLoggingConfig fills logging variables from the config file.
func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig fills serve command variables from the config file.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}
