package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/aciddelgado/qllm/internal/checkpoint"
	"github.com/aciddelgado/qllm/internal/device"
	"github.com/aciddelgado/qllm/internal/surgeon"
	"github.com/aciddelgado/qllm/pkg/quant"
)

func repackCmd() *cli.Command {
	var (
		savePath string
		toMode   string
		verify   bool
	)

	return &cli.Command{
		Name:  "repack",
		Usage: "Convert a quantized checkpoint to a different pack layout",
		Flags: append(append(modelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "save",
				Aliases:     []string{"s"},
				Usage:       "directory to write the repacked checkpoint to",
				Destination: &savePath,
			},
			&cli.StringFlag{
				Name:        "to",
				Usage:       "target pack layout (GPTQ, AWQ, ORT)",
				Destination: &toMode,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "verify every repacked layer round-trips bit-for-bit",
				Destination: &verify,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			applyLoggingConfig(c, LoadConfig())
			log := buildLogger()

			if loadPath == "" {
				return cli.Exit("error: --load is required", 1)
			}
			if savePath == "" {
				return cli.Exit("error: --save is required", 1)
			}
			newMode, err := quant.ParsePackMode(toMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			m, tok, qi, qc, err := checkpoint.LoadQuantized(loadPath)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", err), 1)
			}
			oldMode, err := quant.ParsePackMode(qc.Version)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			s := surgeon.New(log, device.CPU())
			s.Verify = verify
			if err := s.RepackToNewMode(m, oldMode, newMode, qc.WBit, qc.QGroupSize); err != nil {
				return cli.Exit(fmt.Sprintf("error: repack: %v", err), 1)
			}
			qc.Version = newMode.String()

			if err := checkpoint.Save(savePath, m, tok, qi, qc); err != nil {
				return cli.Exit(fmt.Sprintf("error: save: %v", err), 1)
			}
			log.Info("repacked checkpoint", "from", oldMode.String(), "to", newMode.String(), "path", savePath)
			return nil
		},
	}
}
