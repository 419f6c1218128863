package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/aciddelgado/qllm/internal/orchestrate"
	"github.com/aciddelgado/qllm/pkg/quant"
)

func quantizeCmd() *cli.Command {
	var (
		savePath     string
		exportPath   string
		method       string
		wbits        int64
		groupSize    int64
		packMode     string
		nearest      bool
		observe      bool
		eval         bool
		verify       bool
		serve        bool
		serveAddr    string
		calibBatches int64
		calibSeqLen  int64
		seed         int64
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Quantize a checkpoint and run the selected pipeline stages",
		Flags: append(append(modelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "save",
				Aliases:     []string{"s"},
				Usage:       "directory to write the quantized checkpoint to",
				Destination: &savePath,
			},
			&cli.StringFlag{
				Name:        "export",
				Usage:       "path to write the export artifact to",
				Destination: &exportPath,
			},
			&cli.StringFlag{
				Name:        "method",
				Usage:       "calibration method (rtn, clipsearch)",
				Value:       "rtn",
				Destination: &method,
			},
			&cli.Int64Flag{
				Name:        "wbits",
				Aliases:     []string{"b"},
				Usage:       "weight bit width (2, 3, 4, 8; 16 keeps full precision)",
				Value:       4,
				Destination: &wbits,
			},
			&cli.Int64Flag{
				Name:        "groupsize",
				Aliases:     []string{"g"},
				Usage:       "quantization group size (-1 = one group per row)",
				Value:       128,
				Destination: &groupSize,
			},
			&cli.StringFlag{
				Name:        "pack-mode",
				Usage:       "packed storage layout (GPTQ, AWQ, ORT)",
				Value:       "GPTQ",
				Destination: &packMode,
			},
			&cli.BoolFlag{
				Name:        "nearest",
				Usage:       "round-to-nearest without calibration data",
				Destination: &nearest,
			},
			&cli.BoolFlag{
				Name:        "observe",
				Usage:       "run without writing a checkpoint or artifact",
				Destination: &observe,
			},
			&cli.BoolFlag{
				Name:        "eval",
				Usage:       "run a greedy generation after quantizing",
				Destination: &eval,
			},
			&cli.BoolFlag{
				Name:        "verify",
				Usage:       "verify every packed layer round-trips bit-for-bit",
				Destination: &verify,
			},
			&cli.BoolFlag{
				Name:        "serve",
				Usage:       "serve the model after the pipeline completes",
				Destination: &serve,
			},
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address for --serve",
				Value:       "127.0.0.1:8080",
				Destination: &serveAddr,
			},
			&cli.Int64Flag{
				Name:        "calib-batches",
				Usage:       "number of calibration batches",
				Value:       4,
				Destination: &calibBatches,
			},
			&cli.Int64Flag{
				Name:        "calib-seq-len",
				Usage:       "tokens per calibration batch",
				Value:       16,
				Destination: &calibSeqLen,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "seed for the synthetic calibration source",
				Destination: &seed,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			fileCfg := LoadConfig()
			applyLoggingConfig(c, fileCfg)
			applyQuantizeConfig(c, fileCfg, &method, &wbits, &groupSize, &packMode, &calibBatches, &calibSeqLen, &seed)

			mode, err := quant.ParsePackMode(packMode)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			o := orchestrate.New(buildLogger())
			err = o.Run(ctx, orchestrate.RunConfig{
				ModelPath:    modelPath,
				LoadPath:     loadPath,
				Method:       method,
				WBits:        int(wbits),
				GroupSize:    int(groupSize),
				PackMode:     mode,
				Nearest:      nearest,
				Verify:       verify,
				SavePath:     savePath,
				Observe:      observe,
				Eval:         eval,
				ExportPath:   exportPath,
				Serve:        serve,
				ServeAddr:    serveAddr,
				CalibBatches: int(calibBatches),
				CalibSeqLen:  int(calibSeqLen),
				Seed:         seed,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}
