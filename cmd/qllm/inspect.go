package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/urfave/cli/v3"

	"github.com/aciddelgado/qllm/internal/checkpoint"
	"github.com/aciddelgado/qllm/internal/modelgraph"
	"github.com/aciddelgado/qllm/pkg/quant"
)

func inspectCmd() *cli.Command {
	var (
		dir         string
		showTensors bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Print checkpoint metadata",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "path",
				Aliases:     []string{"p"},
				Usage:       "checkpoint directory",
				Destination: &dir,
			},
			&cli.BoolFlag{
				Name:        "tensors",
				Usage:       "list every tensor",
				Destination: &showTensors,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if dir == "" {
				return cli.Exit("error: --path is required", 1)
			}

			var cfg modelgraph.Config
			if err := checkpoint.ReadJSONFile(dir, checkpoint.ConfigFile, &cfg); err != nil {
				return cli.Exit(fmt.Sprintf("error: read config: %v", err), 1)
			}
			fmt.Printf("vocab size:        %d\n", cfg.VocabSize)
			fmt.Printf("hidden size:       %d\n", cfg.HiddenSize)
			fmt.Printf("intermediate size: %d\n", cfg.IntermediateSize)
			fmt.Printf("blocks:            %d\n", cfg.NumBlocks)

			qc := &checkpoint.QuantConfig{}
			if err := checkpoint.ReadJSONFile(dir, checkpoint.QuantConfigFile, qc); err == nil {
				fmt.Printf("\nquantized:   yes\n")
				fmt.Printf("pack mode:   %s\n", qc.Version)
				fmt.Printf("wbits:       %d\n", qc.WBit)
				fmt.Printf("group size:  %d\n", qc.QGroupSize)
				fmt.Printf("zero point:  %v\n", qc.ZeroPoint)
				if mode, err := quant.ParsePackMode(qc.Version); err == nil {
					fmt.Printf("layout:      %s\n", mode.DescribeLayout(qc.WBit))
				}

				qi := &checkpoint.QuantInfo{}
				if err := checkpoint.ReadJSONFile(dir, checkpoint.QuantInfoFile, qi); err == nil {
					fmt.Printf("method:      %s\n", qi.Method)
					fmt.Printf("layers:      %d\n", len(qi.Layers))
				}
			} else {
				fmt.Printf("\nquantized:   no\n")
			}

			if showTensors {
				tensors, err := checkpoint.ReadTensors(filepath.Join(dir, checkpoint.WeightsFile))
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: read tensors: %v", err), 1)
				}
				names := make([]string, 0, len(tensors))
				for name := range tensors {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Printf("\ntensors (%d):\n", len(names))
				for _, name := range names {
					t := tensors[name]
					fmt.Printf("  %-48s %-4s %v (%d bytes)\n", name, t.DType, t.Shape, len(t.Raw))
				}
			}
			return nil
		},
	}
}
