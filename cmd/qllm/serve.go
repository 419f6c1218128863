package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/aciddelgado/qllm/internal/api"
	"github.com/aciddelgado/qllm/internal/checkpoint"
)

func serveCmd() *cli.Command {
	var addr string

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve a checkpoint over an OpenAI-compatible API",
		Flags: append(append(modelFlags(), loggingFlags()...),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
		),
		Action: func(ctx context.Context, c *cli.Command) error {
			fileCfg := LoadConfig()
			applyLoggingConfig(c, fileCfg)
			applyServeConfig(c, fileCfg, &addr)
			log := buildLogger()

			dir := loadPath
			quantized := true
			if dir == "" {
				dir = modelPath
				quantized = false
			}
			if dir == "" {
				return cli.Exit("error: one of --model and --load is required", 1)
			}

			var (
				server *api.Server
				err    error
			)
			if quantized {
				m, tok, _, qc, lerr := checkpoint.LoadQuantized(dir)
				if lerr != nil {
					return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", lerr), 1)
				}
				log.Info("serving quantized model", "mode", qc.Version, "wbits", qc.WBit)
				server = api.NewServer(log, m, tok, filepath.Base(dir))
			} else {
				m, tok, lerr := checkpoint.LoadPretrained(dir)
				if lerr != nil {
					return cli.Exit(fmt.Sprintf("error: load checkpoint: %v", lerr), 1)
				}
				server = api.NewServer(log, m, tok, filepath.Base(dir))
			}
			if err = api.Start(ctx, server, addr); err != nil {
				return cli.Exit(fmt.Sprintf("error: serve: %v", err), 1)
			}
			return nil
		},
	}
}
