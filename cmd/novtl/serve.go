package main

import (
	"context"

	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/server"
	"github.com/oukeidos/novtl/internal/vertex"
	"github.com/spf13/cobra"
)

func newServeCmd(g *globalOptions) *cobra.Command {
	keys := keyOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the review server (HTTP API and SSE progress feed)",
		Args:  cobra.NoArgs,
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()

			runner, err := g.newRunner(ctx, cfg, keys)
			if err != nil {
				return err
			}
			var saOpts []vertex.Option
			if cfg.Vertex.TokenURL != "" {
				saOpts = append(saOpts, vertex.WithTokenURL(cfg.Vertex.TokenURL))
			}
			srv := server.New(runner, server.WithServiceAccountTester(func(ctx context.Context, key []byte) (string, error) {
				return vertex.TestServiceAccount(ctx, key, saOpts...)
			}))
			return srv.Start(ctx, cfg.Server.Address)
		}),
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	cmd.Flags().String("addr", "", "Listen address (default from config, "+config.DefaultServerAddress+")")
	cmd.Flags().String("provider", "", "Provider: gemini, vertex, openrouter or openai")
	cmd.Flags().String("store", "", "Session store: file, sqlite, redis or memory")
	cmd.Flags().Int("requests-per-minute", 0, "Pace provider requests (0 disables)")
	addKeyFlags(cmd, &keys)
	return cmd
}
