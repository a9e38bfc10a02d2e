package main

import (
	"fmt"
	"os"

	"github.com/oukeidos/novtl/internal/vertex"
	"github.com/spf13/cobra"
)

var testServiceAccount = vertex.TestServiceAccount

func newVertexCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vertex",
		Short: "Vertex AI service account tools",
	}
	cmd.SetUsageTemplate(envUsageTemplate)

	var keyFile string
	test := &cobra.Command{
		Use:   "test",
		Short: "Validate a service account key with one token exchange",
		Args:  cobra.NoArgs,
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			path := keyFile
			if path == "" {
				path = cfg.Vertex.ServiceAccountFile
			}
			if path == "" {
				return fmt.Errorf("no key file: pass --key-file or set vertex.service_account_file")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("failed to read key file: %w", err)
			}

			var opts []vertex.Option
			if cfg.Vertex.TokenURL != "" {
				opts = append(opts, vertex.WithTokenURL(cfg.Vertex.TokenURL))
			}
			if httpClient != nil {
				opts = append(opts, vertex.WithHTTPClient(httpClient))
			}
			ctx, stop := signalContext()
			defer stop()
			msg, err := testServiceAccount(ctx, data, opts...)
			if err != nil {
				printFatal(cmd.ErrOrStderr(), err)
				return fmt.Errorf("service account test failed")
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		}),
	}
	test.SetUsageTemplate(subcommandUsageTemplate)
	test.Flags().StringVar(&keyFile, "key-file", "", "Service account JSON key (default vertex.service_account_file)")

	cmd.AddCommand(test)
	return cmd
}
