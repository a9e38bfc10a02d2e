package main

import (
	"fmt"

	"github.com/oukeidos/novtl/internal/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.SetUsageTemplate(envUsageTemplate)

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config as YAML (secrets omitted)",
		Args:  cobra.NoArgs,
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			cfg, err := g.setup(cmd)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			return enc.Close()
		}),
	}
	show.SetUsageTemplate(subcommandUsageTemplate)

	path := &cobra.Command{
		Use:   "path",
		Short: "Print the default config file location",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), config.DefaultPath())
		},
	}
	path.SetUsageTemplate(subcommandUsageTemplate)

	cmd.AddCommand(show, path)
	return cmd
}
