package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/oukeidos/novtl/internal/auth"
	"github.com/spf13/cobra"
)

type envOptions struct {
	service string
}

func newEnvCmd() *cobra.Command {
	opts := envOptions{}
	cmd := &cobra.Command{
		Use:   "env",
		Short: "Manage API keys in OS Keychain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnvStatus(cmd, &opts)
		},
	}

	cmd.SetUsageTemplate(envUsageTemplate)
	cmd.PersistentFlags().StringVar(&opts.service, "service", "gemini",
		"Service to manage ("+strings.Join(auth.Services(), ", ")+")")

	cmd.AddCommand(
		newEnvSetupCmd(&opts),
		newEnvDeleteCmd(&opts),
		newEnvStatusCmd(&opts),
	)
	return cmd
}

func newEnvSetupCmd(opts *envOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Save API key to keychain (prompt only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnvSetup(cmd, opts)
		},
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	return cmd
}

func newEnvDeleteCmd(opts *envOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete key from keychain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnvDelete(cmd, opts)
		},
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	return cmd
}

func newEnvStatusCmd(opts *envOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show key status (default if no action given)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnvStatus(cmd, opts)
		},
	}
	cmd.SetUsageTemplate(subcommandUsageTemplate)
	return cmd
}

func envService(opts *envOptions) (string, error) {
	svc := strings.ToLower(strings.TrimSpace(opts.service))
	if !slices.Contains(auth.Services(), svc) {
		return "", fmt.Errorf("invalid service %q. Must be one of: %s", opts.service, strings.Join(auth.Services(), ", "))
	}
	return svc, nil
}

func runEnvSetup(cmd *cobra.Command, opts *envOptions) error {
	svc, err := envService(opts)
	if err != nil {
		return err
	}
	promptKey, err := promptForKey(fmt.Sprintf("%s API Key: ", displayName(svc)))
	if err != nil {
		return fmt.Errorf("error reading key: %w", err)
	}
	key := strings.TrimSpace(promptKey)
	if key == "" {
		return fmt.Errorf("API key is required for setup")
	}
	if err := auth.SaveKey(svc, key); err != nil {
		return fmt.Errorf("error saving key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %s API key to keychain.\n", svc)
	return nil
}

func runEnvDelete(cmd *cobra.Command, opts *envOptions) error {
	svc, err := envService(opts)
	if err != nil {
		return err
	}
	if err := auth.DeleteKey(svc); err != nil {
		return fmt.Errorf("error deleting key: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s API key from keychain.\n", svc)
	return nil
}

func runEnvStatus(cmd *cobra.Command, opts *envOptions) error {
	svc, err := envService(opts)
	if err != nil {
		return err
	}

	if getStatus(svc) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s API Key: Found (source=Keychain)\n", svc)
		return nil
	}
	if envKey, ok := getEnvKey(svc); ok && envKey != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s API Key: Found (source=Environment Variable %s; disabled by default, use --allow-env)\n", svc, auth.EnvVar(svc))
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s API Key: Not Found (keychain empty, %s not set)\n", svc, auth.EnvVar(svc))
	return nil
}
