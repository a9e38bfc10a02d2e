package main

import (
	"fmt"
	"os"

	"github.com/oukeidos/novtl/internal/cleanup"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/files"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// globalOptions are the persistent flags plus the resources commands open.
type globalOptions struct {
	configPath string
	logLevel   string
	logFile    string

	closers cleanup.Stack
}

func execute() {
	cmd := newRootCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "novtl",
		Short:         "Novel translation chunk orchestrator",
		Args:          cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version.Info()
	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.SetUsageTemplate(rootUsageTemplate)

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&g.logFile, "log-file", "", "Path to save machine-readable JSONL logs")

	cmd.AddCommand(
		newAboutCmd(),
		newTranslateCmd(g),
		newServeCmd(g),
		newSessionsCmd(g),
		newReprocessCmd(g),
		newEnvCmd(),
		newVertexCmd(g),
		newConfigCmd(g),
	)

	cmd.InitDefaultCompletionCmd()
	for _, sub := range cmd.Commands() {
		if sub.Name() == "completion" {
			sub.SetUsageTemplate(subcommandUsageTemplate)
			break
		}
	}
	return cmd
}

// flagKeys maps command flags to the config keys they override.
var flagKeys = map[string]string{
	"log-level":           "log.level",
	"log-file":            "log.file",
	"provider":            "provider",
	"max-length":          "max_length",
	"retry-count":         "retry_count",
	"requests-per-minute": "requests_per_minute",
	"addr":                "server.address",
	"store":               "store.backend",
}

// setup loads the effective config for cmd, with changed flags taking
// precedence over env and file values, and initialises logging.
func (g *globalOptions) setup(cmd *cobra.Command) (config.Config, error) {
	v := config.New()
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(v, g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := g.initLogger(cfg.Log); err != nil {
		return config.Config{}, err
	}

	cfg, notes := cfg.Normalize()
	for _, note := range notes {
		logger.Warn("Config adjusted", "note", note)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// wrap releases everything the command opened once it returns.
func (g *globalOptions) wrap(fn func(cmd *cobra.Command, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := fn(cmd, args)
		if cerr := g.closers.Run(); cerr != nil {
			logger.Warn("Cleanup failed", "error", cerr)
			if err == nil {
				err = cerr
			}
		}
		return err
	}
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(key, f)
	})
	return bindErr
}

func (g *globalOptions) initLogger(cfg config.LogConfig) error {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	if cfg.File == "" {
		logger.Init(level, nil)
		return nil
	}
	if err := files.RejectSymlinkPath(cfg.File); err != nil {
		return err
	}
	f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	g.closers.Push("log file", f.Close)
	logger.Init(level, f)
	return nil
}
