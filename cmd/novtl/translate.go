package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/pipeline"
	"github.com/oukeidos/novtl/internal/prompt"
	"github.com/oukeidos/novtl/internal/session"
	"github.com/oukeidos/novtl/internal/source"
	"github.com/spf13/cobra"
)

var confirmOverwrite = func(path string, force bool) (bool, error) {
	return prompt.DefaultConfirmer().ConfirmOverwrite(path, force)
}

type translateOptions struct {
	keys       keyOptions
	yes        bool
	resumeLast bool
	model      string
	noStream   bool
	prefixFile string
	suffixFile string
}

func newTranslateCmd(g *globalOptions) *cobra.Command {
	opts := translateOptions{}
	cmd := &cobra.Command{
		Use:   "translate <input> [output]",
		Short: "Translate a text, HTML or subtitle file chunk by chunk",
		Long: `Split the input into chunks, translate each through the configured provider
and write the joined result. "-" reads stdin or writes stdout. Without an
output path the result goes next to the input as <name>.en.<ext>.

Finished chunks are stored per session, so running the same input again
only requests the chunks that are still missing.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.resumeLast {
				return cobra.MaximumNArgs(1)(cmd, args)
			}
			if len(args) < 1 {
				return fmt.Errorf("input file is required")
			}
			return cobra.MaximumNArgs(2)(cmd, args)
		},
		RunE: g.wrap(func(cmd *cobra.Command, args []string) error {
			return runTranslate(cmd, args, g, &opts)
		}),
	}

	cmd.SetUsageTemplate(subcommandUsageTemplate)
	f := cmd.Flags()
	f.String("provider", "", "Provider: gemini, vertex, openrouter or openai")
	f.Int("max-length", 0, "Maximum chunk length in grapheme clusters")
	f.Int("retry-count", 0, "Total attempts per chunk")
	f.Int("requests-per-minute", 0, "Pace provider requests (0 disables)")
	f.String("store", "", "Session store: file, sqlite, redis or memory")
	f.StringVar(&opts.model, "model", "", "Model name for the selected provider")
	f.BoolVar(&opts.noStream, "no-stream", false, "Request whole responses instead of streaming")
	f.StringVar(&opts.prefixFile, "prefix-file", "", "Read the prompt prefix from a file")
	f.StringVar(&opts.suffixFile, "suffix-file", "", "Read the prompt suffix from a file")
	f.BoolVarP(&opts.yes, "yes", "y", false, "Overwrite output file without asking")
	f.BoolVar(&opts.resumeLast, "resume-last", false, "Resume the last submitted input instead of reading a file")
	addKeyFlags(cmd, &opts.keys)
	return cmd
}

// resolvePaths returns the input and output paths for args. With
// --resume-last the only argument is the output.
func resolvePaths(args []string, resumeLast bool) (string, string) {
	if resumeLast {
		if len(args) == 1 {
			return "", args[0]
		}
		return "", "-"
	}
	input := args[0]
	if len(args) > 1 {
		return input, args[1]
	}
	if input == "-" {
		return input, "-"
	}
	return input, pipeline.DefaultOutputPath(input)
}

// applyOverrides applies flags that target the selected provider's section.
func applyOverrides(cfg config.Config, opts *translateOptions) (config.Config, error) {
	if opts.model != "" {
		switch cfg.Provider {
		case "gemini":
			cfg.Gemini.Model = opts.model
		case "vertex":
			cfg.Vertex.Model = opts.model
		case "openrouter":
			cfg.OpenRouter.Model = opts.model
		case "openai":
			cfg.OpenAI.Model = opts.model
		}
	}
	if opts.noStream {
		cfg.Gemini.Stream = false
		cfg.Vertex.Stream = false
		cfg.OpenRouter.Stream = false
		cfg.OpenAI.Stream = false
	}
	read := func(path string) (string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read prompt file %s: %w", path, err)
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
	var err error
	if opts.prefixFile != "" {
		if cfg.Prompt.Prefix, err = read(opts.prefixFile); err != nil {
			return cfg, err
		}
	}
	if opts.suffixFile != "" {
		if cfg.Prompt.Suffix, err = read(opts.suffixFile); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func runTranslate(cmd *cobra.Command, args []string, g *globalOptions, opts *translateOptions) error {
	inputPath, outputPath := resolvePaths(args, opts.resumeLast)
	if err := pipeline.ValidateOutput(inputPath, outputPath); err != nil {
		return err
	}

	cfg, err := g.setup(cmd)
	if err != nil {
		return err
	}
	if cfg, err = applyOverrides(cfg, opts); err != nil {
		return err
	}

	overwrite := opts.yes
	if outputPath != "-" {
		if _, err := os.Stat(outputPath); err == nil {
			confirmed, err := confirmOverwrite(outputPath, opts.yes)
			if err != nil {
				return err
			}
			if !confirmed {
				logger.Info("Translation skipped", "output", outputPath)
				return nil
			}
			overwrite = true
		}
	}

	ctx, stop := signalContext()
	defer stop()

	runner, err := g.newRunner(ctx, cfg, opts.keys)
	if err != nil {
		return err
	}
	sess, err := openSession(ctx, runner, inputPath, opts.resumeLast)
	if err != nil {
		return err
	}

	result, err := runner.Process(ctx, sess, consoleProgress())
	if result.Output != "" {
		if werr := emitOutput(cmd, outputPath, result, overwrite); werr != nil {
			return werr
		}
	}
	logger.Info("Translation finished", "session", sess.ID, "status", result.Status,
		"completed", result.Summary.Completed, "total", result.Summary.Total, "missing", result.Missing)

	if err != nil {
		if ctx.Err() != nil || apperrors.IsCancelled(err) {
			logger.Warn("Translation cancelled; rerun to resume", "session", sess.ID)
			return nil
		}
		printFatal(cmd.ErrOrStderr(), err)
	}
	return translationStatusError(result)
}

func openSession(ctx context.Context, runner *pipeline.Runner, inputPath string, resumeLast bool) (session.Session, error) {
	if resumeLast {
		return runner.ResumeLast(ctx)
	}
	doc, err := source.Load(inputPath)
	if err != nil {
		return session.Session{}, err
	}
	if doc.Title != "" {
		logger.Info("Source loaded", "title", doc.Title, "format", doc.Format)
	}
	data := runner.Prepare(doc.Text)
	if len(data.Chunks) == 0 {
		return session.Session{}, errors.New("input contains no text to translate")
	}
	sess, _, err := runner.Submit(ctx, data)
	return sess, err
}

func emitOutput(cmd *cobra.Command, path string, result pipeline.Result, overwrite bool) error {
	if path == "-" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), result.Output)
		return err
	}
	written, err := pipeline.WriteOutput(path, result.Output, overwrite, result.Status != pipeline.StatusSuccess)
	if err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	logger.Info("Output written", "path", written)
	return nil
}

func translationStatusError(result pipeline.Result) error {
	switch result.Status {
	case pipeline.StatusSuccess, pipeline.StatusCancelled:
		return nil
	case pipeline.StatusPartialSuccess, pipeline.StatusFailure:
		if result.Session.ID != "" {
			return fmt.Errorf("translation finished with status: %s (resume with session %s)", result.Status, result.Session.ID)
		}
		return fmt.Errorf("translation finished with status: %s", result.Status)
	default:
		return fmt.Errorf("translation finished with unknown status: %q", result.Status)
	}
}
