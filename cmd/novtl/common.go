package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/auth"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/metrics"
	"github.com/oukeidos/novtl/internal/pipeline"
	"github.com/oukeidos/novtl/internal/protocol"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/session"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	isTerminal   = term.IsTerminal
	getKey       = auth.GetKey
	getEnvKey    = auth.GetEnvKey
	getStatus    = auth.GetStatus
	promptForKey = auth.PromptForAPIKey

	// httpClient is used for provider calls; nil selects the shared client.
	httpClient *http.Client
)

type keyOptions struct {
	allowEnv bool
	envOnly  bool
}

func displayName(service string) string {
	switch service {
	case provider.OpenRouter:
		return "OpenRouter"
	case provider.OpenAI:
		return "OpenAI"
	default:
		return "Gemini"
	}
}

// resolveAPIKey handles the logic for finding the API key.
func resolveAPIKey(service string, allowEnv, envOnly bool) (string, string, error) {
	if envOnly {
		if key, ok := getEnvKey(service); ok {
			return key, auth.SourceEnv, nil
		}
		return "", "", fmt.Errorf("env-only set but %s is not set", auth.EnvVar(service))
	}

	if key, source := getKey(service, false); key != "" {
		return key, source, nil
	}

	if allowEnv {
		if key, ok := getEnvKey(service); ok {
			return key, auth.SourceEnv, nil
		}
	}

	if isTerminal(int(os.Stdin.Fd())) {
		key, err := promptForKey(fmt.Sprintf("%s API Key (press Enter to skip): ", displayName(service)))
		if err != nil {
			return "", "", fmt.Errorf("error reading API key: %w", err)
		}
		if strings.TrimSpace(key) != "" {
			return strings.TrimSpace(key), "Terminal Prompt", nil
		}
		if allowEnv {
			return "", "", fmt.Errorf("API key is required; not found in keychain or environment")
		}
		return "", "", fmt.Errorf("API key is required; not found in keychain (environment disabled by default; use --allow-env)")
	}
	return "", "", fmt.Errorf("no API key available (non-interactive shell); set keychain or use --allow-env")
}

func addKeyFlags(cmd *cobra.Command, opts *keyOptions) {
	cmd.Flags().BoolVar(&opts.allowEnv, "allow-env", false, "Allow reading API key from environment variables")
	cmd.Flags().BoolVar(&opts.envOnly, "env-only", false, "Use only environment variables for API keys")
}

// openStore opens the configured session store and schedules its close.
func (g *globalOptions) openStore(ctx context.Context, cfg config.Config) (*session.Store, error) {
	store, err := pipeline.OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.closers.Push("session store", store.Close)
	return store, nil
}

// newRunner builds the store and the adapter for cfg.Provider. Vertex
// authenticates with its service-account file and needs no API key.
func (g *globalOptions) newRunner(ctx context.Context, cfg config.Config, keys keyOptions) (*pipeline.Runner, error) {
	var apiKey string
	if cfg.Provider != provider.Vertex {
		key, source, err := resolveAPIKey(cfg.Provider, keys.allowEnv, keys.envOnly)
		if err != nil {
			return nil, err
		}
		logger.Info("Using API Key", "service", cfg.Provider, "source", source)
		apiKey = key
	}
	adapter, err := pipeline.NewAdapter(cfg, func(string) string { return apiKey }, httpClient)
	if err != nil {
		return nil, err
	}
	store, err := g.openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return pipeline.NewRunner(cfg, store, adapter, pipeline.Options{Client: httpClient, Metrics: metrics.New()}), nil
}

// consoleProgress logs run progress to the console. Chunk views and stream
// deltas are left to the review server.
func consoleProgress() pipeline.Emit {
	var mu sync.Mutex
	last := -1
	return func(ev pipeline.Event) {
		switch m := ev.Data.(type) {
		case protocol.InitializeProgress:
			logger.Info("Translation started", "chunks", m.TotalChunks, "retry_count", m.RetryCount)
		case protocol.UpdateProgress:
			mu.Lock()
			changed := m.Current != last
			last = m.Current
			mu.Unlock()
			if changed && m.Current > 0 {
				logger.Info("Chunk completed", "completed", m.Current, "total", m.Total)
			}
		case protocol.UpdateAttemptProgress:
			if m.Current > 1 && m.State != protocol.StateError {
				logger.Warn("Chunk retry", "attempt", m.Current, "max", m.Total)
			}
		case protocol.ShowError:
			if m.IsFatal {
				logger.Error(m.Title, "error", m.ErrorContent)
			} else {
				logger.Warn(m.Title, "error", m.ErrorContent)
			}
		}
	}
}

// printFatal renders err the way the review surface would.
func printFatal(w io.Writer, err error) {
	fmt.Fprintln(w, apperrors.Describe(err, true).String())
}

func signalContext() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			logger.Warn("Cancellation requested")
			cancel()
		case <-ctx.Done():
		}
	}()
	stop := func() {
		signal.Stop(sigCh)
		cancel()
	}
	return ctx, stop
}
