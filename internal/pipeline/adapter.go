package pipeline

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/gemini"
	"github.com/oukeidos/novtl/internal/openai"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/vertex"
)

// KeyFunc returns the API key stored for a provider, or "".
type KeyFunc func(service string) string

// NewAdapter builds the adapter selected by cfg.Provider. client is used
// for the Vertex token exchange and may be nil.
func NewAdapter(cfg config.Config, keys KeyFunc, client *http.Client) (provider.Adapter, error) {
	key := func(name string) string {
		if keys == nil {
			return ""
		}
		return strings.TrimSpace(keys(name))
	}
	gen := cfg.GenerationFor(cfg.Provider)

	switch cfg.Provider {
	case provider.Gemini:
		var opts []gemini.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(cfg.Gemini.BaseURL))
		}
		return gemini.New(gemini.Config{
			APIKey:     key(provider.Gemini),
			Model:      cfg.Gemini.Model,
			Stream:     cfg.Gemini.Stream,
			Generation: gen,
		}, opts...)

	case provider.Vertex:
		keyJSON, err := readServiceAccount(cfg.Vertex.ServiceAccountFile)
		if err != nil {
			return nil, err
		}
		opts := []vertex.Option{vertex.WithHTTPClient(client)}
		if cfg.Vertex.BaseURL != "" {
			opts = append(opts, vertex.WithBaseURL(cfg.Vertex.BaseURL))
		}
		if cfg.Vertex.TokenURL != "" {
			opts = append(opts, vertex.WithTokenURL(cfg.Vertex.TokenURL))
		}
		return vertex.New(vertex.Config{
			ProjectID:          cfg.Vertex.ProjectID,
			Location:           cfg.Vertex.Location,
			Model:              cfg.Vertex.Model,
			Stream:             cfg.Vertex.Stream,
			Generation:         gen,
			ServiceAccountJSON: keyJSON,
		}, opts...)

	case provider.OpenRouter:
		return openai.NewOpenRouter(openai.Config{
			APIKey:     key(provider.OpenRouter),
			Model:      cfg.OpenRouter.Model,
			BaseURL:    cfg.OpenRouter.BaseURL,
			Stream:     cfg.OpenRouter.Stream,
			Generation: gen,
			Referer:    cfg.OpenRouter.SiteURL,
			Title:      cfg.OpenRouter.SiteName,
		})

	case provider.OpenAI:
		return openai.NewOpenAI(openai.Config{
			APIKey:     key(provider.OpenAI),
			Model:      cfg.OpenAI.Model,
			BaseURL:    cfg.OpenAI.BaseURL,
			Stream:     cfg.OpenAI.Stream,
			Generation: gen,
		})
	}
	return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}

func readServiceAccount(path string) ([]byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New(apperrors.KindAuth,
			"Vertex service account key file is not configured (vertex.service_account_file).", nil)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.New(apperrors.KindAuth, "Failed to read the Vertex service account key file.", err)
	}
	return data, nil
}
