// Package gemini implements the Generative Language API adapter and the
// response types shared with the Vertex adapter.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/provider"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com"
	DefaultModel   = "gemini-2.0-flash-001"
	displayName    = "Gemini"
)

// Config configures the Gemini adapter.
type Config struct {
	APIKey     string
	Model      string
	Stream     bool
	Generation provider.Generation
}

// Adapter talks to generateContent and streamGenerateContent.
type Adapter struct {
	cfg     Config
	baseURL string
}

type Option func(*Adapter)

// WithBaseURL points the adapter at another endpoint, typically a test server.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

// New returns a Gemini adapter. An empty API key is rejected up front.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.New(apperrors.KindAuth, "Gemini API key is missing.", nil)
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	a := &Adapter{cfg: cfg, baseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

func (a *Adapter) Name() string    { return displayName }
func (a *Adapter) Streaming() bool { return a.cfg.Stream }

// Endpoint returns the model URL for the configured mode.
func (a *Adapter) Endpoint() string {
	model := url.PathEscape(a.cfg.Model)
	if a.cfg.Stream {
		return fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse", a.baseURL, model)
	}
	return fmt.Sprintf("%s/v1beta/models/%s:generateContent", a.baseURL, model)
}

func (a *Adapter) BuildRequest(ctx context.Context, req provider.Request) (*http.Request, error) {
	body, err := json.Marshal(NewGenerateRequest(req.Prompt(), a.cfg.Generation))
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.cfg.APIKey)
	return httpReq, nil
}

func (a *Adapter) CheckResponse(resp *http.Response) error {
	return CheckResponse(displayName, resp)
}

func (a *Adapter) ParseResponse(body []byte) (provider.Result, error) {
	var r GenerateResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return provider.Result{}, apperrors.New(apperrors.KindMalformed,
			"Gemini returned a response that is not valid JSON.", err)
	}
	parts, err := CandidateParts(displayName, r)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{Text: provider.JoinParts(parts), Parts: parts}, nil
}

func (a *Adapter) ExtractStreamDelta(record []byte) (string, error) {
	return StreamDelta(displayName, record)
}

// NewGenerateRequest builds the single-turn body used by Gemini and by
// Gemini models on Vertex.
func NewGenerateRequest(prompt string, gen provider.Generation) GenerateRequest {
	return GenerateRequest{
		Contents: []Content{{Role: "user", Parts: []Part{{Text: prompt}}}},
		GenerationConfig: &GenerationConfig{
			Temperature:     gen.Temperature,
			TopK:            gen.TopK,
			TopP:            gen.TopP,
			MaxOutputTokens: gen.MaxOutputTokens,
		},
		SafetySettings: PermissiveSafety(),
	}
}
