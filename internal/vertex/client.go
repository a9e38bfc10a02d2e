// Package vertex implements the Vertex AI adapter, authenticated with a
// service-account key through a signed JWT exchange.
package vertex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/gemini"
	"github.com/oukeidos/novtl/internal/provider"
)

const (
	DefaultLocation = "us-central1"
	DefaultModel    = gemini.DefaultModel
	displayName     = "Vertex"
)

// Config configures the Vertex adapter.
type Config struct {
	ProjectID  string
	Location   string
	Model      string
	Stream     bool
	Generation provider.Generation
	// ServiceAccountJSON is the raw key file content.
	ServiceAccountJSON []byte
}

type options struct {
	baseURL  string
	tokenURL string
	client   *http.Client
}

type Option func(*options)

// WithBaseURL replaces https://{location}-aiplatform.googleapis.com.
func WithBaseURL(u string) Option {
	return func(o *options) { o.baseURL = strings.TrimRight(u, "/") }
}

// WithTokenURL overrides the token endpoint from the key file.
func WithTokenURL(u string) Option {
	return func(o *options) { o.tokenURL = u }
}

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

type Adapter struct {
	cfg     Config
	baseURL string
	tokens  *TokenSource
}

// New validates cfg and parses the key. No network call is made until the
// first request.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	sa, err := ParseServiceAccount(cfg.ServiceAccountJSON)
	if err != nil {
		return nil, err
	}
	if cfg.ProjectID == "" {
		cfg.ProjectID = sa.ProjectID
	}
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, apperrors.New(apperrors.KindFatal, "Vertex project ID is required.", nil)
	}
	if cfg.Location == "" {
		cfg.Location = DefaultLocation
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.baseURL == "" {
		o.baseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com", cfg.Location)
	}
	return &Adapter{
		cfg:     cfg,
		baseURL: o.baseURL,
		tokens:  NewTokenSource(sa, o.tokenURL, o.client),
	}, nil
}

func (a *Adapter) Name() string    { return displayName }
func (a *Adapter) Streaming() bool { return a.cfg.Stream }

func (a *Adapter) isGemini() bool {
	return strings.Contains(strings.ToLower(a.cfg.Model), "gemini")
}

// Endpoint returns the publisher model URL for the configured mode.
func (a *Adapter) Endpoint() string {
	var method string
	switch {
	case a.isGemini() && a.cfg.Stream:
		method = "streamGenerateContent?alt=sse"
	case a.isGemini():
		method = "generateContent"
	case a.cfg.Stream:
		method = "streamRawPredict?alt=sse"
	default:
		method = "rawPredict"
	}
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/publishers/google/models/%s:%s",
		a.baseURL, url.PathEscape(a.cfg.ProjectID), url.PathEscape(a.cfg.Location), url.PathEscape(a.cfg.Model), method)
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopK            int      `json:"top_k,omitempty"`
	TopP            float64  `json:"top_p,omitempty"`
	MaxOutputTokens int      `json:"max_output_tokens,omitempty"`
}

type requestBody struct {
	Contents         []gemini.Content       `json:"contents"`
	GenerationConfig generationConfig       `json:"generation_config"`
	SafetySettings   []gemini.SafetySetting `json:"safety_settings"`
}

func (a *Adapter) BuildRequest(ctx context.Context, req provider.Request) (*http.Request, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	gen := a.cfg.Generation
	body, err := json.Marshal(requestBody{
		Contents: []gemini.Content{{Role: "user", Parts: []gemini.Part{{Text: req.Prompt()}}}},
		GenerationConfig: generationConfig{
			Temperature:     gen.Temperature,
			TopK:            gen.TopK,
			TopP:            gen.TopP,
			MaxOutputTokens: gen.MaxOutputTokens,
		},
		SafetySettings: gemini.PermissiveSafety(),
	})
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	return httpReq, nil
}

func (a *Adapter) CheckResponse(resp *http.Response) error {
	return gemini.CheckResponse(displayName, resp)
}

func (a *Adapter) ParseResponse(body []byte) (provider.Result, error) {
	var r gemini.GenerateResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return provider.Result{}, apperrors.New(apperrors.KindMalformed,
			"Vertex returned a response that is not valid JSON.", err)
	}
	if len(r.Candidates) == 0 && r.Error == nil && len(r.Predictions) > 0 && r.Predictions[0].Content != "" {
		text := r.Predictions[0].Content
		return provider.Result{Text: text, Parts: []string{text}}, nil
	}
	parts, err := gemini.CandidateParts(displayName, r)
	if err != nil {
		return provider.Result{}, err
	}
	return provider.Result{Text: provider.JoinParts(parts), Parts: parts}, nil
}

func (a *Adapter) ExtractStreamDelta(record []byte) (string, error) {
	text, err := gemini.StreamDelta(displayName, record)
	if err != nil || text != "" {
		return text, err
	}
	var r gemini.GenerateResponse
	if json.Unmarshal(record, &r) == nil && len(r.Outputs) > 0 {
		if s, ok := r.Outputs[0].(string); ok {
			return s, nil
		}
	}
	return "", nil
}
