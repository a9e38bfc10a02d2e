// Package openai implements the chat-completions adapter used for both
// OpenAI and OpenRouter.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/provider"
)

const (
	DefaultOpenAIBaseURL     = "https://api.openai.com/v1"
	DefaultOpenRouterBaseURL = "https://openrouter.ai/api/v1"
	DefaultOpenAIModel       = "gpt-4o-mini"
	DefaultOpenRouterModel   = "deepseek/deepseek-chat-v3-0324:free"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// RequestData is the chat/completions request body.
type RequestData struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        float64   `json:"top_p,omitempty"`
}

// ResponseData covers both the complete response and stream chunks.
type ResponseData struct {
	ID      string        `json:"id"`
	Choices []Choice      `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
	Error   *errorDetails `json:"error,omitempty"`
}

type Choice struct {
	Message      *Message `json:"message,omitempty"`
	Delta        *Message `json:"delta,omitempty"`
	FinishReason string   `json:"finish_reason,omitempty"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config configures one chat-completions backend. Referer and Title are
// the OpenRouter attribution headers and are ignored for OpenAI.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	Stream     bool
	Generation provider.Generation
	Referer    string
	Title      string
}

type Client struct {
	name    string
	cfg     Config
	baseURL string
	router  bool
}

// NewOpenAI returns an adapter for api.openai.com or a compatible base URL.
func NewOpenAI(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenAIModel
	}
	return newClient("OpenAI", cfg, DefaultOpenAIBaseURL, false)
}

// NewOpenRouter returns an adapter for openrouter.ai.
func NewOpenRouter(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultOpenRouterModel
	}
	return newClient("OpenRouter", cfg, DefaultOpenRouterBaseURL, true)
}

func newClient(name string, cfg Config, defaultBase string, router bool) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, apperrors.New(apperrors.KindAuth, name+" API key is missing.", nil)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = defaultBase
	}
	return &Client{name: name, cfg: cfg, baseURL: base, router: router}, nil
}

func (c *Client) Name() string    { return c.name }
func (c *Client) Streaming() bool { return c.cfg.Stream }

func (c *Client) requestData(prompt string) RequestData {
	gen := c.cfg.Generation
	req := RequestData{
		Model:     c.cfg.Model,
		Messages:  []Message{{Role: "user", Content: prompt}},
		Stream:    c.cfg.Stream,
		MaxTokens: gen.MaxOutputTokens,
		TopP:      gen.TopP,
	}
	// OpenRouter rejects temperatures outside [0,2]; drop them instead.
	if t := gen.Temperature; t != nil && *t >= 0 && *t <= 2 {
		req.Temperature = t
	}
	return req
}

func (c *Client) BuildRequest(ctx context.Context, req provider.Request) (*http.Request, error) {
	jsonData, err := json.Marshal(c.requestData(req.Prompt()))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if c.router {
		if c.cfg.Referer != "" {
			httpReq.Header.Set("HTTP-Referer", c.cfg.Referer)
		}
		if c.cfg.Title != "" {
			httpReq.Header.Set("X-Title", c.cfg.Title)
		}
	}
	return httpReq, nil
}

func (c *Client) CheckResponse(resp *http.Response) error {
	body, _ := readErrorBody(resp)
	return classifyError(c.name, resp.StatusCode, resp.Status, parseErrorDetails(body))
}

func (c *Client) ParseResponse(body []byte) (provider.Result, error) {
	var result ResponseData
	if err := json.Unmarshal(body, &result); err != nil {
		return provider.Result{}, apperrors.New(apperrors.KindMalformed,
			fmt.Sprintf("%s response format was invalid.", c.name),
			fmt.Errorf("failed to decode response: %w", err))
	}
	if result.Error != nil {
		return provider.Result{}, classifyError(c.name, 0, "", *result.Error)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message == nil {
		return provider.Result{}, apperrors.New(apperrors.KindMalformed,
			fmt.Sprintf("Unexpected response structure from %s API: no choices.", c.name), nil)
	}
	choice := result.Choices[0]
	if choice.Message.Content == "" && choice.FinishReason == "content_filter" {
		return provider.Result{}, apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s filtered the response (content_filter).", c.name), nil)
	}
	text := choice.Message.Content
	return provider.Result{Text: text, Parts: []string{text}}, nil
}

func (c *Client) ExtractStreamDelta(record []byte) (string, error) {
	var chunk ResponseData
	if err := json.Unmarshal(record, &chunk); err != nil {
		return "", nil
	}
	if chunk.Error != nil {
		return "", classifyError(c.name, 0, "", *chunk.Error)
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	choice := chunk.Choices[0]
	if choice.Delta != nil && choice.Delta.Content != "" {
		return choice.Delta.Content, nil
	}
	if choice.FinishReason == "content_filter" {
		return "", apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s filtered the response (content_filter).", c.name), nil)
	}
	return "", nil
}
