// Package provider defines the contract shared by the LLM backends and the
// Submit loop that drives one request through an adapter.
package provider

import (
	"context"
	"net/http"
	"strings"
)

// Provider names accepted in configuration.
const (
	Gemini     = "gemini"
	Vertex     = "vertex"
	OpenRouter = "openrouter"
	OpenAI     = "openai"
)

// Names lists the supported providers in display order.
var Names = []string{Gemini, Vertex, OpenRouter, OpenAI}

// Request is one chunk to translate together with its prompt template.
type Request struct {
	Chunk  string
	Prefix string
	Suffix string
}

// Prompt is the single user turn sent to every provider.
func (r Request) Prompt() string {
	return r.Prefix + "\n" + r.Chunk + "\n" + r.Suffix
}

// Generation holds sampling parameters. Zero values are omitted from
// requests, except Temperature which is sent when set.
type Generation struct {
	Temperature     *float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

// Result is the outcome of a successful submission.
type Result struct {
	Text     string
	Parts    []string
	Streamed bool
}

// StreamEvent is emitted while a streamed response is consumed.
// Content is the text accumulated so far, Delta the newest fragment.
type StreamEvent struct {
	Delta      string
	Content    string
	RawContent string
	Initial    bool
	Complete   bool
	Err        error
}

// Sink receives stream events in order. It must not block for long.
type Sink func(StreamEvent)

// Adapter is implemented by each backend variant.
type Adapter interface {
	Name() string
	Streaming() bool
	BuildRequest(ctx context.Context, req Request) (*http.Request, error)
	// CheckResponse turns a non-2xx response into a typed error. It may read
	// the body; the caller closes it.
	CheckResponse(resp *http.Response) error
	ParseResponse(body []byte) (Result, error)
	ExtractStreamDelta(record []byte) (string, error)
}

// ActivePart returns the index of the part shown by default: the last one.
func ActivePart(parts []string) int {
	if len(parts) == 0 {
		return 0
	}
	return len(parts) - 1
}

// JoinParts concatenates parts the way providers present a full answer.
func JoinParts(parts []string) string {
	return strings.Join(parts, "")
}

// Float returns a pointer to v for optional generation fields.
func Float(v float64) *float64 { return &v }
