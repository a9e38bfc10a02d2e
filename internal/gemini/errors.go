package gemini

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/httpclient"
	"google.golang.org/api/googleapi"
)

// blockedFinishReasons end a candidate without text for policy reasons.
var blockedFinishReasons = map[string]bool{
	"SAFETY":             true,
	"PROHIBITED_CONTENT": true,
	"BLOCKLIST":          true,
	"SPII":               true,
	"RECITATION":         true,
}

// CheckResponse converts a non-2xx Google API response into a typed error.
// The body is read through googleapi.CheckResponse, capped at the shared
// response limit.
func CheckResponse(name string, resp *http.Response) error {
	resp.Body = io.NopCloser(io.LimitReader(resp.Body, httpclient.MaxResponseBytes))
	err := googleapi.CheckResponse(resp)
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return apperrors.New(apperrors.KindNetwork, fmt.Sprintf("%s request failed while reading the error response.", name), err)
	}
	apiErr := APIError{Code: gerr.Code, Message: gerr.Message}
	var env errorEnvelope
	if json.Unmarshal([]byte(gerr.Body), &env) == nil && env.Error != nil {
		apiErr.Status = env.Error.Status
		apiErr.Details = env.Error.Details
		if apiErr.Message == "" {
			apiErr.Message = env.Error.Message
		}
	}
	return Classify(name, gerr.Code, apiErr)
}

// Classify maps an HTTP status and Google error payload to an error kind.
// httpStatus may be zero for errors embedded in stream records.
func Classify(name string, httpStatus int, apiErr APIError) error {
	code := httpStatus
	if code == 0 {
		code = apiErr.Code
	}
	status := strings.ToUpper(apiErr.Status)
	cause := fmt.Errorf("%s status=%d/%s message=%s", strings.ToLower(name), code, status, apiErr.Message)

	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden ||
		status == "PERMISSION_DENIED" || status == "UNAUTHENTICATED" || isInvalidKey(apiErr):
		return apperrors.New(apperrors.KindAuth,
			fmt.Sprintf("%s authentication failed (%d): verify the API key or service account.", name, code), cause)
	case code == http.StatusTooManyRequests || status == "RESOURCE_EXHAUSTED":
		return apperrors.New(apperrors.KindRateLimit,
			fmt.Sprintf("%s rate limit exceeded (%d).", name, code), cause)
	case code >= 500 || status == "UNAVAILABLE" || status == "INTERNAL" || status == "DEADLINE_EXCEEDED":
		return apperrors.New(apperrors.KindNetwork,
			fmt.Sprintf("%s service temporary error (%d).", name, code), cause)
	case isPolicyMessage(apiErr.Message):
		return apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s rejected the request under its content policy.", name), cause)
	case code == http.StatusNotFound:
		return apperrors.New(apperrors.KindFatal,
			fmt.Sprintf("%s model not found or no access (404).", name), cause)
	default:
		return apperrors.New(apperrors.KindFatal,
			fmt.Sprintf("%s API error (%d).", name, code), cause)
	}
}

func isInvalidKey(apiErr APIError) bool {
	for _, d := range apiErr.Details {
		if d.Reason == "API_KEY_INVALID" || d.Reason == "API_KEY_EXPIRED" {
			return true
		}
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "api key not valid") ||
		strings.Contains(msg, "api key expired") ||
		strings.Contains(msg, "please use api key")
}

func isPolicyMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "safety") ||
		strings.Contains(msg, "prohibited") ||
		strings.Contains(msg, "blocked")
}

// CandidateParts extracts the parts of the first candidate, or a typed
// error when the response was blocked or has an unexpected shape.
func CandidateParts(name string, r GenerateResponse) ([]string, error) {
	if r.Error != nil {
		return nil, Classify(name, 0, *r.Error)
	}
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return nil, apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s blocked the prompt (%s).", name, r.PromptFeedback.BlockReason), nil)
	}
	if len(r.Candidates) == 0 {
		return nil, apperrors.New(apperrors.KindMalformed,
			fmt.Sprintf("Unexpected response structure from %s API: no candidates.", name), nil)
	}
	c := r.Candidates[0]
	if c.Content == nil || len(c.Content.Parts) == 0 {
		if blockedFinishReasons[c.FinishReason] {
			return nil, apperrors.New(apperrors.KindContentPolicy,
				fmt.Sprintf("%s stopped generation (%s).", name, c.FinishReason), nil)
		}
		return nil, apperrors.New(apperrors.KindMalformed,
			fmt.Sprintf("Unexpected response structure from %s API: candidate has no parts.", name),
			fmt.Errorf("finishReason=%s", c.FinishReason))
	}
	parts := make([]string, len(c.Content.Parts))
	for i, p := range c.Content.Parts {
		parts[i] = p.Text
	}
	return parts, nil
}

// StreamDelta reads candidates[0].content.parts[0].text from one stream
// record. Embedded errors and block signals abort the stream.
func StreamDelta(name string, record []byte) (string, error) {
	var r GenerateResponse
	if err := json.Unmarshal(record, &r); err != nil {
		return "", nil
	}
	if r.Error != nil {
		return "", Classify(name, 0, *r.Error)
	}
	if r.PromptFeedback != nil && r.PromptFeedback.BlockReason != "" {
		return "", apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s blocked the prompt (%s).", name, r.PromptFeedback.BlockReason), nil)
	}
	if len(r.Candidates) == 0 {
		return "", nil
	}
	c := r.Candidates[0]
	if c.Content != nil && len(c.Content.Parts) > 0 && c.Content.Parts[0].Text != "" {
		return c.Content.Parts[0].Text, nil
	}
	if blockedFinishReasons[c.FinishReason] {
		return "", apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s stopped generation (%s).", name, c.FinishReason), nil)
	}
	return "", nil
}
