package openai

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/httpclient"
)

type errorEnvelope struct {
	Error errorDetails `json:"error"`
}

type errorDetails struct {
	Message  string         `json:"message"`
	Type     string         `json:"type"`
	Code     interface{}    `json:"code"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func (e errorDetails) codeString() string {
	if e.Code == nil {
		return ""
	}
	return fmt.Sprint(e.Code)
}

// numericCode returns the in-body status code OpenRouter uses for errors
// delivered with HTTP 200 or inside a stream.
func (e errorDetails) numericCode() int {
	if f, ok := e.Code.(float64); ok {
		return int(f)
	}
	return 0
}

func readErrorBody(resp *http.Response) ([]byte, error) {
	return httpclient.ReadLimited(resp.Body)
}

func parseErrorDetails(body []byte) errorDetails {
	var envelope errorEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return errorDetails{}
	}
	return envelope.Error
}

func classifyError(name string, statusCode int, status string, details errorDetails) error {
	if statusCode == 0 {
		statusCode = details.numericCode()
	}
	code := details.codeString()
	cause := fmt.Errorf("%s status=%d %s type=%s code=%s message=%s",
		strings.ToLower(name), statusCode, status, details.Type, code, details.Message)

	if isContentPolicy(details) {
		return apperrors.New(apperrors.KindContentPolicy,
			fmt.Sprintf("%s rejected the request under its content policy.", name), cause)
	}

	switch statusCode {
	case http.StatusTooManyRequests:
		return apperrors.New(apperrors.KindRateLimit,
			fmt.Sprintf("%s API rate limit exceeded (429): please try again later.", name), cause)
	case http.StatusUnauthorized, http.StatusForbidden:
		return apperrors.New(apperrors.KindAuth,
			fmt.Sprintf("%s API authentication/authorization failed (%d): please verify your API key and permissions.", name, statusCode),
			cause)
	case http.StatusRequestTimeout:
		return apperrors.New(apperrors.KindNetwork, fmt.Sprintf("%s request timed out upstream (408).", name), cause)
	case http.StatusNotFound:
		if isModelNotFound(details) {
			return apperrors.New(apperrors.KindFatal, "The model does not exist or you do not have access to it.", cause)
		}
		return apperrors.New(apperrors.KindFatal, fmt.Sprintf("%s resource not found (404).", name), cause)
	default:
		if statusCode >= 500 {
			return apperrors.New(apperrors.KindNetwork,
				fmt.Sprintf("%s server error (%d): please try again later.", name, statusCode), cause)
		}
		if statusCode == 0 {
			return apperrors.New(apperrors.KindFatal, fmt.Sprintf("%s API returned an error.", name), cause)
		}
		return apperrors.New(apperrors.KindFatal,
			fmt.Sprintf("%s API error (%d): %s", name, statusCode, status), cause)
	}
}

func isModelNotFound(details errorDetails) bool {
	needle := strings.ToLower(details.codeString() + " " + details.Type + " " + details.Message)
	if strings.Contains(needle, "model_not_found") {
		return true
	}
	return strings.Contains(needle, "does not exist or you do not have access to it")
}

// isContentPolicy matches OpenAI policy codes and OpenRouter moderation
// errors, which carry flagged reasons in metadata.
func isContentPolicy(details errorDetails) bool {
	needle := strings.ToLower(details.codeString() + " " + details.Type)
	if strings.Contains(needle, "content_policy") || strings.Contains(needle, "content_filter") {
		return true
	}
	if _, ok := details.Metadata["reasons"]; ok {
		return true
	}
	return strings.Contains(strings.ToLower(details.Message), "flagged")
}
