package gemini

// Part is one piece of candidate content. Thinking models emit a thought
// part before the answer.
type Part struct {
	Text    string `json:"text"`
	Thought bool   `json:"thought,omitempty"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// SafetySetting sets a block threshold for one harm category.
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// PermissiveSafety disables blocking for the four configurable categories.
// Literary text routinely trips the default thresholds.
func PermissiveSafety() []SafetySetting {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	settings := make([]SafetySetting, len(categories))
	for i, c := range categories {
		settings[i] = SafetySetting{Category: c, Threshold: "BLOCK_NONE"}
	}
	return settings
}

// GenerationConfig uses the Generative Language API field names.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopK            int      `json:"topK,omitempty"`
	TopP            float64  `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

// GenerateRequest is the body of generateContent and streamGenerateContent.
type GenerateRequest struct {
	Contents         []Content         `json:"contents"`
	GenerationConfig *GenerationConfig `json:"generationConfig,omitempty"`
	SafetySettings   []SafetySetting   `json:"safetySettings,omitempty"`
}

// Candidate is one generated completion.
type Candidate struct {
	Content      *Content `json:"content,omitempty"`
	FinishReason string   `json:"finishReason,omitempty"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

// APIError is the google.rpc.Status shaped error object, both as an HTTP
// error envelope and embedded in stream records.
type APIError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Status  string        `json:"status"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Type   string `json:"@type,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Prediction is the legacy PaLM-style payload some Vertex models return.
type Prediction struct {
	Content string `json:"content"`
}

// GenerateResponse covers the Gemini response and the Vertex fallbacks.
type GenerateResponse struct {
	Candidates     []Candidate     `json:"candidates,omitempty"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	Predictions    []Prediction    `json:"predictions,omitempty"`
	Outputs        []any           `json:"outputs,omitempty"`
	Error          *APIError       `json:"error,omitempty"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}
