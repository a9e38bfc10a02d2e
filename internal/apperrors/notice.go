package apperrors

import "strings"

// Notice is the user-facing rendering of an error. Title and Message are
// fixed per kind; Detail carries the raw provider text as a supplement.
type Notice struct {
	Kind    Kind   `json:"kind"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	Fatal   bool   `json:"fatal"`
}

func (n Notice) String() string {
	var b strings.Builder
	b.WriteString(n.Title)
	b.WriteString(": ")
	b.WriteString(n.Message)
	if n.Detail != "" {
		b.WriteString("\noriginal error message: ")
		b.WriteString(n.Detail)
	}
	return b.String()
}

// Describe maps err to a Notice. fatal forces the "Fatal Error" title, which
// is what the review surface shows once the queue has stopped.
func Describe(err error, fatal bool) Notice {
	kind, ok := KindOf(err)
	if !ok {
		kind = KindFatal
	}
	n := Notice{Kind: kind, Fatal: fatal}
	switch kind {
	case KindAuth:
		n.Title = "API Key Error"
		n.Message = "The API key or service account is missing or invalid. Update the credential for the selected provider and run again."
	case KindContentPolicy:
		n.Title = "Content Safety Error"
		n.Message = "The provider considered the excerpt unsafe and refused it. Try adjusting the prompt prefix or suffix."
	case KindNetwork, KindRateLimit:
		n.Title = "Network Error"
		n.Message = "Failed to reach the provider. Check your connection and try again."
	case KindCancelled:
		n.Title = "Cancelled"
		n.Message = "Processing was cancelled. Partial output has been kept."
	default:
		n.Title = "Processing Error"
		n.Message = "An error occurred while processing the chunk. Please try again."
	}
	if fatal && kind != KindCancelled {
		n.Title = "Fatal Error"
		n.Message = "Processing stopped. " + PublicMessage(err)
	}
	if detail := Detail(err); detail != "" && detail != PublicMessage(err) {
		n.Detail = detail
	}
	return n
}
