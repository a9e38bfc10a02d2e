package pipeline

import (
	"strings"

	"github.com/oukeidos/novtl/internal/dispatch"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/session"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusSuccess        Status = "Success"
	StatusPartialSuccess Status = "Partial Success"
	StatusFailure        Status = "Failure"
	StatusCancelled      Status = "Cancelled"
)

// Result summarises one Process call.
type Result struct {
	Session session.Session
	Summary dispatch.Summary
	Status  Status
	// Output is the active part of every available chunk, in order.
	Output  string
	Missing int
}

func statusOf(sum dispatch.Summary, cancelled bool) Status {
	switch {
	case sum.Total > 0 && sum.Completed >= sum.Total:
		return StatusSuccess
	case cancelled:
		return StatusCancelled
	case sum.Completed > 0:
		return StatusPartialSuccess
	default:
		return StatusFailure
	}
}

// JoinOutput joins the active part of each stored result with a blank line.
// Partial results are included; chunks with no text count as missing.
func JoinOutput(results []*session.ChunkResult, total int) (string, int) {
	var parts []string
	missing := 0
	for i := 0; i < total; i++ {
		var r *session.ChunkResult
		if i < len(results) {
			r = results[i]
		}
		text := activeText(r)
		if text == "" {
			missing++
			continue
		}
		parts = append(parts, strings.TrimSpace(text))
	}
	return strings.Join(parts, "\n\n"), missing
}

func activeText(r *session.ChunkResult) string {
	if r == nil {
		return ""
	}
	if len(r.Content.Parts) > 0 {
		return r.Content.Parts[provider.ActivePart(r.Content.Parts)]
	}
	return r.Content.Text
}
