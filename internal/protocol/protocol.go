// Package protocol defines the action-tagged JSON messages exchanged between
// the dispatcher side and a review surface.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/dispatch"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/session"
)

type Action string

const (
	ActionProcessChunk          Action = "processChunk"
	ActionOpenChunksPage        Action = "openChunksPage"
	ActionUpdateChunksPage      Action = "updateChunksPage"
	ActionGetStoredData         Action = "getStoredData"
	ActionUpdateStreamContent   Action = "updateStreamContent"
	ActionUpdateProgress        Action = "updateProgress"
	ActionUpdateAttemptProgress Action = "updateAttemptProgress"
	ActionShowError             Action = "showError"
	ActionInitializeProgress    Action = "initializeProgress"
	ActionTestServiceAccount    Action = "testServiceAccount"
)

// ProgressState is what the progress bars display.
type ProgressState string

const (
	StateInitializing ProgressState = "initializing"
	StateProcessing   ProgressState = "processing"
	StateCompleted    ProgressState = "completed"
	StateError        ProgressState = "error"
)

// ErrUnknownAction is returned by Decode for unrecognised tags.
var ErrUnknownAction = errors.New("protocol: unknown action")

type ProcessChunk struct {
	Action Action `json:"action"`
	Chunk  string `json:"chunk"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

type ProcessChunkResponse struct {
	Result string   `json:"result,omitempty"`
	Parts  []string `json:"parts,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type OpenChunksPage struct {
	Action     Action   `json:"action"`
	Chunks     []string `json:"chunks"`
	Prefix     string   `json:"prefix"`
	Suffix     string   `json:"suffix"`
	RetryCount int      `json:"retryCount"`
}

// Data returns the session input carried by the message.
func (m OpenChunksPage) Data() session.Data {
	return session.Data{Chunks: m.Chunks, Prefix: m.Prefix, Suffix: m.Suffix, RetryCount: m.RetryCount}
}

// UpdateChunksPage replaces the input of an open surface.
type UpdateChunksPage struct {
	Action Action       `json:"action"`
	Data   session.Data `json:"data"`
}

type GetStoredData struct {
	Action Action `json:"action"`
}

type StoredData struct {
	Chunks     []string `json:"chunks"`
	Prefix     string   `json:"prefix"`
	Suffix     string   `json:"suffix"`
	RetryCount int      `json:"retryCount"`
}

type UpdateStreamContent struct {
	Action     Action `json:"action"`
	Content    string `json:"content"`
	RawContent string `json:"rawContent"`
	IsInitial  bool   `json:"isInitial"`
	IsComplete bool   `json:"isComplete"`
	Error      string `json:"error,omitempty"`
}

type UpdateProgress struct {
	Action  Action        `json:"action"`
	Current int           `json:"current"`
	Total   int           `json:"total"`
	State   ProgressState `json:"state"`
}

type UpdateAttemptProgress struct {
	Action  Action        `json:"action"`
	Current int           `json:"current"`
	Total   int           `json:"total"`
	State   ProgressState `json:"state,omitempty"`
}

type ShowError struct {
	Action       Action `json:"action"`
	ErrorContent string `json:"errorContent"`
	Title        string `json:"title"`
	IsFatal      bool   `json:"isFatal"`
}

type InitializeProgress struct {
	Action      Action `json:"action"`
	RetryCount  int    `json:"retryCount"`
	TotalChunks int    `json:"totalChunks"`
}

type TestServiceAccount struct {
	Action            Action `json:"action"`
	ServiceAccountKey string `json:"serviceAccountKey"`
}

type TestServiceAccountResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Decode parses one message by its action tag.
func Decode(data []byte) (any, error) {
	var tag struct {
		Action Action `json:"action"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("protocol: decode action: %w", err)
	}
	var msg any
	switch tag.Action {
	case ActionProcessChunk:
		msg = &ProcessChunk{}
	case ActionOpenChunksPage:
		msg = &OpenChunksPage{}
	case ActionUpdateChunksPage:
		msg = &UpdateChunksPage{}
	case ActionGetStoredData:
		msg = &GetStoredData{}
	case ActionUpdateStreamContent:
		msg = &UpdateStreamContent{}
	case ActionUpdateProgress:
		msg = &UpdateProgress{}
	case ActionUpdateAttemptProgress:
		msg = &UpdateAttemptProgress{}
	case ActionShowError:
		msg = &ShowError{}
	case ActionInitializeProgress:
		msg = &InitializeProgress{}
	case ActionTestServiceAccount:
		msg = &TestServiceAccount{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownAction, tag.Action)
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: decode %s: %w", tag.Action, err)
	}
	return msg, nil
}

// ActionOf returns the tag of an outgoing message.
func ActionOf(msg any) Action {
	switch m := msg.(type) {
	case ProcessChunk:
		return m.Action
	case OpenChunksPage:
		return m.Action
	case UpdateChunksPage:
		return m.Action
	case UpdateStreamContent:
		return m.Action
	case UpdateProgress:
		return m.Action
	case UpdateAttemptProgress:
		return m.Action
	case ShowError:
		return m.Action
	case InitializeProgress:
		return m.Action
	case TestServiceAccount:
		return m.Action
	}
	return ""
}

func NewInitializeProgress(retryCount, total int) InitializeProgress {
	return InitializeProgress{Action: ActionInitializeProgress, RetryCount: retryCount, TotalChunks: total}
}

// StreamContent converts a provider stream event.
func StreamContent(ev provider.StreamEvent) UpdateStreamContent {
	m := UpdateStreamContent{
		Action:     ActionUpdateStreamContent,
		Content:    ev.Content,
		RawContent: ev.RawContent,
		IsInitial:  ev.Initial,
		IsComplete: ev.Complete,
	}
	if ev.Err != nil {
		m.Error = apperrors.PublicMessage(ev.Err)
	}
	return m
}

// FromProgress converts dispatcher progress into the chunk bar, the attempt
// bar and, for failures, an error notice. A fatal error puts both bars in
// the error state.
func FromProgress(p dispatch.Progress) []any {
	chunk := UpdateProgress{Action: ActionUpdateProgress, Current: p.Completed, Total: p.Total, State: StateProcessing}
	attempt := UpdateAttemptProgress{Action: ActionUpdateAttemptProgress, Current: p.Attempt, Total: p.MaxAttempts}

	switch p.State {
	case dispatch.StatePending:
		if p.Completed == 0 && p.Index == 0 {
			chunk.State = StateInitializing
		}
		return []any{chunk}
	case dispatch.StateSucceeded:
		if p.Completed >= p.Total {
			chunk.State = StateCompleted
		}
		return []any{chunk, attempt}
	case dispatch.StateFatal:
		chunk.State = StateError
		attempt.State = StateError
		out := []any{chunk, attempt}
		if p.Err != nil {
			out = append(out, NewShowError(p.Err, true))
		}
		return out
	case dispatch.StateRetrying:
		out := []any{attempt}
		if p.Err != nil {
			out = append(out, NewShowError(p.Err, false))
		}
		return out
	case dispatch.StateCancelled:
		return []any{chunk}
	default:
		return []any{attempt}
	}
}

// NewShowError renders err for display.
func NewShowError(err error, fatal bool) ShowError {
	n := apperrors.Describe(err, fatal)
	content := n.Message
	if n.Detail != "" {
		content += "\noriginal error message: " + n.Detail
	}
	return ShowError{Action: ActionShowError, ErrorContent: content, Title: n.Title, IsFatal: fatal}
}

// Stored converts a session into the getStoredData response.
func Stored(d session.Data) StoredData {
	return StoredData{Chunks: d.Chunks, Prefix: d.Prefix, Suffix: d.Suffix, RetryCount: d.RetryCount}
}
