package apperrors

import (
	"context"
	"errors"
	"strings"
)

type Kind string

const (
	KindAuth          Kind = "auth"
	KindContentPolicy Kind = "content_policy"
	KindRateLimit     Kind = "rate_limit"
	KindNetwork       Kind = "network"
	KindMalformed     Kind = "malformed"
	KindCancelled     Kind = "cancelled"
	KindFatal         Kind = "fatal"
)

type Error struct {
	Kind Kind
	// SafeMessage is intended for user-facing output and logs.
	SafeMessage string
	// Cause keeps the original provider error for troubleshooting.
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.SafeMessage); msg != "" {
		return msg
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return "unknown error"
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func defaultSafeMessage(kind Kind) string {
	switch kind {
	case KindAuth:
		return "Authentication failed. Please verify your API key or service account."
	case KindContentPolicy:
		return "The provider refused the request because of its content policy."
	case KindRateLimit:
		return "Rate limit exceeded. Please try again later."
	case KindNetwork:
		return "Temporary network or upstream error. Please try again."
	case KindMalformed:
		return "The provider returned a response with an unexpected structure."
	case KindCancelled:
		return "Request cancelled."
	case KindFatal:
		return "Request failed."
	default:
		return "Request failed."
	}
}

func New(kind Kind, safeMessage string, cause error) error {
	msg := strings.TrimSpace(safeMessage)
	if msg == "" {
		msg = defaultSafeMessage(kind)
	}
	return &Error{
		Kind:        kind,
		SafeMessage: msg,
		Cause:       cause,
	}
}


// KindOf reports the kind of err. Bare context cancellation is reported as
// KindCancelled even when it was never wrapped.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled, true
	}
	return "", false
}

func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}
	return err.Error()
}

// Detail returns the underlying cause text, which may contain raw provider
// output. It is empty when the error carries no cause.
func Detail(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		if err == nil {
			return ""
		}
		return err.Error()
	}
	if e.Cause == nil {
		return ""
	}
	return e.Cause.Error()
}

// IsRetryable reports whether the dispatcher may schedule another attempt.
// Network: server errors, resets, timeouts.
// RateLimit: the provider asked us to slow down.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	if !ok {
		return false
	}
	return kind == KindNetwork || kind == KindRateLimit
}

func IsRateLimit(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindRateLimit
}

func IsCancelled(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindCancelled
}
