package apperrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestPublicMessage_UsesSafeMessage(t *testing.T) {
	sentinel := errors.New("SECRET_VALUE")
	err := New(KindAuth, "safe auth error", sentinel)
	if got := PublicMessage(err); got != "safe auth error" {
		t.Fatalf("PublicMessage() = %q, want %q", got, "safe auth error")
	}
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped cause to be retained for internal matching")
	}
}

func TestKindOfAndRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindNetwork, true},
		{KindRateLimit, true},
		{KindAuth, false},
		{KindContentPolicy, false},
		{KindMalformed, false},
		{KindCancelled, false},
		{KindFatal, false},
	}
	for _, tt := range tests {
		err := fmt.Errorf("wrapped: %w", New(tt.kind, "", errors.New("boom")))
		kind, ok := KindOf(err)
		if !ok || kind != tt.kind {
			t.Fatalf("KindOf() = (%q, %v), want (%q, true)", kind, ok, tt.kind)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Fatalf("IsRetryable(%s) = %v, want %v", tt.kind, got, tt.retryable)
		}
	}
}

func TestKindOf_BareContextCancellation(t *testing.T) {
	err := fmt.Errorf("stream read: %w", context.Canceled)
	if !IsCancelled(err) {
		t.Fatalf("expected context.Canceled to classify as cancelled")
	}
	if IsRetryable(err) {
		t.Fatalf("cancellation must never be retried")
	}
}

func TestPublicMessage_NonAppError(t *testing.T) {
	err := errors.New("plain")
	if got := PublicMessage(err); got != "plain" {
		t.Fatalf("PublicMessage() = %q, want %q", got, "plain")
	}
}

func TestDescribe(t *testing.T) {
	t.Run("TitlePerKind", func(t *testing.T) {
		cases := map[Kind]string{
			KindAuth:          "API Key Error",
			KindContentPolicy: "Content Safety Error",
			KindNetwork:       "Network Error",
			KindMalformed:     "Processing Error",
		}
		for kind, title := range cases {
			n := Describe(New(kind, "", nil), false)
			if n.Title != title {
				t.Fatalf("Describe(%s).Title = %q, want %q", kind, n.Title, title)
			}
		}
	})

	t.Run("FatalOverridesTitle", func(t *testing.T) {
		n := Describe(New(KindNetwork, "", errors.New("dial tcp: timeout")), true)
		if n.Title != "Fatal Error" || !n.Fatal {
			t.Fatalf("unexpected notice: %+v", n)
		}
	})

	t.Run("RawMessageIsSupplementary", func(t *testing.T) {
		err := New(KindAuth, "Gemini API key is not valid.", errors.New("status=400 message=API key not valid. Please pass a valid API key."))
		n := Describe(err, false)
		if strings.Contains(n.Message, "Please pass a valid API key") {
			t.Fatalf("raw provider text leaked into primary message: %q", n.Message)
		}
		if !strings.Contains(n.String(), "original error message: status=400") {
			t.Fatalf("expected raw text appended as detail, got %q", n.String())
		}
	})
}
