package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/dispatch"
	"github.com/oukeidos/novtl/internal/provider"
)

func TestDecode(t *testing.T) {
	msg, err := Decode([]byte(`{"action":"openChunksPage","chunks":["a","b"],"prefix":"P:","suffix":":S","retryCount":2}`))
	require.NoError(t, err)
	open, ok := msg.(*OpenChunksPage)
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b"}, open.Data().Chunks)
	assert.Equal(t, 2, open.Data().RetryCount)

	msg, err = Decode([]byte(`{"action":"testServiceAccount","serviceAccountKey":"{}"}`))
	require.NoError(t, err)
	assert.Equal(t, "{}", msg.(*TestServiceAccount).ServiceAccountKey)

	_, err = Decode([]byte(`{"action":"selfDestruct"}`))
	assert.True(t, errors.Is(err, ErrUnknownAction))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestStreamContent_EncodesTag(t *testing.T) {
	m := StreamContent(provider.StreamEvent{Content: "Hi", RawContent: "raw", Complete: true,
		Err: apperrors.New(apperrors.KindNetwork, "Provider unreachable.", nil)})
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "updateStreamContent", got["action"])
	assert.Equal(t, true, got["isComplete"])
	assert.Equal(t, false, got["isInitial"])
	assert.Equal(t, "Provider unreachable.", got["error"])
	assert.Equal(t, ActionUpdateStreamContent, ActionOf(m))
}

func TestFromProgress(t *testing.T) {
	t.Run("first pending initializes", func(t *testing.T) {
		out := FromProgress(dispatch.Progress{Index: 0, Total: 3, State: dispatch.StatePending})
		require.Len(t, out, 1)
		assert.Equal(t, StateInitializing, out[0].(UpdateProgress).State)
	})

	t.Run("last success completes", func(t *testing.T) {
		out := FromProgress(dispatch.Progress{Index: 2, Total: 3, Completed: 3, Attempt: 1, MaxAttempts: 3, State: dispatch.StateSucceeded})
		require.Len(t, out, 2)
		assert.Equal(t, StateCompleted, out[0].(UpdateProgress).State)
		assert.Equal(t, 1, out[1].(UpdateAttemptProgress).Current)
	})

	t.Run("retry shows a non-fatal notice", func(t *testing.T) {
		err := apperrors.New(apperrors.KindRateLimit, "", nil)
		out := FromProgress(dispatch.Progress{Total: 3, Attempt: 1, MaxAttempts: 3, State: dispatch.StateRetrying, Err: err})
		require.Len(t, out, 2)
		notice := out[1].(ShowError)
		assert.False(t, notice.IsFatal)
		assert.Equal(t, "Network Error", notice.Title)
	})

	t.Run("fatal errors both bars", func(t *testing.T) {
		err := apperrors.New(apperrors.KindAuth, "Gemini authentication failed (401).", nil)
		out := FromProgress(dispatch.Progress{Total: 3, Attempt: 1, MaxAttempts: 3, State: dispatch.StateFatal, Err: err})
		require.Len(t, out, 3)
		assert.Equal(t, StateError, out[0].(UpdateProgress).State)
		assert.Equal(t, StateError, out[1].(UpdateAttemptProgress).State)
		notice := out[2].(ShowError)
		assert.True(t, notice.IsFatal)
		assert.Equal(t, "Fatal Error", notice.Title)
		assert.Contains(t, notice.ErrorContent, "authentication failed")
	})
}
