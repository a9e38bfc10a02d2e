package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oukeidos/novtl/internal/apperrors"
)

type chatRecord struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

var errEmbedded = errors.New("embedded error")

func chatExtract(record []byte) (string, error) {
	var r chatRecord
	if err := json.Unmarshal(record, &r); err != nil {
		return "", nil
	}
	if r.Error != nil {
		return "", errEmbedded
	}
	if len(r.Choices) == 0 {
		return "", nil
	}
	return r.Choices[0].Delta.Content, nil
}

const sseBody = ": keep-alive\n" +
	"event: message\n" +
	"id: 1\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"Bon\"}}]}\n\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"jour \"}}]}\r\n\r\n" +
	"data: {\"choices\":[{\"delta\":{\"content\":\"le monde.\"}}]}\n\n" +
	"data: [DONE]\n\n"

func feedAll(t *testing.T, parts ...string) []string {
	t.Helper()
	d := NewDecoder(chatExtract)
	var got []string
	for _, p := range parts {
		deltas, err := d.Feed([]byte(p))
		require.NoError(t, err)
		got = append(got, deltas...)
	}
	rest, err := d.Flush()
	require.NoError(t, err)
	return append(got, rest...)
}

func TestDecoder_SSEFraming(t *testing.T) {
	got := feedAll(t, sseBody)
	assert.Equal(t, []string{"Bon", "jour ", "le monde."}, got)
}

func TestDecoder_SplitAtEveryBoundaryMatchesContiguous(t *testing.T) {
	want := feedAll(t, sseBody)
	for i := 1; i < len(sseBody); i++ {
		for j := i + 1; j < len(sseBody); j += 7 {
			got := feedAll(t, sseBody[:i], sseBody[i:j], sseBody[j:])
			require.Equal(t, want, got, "split at %d and %d", i, j)
		}
	}
}

func TestDecoder_DoneStopsDecoding(t *testing.T) {
	d := NewDecoder(chatExtract)
	deltas, err := d.Feed([]byte("data: [DONE]\ndata: {\"choices\":[{\"delta\":{\"content\":\"late\"}}]}\n"))
	require.NoError(t, err)
	assert.Empty(t, deltas)
	assert.True(t, d.Done())

	deltas, err = d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"later\"}}]}\n"))
	require.NoError(t, err)
	assert.Empty(t, deltas)
}

func TestDecoder_SkipsUnparsableRecord(t *testing.T) {
	got := feedAll(t,
		"data: {\"choices\":[{\"delta\":{\"content\":\"a\"}}]\n",
		"data: not json at all\n",
		"data: {\"choices\":[{\"delta\":{\"content\":\"b\"}}]}\n",
	)
	assert.Equal(t, []string{"b"}, got)
}

func TestDecoder_EmbeddedErrorShortCircuits(t *testing.T) {
	d := NewDecoder(chatExtract)
	deltas, err := d.Feed([]byte(
		"data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n" +
			"data: {\"error\":{\"message\":\"quota\"}}\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\"never\"}}]}\n"))
	require.ErrorIs(t, err, errEmbedded)
	assert.Equal(t, []string{"partial"}, deltas)

	_, err = d.Feed([]byte("data: {}\n"))
	assert.ErrorIs(t, err, errEmbedded, "decoder stays failed")
}

func TestDecoder_NDJSONAndArrayFraming(t *testing.T) {
	body := "[{\"choices\":[{\"delta\":{\"content\":\"one\"}}]}\n" +
		",{\"choices\":[{\"delta\":{\"content\":\"two\"}}]}\n" +
		"{\"choices\":[{\"delta\":{\"content\":\"three\"}}]}]"
	got := feedAll(t, body)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestDecoder_FlushHandlesUnterminatedRecord(t *testing.T) {
	got := feedAll(t, "data: {\"choices\":[{\"delta\":{\"content\":\"tail\"}}]}")
	assert.Equal(t, []string{"tail"}, got)
}

func TestDecoder_OversizedRecordIsMalformed(t *testing.T) {
	d := NewDecoder(chatExtract)
	d.limit = 64

	got, err := d.Feed([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"ok\"}}]}\n" + strings.Repeat("x", 40)))
	require.NoError(t, err, "a tail under the limit stays buffered")
	assert.Equal(t, []string{"ok"}, got)

	_, err = d.Feed([]byte(strings.Repeat("x", 40)))
	require.Error(t, err)
	kind, ok := apperrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.KindMalformed, kind)
	assert.False(t, apperrors.IsRetryable(err))

	_, err = d.Feed([]byte("\n"))
	assert.Error(t, err, "the decoder stays failed")
}

type slowReader struct {
	chunks []string
}

func (r *slowReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	r.chunks[0] = r.chunks[0][n:]
	if r.chunks[0] == "" {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func TestDecode_Reader(t *testing.T) {
	r := &slowReader{chunks: []string{sseBody[:17], sseBody[17:40], sseBody[40:]}}
	var got []string
	err := Decode(context.Background(), r, chatExtract, func(delta string) error {
		got = append(got, delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour le monde.", strings.Join(got, ""))
}

func TestDecode_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Decode(ctx, strings.NewReader(sseBody), chatExtract, func(string) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDecode_CallbackErrorStops(t *testing.T) {
	stop := errors.New("sink closed")
	calls := 0
	err := Decode(context.Background(), strings.NewReader(sseBody), chatExtract, func(string) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}
