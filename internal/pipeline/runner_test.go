package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/gemini"
	"github.com/oukeidos/novtl/internal/protocol"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/review"
	"github.com/oukeidos/novtl/internal/session"
)

func testConfig(baseURL string, stream bool) config.Config {
	var cfg config.Config
	cfg.Provider = provider.Gemini
	cfg.MaxLength = 7000
	cfg.RetryCount = 3
	cfg.Backoff = time.Millisecond
	cfg.Debounce = 5 * time.Millisecond
	cfg.Prompt = config.PromptConfig{Prefix: "P:", Suffix: ":S"}
	cfg.Generation = config.GenerationConfig{Temperature: 0.3, TopK: 30, TopP: 0.95}
	cfg.Gemini = config.GeminiConfig{Model: "gemini-test", Stream: stream, BaseURL: baseURL}
	cfg.Store = config.StoreConfig{Backend: session.BackendMemory, MaxSessions: 3}
	return cfg
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) emit(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// geminiServer answers with reply(prompt), as SSE when the request asks for it.
func geminiServer(t *testing.T, reply func(prompt string) string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "k", r.Header.Get("x-goog-api-key"))
		var body gemini.GenerateRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		prompt := body.Contents[0].Parts[0].Text
		text := reply(prompt)
		if r.URL.Query().Get("alt") == "sse" {
			w.Header().Set("Content-Type", "text/event-stream")
			half := len(text) / 2
			for _, piece := range []string{text[:half], text[half:]} {
				fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", piece)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]},"finishReason":"STOP"}]}`, text)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestRunner(t *testing.T, cfg config.Config) *Runner {
	t.Helper()
	adapter, err := NewAdapter(cfg, func(string) string { return "k" }, nil)
	require.NoError(t, err)
	store := session.NewStore(session.NewMemoryBackend(), session.WithMaxSessions(cfg.Store.MaxSessions))
	return NewRunner(cfg, store, adapter, Options{})
}

func TestProcess_SingleChunkPromptLayout(t *testing.T) {
	var seen string
	srv, _ := geminiServer(t, func(prompt string) string {
		seen = prompt
		return "Bonjour le monde."
	})
	r := newTestRunner(t, testConfig(srv.URL, false))
	ctx := context.Background()

	sess, created, err := r.Submit(ctx, session.Data{Chunks: []string{"Hello world."}, Prefix: "P:", Suffix: ":S", RetryCount: 3})
	require.NoError(t, err)
	assert.True(t, created)
	sum := sha256.Sum256([]byte("P:Hello world.:S"))
	assert.Equal(t, hex.EncodeToString(sum[:]), sess.ID)

	rec := &recorder{}
	res, err := r.Process(ctx, sess, rec.emit)
	require.NoError(t, err)

	assert.Equal(t, "P:\nHello world.\n:S", seen)
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Bonjour le monde.", res.Output)
	assert.Zero(t, res.Missing)

	init := rec.named(string(protocol.ActionInitializeProgress))
	require.Len(t, init, 1)
	assert.Equal(t, protocol.InitializeProgress{Action: protocol.ActionInitializeProgress, RetryCount: 3, TotalChunks: 1}, init[0].Data)

	progress := rec.named(string(protocol.ActionUpdateProgress))
	require.NotEmpty(t, progress)
	assert.Equal(t, protocol.StateCompleted, progress[len(progress)-1].Data.(protocol.UpdateProgress).State)

	results, err := r.Store().ChunkResults(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, session.StateComplete, results[0].State)
	assert.Equal(t, "Hello world.", results[0].RawContent)
	assert.Equal(t, []string{"Bonjour le monde."}, results[0].Content.Parts)
	assert.Equal(t, "Bonjour le monde.", results[0].Content.Text)
}

func TestProcess_StreamingUpdatesViews(t *testing.T) {
	srv, _ := geminiServer(t, func(prompt string) string {
		return strings.ToUpper(strings.TrimSuffix(strings.TrimPrefix(prompt, "P:\n"), "\n:S"))
	})
	r := newTestRunner(t, testConfig(srv.URL, true))
	ctx := context.Background()

	sess, _, err := r.Submit(ctx, r.Prepare("first line\nsecond line"))
	require.NoError(t, err)
	require.Len(t, sess.Chunks, 1)

	rec := &recorder{}
	res, err := r.Process(ctx, sess, rec.emit)
	require.NoError(t, err)
	assert.Equal(t, "FIRST LINE\nSECOND LINE", res.Output)

	stream := rec.named(string(protocol.ActionUpdateStreamContent))
	require.GreaterOrEqual(t, len(stream), 3)
	first := stream[0].Data.(protocol.UpdateStreamContent)
	last := stream[len(stream)-1].Data.(protocol.UpdateStreamContent)
	assert.True(t, first.IsInitial)
	assert.True(t, last.IsComplete)
	assert.Equal(t, "FIRST LINE\nSECOND LINE", last.Content)

	views := rec.named(EventChunk)
	require.NotEmpty(t, views)
	final := views[len(views)-1].Data.(review.ChunkView)
	assert.Equal(t, session.StateComplete, final.State)
	assert.False(t, final.Streaming)
}

func TestProcess_ResumeSkipsCompleteChunks(t *testing.T) {
	srv, calls := geminiServer(t, func(string) string { return "translated" })
	r := newTestRunner(t, testConfig(srv.URL, false))
	ctx := context.Background()

	sess, _, err := r.Submit(ctx, session.Data{Chunks: []string{"a", "b"}, Prefix: "P:", Suffix: ":S", RetryCount: 3})
	require.NoError(t, err)
	require.NoError(t, r.Store().PutChunkResult(ctx, sess.ID, 0, session.ChunkResult{
		Content: session.Content{Parts: []string{"stored"}, Text: "stored"}, RawContent: "a", State: session.StateComplete,
	}))

	res, err := r.Process(ctx, sess, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, res.Summary.Skipped)
	assert.Equal(t, "stored\n\ntranslated", res.Output)
}

func TestProcess_AuthFailureIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":401,"message":"API key not valid","status":"UNAUTHENTICATED"}}`))
	}))
	defer srv.Close()
	r := newTestRunner(t, testConfig(srv.URL, false))
	ctx := context.Background()

	sess, _, err := r.Submit(ctx, session.Data{Chunks: []string{"a", "b"}, RetryCount: 3})
	require.NoError(t, err)

	rec := &recorder{}
	res, err := r.Process(ctx, sess, rec.emit)
	require.Error(t, err)
	kind, _ := apperrors.KindOf(err)
	assert.Equal(t, apperrors.KindAuth, kind)
	assert.Equal(t, StatusFailure, res.Status)
	assert.Equal(t, 2, res.Missing)

	notices := rec.named(string(protocol.ActionShowError))
	require.Len(t, notices, 1)
	assert.True(t, notices[0].Data.(protocol.ShowError).IsFatal)
}

func TestReprocess_OnlyTouchesTarget(t *testing.T) {
	round := atomic.Int32{}
	srv, _ := geminiServer(t, func(prompt string) string {
		return fmt.Sprintf("v%d:%s", round.Load(), strings.Split(prompt, "\n")[1])
	})
	r := newTestRunner(t, testConfig(srv.URL, true))
	ctx := context.Background()

	sess, _, err := r.Submit(ctx, session.Data{Chunks: []string{"a", "b", "c"}, Prefix: "P:", Suffix: ":S", RetryCount: 3})
	require.NoError(t, err)
	_, err = r.Process(ctx, sess, nil)
	require.NoError(t, err)

	round.Store(1)
	require.NoError(t, r.Reprocess(ctx, sess.ID, 1, nil))

	results, err := r.Store().ChunkResults(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "v0:a", results[0].Content.Text)
	assert.Equal(t, "v1:b", results[1].Content.Text)
	assert.Equal(t, "v0:c", results[2].Content.Text)

	assert.Error(t, r.Reprocess(ctx, sess.ID, 7, nil))
	assert.ErrorIs(t, r.Reprocess(ctx, "missing", 0, nil), session.ErrUnknownSession)
}

func TestSurface_RejectsOverlappingRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		fmt.Fprint(w, `{"candidates":[{"content":{"parts":[{"text":"x"}]}}]}`)
	}))
	defer srv.Close()
	r := newTestRunner(t, testConfig(srv.URL, false))
	ctx := context.Background()

	sess, _, err := r.Submit(ctx, session.Data{Chunks: []string{"a"}, RetryCount: 1})
	require.NoError(t, err)
	s, err := r.Attach(ctx, sess, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := s.Process(ctx)
		done <- err
	}()
	<-started
	assert.ErrorIs(t, s.Reprocess(ctx, 0), ErrBusy)
	close(release)
	require.NoError(t, <-done)
}

func TestResumeLast(t *testing.T) {
	r := newTestRunner(t, testConfig("http://127.0.0.1:0", false))
	ctx := context.Background()

	_, err := r.ResumeLast(ctx)
	assert.Error(t, err)

	data := session.Data{Chunks: []string{"x", "y"}, Prefix: "P:", Suffix: ":S", RetryCount: 2}
	first, _, err := r.Submit(ctx, data)
	require.NoError(t, err)

	again, err := r.ResumeLast(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = r.Submit(ctx, session.Data{})
	assert.Error(t, err, "empty submissions are rejected")
}

func TestNewAdapter(t *testing.T) {
	keys := func(service string) string { return service + "-key" }
	for _, name := range []string{provider.Gemini, provider.OpenRouter, provider.OpenAI} {
		cfg := testConfig("", true)
		cfg.Provider = name
		cfg.OpenAI.BaseURL = config.DefaultOpenAIBaseURL
		a, err := NewAdapter(cfg, keys, nil)
		require.NoError(t, err, name)
		assert.True(t, a.Streaming() == (name == provider.Gemini), name)
	}

	cfg := testConfig("", false)
	_, err := NewAdapter(cfg, func(string) string { return "" }, nil)
	kind, _ := apperrors.KindOf(err)
	assert.Equal(t, apperrors.KindAuth, kind, "missing key")

	cfg.Provider = provider.Vertex
	_, err = NewAdapter(cfg, keys, nil)
	kind, _ = apperrors.KindOf(err)
	assert.Equal(t, apperrors.KindAuth, kind, "missing service account file")

	cfg.Vertex.ServiceAccountFile = filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(cfg.Vertex.ServiceAccountFile, []byte(`{"type":"service_account"}`), 0o600))
	_, err = NewAdapter(cfg, keys, nil)
	assert.Error(t, err)

	cfg.Provider = "bedrock"
	_, err = NewAdapter(cfg, keys, nil)
	assert.Error(t, err)
}

// flakyBackend fails writes while failSet is on.
type flakyBackend struct {
	*session.MemoryBackend
	failSet atomic.Bool
}

func (b *flakyBackend) Set(ctx context.Context, key string, value []byte) error {
	if b.failSet.Load() {
		return fmt.Errorf("disk full")
	}
	return b.MemoryBackend.Set(ctx, key, value)
}

func TestSurface_FailedReprocessDoesNotRedirectLaterChunks(t *testing.T) {
	srv, _ := geminiServer(t, func(prompt string) string {
		return "T:" + strings.Split(prompt, "\n")[1]
	})
	cfg := testConfig(srv.URL, true)
	adapter, err := NewAdapter(cfg, func(string) string { return "k" }, nil)
	require.NoError(t, err)
	backend := &flakyBackend{MemoryBackend: session.NewMemoryBackend()}
	r := NewRunner(cfg, session.NewStore(backend, session.WithMaxSessions(3)), adapter, Options{})
	ctx := context.Background()

	sess, _, err := r.Submit(ctx, session.Data{Chunks: []string{"a", "b", "c"}, Prefix: "P:", Suffix: ":S", RetryCount: 3})
	require.NoError(t, err)
	rec := &recorder{}
	s, err := r.Attach(ctx, sess, rec.emit)
	require.NoError(t, err)

	backend.failSet.Store(true)
	require.Error(t, s.Reprocess(ctx, 2), "clearing the stored result fails before any stream starts")
	backend.failSet.Store(false)

	_, err = s.Process(ctx)
	require.NoError(t, err)

	for _, ev := range rec.named(EventChunk) {
		v := ev.Data.(review.ChunkView)
		if v.RawContent == "" {
			continue
		}
		assert.Equal(t, sess.Chunks[v.Index], v.RawContent, "view %d shows another chunk's stream", v.Index)
		assert.Equal(t, review.ContainerID(v.Index), v.ContainerID)
	}
	results, err := r.Store().ChunkResults(ctx, sess.ID)
	require.NoError(t, err)
	for i, res := range results {
		require.NotNil(t, res)
		assert.Equal(t, sess.Chunks[i], res.RawContent)
		assert.Equal(t, "T:"+sess.Chunks[i], res.Content.Text)
	}
}
