package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/metrics"
	"github.com/oukeidos/novtl/internal/pipeline"
	"github.com/oukeidos/novtl/internal/protocol"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/session"
)

// upstream is a Gemini-compatible server that upper-cases the chunk. When
// gate is set each request waits for it.
type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	gate  chan struct{}
}

func newUpstream(t *testing.T, gated bool) *upstream {
	t.Helper()
	u := &upstream{}
	if gated {
		u.gate = make(chan struct{})
	}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		var body struct {
			Contents []struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"contents"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if u.gate != nil {
			select {
			case <-u.gate:
			case <-r.Context().Done():
				return
			}
		}
		lines := strings.Split(body.Contents[0].Parts[0].Text, "\n")
		text := strings.ToUpper(lines[1])
		fmt.Fprintf(w, `{"candidates":[{"content":{"parts":[{"text":%q}]}}]}`, text)
	}))
	t.Cleanup(u.srv.Close)
	return u
}

func newTestServer(t *testing.T, u *upstream, opts ...Option) (*Server, *pipeline.Runner) {
	t.Helper()
	return newTestServerAt(t, u.srv.URL, false, opts...)
}

func newTestServerAt(t *testing.T, baseURL string, stream bool, opts ...Option) (*Server, *pipeline.Runner) {
	t.Helper()
	var cfg config.Config
	cfg.Provider = provider.Gemini
	cfg.MaxLength = 7000
	cfg.RetryCount = 2
	cfg.Backoff = time.Millisecond
	cfg.Debounce = 5 * time.Millisecond
	cfg.Gemini = config.GeminiConfig{Model: "gemini-test", Stream: stream, BaseURL: baseURL}
	cfg.Store = config.StoreConfig{Backend: session.BackendMemory, MaxSessions: 3}

	adapter, err := pipeline.NewAdapter(cfg, func(string) string { return "k" }, nil)
	require.NoError(t, err)
	store := session.NewStore(session.NewMemoryBackend(), session.WithMaxSessions(3))
	runner := pipeline.NewRunner(cfg, store, adapter, pipeline.Options{Metrics: metrics.New()})
	s := New(runner, opts...)
	t.Cleanup(s.Close)
	return s, runner
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func openSession(t *testing.T, s *Server, chunks ...string) openResponse {
	t.Helper()
	body, _ := json.Marshal(protocol.OpenChunksPage{Action: protocol.ActionOpenChunksPage, Chunks: chunks, Prefix: "P:", Suffix: ":S", RetryCount: 2})
	rec := do(t, s, http.MethodPost, "/api/sessions", string(body))
	require.Contains(t, []int{http.StatusOK, http.StatusCreated}, rec.Code, rec.Body.String())
	var resp openResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func waitComplete(t *testing.T, runner *pipeline.Runner, id string, n int) []*session.ChunkResult {
	t.Helper()
	var results []*session.ChunkResult
	require.Eventually(t, func() bool {
		var err error
		results, err = runner.Store().ChunkResults(context.Background(), id)
		if err != nil || len(results) < n {
			return false
		}
		for _, r := range results {
			if r == nil || r.State != session.StateComplete {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return results
}

func TestOpenSession_ProcessesInBackground(t *testing.T) {
	u := newUpstream(t, false)
	s, runner := newTestServer(t, u)

	resp := openSession(t, s, "one", "two")
	assert.True(t, resp.Created)
	assert.NotEmpty(t, resp.RunID)

	results := waitComplete(t, runner, resp.SessionID, 2)
	assert.Equal(t, "ONE", results[0].Content.Text)
	assert.Equal(t, "TWO", results[1].Content.Text)

	again := openSession(t, s, "one", "two")
	assert.False(t, again.Created)
	assert.Equal(t, resp.SessionID, again.SessionID)
	assert.NotEqual(t, resp.RunID, again.RunID, "a new open replaces the surface")
	require.Eventually(t, func() bool { return !s.lookupRun(resp.SessionID).active.Load() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(2), u.calls.Load(), "complete chunks are not requested again")
}

func TestGetSession(t *testing.T) {
	u := newUpstream(t, false)
	s, runner := newTestServer(t, u)
	resp := openSession(t, s, "alpha")
	waitComplete(t, runner, resp.SessionID, 1)

	rec := do(t, s, http.MethodGet, "/api/sessions/"+resp.SessionID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var detail sessionDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.Equal(t, []string{"alpha"}, detail.Stored.Chunks)
	assert.Equal(t, "P:", detail.Stored.Prefix)
	require.Len(t, detail.Chunks, 1)
	assert.Equal(t, "ALPHA", detail.Chunks[0].Content)

	// After the surface closes the views come from the store.
	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/sessions/"+resp.SessionID+"/run", "").Code)
	rec = do(t, s, http.MethodGet, "/api/sessions/"+resp.SessionID, "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	assert.False(t, detail.Running)
	assert.Equal(t, "ALPHA", detail.Chunks[0].Content)

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/sessions/nope", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodDelete, "/api/sessions/nope/run", "").Code)
}

func TestListSessions(t *testing.T) {
	u := newUpstream(t, false)
	s, runner := newTestServer(t, u)
	resp := openSession(t, s, "first chunk")
	waitComplete(t, runner, resp.SessionID, 1)

	rec := do(t, s, http.MethodGet, "/api/sessions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []sessionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "first chunk", list[0].FirstChunk)
	assert.True(t, list[0].Open)
}

func TestReprocess(t *testing.T) {
	u := newUpstream(t, true)
	s, runner := newTestServer(t, u)
	resp := openSession(t, s, "a", "b")

	path := "/api/sessions/" + resp.SessionID + "/chunks/1/reprocess"
	assert.Equal(t, http.StatusConflict, do(t, s, http.MethodPost, path, "").Code, "busy while processing")

	close(u.gate)
	waitComplete(t, runner, resp.SessionID, 2)
	require.Eventually(t, func() bool { return !s.lookupRun(resp.SessionID).active.Load() }, time.Second, 5*time.Millisecond)

	rec := do(t, s, http.MethodPost, path, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	require.Eventually(t, func() bool { return u.calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	waitComplete(t, runner, resp.SessionID, 2)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/sessions/"+resp.SessionID+"/chunks/9/reprocess", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/sessions/"+resp.SessionID+"/chunks/x/reprocess", "").Code)
}

func TestCloseRun_CancelsInFlight(t *testing.T) {
	deltas := []string{"Bonjour", " le"}
	flushed := make(chan struct{})
	var calls atomic.Int32
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":%q}]}}]}\n\n", d)
			w.(http.Flusher).Flush()
		}
		close(flushed)
		<-r.Context().Done()
	}))
	t.Cleanup(up.Close)

	s, runner := newTestServerAt(t, up.URL, true)
	resp := openSession(t, s, "Hello world.")
	select {
	case <-flushed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream never streamed")
	}
	want := strings.Join(deltas, "")
	stored := func() *session.ChunkResult {
		results, err := runner.Store().ChunkResults(context.Background(), resp.SessionID)
		if err != nil || len(results) == 0 {
			return nil
		}
		return results[0]
	}
	require.Eventually(t, func() bool {
		r := stored()
		return r != nil && r.Content.Text == want
	}, 2*time.Second, 5*time.Millisecond, "streamed text never reached the store")

	require.Equal(t, http.StatusNoContent, do(t, s, http.MethodDelete, "/api/sessions/"+resp.SessionID+"/run", "").Code)
	assert.Nil(t, s.lookupRun(resp.SessionID))

	r := stored()
	require.NotNil(t, r)
	assert.Equal(t, session.StatePartial, r.State)
	assert.Equal(t, []string{want}, r.Content.Parts)
	assert.Equal(t, "Hello world.", r.RawContent)
	assert.Equal(t, int32(1), calls.Load())
}

func TestStreamEvents(t *testing.T) {
	u := newUpstream(t, true)
	s, _ := newTestServer(t, u)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp := openSession(t, s, "hello")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/sessions/"+resp.SessionID+"/events", nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	close(u.gate)
	seen := map[string]bool{}
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen[name] = true
			if name == EventRunFinished {
				break
			}
		}
	}
	assert.True(t, seen[string(protocol.ActionUpdateProgress)])
	assert.True(t, seen[pipeline.EventChunk])
	assert.True(t, seen[EventRunFinished])

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/api/sessions/none/events", "").Code)
}

func TestProcessChunk(t *testing.T) {
	u := newUpstream(t, false)
	s, _ := newTestServer(t, u)

	rec := do(t, s, http.MethodPost, "/api/process-chunk", `{"action":"processChunk","chunk":"hi","prefix":"P:","suffix":":S"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out protocol.ProcessChunkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "HI", out.Result)
	assert.Equal(t, []string{"HI"}, out.Parts)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/api/process-chunk", `{"chunk":"  "}`).Code)
}

func TestTestServiceAccount(t *testing.T) {
	u := newUpstream(t, false)
	s, _ := newTestServer(t, u, WithServiceAccountTester(func(_ context.Context, key []byte) (string, error) {
		if string(key) == "good" {
			return "Service account is valid.", nil
		}
		return "", apperrors.New(apperrors.KindAuth, "Service account key is invalid.", errors.New("bad"))
	}))

	var out protocol.TestServiceAccountResponse
	rec := do(t, s, http.MethodPost, "/api/service-account/test", `{"serviceAccountKey":"good"}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.True(t, out.Success)

	rec = do(t, s, http.MethodPost, "/api/service-account/test", `{"serviceAccountKey":"bad"}`)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.False(t, out.Success)
	assert.Equal(t, "Service account key is invalid.", out.Message)
}

func TestMetricsEndpoint(t *testing.T) {
	u := newUpstream(t, false)
	s, runner := newTestServer(t, u)
	resp := openSession(t, s, "x")
	waitComplete(t, runner, resp.SessionID, 1)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "novtl_attempts_total")
}
