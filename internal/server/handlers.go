package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/protocol"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/review"
)

type openResponse struct {
	SessionID string `json:"sessionId"`
	Created   bool   `json:"created"`
	RunID     string `json:"runId"`
}

// openSession handles openChunksPage: resolve the session and start
// processing on a fresh surface.
func (s *Server) openSession(c echo.Context) error {
	var req protocol.OpenChunksPage
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Chunks) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chunks required")
	}
	ctx := c.Request().Context()
	sess, created, err := s.runner.Submit(ctx, req.Data())
	if err != nil {
		return err
	}
	r, err := s.attach(ctx, sess)
	if err != nil {
		return err
	}
	r.start("process", processJob(r.surface))

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	return c.JSON(code, openResponse{SessionID: sess.ID, Created: created, RunID: r.id})
}

type sessionSummary struct {
	ID         string    `json:"id"`
	FirstChunk string    `json:"firstChunk"`
	Chunks     int       `json:"chunks"`
	RetryCount int       `json:"retryCount"`
	CreatedAt  time.Time `json:"createdAt"`
	Timestamp  time.Time `json:"timestamp"`
	Open       bool      `json:"open"`
}

func (s *Server) listSessions(c echo.Context) error {
	sessions, err := s.runner.Store().Sessions(c.Request().Context())
	if err != nil {
		return err
	}
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{
			ID:         sess.ID,
			FirstChunk: sess.FirstChunk,
			Chunks:     len(sess.Chunks),
			RetryCount: sess.RetryCount,
			CreatedAt:  sess.CreatedAt,
			Timestamp:  sess.Timestamp,
			Open:       s.lookupRun(sess.ID) != nil,
		})
	}
	return c.JSON(http.StatusOK, out)
}

type sessionDetail struct {
	SessionID string              `json:"sessionId"`
	Stored    protocol.StoredData `json:"stored"`
	Chunks    []review.ChunkView  `json:"chunks"`
	Running   bool                `json:"running"`
}

// getSession handles getStoredData and adds the current chunk views.
func (s *Server) getSession(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	sess, err := s.runner.Store().Session(ctx, id)
	if err != nil {
		return err
	}
	detail := sessionDetail{SessionID: id, Stored: protocol.Stored(sess.Data())}
	if r := s.lookupRun(id); r != nil {
		detail.Chunks = r.surface.Views()
		detail.Running = r.active.Load()
		return c.JSON(http.StatusOK, detail)
	}
	results, err := s.runner.Store().ChunkResults(ctx, id)
	if err != nil {
		return err
	}
	snapshot := review.NewReducer(id, len(sess.Chunks), nil, review.Options{})
	snapshot.Restore(results)
	detail.Chunks = snapshot.Views()
	return c.JSON(http.StatusOK, detail)
}

// streamEvents relays surface events as SSE until the client leaves or the
// surface closes.
func (s *Server) streamEvents(c echo.Context) error {
	r := s.lookupRun(c.Param("id"))
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no open surface for session")
	}
	events, unsubscribe := r.hub.subscribe()
	defer unsubscribe()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprintf(resp, ": run %s\n\n", r.id); err != nil {
		return nil
	}
	resp.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev.Data)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Name, data); err != nil {
				return nil
			}
			resp.Flush()
		}
	}
}

type reprocessResponse struct {
	SessionID string `json:"sessionId"`
	Index     int    `json:"index"`
	RunID     string `json:"runId"`
}

func (s *Server) reprocessChunk(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid chunk index")
	}
	sess, err := s.runner.Store().Session(ctx, id)
	if err != nil {
		return err
	}
	if index < 0 || index >= len(sess.Chunks) {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("chunk index %d out of range", index))
	}

	r := s.lookupRun(id)
	if r == nil {
		if r, err = s.attach(ctx, sess); err != nil {
			return err
		}
	}
	if !r.start("reprocess", reprocessJob(r.surface, index)) {
		return echo.NewHTTPError(http.StatusConflict, "a run is already in progress for this session")
	}
	return c.JSON(http.StatusAccepted, reprocessResponse{SessionID: id, Index: index, RunID: r.id})
}

// closeRun closes the surface: cancel in-flight work and flush partial text.
func (s *Server) closeRun(c echo.Context) error {
	id := c.Param("id")
	s.mu.Lock()
	r := s.runs[id]
	delete(s.runs, id)
	s.mu.Unlock()
	if r == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no open surface for session")
	}
	r.stop()
	return c.NoContent(http.StatusNoContent)
}

// processChunk handles the synchronous processChunk action.
func (s *Server) processChunk(c echo.Context) error {
	var req protocol.ProcessChunk
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Chunk) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "chunk required")
	}
	res, err := s.runner.ProcessChunk(c.Request().Context(), provider.Request{Chunk: req.Chunk, Prefix: req.Prefix, Suffix: req.Suffix})
	if err != nil {
		code, _ := errorResponse(err)
		return c.JSON(code, protocol.ProcessChunkResponse{Error: apperrors.Describe(err, false).String()})
	}
	return c.JSON(http.StatusOK, protocol.ProcessChunkResponse{Result: res.Text, Parts: res.Parts})
}

func (s *Server) testServiceAccount(c echo.Context) error {
	var req protocol.TestServiceAccount
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	msg, err := s.testSA(c.Request().Context(), []byte(req.ServiceAccountKey))
	if err != nil {
		return c.JSON(http.StatusOK, protocol.TestServiceAccountResponse{Success: false, Message: apperrors.PublicMessage(err)})
	}
	return c.JSON(http.StatusOK, protocol.TestServiceAccountResponse{Success: true, Message: msg})
}

