// Package pipeline connects configuration, providers, the session store and
// the dispatcher into translation runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/chunker"
	"github.com/oukeidos/novtl/internal/config"
	"github.com/oukeidos/novtl/internal/dispatch"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/metrics"
	"github.com/oukeidos/novtl/internal/protocol"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/review"
	"github.com/oukeidos/novtl/internal/session"
)

// EventChunk names events that carry a review.ChunkView.
const EventChunk = "chunkView"

// ErrBusy is returned when a surface already has a dispatch in flight.
var ErrBusy = errors.New("a run is already in progress for this session")

// Event is one update for a review surface. Name is a protocol action or
// EventChunk.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Emit receives surface events. It is called synchronously from the
// dispatch goroutine and must not block for long.
type Emit func(Event)

type Runner struct {
	cfg     config.Config
	store   *session.Store
	adapter provider.Adapter
	client  *http.Client
	metrics *metrics.Recorder
}

type Options struct {
	Client  *http.Client
	Metrics *metrics.Recorder
}

// OpenStore opens the configured backend and wraps it in a session store.
func OpenStore(ctx context.Context, cfg config.Config) (*session.Store, error) {
	b, err := session.OpenBackend(ctx, cfg.StoreBackend())
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}
	return session.NewStore(b, session.WithMaxSessions(cfg.Store.MaxSessions)), nil
}

func NewRunner(cfg config.Config, store *session.Store, adapter provider.Adapter, opts Options) *Runner {
	return &Runner{cfg: cfg, store: store, adapter: adapter, client: opts.Client, metrics: opts.Metrics}
}

func (r *Runner) Store() *session.Store      { return r.store }
func (r *Runner) Adapter() provider.Adapter  { return r.adapter }
func (r *Runner) Metrics() *metrics.Recorder { return r.metrics }

// Prepare splits text with the configured limit and template.
func (r *Runner) Prepare(text string) session.Data {
	return session.Data{
		Chunks:     chunker.Split(text, r.cfg.MaxLength),
		Prefix:     r.cfg.Prompt.Prefix,
		Suffix:     r.cfg.Prompt.Suffix,
		RetryCount: r.cfg.RetryCount,
	}
}

// Submit records data as the last submission and opens its session.
func (r *Runner) Submit(ctx context.Context, data session.Data) (session.Session, bool, error) {
	if len(data.Chunks) == 0 {
		return session.Session{}, false, errors.New("no text to translate")
	}
	if data.RetryCount < 1 {
		data.RetryCount = r.cfg.RetryCount
	}
	if err := r.store.SaveLastChunks(ctx, data); err != nil {
		logger.Warn("Failed to cache last submission", "error", err)
	}
	return r.Open(ctx, data)
}

// Open resolves data to an existing session or creates one.
func (r *Runner) Open(ctx context.Context, data session.Data) (session.Session, bool, error) {
	sess, created, err := r.store.ResolveOrCreate(ctx, data)
	if err != nil {
		return session.Session{}, false, err
	}
	logger.Info("Session opened", "session", sess.ID, "created", created, "chunks", len(sess.Chunks))
	return sess, created, nil
}

// ResumeLast re-opens the last submitted chunks.
func (r *Runner) ResumeLast(ctx context.Context) (session.Session, error) {
	last, ok, err := r.store.LastChunks(ctx)
	if err != nil {
		return session.Session{}, err
	}
	if !ok {
		return session.Session{}, errors.New("no previous submission to resume")
	}
	sess, _, err := r.Open(ctx, last.Data)
	return sess, err
}

// ProcessChunk translates one chunk without a session.
func (r *Runner) ProcessChunk(ctx context.Context, req provider.Request) (provider.Result, error) {
	return provider.Submit(ctx, r.client, r.adapter, req, nil)
}

func (r *Runner) submitter() dispatch.Submitter {
	return func(ctx context.Context, req provider.Request, sink provider.Sink) (provider.Result, error) {
		return provider.Submit(ctx, r.client, r.adapter, req, sink)
	}
}

// Surface is one open review of a session: the reducer holding its views and
// the dispatcher feeding it.
type Surface struct {
	runner  *Runner
	sess    session.Session
	reducer *review.Reducer
	disp    *dispatch.Dispatcher
	emit    Emit
	busy    sync.Mutex
}

// Attach opens a surface over sess and restores stored results into it.
func (r *Runner) Attach(ctx context.Context, sess session.Session, emit Emit) (*Surface, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	s := &Surface{runner: r, sess: sess, emit: emit}
	s.reducer = review.NewReducer(sess.ID, len(sess.Chunks), r.store, review.Options{
		Debounce: r.cfg.Debounce,
		OnUpdate: func(v review.ChunkView) { emit(Event{Name: EventChunk, Data: v}) },
	})
	s.disp = dispatch.New(r.submitter(), r.store, dispatch.Options{
		Provider:          r.adapter.Name(),
		Backoff:           r.cfg.Backoff,
		RequestsPerMinute: r.cfg.RequestsPerMinute,
		OnProgress:        s.onProgress,
		OnStream:          s.onStream,
		Metrics:           r.metrics,
	})

	results, err := r.store.ChunkResults(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	s.reducer.Restore(results)
	return s, nil
}

func (s *Surface) Session() session.Session  { return s.sess }
func (s *Surface) Views() []review.ChunkView { return s.reducer.Views() }

func (s *Surface) send(msg any) {
	s.emit(Event{Name: string(protocol.ActionOf(msg)), Data: msg})
}

func (s *Surface) onStream(_ int, ev provider.StreamEvent) {
	if err := s.reducer.Apply(ev); err != nil {
		return
	}
	s.send(protocol.StreamContent(ev))
}

func (s *Surface) onProgress(p dispatch.Progress) {
	s.reducer.Progress(p)
	if p.State == dispatch.StateSucceeded {
		results, err := s.runner.store.ChunkResults(context.Background(), s.sess.ID)
		if err == nil && p.Index < len(results) && results[p.Index] != nil {
			s.reducer.ShowResult(p.Index, *results[p.Index])
		}
	}
	for _, msg := range protocol.FromProgress(p) {
		s.send(msg)
	}
}

func (s *Surface) job() dispatch.Job {
	return dispatch.Job{
		SessionID:  s.sess.ID,
		Chunks:     s.sess.Chunks,
		Prefix:     s.sess.Prefix,
		Suffix:     s.sess.Suffix,
		RetryCount: s.sess.RetryCount,
	}
}

// Process dispatches every chunk that is not yet complete.
func (s *Surface) Process(ctx context.Context) (Result, error) {
	if !s.busy.TryLock() {
		return Result{}, ErrBusy
	}
	defer s.busy.Unlock()

	s.send(protocol.NewInitializeProgress(s.job().RetryCount, len(s.sess.Chunks)))
	sum := s.disp.Run(ctx, s.job())
	if ctx.Err() != nil {
		s.reducer.Flush()
	}

	res := Result{Session: s.sess, Summary: sum, Status: statusOf(sum, apperrors.IsCancelled(sum.Err))}
	results, err := s.runner.store.ChunkResults(context.Background(), s.sess.ID)
	if err != nil {
		return res, fmt.Errorf("failed to read results: %w", err)
	}
	res.Output, res.Missing = JoinOutput(results, len(s.sess.Chunks))
	return res, sum.Err
}

// Reprocess re-runs one chunk. Other chunks are left untouched.
func (s *Surface) Reprocess(ctx context.Context, index int) error {
	if !s.busy.TryLock() {
		return ErrBusy
	}
	defer s.busy.Unlock()

	if err := s.reducer.BeginReprocess(index); err != nil {
		return err
	}
	err := s.disp.Reprocess(ctx, s.job(), index)
	if ctx.Err() != nil {
		s.reducer.Flush()
	}
	s.reducer.EndReprocess(index)
	return err
}

// Close flushes in-flight stream text as partial and detaches the surface.
func (s *Surface) Close() {
	s.reducer.Close()
}

// Process runs sess to completion on a fresh surface.
func (r *Runner) Process(ctx context.Context, sess session.Session, emit Emit) (Result, error) {
	s, err := r.Attach(ctx, sess, emit)
	if err != nil {
		return Result{Session: sess}, err
	}
	defer s.Close()
	return s.Process(ctx)
}

// Reprocess re-runs one chunk of a stored session.
func (r *Runner) Reprocess(ctx context.Context, id string, index int, emit Emit) error {
	sess, err := r.store.Session(ctx, id)
	if err != nil {
		return err
	}
	s, err := r.Attach(ctx, sess, emit)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Reprocess(ctx, index)
}
