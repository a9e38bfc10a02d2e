// Package dispatch runs chunks through a provider in order, with a fixed
// retry budget per chunk.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/metrics"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/session"
	"golang.org/x/time/rate"
)

const (
	DefaultBackoff    = 7 * time.Second
	DefaultRetryCount = 3
)

// State is the per-chunk position in the attempt state machine.
type State string

const (
	StatePending    State = "pending"
	StateAttempting State = "attempting"
	StateRetrying   State = "retrying"
	StateSucceeded  State = "succeeded"
	StateFatal      State = "fatal"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further events follow for the chunk.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFatal || s == StateCancelled
}

// Progress is emitted after every transition.
type Progress struct {
	SessionID   string
	Index       int
	Total       int
	Completed   int
	Attempt     int
	MaxAttempts int
	State       State
	Err         error
	Backoff     time.Duration
	Reprocess   bool
}

// Summary describes a finished Run.
type Summary struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int
	// StoreErrors counts result writes that failed. They do not stop a run.
	StoreErrors int
	Err         error
}

// Job is one session's worth of work.
type Job struct {
	SessionID  string
	Chunks     []string
	Prefix     string
	Suffix     string
	RetryCount int
}

func (j Job) maxAttempts() int {
	if j.RetryCount < 1 {
		return 1
	}
	return j.RetryCount
}

// Submitter performs one attempt for a chunk. provider.Submit bound to an
// adapter and client satisfies it.
type Submitter func(ctx context.Context, req provider.Request, sink provider.Sink) (provider.Result, error)

// Store is the part of session.Store the dispatcher uses.
type Store interface {
	ChunkResults(ctx context.Context, id string) ([]*session.ChunkResult, error)
	PutChunkResult(ctx context.Context, id string, index int, r session.ChunkResult) error
	DeleteChunkResult(ctx context.Context, id string, index int) error
}

type Options struct {
	// Provider labels metrics and logs.
	Provider string
	// Backoff is the fixed wait between attempts. Zero uses DefaultBackoff.
	Backoff time.Duration
	// RequestsPerMinute paces attempt starts. Zero disables pacing.
	RequestsPerMinute int
	OnProgress        func(Progress)
	OnStream          func(index int, ev provider.StreamEvent)
	Metrics           *metrics.Recorder
}

type Dispatcher struct {
	submit  Submitter
	store   Store
	opts    Options
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(submit Submitter, store Store, opts Options) *Dispatcher {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	d := &Dispatcher{submit: submit, store: store, opts: opts, sleep: sleepCtx}
	if opts.RequestsPerMinute > 0 {
		d.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RequestsPerMinute)), 1)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (d *Dispatcher) emit(p Progress) {
	if d.opts.OnProgress != nil {
		d.opts.OnProgress(p)
	}
}

// Run processes every chunk of job in index order, skipping chunks already
// complete in the store. A fatal error stops the remaining queue.
func (d *Dispatcher) Run(ctx context.Context, job Job) Summary {
	sum := Summary{Total: len(job.Chunks)}
	existing := d.existing(ctx, job.SessionID)

	done := make([]bool, len(job.Chunks))
	for i := range job.Chunks {
		if i < len(existing) && existing[i] != nil && existing[i].State == session.StateComplete {
			done[i] = true
			sum.Skipped++
			sum.Completed++
		}
	}
	if sum.Skipped > 0 {
		logger.Info("Resuming session", "session", job.SessionID, "skipped", sum.Skipped, "total", sum.Total)
	}

	for i := range job.Chunks {
		if done[i] {
			continue
		}
		if ctx.Err() != nil {
			sum.Err = apperrors.New(apperrors.KindCancelled, "Processing cancelled.", ctx.Err())
			break
		}
		storeFailed, err := d.runChunk(ctx, job, i, sum.Completed, false)
		if storeFailed {
			sum.StoreErrors++
		}
		if err != nil {
			sum.Err = err
			if !apperrors.IsCancelled(err) {
				sum.Failed++
			}
			break
		}
		sum.Completed++
	}
	logger.Info("Run finished", "session", job.SessionID, "completed", sum.Completed, "total", sum.Total,
		"failed", sum.Failed, "error", sum.Err)
	return sum
}

// Reprocess deletes the stored result for index and runs the retry loop for
// that chunk alone.
func (d *Dispatcher) Reprocess(ctx context.Context, job Job, index int) error {
	if index < 0 || index >= len(job.Chunks) {
		return fmt.Errorf("chunk index %d out of range (0..%d)", index, len(job.Chunks)-1)
	}
	if err := d.store.DeleteChunkResult(ctx, job.SessionID, index); err != nil {
		return fmt.Errorf("failed to clear chunk %d: %w", index, err)
	}
	completed := 0
	for _, r := range d.existing(ctx, job.SessionID) {
		if r != nil && r.State == session.StateComplete {
			completed++
		}
	}
	_, err := d.runChunk(ctx, job, index, completed, true)
	return err
}

func (d *Dispatcher) existing(ctx context.Context, id string) []*session.ChunkResult {
	results, err := d.store.ChunkResults(ctx, id)
	if err != nil {
		logger.Warn("Could not read stored results", "session", id, "error", err)
		return nil
	}
	return results
}

// runChunk drives one chunk to a terminal state and returns its error.
func (d *Dispatcher) runChunk(ctx context.Context, job Job, index, completed int, reprocess bool) (storeFailed bool, err error) {
	maxAttempts := job.maxAttempts()
	base := Progress{
		SessionID:   job.SessionID,
		Index:       index,
		Total:       len(job.Chunks),
		Completed:   completed,
		MaxAttempts: maxAttempts,
		Reprocess:   reprocess,
	}
	progress := func(state State, attempt int, err error, backoff time.Duration) {
		p := base
		p.State, p.Attempt, p.Err, p.Backoff = state, attempt, err, backoff
		d.emit(p)
	}
	cancelled := func(attempt int, cause error) error {
		err := cause
		if !apperrors.IsCancelled(err) {
			err = apperrors.New(apperrors.KindCancelled, "Processing cancelled.", cause)
		}
		progress(StateCancelled, attempt, err, 0)
		d.opts.Metrics.Chunk(metrics.OutcomeCancelled)
		return err
	}

	req := provider.Request{Chunk: job.Chunks[index], Prefix: job.Prefix, Suffix: job.Suffix}
	sink := func(ev provider.StreamEvent) {
		if ev.Delta != "" {
			d.opts.Metrics.Delta(d.opts.Provider)
		}
		if d.opts.OnStream != nil {
			d.opts.OnStream(index, ev)
		}
	}
	log := logger.With("session", job.SessionID, "index", index, "provider", d.opts.Provider)

	progress(StatePending, 0, nil, 0)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx); err != nil {
				return false, cancelled(attempt, err)
			}
		}
		progress(StateAttempting, attempt, nil, 0)
		start := time.Now()
		res, err := d.submit(ctx, req, sink)
		elapsed := time.Since(start)

		if err == nil {
			d.opts.Metrics.Attempt(d.opts.Provider, metrics.OutcomeSuccess, elapsed)
			d.opts.Metrics.Chunk(metrics.OutcomeSuccess)
			parts := res.Parts
			if len(parts) == 0 {
				parts = []string{res.Text}
			}
			werr := d.store.PutChunkResult(ctx, job.SessionID, index, session.ChunkResult{
				Content:    session.Content{Parts: parts, Text: res.Text},
				RawContent: req.Chunk,
				State:      session.StateComplete,
			})
			if werr != nil {
				log.Error("Failed to store chunk result", "error", werr)
				storeFailed = true
			}
			base.Completed++
			progress(StateSucceeded, attempt, nil, 0)
			log.Debug("Chunk completed", "attempt", attempt)
			return storeFailed, nil
		}

		if apperrors.IsCancelled(err) || ctx.Err() != nil {
			d.opts.Metrics.Attempt(d.opts.Provider, metrics.OutcomeCancelled, elapsed)
			log.Info("Chunk cancelled", "attempt", attempt)
			return false, cancelled(attempt, err)
		}

		retry, backoff := retryDecision(ctx, err, attempt, maxAttempts, d.opts.Backoff)
		if !retry {
			d.opts.Metrics.Attempt(d.opts.Provider, metrics.OutcomeFatal, elapsed)
			d.opts.Metrics.Chunk(metrics.OutcomeFatal)
			if attempt >= maxAttempts && apperrors.IsRetryable(err) {
				log.Error("Chunk failed after maximum retries", "attempts", attempt, "error", err, "detail", apperrors.Detail(err))
			} else {
				log.Error("Chunk failed without retry", "attempts", attempt, "error", err, "detail", apperrors.Detail(err))
			}
			progress(StateFatal, attempt, err, 0)
			return false, err
		}

		outcome := metrics.OutcomeRetry
		if apperrors.IsRateLimit(err) {
			outcome = metrics.OutcomeRateLimited
		}
		d.opts.Metrics.Attempt(d.opts.Provider, outcome, elapsed)
		log.Warn("Attempt failed, retrying", "attempt", attempt, "max_attempts", maxAttempts, "backoff", backoff.String(), "error", err)
		progress(StateRetrying, attempt, err, backoff)
		if serr := d.sleep(ctx, backoff); serr != nil {
			return false, cancelled(attempt, serr)
		}
	}
	// Unreachable: the last attempt either succeeds or is not retried.
	return false, apperrors.New(apperrors.KindFatal, "Retry budget exhausted.", nil)
}

// retryDecision reports whether another attempt follows and how long to
// wait first. Only network and rate-limit failures are retried.
func retryDecision(ctx context.Context, err error, attempt, maxAttempts int, backoff time.Duration) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}
	if attempt >= maxAttempts {
		return false, 0
	}
	if ctx.Err() != nil || apperrors.IsCancelled(err) {
		return false, 0
	}
	if !apperrors.IsRetryable(err) {
		return false, 0
	}
	return true, backoff
}
