package server

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/pipeline"
)

// EventRunFinished is published after each job on a run.
const EventRunFinished = "runFinished"

const subscriberBuffer = 256

// hub fans surface events out to SSE subscribers. Slow subscribers lose
// events rather than stall the dispatcher.
type hub struct {
	mu     sync.Mutex
	subs   map[chan pipeline.Event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan pipeline.Event]struct{})}
}

func (h *hub) publish(ev pipeline.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			logger.Warn("Dropping event for slow subscriber", "event", ev.Name)
		}
	}
}

func (h *hub) subscribe() (<-chan pipeline.Event, func()) {
	ch := make(chan pipeline.Event, subscriberBuffer)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}

type runFinished struct {
	RunID     string          `json:"runId"`
	Job       string          `json:"job"`
	Status    pipeline.Status `json:"status,omitempty"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	Error     string          `json:"error,omitempty"`
}

// run is one open review surface and the context its jobs run under.
type run struct {
	id      string
	surface *pipeline.Surface
	hub     *hub
	ctx     context.Context
	cancel  context.CancelFunc
	active  atomic.Bool
	wg      sync.WaitGroup
}

func newRun(parent context.Context) *run {
	ctx, cancel := context.WithCancel(parent)
	return &run{id: uuid.NewString(), hub: newHub(), ctx: ctx, cancel: cancel}
}

// start runs job in the background unless another job is active.
func (r *run) start(name string, job func(ctx context.Context) runFinished) bool {
	if !r.active.CompareAndSwap(false, true) {
		return false
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.active.Store(false)
		fin := job(r.ctx)
		fin.RunID, fin.Job = r.id, name
		r.hub.publish(pipeline.Event{Name: EventRunFinished, Data: fin})
	}()
	return true
}

// stop cancels the active job, waits for it and flushes the surface.
func (r *run) stop() {
	r.cancel()
	r.wg.Wait()
	if r.surface != nil {
		r.surface.Close()
	}
	r.hub.close()
}
