// Package review turns stream events into per-chunk view updates and
// debounced session writes for one open review surface.
package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oukeidos/novtl/internal/apperrors"
	"github.com/oukeidos/novtl/internal/dispatch"
	"github.com/oukeidos/novtl/internal/logger"
	"github.com/oukeidos/novtl/internal/provider"
	"github.com/oukeidos/novtl/internal/session"
)

const DefaultDebounce = 500 * time.Millisecond

// ErrProtocolViolation is returned for events that do not fit the current
// stream, such as a new chunk starting while another is mid-stream.
var ErrProtocolViolation = errors.New("review: stream protocol violation")

// ChunkView is what a review surface shows for one chunk.
type ChunkView struct {
	Index       int           `json:"index"`
	ContainerID string        `json:"containerId"`
	Content     string        `json:"content"`
	Parts       []string      `json:"parts,omitempty"`
	Active      int           `json:"active"`
	RawContent  string        `json:"rawContent"`
	State       session.State `json:"state"`
	Streaming   bool          `json:"streaming"`
	Error       string        `json:"error,omitempty"`
}

// ContainerID names the element that holds chunk index.
func ContainerID(index int) string { return fmt.Sprintf("chunk-%d", index) }

// Writer persists chunk results.
type Writer interface {
	PutChunkResult(ctx context.Context, id string, index int, r session.ChunkResult) error
}

type Options struct {
	Debounce time.Duration
	// OnUpdate is called with the reducer lock held; it must not call back
	// into the Reducer.
	OnUpdate func(ChunkView)
}

type pin struct {
	index       int
	containerID string
}

type pendingWrite struct {
	gen  uint64
	stop func() bool
}

// Reducer is the state of one review surface for one session.
type Reducer struct {
	mu sync.Mutex

	sessionID string
	total     int
	completed int
	index     int
	lastRaw   string
	streaming bool
	text      string
	pin       *pin
	pending   *pendingWrite
	gen       uint64
	closed    bool
	views     map[int]*ChunkView

	store    Writer
	debounce time.Duration
	onUpdate func(ChunkView)
	after    func(d time.Duration, f func()) (stop func() bool)
}

func NewReducer(sessionID string, total int, store Writer, opts Options) *Reducer {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	return &Reducer{
		sessionID: sessionID,
		total:     total,
		index:     -1,
		views:     make(map[int]*ChunkView),
		store:     store,
		debounce:  opts.Debounce,
		onUpdate:  opts.OnUpdate,
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

func (r *Reducer) SessionID() string { return r.sessionID }

// Apply consumes one stream event.
func (r *Reducer) Apply(ev provider.StreamEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	switch {
	case ev.Initial:
		return r.begin(ev)
	case ev.Complete:
		return r.complete(ev)
	default:
		return r.delta(ev)
	}
}

func (r *Reducer) violation(format string, args ...any) error {
	err := fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
	logger.Warn("Ignoring stream event", "session", r.sessionID, "index", r.index, "error", err)
	return err
}

func (r *Reducer) begin(ev provider.StreamEvent) error {
	if r.streaming && ev.RawContent != r.lastRaw {
		return r.violation("chunk started while chunk %d is streaming", r.index)
	}
	next := r.index
	switch {
	case r.pin != nil:
		next = r.pin.index
	case ev.RawContent != r.lastRaw:
		next = r.index + 1
	}
	if next < 0 || (r.total > 0 && next >= r.total) {
		return r.violation("chunk index %d outside 0..%d", next, r.total-1)
	}
	r.cancelPending()
	r.index = next
	r.lastRaw = ev.RawContent
	r.text = ""
	r.streaming = true

	v := r.view(r.index)
	v.Content, v.Parts, v.Active = "", nil, 0
	v.RawContent = ev.RawContent
	v.State = session.StatePending
	v.Streaming = true
	v.Error = ""
	r.publish(v)
	return nil
}

func (r *Reducer) delta(ev provider.StreamEvent) error {
	if !r.streaming {
		return r.violation("delta without an open stream")
	}
	if ev.Content != "" {
		r.text = ev.Content
	} else {
		r.text += ev.Delta
	}
	if r.pending != nil {
		return nil
	}
	r.gen++
	gen := r.gen
	r.pending = &pendingWrite{gen: gen}
	r.pending.stop = r.after(r.debounce, func() { r.firePending(gen) })
	return nil
}

// firePending performs the debounced write unless it was superseded.
func (r *Reducer) firePending(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil || r.pending.gen != gen || !r.streaming || r.closed {
		return
	}
	r.pending = nil
	r.write(session.StatePartial, nil)
}

func (r *Reducer) cancelPending() {
	if r.pending == nil {
		return
	}
	if r.pending.stop != nil {
		r.pending.stop()
	}
	r.pending = nil
	r.gen++
}

func (r *Reducer) complete(ev provider.StreamEvent) error {
	if !r.streaming {
		return r.violation("completion without an open stream")
	}
	r.cancelPending()
	if ev.Content != "" {
		r.text = ev.Content
	}
	state := session.StateComplete
	switch {
	case ev.Err == nil:
		r.completed++
	case apperrors.IsCancelled(ev.Err):
		state = session.StatePartial
	default:
		state = session.StateErrored
	}
	r.streaming = false
	r.write(state, ev.Err)
	if r.pin != nil && r.pin.index == r.index {
		r.pin = nil
	}
	return nil
}

// write stores and publishes the current chunk. Called with mu held.
func (r *Reducer) write(state session.State, cause error) {
	parts := []string{r.text}
	v := r.view(r.index)
	v.Content = r.text
	v.Parts = parts
	v.Active = provider.ActivePart(parts)
	v.RawContent = r.lastRaw
	v.State = state
	v.Streaming = r.streaming
	v.Error = ""
	if cause != nil {
		v.Error = apperrors.PublicMessage(cause)
	}
	r.publish(v)

	if r.store == nil {
		return
	}
	err := r.store.PutChunkResult(context.Background(), r.sessionID, r.index, session.ChunkResult{
		Content:    session.Content{Parts: parts, Text: r.text},
		RawContent: r.lastRaw,
		State:      state,
	})
	if err != nil {
		logger.Warn("Failed to persist chunk view", "session", r.sessionID, "index", r.index, "state", state, "error", err)
	}
}

func (r *Reducer) view(index int) *ChunkView {
	v, ok := r.views[index]
	if !ok {
		v = &ChunkView{Index: index, ContainerID: ContainerID(index), State: session.StatePending}
		r.views[index] = v
	}
	if r.pin != nil && r.pin.index == index {
		v.ContainerID = r.pin.containerID
	}
	return v
}

func (r *Reducer) publish(v *ChunkView) {
	if r.onUpdate == nil {
		return
	}
	cp := *v
	cp.Parts = append([]string(nil), v.Parts...)
	r.onUpdate(cp)
}

// Progress aligns the reducer with the dispatcher between streams, so a
// resumed run that skips stored chunks still lands on the right index.
func (r *Reducer) Progress(p dispatch.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.Total > 0 {
		r.total = p.Total
	}
	r.completed = p.Completed
	if r.streaming || r.pin != nil || p.Reprocess {
		return
	}
	if p.State == dispatch.StatePending {
		r.index = p.Index - 1
		r.lastRaw = ""
	}
}

// BeginReprocess pins the next stream to index.
func (r *Reducer) BeginReprocess(index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index < 0 || (r.total > 0 && index >= r.total) {
		return fmt.Errorf("chunk index %d out of range", index)
	}
	r.pin = &pin{index: index, containerID: ContainerID(index)}
	v := r.view(index)
	if v.State == session.StateComplete && r.completed > 0 {
		r.completed--
	}
	v.Content, v.Parts, v.Active, v.Error = "", nil, 0, ""
	v.State = session.StatePending
	r.publish(v)
	return nil
}

// EndReprocess releases the pin on index once its reprocess returns, even
// when no stream ever started.
func (r *Reducer) EndReprocess(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pin == nil || r.pin.index != index {
		return
	}
	if r.streaming && r.index == index {
		return
	}
	r.pin = nil
	if v, ok := r.views[index]; ok {
		v.ContainerID = ContainerID(index)
	}
}

// ShowResult publishes a stored result without writing it, for
// non-streaming completions.
func (r *Reducer) ShowResult(index int, res session.ChunkResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.load(index, res)
	if r.pin != nil && r.pin.index == index {
		r.pin = nil
	}
}

// Restore loads stored results into the views.
func (r *Reducer) Restore(results []*session.ChunkResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = 0
	for i, res := range results {
		if res == nil {
			continue
		}
		r.load(i, *res)
		if res.State == session.StateComplete {
			r.completed++
		}
	}
}

func (r *Reducer) load(index int, res session.ChunkResult) {
	v := r.view(index)
	v.Parts = append([]string(nil), res.Content.Parts...)
	v.Active = provider.ActivePart(v.Parts)
	v.Content = res.Content.Text
	if len(v.Parts) > 0 {
		v.Content = v.Parts[v.Active]
	}
	v.RawContent = res.RawContent
	v.State = res.State
	v.Streaming = false
	r.publish(v)
}

// Flush writes any in-flight text as partial and ends the open stream.
func (r *Reducer) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.flush()
	}
}

func (r *Reducer) flush() {
	r.cancelPending()
	if r.streaming && r.index >= 0 {
		r.streaming = false
		r.write(session.StatePartial, nil)
	}
}

// Close flushes like Flush and ignores later events.
func (r *Reducer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.flush()
	r.closed = true
}

// Views returns a snapshot ordered by index.
func (r *Reducer) Views() []ChunkView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChunkView, 0, len(r.views))
	for i := 0; i < r.total || i <= r.index; i++ {
		v, ok := r.views[i]
		if !ok {
			out = append(out, ChunkView{Index: i, ContainerID: ContainerID(i), State: session.StatePending})
			continue
		}
		cp := *v
		cp.Parts = append([]string(nil), v.Parts...)
		out = append(out, cp)
	}
	return out
}

// Completed returns the number of chunks shown as complete.
func (r *Reducer) Completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completed
}
