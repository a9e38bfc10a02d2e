package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oukeidos/novtl/internal/logger"
)

var (
	// ErrUnknownSession is returned for ids that were never created or
	// have been evicted.
	ErrUnknownSession = errors.New("session: unknown or evicted session")
	ErrIndexRange     = errors.New("session: chunk index out of range")
)

// Store keeps sessions and chunk results on a Backend. Read-modify-write
// cycles are serialized by mu, so a single Store per backend is assumed.
type Store struct {
	backend     Backend
	maxSessions int
	now         func() time.Time

	mu   sync.Mutex
	last time.Time
}

type Option func(*Store)

// WithMaxSessions bounds the number of retained sessions (minimum 1).
func WithMaxSessions(n int) Option {
	return func(s *Store) {
		if n < 1 {
			n = 1
		}
		s.maxSessions = n
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(b Backend, opts ...Option) *Store {
	s := &Store{backend: b, maxSessions: DefaultMaxSessions, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) MaxSessions() int { return s.maxSessions }

// Close closes the backend.
func (s *Store) Close() error { return s.backend.Close() }

// tick returns a timestamp strictly after the previous one.
func (s *Store) tick() time.Time {
	t := s.now().UTC()
	if !t.After(s.last) {
		t = s.last.Add(time.Nanosecond)
	}
	s.last = t
	return t
}

type chunkMap map[string]map[int]ChunkResult

func (s *Store) load(ctx context.Context, key string, v any) error {
	data, err := s.backend.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.backend.Set(ctx, key, data)
}

func (s *Store) loadSessions(ctx context.Context) (map[string]Session, error) {
	sessions := map[string]Session{}
	if err := s.load(ctx, KeySessions, &sessions); err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		if sess.Timestamp.After(s.last) {
			s.last = sess.Timestamp
		}
	}
	return sessions, nil
}

func (s *Store) loadChunks(ctx context.Context) (chunkMap, error) {
	chunks := chunkMap{}
	if err := s.load(ctx, KeyChunks, &chunks); err != nil {
		return nil, err
	}
	return chunks, nil
}

// ordered returns sessions most recently touched first.
func ordered(sessions map[string]Session) []Session {
	out := make([]Session, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// prune drops sessions beyond max and any results they own, in place.
func prune(sessions map[string]Session, chunks chunkMap, max int) []string {
	var evicted []string
	for i, sess := range ordered(sessions) {
		if i >= max {
			delete(sessions, sess.ID)
			evicted = append(evicted, sess.ID)
		}
	}
	for id := range chunks {
		if _, ok := sessions[id]; !ok {
			delete(chunks, id)
		}
	}
	return evicted
}

// ResolveOrCreate returns the session for data's fingerprint, touching it
// if it exists. created reports whether it was new.
func (s *Store) ResolveOrCreate(ctx context.Context, data Data) (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return Session{}, false, err
	}
	id := Fingerprint(data.Prefix, data.Chunks, data.Suffix)
	now := s.tick()

	sess, found := sessions[id]
	if found {
		sess.Timestamp = now
		if data.RetryCount > 0 {
			sess.RetryCount = data.RetryCount
		}
	} else {
		sess = Session{
			ID:         id,
			Chunks:     append([]string(nil), data.Chunks...),
			Prefix:     data.Prefix,
			Suffix:     data.Suffix,
			RetryCount: data.RetryCount,
			FirstChunk: firstChunk(data.Chunks),
			CreatedAt:  now,
			Timestamp:  now,
		}
	}
	sessions[id] = sess

	if err := s.saveSessionsPruned(ctx, sessions, s.maxSessions); err != nil {
		return Session{}, false, err
	}
	logger.Debug("Session resolved", "session", id, "created", !found, "chunks", len(sess.Chunks))
	return sess, !found, nil
}

func (s *Store) saveSessionsPruned(ctx context.Context, sessions map[string]Session, max int) error {
	chunks, err := s.loadChunks(ctx)
	if err != nil {
		return err
	}
	evicted := prune(sessions, chunks, max)
	if err := s.save(ctx, KeySessions, sessions); err != nil {
		return err
	}
	if len(evicted) > 0 {
		if err := s.save(ctx, KeyChunks, chunks); err != nil {
			return err
		}
		logger.Info("Evicted old sessions", "count", len(evicted), "kept", max)
	}
	return nil
}

// EvictToCapacity keeps the max most recent sessions and deletes the rest
// together with their results.
func (s *Store) EvictToCapacity(ctx context.Context, max int) ([]string, error) {
	if max < 1 {
		max = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	chunks, err := s.loadChunks(ctx)
	if err != nil {
		return nil, err
	}
	evicted := prune(sessions, chunks, max)
	if len(evicted) == 0 {
		return nil, nil
	}
	if err := s.save(ctx, KeySessions, sessions); err != nil {
		return nil, err
	}
	if err := s.save(ctx, KeyChunks, chunks); err != nil {
		return nil, err
	}
	return evicted, nil
}

// mutateChunks runs fn against the retained results of session id and
// persists them. Results of sessions outside the retained set are pruned.
func (s *Store) mutateChunks(ctx context.Context, id string, index int, fn func(map[int]ChunkResult)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return err
	}
	chunks, err := s.loadChunks(ctx)
	if err != nil {
		return err
	}
	evicted := prune(sessions, chunks, s.maxSessions)
	sess, ok := sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if index < 0 || index >= len(sess.Chunks) {
		return fmt.Errorf("%w: %d of %d", ErrIndexRange, index, len(sess.Chunks))
	}
	if len(evicted) > 0 {
		if err := s.save(ctx, KeySessions, sessions); err != nil {
			return err
		}
	}
	results := chunks[id]
	if results == nil {
		results = map[int]ChunkResult{}
		chunks[id] = results
	}
	fn(results)
	return s.save(ctx, KeyChunks, chunks)
}

// PutChunkResult stores r for (id, index). Writes for an unknown or
// evicted session return ErrUnknownSession and persist nothing.
func (s *Store) PutChunkResult(ctx context.Context, id string, index int, r ChunkResult) error {
	return s.mutateChunks(ctx, id, index, func(results map[int]ChunkResult) {
		r.UpdatedAt = s.tick()
		if r.State == "" {
			r.State = StateComplete
		}
		results[index] = r
	})
}

// DeleteChunkResult removes the stored result for (id, index), if any.
func (s *Store) DeleteChunkResult(ctx context.Context, id string, index int) error {
	return s.mutateChunks(ctx, id, index, func(results map[int]ChunkResult) {
		delete(results, index)
	})
}

// ChunkResults returns results aligned with the session's chunks. Missing
// results are nil.
func (s *Store) ChunkResults(ctx context.Context, id string) ([]*ChunkResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	sess, ok := sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	chunks, err := s.loadChunks(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*ChunkResult, len(sess.Chunks))
	for idx, r := range chunks[id] {
		if idx >= 0 && idx < len(out) {
			r := r
			out[idx] = &r
		}
	}
	return out, nil
}

// Session returns the stored session without touching it.
func (s *Store) Session(ctx context.Context, id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return Session{}, err
	}
	sess, ok := sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return sess, nil
}

// Sessions lists stored sessions, most recent first.
func (s *Store) Sessions(ctx context.Context) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return nil, err
	}
	return ordered(sessions), nil
}

// Purge deletes one session and its results.
func (s *Store) Purge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sessions, err := s.loadSessions(ctx)
	if err != nil {
		return err
	}
	if _, ok := sessions[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	delete(sessions, id)
	chunks, err := s.loadChunks(ctx)
	if err != nil {
		return err
	}
	delete(chunks, id)
	if err := s.save(ctx, KeySessions, sessions); err != nil {
		return err
	}
	return s.save(ctx, KeyChunks, chunks)
}

// SaveLastChunks replaces the last-submission cache.
func (s *Store) SaveLastChunks(ctx context.Context, data Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(ctx, KeyLastChunks, LastChunks{Data: data, SavedAt: s.tick()})
}

// LastChunks returns the last submission, if one is cached.
func (s *Store) LastChunks(ctx context.Context) (LastChunks, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var last LastChunks
	data, err := s.backend.Get(ctx, KeyLastChunks)
	if errors.Is(err, ErrNotFound) {
		return LastChunks{}, false, nil
	}
	if err != nil {
		return LastChunks{}, false, err
	}
	if err := json.Unmarshal(data, &last); err != nil {
		return LastChunks{}, false, fmt.Errorf("decode %s: %w", KeyLastChunks, err)
	}
	return last, len(last.Chunks) > 0, nil
}

func (s *Store) ClearLastChunks(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backend.Delete(ctx, KeyLastChunks)
}
