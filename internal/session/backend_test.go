package session

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRedis implements RedisCommands in memory.
type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	closed bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: map[string]string{}} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		f.data[key] = string(v)
	case string:
		f.data[key] = v
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	dir := t.TempDir()
	fileBackend, err := NewFileBackend(filepath.Join(dir, "files"))
	require.NoError(t, err)
	sqliteBackend, err := NewSQLiteBackend(filepath.Join(dir, "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqliteBackend.Close() })
	return map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   fileBackend,
		"sqlite": sqliteBackend,
		"redis":  NewRedisBackend(newFakeRedis(), ""),
	}
}

func TestBackends_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := b.Get(ctx, KeySessions)
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, b.Set(ctx, KeySessions, []byte(`{"a":1}`)))
			require.NoError(t, b.Set(ctx, KeySessions, []byte(`{"a":2}`)))
			got, err := b.Get(ctx, KeySessions)
			require.NoError(t, err)
			assert.JSONEq(t, `{"a":2}`, string(got))

			require.NoError(t, b.Delete(ctx, KeySessions))
			require.NoError(t, b.Delete(ctx, KeySessions), "deleting a missing key is not an error")
			_, err = b.Get(ctx, KeySessions)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBackends_StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := NewStore(b)
			sess, created, err := st.ResolveOrCreate(ctx, Data{Chunks: []string{"一", "二"}, Prefix: "P", Suffix: "S", RetryCount: 3})
			require.NoError(t, err)
			assert.True(t, created)
			require.NoError(t, st.PutChunkResult(ctx, sess.ID, 1, ChunkResult{
				Content: Content{Parts: []string{"two"}, Text: "two"}, RawContent: "二", State: StateComplete,
			}))

			reopened := NewStore(b)
			results, err := reopened.ChunkResults(ctx, sess.ID)
			require.NoError(t, err)
			require.Len(t, results, 2)
			assert.Nil(t, results[0])
			require.NotNil(t, results[1])
			assert.Equal(t, "two", results[1].Content.Text)
		})
	}
}

func TestRedisBackend_UsesPrefix(t *testing.T) {
	fake := newFakeRedis()
	b := NewRedisBackend(fake, "")
	require.NoError(t, b.Set(context.Background(), KeyChunks, []byte("{}")))
	_, ok := fake.data["novtl:processedChunks"]
	assert.True(t, ok)
	require.NoError(t, b.Close())
	assert.True(t, fake.closed)
}

func TestOpenBackend_UnknownKind(t *testing.T) {
	_, err := OpenBackend(context.Background(), BackendConfig{Kind: "etcd"})
	assert.Error(t, err)
}
