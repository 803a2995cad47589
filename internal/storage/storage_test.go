package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "@offline_queue")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "@offline_queue", `[{"id":"a"}]`))
	v, ok, err := s.Get(ctx, "@offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[{"id":"a"}]`, v)

	require.NoError(t, s.Set(ctx, "@offline_queue", `[]`))
	v, _, err = s.Get(ctx, "@offline_queue")
	require.NoError(t, err)
	assert.Equal(t, `[]`, v)
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	exerciseStore(t, s)

	require.NoError(t, s.Close())
	_, _, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFileStore_RoundTripAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.json")
	s, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), "other", "value"))

	reopened, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	v, ok, err := reopened.Get(context.Background(), "other")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "value", v)

	matches, err := filepath.Glob(path + ".*.tmp")
	require.NoError(t, err)
	assert.Empty(t, matches, "temp files should be renamed away")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, ok, err := s.Get(context.Background(), "@offline_queue")
	require.NoError(t, err)
	assert.False(t, ok)

	aside, err := os.ReadFile(path + ".corrupt")
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(aside))

	exerciseStore(t, s)
	reopened, err := NewFileStore(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	v, ok, err := reopened.Get(context.Background(), "@offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, v)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := NewSQLiteStore(path, 0)
	require.NoError(t, err)
	exerciseStore(t, s)
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	v, ok, err := reopened.Get(context.Background(), "@offline_queue")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, v)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(Config{Driver: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(Config{Driver: "FILE", Path: filepath.Join(dir, "q.json")}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)

	s, err = Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "q.db")}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(Config{Driver: "redis"}, zerolog.Nop())
	require.Error(t, err, "redis without an address")

	_, err = Open(Config{Driver: "etcd"}, zerolog.Nop())
	require.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("NETKEEP_TEST_REDIS")
	if addr == "" {
		t.Skip("NETKEEP_TEST_REDIS not set")
	}
	s, err := Open(Config{Driver: "redis", RedisAddr: addr, RedisDB: 15}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rs := s.(*RedisStore)
	require.NoError(t, rs.client.Del(context.Background(), "@offline_queue").Err())
	exerciseStore(t, s)
}
