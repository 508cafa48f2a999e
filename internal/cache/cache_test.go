package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kiracore/devpulse/internal/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	require.NoError(t, database.Init())
	t.Cleanup(func() { database.Close() })
	return NewSQLite(database)
}

type payload struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestSQLite_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "k", payload{Name: "a", Count: 2}, time.Hour))

	var got payload
	ok, err := s.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, payload{Name: "a", Count: 2}, got)

	raw, ok, err := s.GetRaw(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"name":"a","count":2}`, string(raw))
}

func TestSQLite_Missing(t *testing.T) {
	s := newTestStore(t)

	var got payload
	ok, err := s.Get(context.Background(), "nope", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLite_TTL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	require.NoError(t, s.Put(ctx, "short", 1, time.Minute))
	require.NoError(t, s.Put(ctx, "forever", 2, 0))

	s.now = func() time.Time { return base.Add(2 * time.Minute) }

	var v int
	ok, err := s.Get(ctx, "short", &v)
	require.NoError(t, err)
	assert.False(t, ok, "expired entry must read as missing")

	ok, err = s.Get(ctx, "forever", &v)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2, v)

	n, err := s.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLite_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, KeyLock, "x", 0))
	require.NoError(t, s.Delete(ctx, KeyLock))

	var v string
	ok, err := s.Get(ctx, KeyLock, &v)
	require.NoError(t, err)
	assert.False(t, ok)
}
