package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreKV(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "k", []byte("v"), time.Minute))
	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreSetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	s.now = func() time.Time { return now }

	ok, err := s.SetNX(ctx, "once", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.SetNX(ctx, "once", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second SetNX within TTL must not write")

	now = now.Add(2 * time.Minute)
	ok, err = s.SetNX(ctx, "once", []byte("c"), time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "SetNX after expiry writes again")
}

func TestMemoryStoreRecentList(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.PushRecent(ctx, "recent", []byte(v), 3, time.Hour))
	}

	got, err := s.Recent(ctx, "recent", 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "list trimmed to max")
	assert.Equal(t, []byte("d"), got[0], "newest first")
	assert.Equal(t, []byte("c"), got[1])

	got, err = s.Recent(ctx, "recent", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryStoreTimedRange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.AddTimed(ctx, "deploys", []byte("v3"), base.Add(20*time.Minute), 0))
	require.NoError(t, s.AddTimed(ctx, "deploys", []byte("v1"), base, 0))
	require.NoError(t, s.AddTimed(ctx, "deploys", []byte("v2"), base.Add(10*time.Minute), 0))

	got, err := s.TimedRange(ctx, "deploys", base.Add(5*time.Minute), base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("v2"), got[0], "oldest first")
	assert.Equal(t, []byte("v3"), got[1])
}

func TestMemoryStoreTimedRetention(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	require.NoError(t, s.AddTimed(ctx, "actions", []byte("stale"), base.Add(-48*time.Hour), time.Hour))
	require.NoError(t, s.AddTimed(ctx, "actions", []byte("fresh"), base, time.Hour))

	got, err := s.TimedRange(ctx, "actions", base.Add(-72*time.Hour), base)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []byte("fresh"), got[0])
}
