package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/workgate/pkg/core"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "wg:"), mr
}

// ──────────────────────────────────────────────────────────────────────────────
// MemoryStore
// ──────────────────────────────────────────────────────────────────────────────

func TestMemoryStore_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewMemoryStore().WithClock(clock.now)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))

	got, ok, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("1"), got)

	clock.t = clock.t.Add(time.Minute)
	_, ok, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok, "entry expires at exactly ttl")
}

func TestMemoryStore_SetSweepsUnreadExpiredKeys(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	m := NewMemoryStore().WithClock(clock.now)

	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.Set(ctx, k, []byte(k), time.Second))
	}
	require.NoError(t, m.Set(ctx, "long", []byte("x"), time.Hour))
	assert.Equal(t, 4, m.Len(), "nothing is due before the sweep interval")

	clock.t = clock.t.Add(2 * time.Minute)
	require.NoError(t, m.Set(ctx, "d", []byte("d"), time.Second))

	assert.Equal(t, 2, m.Len(), "expired keys are gone without being read")
	_, found, err := m.Get(ctx, "long")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemoryStore_RejectsNonPositiveTTL(t *testing.T) {
	s := NewMemoryStore()
	assert.ErrorIs(t, s.Set(context.Background(), "a", nil, 0), core.ErrInvalidTTL)
	assert.ErrorIs(t, s.Set(context.Background(), "a", nil, -time.Second), core.ErrInvalidTTL)
}

func TestMemoryStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, s.Set(ctx, "b", []byte("2"), time.Minute))

	require.NoError(t, s.Delete(ctx, "a", "missing"))

	_, ok, _ := s.Get(ctx, "a")
	assert.False(t, ok)
	_, ok, _ = s.Get(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryStore_ValueIsCopied(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("abc")
	require.NoError(t, s.Set(ctx, "k", buf, time.Minute))
	buf[0] = 'z'

	got, _, _ := s.Get(ctx, "k")
	assert.Equal(t, "abc", string(got))
}

// ──────────────────────────────────────────────────────────────────────────────
// RedisStore
// ──────────────────────────────────────────────────────────────────────────────

func TestRedisStore_SetGetExpire(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Set(ctx, "health:report:latest", []byte(`{"status":"healthy"}`), 10*time.Minute))
	assert.True(t, mr.Exists("wg:health:report:latest"), "prefix applied")

	got, ok, err := s.Get(ctx, "health:report:latest")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"status":"healthy"}`, string(got))

	mr.FastForward(11 * time.Minute)
	_, ok, err = s.Get(ctx, "health:report:latest")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_DeleteAndTTLValidation(t *testing.T) {
	ctx := context.Background()
	s, mr := newRedisStore(t)

	require.NoError(t, s.Set(ctx, "a", []byte("1"), time.Hour))
	require.NoError(t, s.Delete(ctx, "a"))
	assert.False(t, mr.Exists("wg:a"))
	require.NoError(t, s.Delete(ctx))

	assert.ErrorIs(t, s.Set(ctx, "a", []byte("1"), 0), core.ErrInvalidTTL)
}

func TestRedisStore_Unavailable(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()

	_, _, err := s.Get(context.Background(), "a")
	assert.Error(t, err)
}

// ──────────────────────────────────────────────────────────────────────────────
// JSON helpers
// ──────────────────────────────────────────────────────────────────────────────

func TestJSONHelpers(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	state := core.AlertState{Issue: core.Issue{Key: "broker_unavailable", Severity: core.SeverityCritical}}
	require.NoError(t, SetJSON(ctx, s, "health:alert:broker_unavailable", state, time.Hour))

	got, ok, err := GetJSON[core.AlertState](ctx, s, "health:alert:broker_unavailable")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "broker_unavailable", got.Key)

	_, ok, err = GetJSON[core.AlertState](ctx, s, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, "bad", []byte("{"), time.Hour))
	_, _, err = GetJSON[core.AlertState](ctx, s, "bad")
	assert.Error(t, err)
}
