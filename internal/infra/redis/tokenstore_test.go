package redis

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/areahq/area-pipeline/internal/logger"
)

type fakeEntry struct {
	value     string
	expiresAt time.Time
}

// fakeTokenCommands is an in-memory stand-in for the redis commands the
// token store issues, with a manual clock so expiry can be tested without
// waiting.
type fakeTokenCommands struct {
	now     time.Time
	entries map[string]fakeEntry
	ops     []string
}

func newFakeTokenCommands() *fakeTokenCommands {
	return &fakeTokenCommands{
		now:     time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		entries: make(map[string]fakeEntry),
	}
}

func (f *fakeTokenCommands) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fakeTokenCommands) live(key string) (fakeEntry, bool) {
	e, ok := f.entries[key]
	if !ok || !f.now.Before(e.expiresAt) {
		return fakeEntry{}, false
	}
	return e, true
}

func (f *fakeTokenCommands) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.ops = append(f.ops, "set "+key)
	f.entries[key] = fakeEntry{value: fmt.Sprint(value), expiresAt: f.now.Add(expiration)}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeTokenCommands) Get(_ context.Context, key string) *redis.StringCmd {
	e, ok := f.live(key)
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(e.value, nil)
}

func (f *fakeTokenCommands) Del(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.live(key); ok {
			n++
		}
		delete(f.entries, key)
		f.ops = append(f.ops, "del "+key)
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeTokenCommands) Exists(_ context.Context, keys ...string) *redis.IntCmd {
	var n int64
	for _, key := range keys {
		if _, ok := f.live(key); ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeTokenCommands) TTL(_ context.Context, key string) *redis.DurationCmd {
	e, ok := f.entries[key]
	if !ok || !f.now.Before(e.expiresAt) {
		return redis.NewDurationResult(-2, nil)
	}
	return redis.NewDurationResult(e.expiresAt.Sub(f.now), nil)
}

func newTestTokenStore() (*TokenStore, *fakeTokenCommands) {
	fake := newFakeTokenCommands()
	store := NewTokenStore(fake, logger.New(io.Discard, logger.LevelError, "test", nil))
	return store, fake
}

func TestTokenStorePutGet(t *testing.T) {
	t.Parallel()

	store, _ := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", time.Minute))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", value)

	_, ok, err = store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenStorePutValidation(t *testing.T) {
	t.Parallel()

	store, _ := newTestTokenStore()
	ctx := context.Background()

	assert.Error(t, store.Put(ctx, "", "v", time.Minute))
	assert.Error(t, store.Put(ctx, "k", "v", 0))
	assert.Error(t, store.Put(ctx, "k", "v", -time.Second))
}

func TestTokenStoreExpiry(t *testing.T) {
	t.Parallel()

	store, fake := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", time.Minute))
	fake.advance(2 * time.Minute)

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, exists)

	_, ok, err = store.TTLRemaining(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTokenStoreTTLRemaining(t *testing.T) {
	t.Parallel()

	store, fake := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", 10*time.Minute))
	fake.advance(4 * time.Minute)

	ttl, ok, err := store.TTLRemaining(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 6*time.Minute, ttl)
}

func TestTokenStoreDelete(t *testing.T) {
	t.Parallel()

	store, _ := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "v", time.Minute))
	require.NoError(t, store.Delete(ctx, "k"))

	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.Delete(ctx, "k"))
}

func TestTokenStoreRotateIsDeleteThenPut(t *testing.T) {
	t.Parallel()

	store, fake := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", "old", time.Minute))
	require.NoError(t, store.Rotate(ctx, "k", "new", time.Minute))

	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", value)

	assert.Equal(t, []string{"set k", "del k", "set k"}, fake.ops)
}

func TestTokenStoreSessionKeyScheme(t *testing.T) {
	t.Parallel()

	store, _ := newTestTokenStore()
	ctx := context.Background()

	require.NoError(t, store.RotateAccessToken(ctx, "tok-1", "user-1", time.Minute))
	require.NoError(t, store.RotateRefreshToken(ctx, "user-1", "ref-1", time.Hour))

	userID, ok, err := store.Get(ctx, AccessTokenKey("tok-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "user-1", userID)

	token, ok, err := store.Get(ctx, RefreshTokenKey("user-1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "ref-1", token)
}
