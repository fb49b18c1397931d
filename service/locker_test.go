package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	release, err := l.Acquire(ctx, "execution:1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "execution:1", time.Minute)
	assert.ErrorIs(t, err, ErrExecutionLocked)

	other, err := l.Acquire(ctx, "execution:2", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Acquire(ctx, "execution:1", time.Minute)
	require.NoError(t, err)
	again()
}

func TestMemoryLocker_ExpiredLockIsTakenOver(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	stale, err := l.Acquire(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The stale holder must not release the new owner's lock
	stale()
	_, err = l.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrExecutionLocked)
	fresh()
}

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "")

	release, err := l.Acquire(ctx, "execution:1", time.Minute)
	require.NoError(t, err)
	assert.True(t, mr.Exists("aegis:lock:execution:1"))
	assert.Equal(t, time.Minute, mr.TTL("aegis:lock:execution:1"))

	_, err = NewRedisLocker(client, "").Acquire(ctx, "execution:1", time.Minute)
	assert.ErrorIs(t, err, ErrExecutionLocked)

	release()
	assert.False(t, mr.Exists("aegis:lock:execution:1"))
}

func TestRedisLocker_ReleaseChecksToken(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, "test:")

	stale, err := l.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	fresh, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	stale()
	assert.True(t, mr.Exists("test:k"))

	fresh()
	assert.False(t, mr.Exists("test:k"))
}

func TestRedisLocker_ServerDown(t *testing.T) {
	mr, client := newTestRedis(t)
	mr.Close()

	_, err := NewRedisLocker(client, "").Acquire(context.Background(), "k", time.Minute)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrExecutionLocked)
}
