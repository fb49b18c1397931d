package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := zaptest.NewLogger(t).Sugar()

	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr(), PoolSize: 4}, logger)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", time.Minute).Err())
	mr.CheckGet(t, "k", "v")
}

func TestNewRedisClient_Errors(t *testing.T) {
	_, err := NewRedisClient(context.Background(), RedisConfig{}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	_, err = NewRedisClient(context.Background(), RedisConfig{Addr: addr, Timeout: 200 * time.Millisecond}, nil)
	assert.Error(t, err)
}
