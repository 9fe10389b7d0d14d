package rollcall

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalSweepLocker(t *testing.T) {
	ctx := context.Background()
	l := NewLocalSweepLocker()

	unlock, ok, err := l.TryLock(ctx, "closure")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = l.TryLock(ctx, "closure")
	require.NoError(t, err)
	assert.False(t, ok, "lock should be held")

	unlockOther, ok, err := l.TryLock(ctx, "reminder")
	require.NoError(t, err)
	assert.True(t, ok, "locks are per name")
	unlockOther()

	unlock()
	unlock, ok, err = l.TryLock(ctx, "closure")
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}

func TestRedisSweepLocker(t *testing.T) {
	addr := os.Getenv("ROLLCALL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ROLLCALL_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client, err := newRedisClient(ctx, &RedisConfig{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "rollcall-test:" + uuid.NewString() + ":"
	a := NewRedisSweepLocker(client, prefix, time.Minute, testLogger(t))
	b := NewRedisSweepLocker(client, prefix, time.Minute, testLogger(t))

	unlock, ok, err := a.TryLock(ctx, "closure")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryLock(ctx, "closure")
	require.NoError(t, err)
	assert.False(t, ok)

	unlock()
	unlock, ok, err = b.TryLock(ctx, "closure")
	require.NoError(t, err)
	assert.True(t, ok)
	unlock()
}
