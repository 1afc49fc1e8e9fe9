package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/erp/collector/internal/infrastructure/cache"
)

// newRedis starts a throwaway Redis and returns a connected lock client config
func newRedis(t *testing.T) cache.RedisConfig {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err, "Failed to start Redis container")
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	return cache.RedisConfig{Host: host, Port: port.Int()}
}

func TestRedisRunLock(t *testing.T) {
	cfg := newRedis(t)
	ctx := context.Background()

	client, err := cache.NewRedisClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	lock := cache.NewRedisRunLock(client, "", time.Minute)

	release, ok, err := lock.TryAcquire(ctx, "instance-a")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = lock.TryAcquire(ctx, "instance-b")
	require.NoError(t, err)
	assert.False(t, ok, "a held lock cannot be taken")

	holder, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.Contains(t, holder, "instance-a:")

	require.NoError(t, release(ctx))
	holder, err = lock.Holder(ctx)
	require.NoError(t, err)
	assert.Empty(t, holder)

	_, ok, err = lock.TryAcquire(ctx, "instance-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisRunLock_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	cfg := newRedis(t)
	ctx := context.Background()

	client, err := cache.NewRedisClient(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	lock := cache.NewRedisRunLock(client, "collector:test-lock", 200*time.Millisecond)

	releaseA, ok, err := lock.TryAcquire(ctx, "instance-a")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(400 * time.Millisecond)
	_, ok, err = lock.TryAcquire(ctx, "instance-b")
	require.NoError(t, err)
	require.True(t, ok, "an expired lock is free again")

	require.NoError(t, releaseA(ctx))
	holder, err := lock.Holder(ctx)
	require.NoError(t, err)
	assert.Contains(t, holder, "instance-b:")
}
