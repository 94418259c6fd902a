package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/quangdang46/Course-Marketplace/shared/redis"
)

// TestRedis provides a throwaway Redis instance
type TestRedis struct {
	Container *tcredis.RedisContainer
	Client    *redis.Redis
	URL       string
}

// SetupTestRedis starts redis:7-alpine in a container. Skipped under -short
// since it needs a Docker daemon.
func SetupTestRedis(t *testing.T) *TestRedis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	client, err := redis.NewRedisFromURL(url)
	require.NoError(t, err)
	require.NoError(t, client.HealthCheck(ctx))
	t.Cleanup(func() { _ = client.Close() })

	return &TestRedis{Container: container, Client: client, URL: url}
}
