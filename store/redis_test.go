package store

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// startRedis 启动 Redis 测试容器，Docker 不可用时跳过
func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	t.Cleanup(func() {
		if container != nil {
			_ = container.Terminate(context.Background())
		}
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestRedisStore(t *testing.T) {
	client := startRedis(t)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}

	s, err := NewRedisStore(map[string]*redis.Client{"primary": client}, "reqcache-test", nil, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	exerciseSubstrate(t, s)
}

func TestRedisStoreRequiresClient(t *testing.T) {
	_, err := NewRedisStore(nil, "", nil)
	require.Error(t, err)
}
