package app

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"evgateway/backend/services/ocpp-gateway/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.JWT.Secret = "secret"
	cfg.HTTP.Port = "0"
	return cfg
}

func TestNewWithoutRedis(t *testing.T) {
	a, err := New(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.redis)
	assert.Zero(t, a.registry.Len())
}

func TestNewFailsWhenRedisUnreachable(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Addr = "127.0.0.1:1"

	_, err := New(context.Background(), cfg, zap.NewNop())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(), zap.NewNop())
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, a.Run(ctx))
}

func TestDrainFlushesPresenceBeforeClose(t *testing.T) {
	cfg := testConfig()
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.DB = 15
	cfg.GatewayID = "gw-drain"

	a, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Skip("Redis not available, skipping test")
	}
	ctx := context.Background()
	require.NoError(t, a.presence.MarkOnline(ctx, "CP-1", time.Now()))

	a.presence.ReportConnectivity("CP-1", false, time.Now())
	a.drain()
	a.Close()

	check := goredis.NewClient(&goredis.Options{Addr: cfg.Redis.Addr, DB: cfg.Redis.DB})
	defer check.Close()
	n, err := check.Exists(ctx, "ocpp:presence:CP-1").Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}
