package app

import (
	"context"
	"errors"
	"testing"
	"time"

	commoncfg "sleepsense-monitor/common/config"
	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig(redisAddr string) *config.Config {
	cfg := &config.Config{}
	cfg.MQTT.Brokers = []commoncfg.BrokerEndpoint{{Scheme: "mqtt", Host: "127.0.0.1", Port: 1}}
	cfg.MQTT.QoS = 1
	cfg.Redis.Addr = redisAddr
	cfg.RedisEnabled = redisAddr != ""
	cfg.DatabaseEnabled = false
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.API.BaseURL = "http://127.0.0.1:1/api"
	cfg.Monitor.TickInterval = 50 * time.Millisecond
	cfg.Monitor.ViewTTL = 10 * time.Second
	return cfg
}

func TestNewMonitorService_RequiresBrokers(t *testing.T) {
	cfg := testConfig("")
	cfg.MQTT.Brokers = nil

	_, err := NewMonitorService(cfg, zap.NewNop())

	assert.True(t, errors.Is(err, broker.ErrNoEndpoints))
}

func TestMonitorService_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	svc, err := NewMonitorService(testConfig(mr.Addr()), zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, svc.redis)
	assert.Nil(t, svc.db)

	require.NoError(t, svc.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
}

func TestMonitorService_RedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	svc, err := NewMonitorService(testConfig(addr), zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, svc.redis)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
}

func TestMonitorService_MountsConfiguredDevices(t *testing.T) {
	cfg := testConfig("")
	cfg.Monitor.DeviceIDs = []string{"SS-1", "SS-2"}

	svc, err := NewMonitorService(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, svc.Start(context.Background()))

	assert.Equal(t, []string{"SS-1", "SS-2"}, svc.Monitor().Devices())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Stop(ctx))
	assert.Empty(t, svc.Monitor().Devices())
}
