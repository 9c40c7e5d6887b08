package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sleepsense-monitor/common/config"
	"sleepsense-monitor/common/logger"
	mqttcommon "sleepsense-monitor/common/mqtt"
	"sleepsense-monitor/internal/sender"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 开发用测试数据发送器：向 broker 发布模拟的指夹、胸带和状态消息
func main() {
	deviceID := flag.String("device", "SS-2025-X1-28934", "device serial number")
	broker := flag.String("broker", envOr("SENDER_BROKER", "mqtt://localhost:1883"), "broker url (mqtt://, ws://, wss://)")
	prefix := flag.String("prefix", envOr("MONITOR_TOPIC_PREFIX", "sleepsense"), "topic prefix")
	interval := flag.Duration("interval", sender.DefaultInterval, "interval between batches")
	duration := flag.Duration("duration", sender.DefaultDuration, "total simulation time")
	statusProb := flag.Float64("status-probability", sender.DefaultStatusProbability, "probability of a status message per batch")
	flag.Parse()

	zapLogger, err := logger.NewLogger(envOr("LOG_LEVEL", "info"), envOr("LOG_FORMAT", "console"), "sleepsense-sender")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	ep, err := config.ParseBrokerURL(*broker)
	if err != nil {
		zapLogger.Fatal("Invalid broker url", zap.Error(err))
	}

	opts := mqttcommon.DefaultOptions()
	opts.ClientID = "sleepsense_sender_" + uuid.NewString()[:6]
	opts.Username = os.Getenv("MQTT_USERNAME")
	opts.Password = os.Getenv("MQTT_PASSWORD")
	opts.ConnectTimeout = 4 * time.Second
	opts.ReconnectInterval = time.Second

	client := mqttcommon.NewClient(ep, opts, mqttcommon.Events{
		OnConnectionLost: func(err error) {
			zapLogger.Warn("Sender connection lost", zap.Error(err))
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	zapLogger.Info("Connecting to MQTT broker", zap.String("broker", ep.URL()), zap.String("device_id", *deviceID))
	if err := client.Connect(ctx, opts.ConnectTimeout); err != nil {
		zapLogger.Fatal("Failed to connect sender", zap.Error(err))
	}
	defer client.Close(false)

	s := sender.New(client, sender.Options{
		DeviceID:          *deviceID,
		TopicPrefix:       *prefix,
		QoS:               1,
		Interval:          *interval,
		Duration:          *duration,
		StatusProbability: *statusProb,
	}, nil, zapLogger)

	batches, err := s.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		zapLogger.Error("Simulation failed", zap.Error(err))
	}
	zapLogger.Info("Test completed", zap.Int("batches", batches))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
