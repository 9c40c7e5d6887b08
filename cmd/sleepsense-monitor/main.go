package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sleepsense-monitor/common/logger"
	"sleepsense-monitor/internal/app"
	"sleepsense-monitor/internal/config"

	"go.uber.org/zap"
)

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 初始化Logger
	zapLogger, err := logger.NewLogger(cfg.Log.Level, cfg.Log.Format, "sleepsense-monitor")
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	brokers := make([]string, 0, len(cfg.MQTT.Brokers))
	for _, ep := range cfg.MQTT.Brokers {
		brokers = append(brokers, ep.URL())
	}
	zapLogger.Info("Starting sleepsense-monitor service",
		zap.Strings("mqtt_brokers", brokers),
		zap.Strings("devices", cfg.Monitor.DeviceIDs),
		zap.String("http_addr", cfg.HTTP.Addr),
	)

	// 创建服务
	monitorService, err := app.NewMonitorService(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create monitor service", zap.Error(err))
	}

	// 启动服务
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := monitorService.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start monitor service", zap.Error(err))
	}

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		zapLogger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case err := <-monitorService.Errors():
		zapLogger.Error("HTTP server failed, shutting down", zap.Error(err))
	}

	// 优雅关闭
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := monitorService.Stop(shutdownCtx); err != nil {
		zapLogger.Error("Error during shutdown", zap.Error(err))
	}

	zapLogger.Info("Service stopped")
}
