package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sleepsense-monitor/common/database"
	mqttcommon "sleepsense-monitor/common/mqtt"
	rediscommon "sleepsense-monitor/common/redis"
	"sleepsense-monitor/internal/api"
	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/config"
	"sleepsense-monitor/internal/httpapi"
	"sleepsense-monitor/internal/metrics"
	"sleepsense-monitor/internal/repository"
	"sleepsense-monitor/internal/service"
	"sleepsense-monitor/internal/session"
	"sleepsense-monitor/internal/sink"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// backendTimeout 启动时连接 Redis/PostgreSQL 的超时
const backendTimeout = 5 * time.Second

// MonitorService 组装监测服务的全部组件
type MonitorService struct {
	config   *config.Config
	logger   *zap.Logger
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	monitor  *service.Monitor
	server   *Server
	errCh    chan error
}

// NewMonitorService 创建监测服务
//
// Redis 与数据库都是可选的：未启用或连接失败时只记录警告，对应的输出被跳过。
func NewMonitorService(cfg *config.Config, logger *zap.Logger) (*MonitorService, error) {
	if len(cfg.MQTT.Brokers) == 0 {
		return nil, fmt.Errorf("failed to configure broker: %w", broker.ErrNoEndpoints)
	}

	s := &MonitorService{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		errCh:    make(chan error, 1),
	}
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(s.registry)

	// 视图缓存 + 事件流
	var views *sink.ViewCache
	var stream service.EpisodePublisher
	if cfg.RedisEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		client, err := rediscommon.Open(ctx, &cfg.Redis)
		cancel()
		if err != nil {
			logger.Warn("Redis enabled but ping failed, view cache and apnea stream disabled", zap.Error(err))
		} else {
			s.redis = client
			views = sink.NewViewCache(sink.NewRedisStore(client), cfg.Monitor.ViewTTL, logger)
			stream = sink.NewEpisodeStream(client, cfg.Monitor.ApneaStream, logger)
			logger.Info("Redis enabled", zap.String("addr", cfg.Redis.Addr))
		}
	}

	// 事件持久化
	var repo service.EpisodeRepository
	if cfg.DatabaseEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		db, err := database.Open(ctx, &cfg.Database)
		cancel()
		if err != nil {
			logger.Warn("DB enabled but connection failed, apnea episodes will not be persisted", zap.Error(err))
		} else {
			episodes := repository.NewApneaEpisodesRepository(db, logger)
			if err := episodes.EnsureSchema(context.Background()); err != nil {
				logger.Warn("Failed to ensure apnea_episodes schema", zap.Error(err))
			}
			s.db = db
			repo = episodes
			logger.Info("DB enabled", zap.String("host", cfg.Database.Host), zap.String("database", cfg.Database.Database))
		}
	}
	episodeLog := service.NewEpisodeLog(repo, stream, logger)

	apiClient := api.NewClient(cfg.API.BaseURL, cfg.API.Token, logger)

	mqttOpts := mqttcommon.DefaultOptions()
	mqttOpts.Username = cfg.MQTT.Username
	mqttOpts.Password = cfg.MQTT.Password
	mqttOpts.InsecureSkipVerify = cfg.MQTT.InsecureSkipVerify
	mqttOpts.ConnectTimeout = cfg.Monitor.ConnectTimeout

	deps := service.Deps{
		Dialer:   broker.PahoDialer{Options: mqttOpts},
		Episodes: episodeLog,
		Profiles: apiClient,
		Metrics:  m,
		Logger:   logger,
	}
	var viewReader httpapi.ViewReader
	if views != nil {
		deps.Views = views
		viewReader = views
	}

	s.monitor = service.NewMonitor(service.Options{
		Session: session.Options{
			TickInterval:   cfg.Monitor.TickInterval,
			StaleAfter:     cfg.Monitor.StaleAfter,
			IdleTimeout:    cfg.Monitor.IdleTimeout,
			BufferCapacity: cfg.Monitor.BufferCapacity,
			Broker: broker.Options{
				Endpoints:            cfg.MQTT.Brokers,
				TopicPrefix:          cfg.Monitor.TopicPrefix,
				QoS:                  cfg.MQTT.QoS,
				MinReconnectInterval: cfg.Monitor.MinReconnectInterval,
				ConnectTimeout:       cfg.Monitor.ConnectTimeout,
			},
		},
		SeedFromProfile: cfg.Monitor.SeedFromProfile,
	}, deps)

	router := httpapi.NewRouter(logger)
	router.RegisterMonitorRoutes(httpapi.NewMonitorHandler(s.monitor, viewReader, episodeLog, apiClient, logger))
	router.RegisterOpsRoutes(s.registry)
	s.server = NewServer(cfg.HTTP.Addr, router, logger)

	return s, nil
}

// Start 启动 HTTP 服务并挂载配置中的设备
func (s *MonitorService) Start(ctx context.Context) error {
	s.logger.Info("Starting monitor service components")

	go func() {
		if err := s.server.Start(); err != nil {
			s.errCh <- err
		}
	}()

	for _, serial := range s.config.Monitor.DeviceIDs {
		if _, err := s.monitor.Mount(ctx, serial); err != nil {
			return fmt.Errorf("failed to mount device %s: %w", serial, err)
		}
	}

	s.logger.Info("Monitor service started successfully", zap.Strings("devices", s.monitor.Devices()))
	return nil
}

// Errors HTTP 服务器异常退出时收到错误
func (s *MonitorService) Errors() <-chan error {
	return s.errCh
}

// Monitor 会话注册表
func (s *MonitorService) Monitor() *service.Monitor {
	return s.monitor
}

// Stop 停止服务
func (s *MonitorService) Stop(ctx context.Context) error {
	s.logger.Info("Stopping monitor service")

	if err := s.server.Stop(ctx); err != nil {
		s.logger.Error("Error stopping HTTP server", zap.Error(err))
	}

	// 停止所有会话（关闭传输会话）
	s.monitor.Shutdown()

	if s.redis != nil {
		if err := rediscommon.Close(s.redis); err != nil {
			s.logger.Error("Error closing redis", zap.Error(err))
		}
	}

	if s.db != nil {
		if err := database.Close(s.db); err != nil {
			s.logger.Error("Error closing database", zap.Error(err))
		}
	}

	s.logger.Info("Monitor service stopped")
	return nil
}
