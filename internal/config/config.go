package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"sleepsense-monitor/common/config"
)

// Config 实时监测服务配置
type Config struct {
	Database config.DatabaseConfig
	Redis    config.RedisConfig
	MQTT     config.MQTTConfig

	// 监测会话配置
	Monitor struct {
		DeviceIDs            []string      // 启动时自动挂载的设备序列号
		TopicPrefix          string        // 主题前缀，如 "sleepsense"
		TickInterval         time.Duration // 显示刷新周期
		MinReconnectInterval time.Duration // 两次连接尝试的最小间隔
		ConnectTimeout       time.Duration // 握手超时
		IdleTimeout          time.Duration // 已连接但长时间无消息则重连，0 表示关闭
		StaleAfter           time.Duration // 缓冲区数据超过该时长视为过期，改用模拟数据
		BufferCapacity       int           // 每组传感器缓冲区容量
		ViewTTL              time.Duration // 视图缓存 TTL
		ApneaStream          string        // 呼吸暂停事件输出流
		SeedFromProfile      bool          // 挂载时用 REST 档案初始化设备状态
	}

	// REST 后端
	API struct {
		BaseURL string
		Token   string
	}

	HTTP struct {
		Addr string
	}

	RedisEnabled    bool
	DatabaseEnabled bool

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "sleepsense")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = 10
	cfg.Database.MaxIdle = 2

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = 0

	cfg.MQTT.ClientID = ""
	cfg.MQTT.QoS = 1
	cfg.MQTT.LoadFromEnv("MQTT")

	cfg.Monitor.DeviceIDs = splitList(getEnv("MONITOR_DEVICE_IDS", ""))
	cfg.Monitor.TopicPrefix = getEnv("MONITOR_TOPIC_PREFIX", "sleepsense")
	cfg.Monitor.TickInterval = getEnvDuration("MONITOR_TICK_INTERVAL", time.Second)
	cfg.Monitor.MinReconnectInterval = getEnvDuration("MONITOR_MIN_RECONNECT_INTERVAL", 3*time.Second)
	cfg.Monitor.ConnectTimeout = getEnvDuration("MONITOR_CONNECT_TIMEOUT", 8*time.Second)
	cfg.Monitor.IdleTimeout = getEnvDuration("MONITOR_IDLE_TIMEOUT", 60*time.Second)
	cfg.Monitor.StaleAfter = getEnvDuration("MONITOR_STALE_AFTER", 10*time.Second)
	cfg.Monitor.BufferCapacity = getEnvInt("MONITOR_BUFFER_CAPACITY", 100)
	cfg.Monitor.ViewTTL = getEnvDuration("MONITOR_VIEW_TTL", 10*time.Second)
	cfg.Monitor.ApneaStream = getEnv("MONITOR_APNEA_STREAM", "sleepsense:apnea:stream")
	cfg.Monitor.SeedFromProfile = getEnv("MONITOR_SEED_FROM_PROFILE", "false") == "true"

	cfg.API.BaseURL = getEnv("API_URL", "http://localhost:5000/api")
	cfg.API.Token = getEnv("API_TOKEN", "")

	cfg.HTTP.Addr = getEnv("HTTP_ADDR", ":8090")

	cfg.RedisEnabled = getEnv("REDIS_ENABLED", "true") == "true"
	cfg.DatabaseEnabled = getEnv("DB_ENABLED", "true") == "true"

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

// getEnvDuration 支持 "1s"/"500ms" 形式，纯数字按毫秒处理
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(raw); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
