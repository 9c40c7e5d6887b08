package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// BrokerEndpoint 候选 Broker 端点（按优先级排列）
type BrokerEndpoint struct {
	Scheme string // ws, wss, mqtt
	Host   string
	Port   int
	Path   string // 仅 ws/wss 使用，如 "/mqtt"
}

// MQTTConfig MQTT配置
type MQTTConfig struct {
	Brokers  []BrokerEndpoint
	ClientID string
	Username string
	Password string
	QoS      byte

	// InsecureSkipVerify 仅用于开发环境的 wss 自签名证书
	InsecureSkipVerify bool
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// LoadFromEnv 从环境变量加载配置
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	if host := os.Getenv(prefix + "_HOST"); host != "" {
		c.Host = host
	}
	if port := os.Getenv(prefix + "_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Port)
	}
	if user := os.Getenv(prefix + "_USER"); user != "" {
		c.User = user
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if database := os.Getenv(prefix + "_NAME"); database != "" {
		c.Database = database
	}
	if sslMode := os.Getenv(prefix + "_SSLMODE"); sslMode != "" {
		c.SSLMode = sslMode
	}
}

// LoadFromEnv 从环境变量加载Redis配置
func (c *RedisConfig) LoadFromEnv(prefix string) {
	if addr := os.Getenv(prefix + "_ADDR"); addr != "" {
		c.Addr = addr
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if db := os.Getenv(prefix + "_DB"); db != "" {
		fmt.Sscanf(db, "%d", &c.DB)
	}
}

// LoadFromEnv 从环境变量加载MQTT配置
//
// Broker 列表优先使用 {prefix}_BROKERS（逗号分隔的 URL 列表），
// 否则按 主 ws -> 备用 ws -> wss -> tcp 的顺序从各自的 HOST/PORT 变量组装。
func (c *MQTTConfig) LoadFromEnv(prefix string) {
	if clientID := os.Getenv(prefix + "_CLIENT_ID"); clientID != "" {
		c.ClientID = clientID
	}
	if username := os.Getenv(prefix + "_USERNAME"); username != "" {
		c.Username = username
	}
	if password := os.Getenv(prefix + "_PASSWORD"); password != "" {
		c.Password = password
	}
	if os.Getenv(prefix+"_INSECURE_SKIP_VERIFY") == "true" {
		c.InsecureSkipVerify = true
	}

	if list := os.Getenv(prefix + "_BROKERS"); list != "" {
		var brokers []BrokerEndpoint
		for _, raw := range strings.Split(list, ",") {
			ep, err := ParseBrokerURL(strings.TrimSpace(raw))
			if err != nil {
				continue
			}
			brokers = append(brokers, ep)
		}
		if len(brokers) > 0 {
			c.Brokers = brokers
			return
		}
	}

	c.Brokers = []BrokerEndpoint{
		{Scheme: "ws", Host: envOr(prefix+"_HOST", "localhost"), Port: envPort(prefix+"_PORT", 9001), Path: "/mqtt"},
		{Scheme: "ws", Host: envOr(prefix+"_FALLBACK_HOST", "localhost"), Port: envPort(prefix+"_FALLBACK_PORT", 9001), Path: "/mqtt"},
		{Scheme: "wss", Host: envOr(prefix+"_SECURE_HOST", "localhost"), Port: envPort(prefix+"_SECURE_PORT", 8084), Path: "/mqtt"},
		{Scheme: "mqtt", Host: envOr(prefix+"_TCP_HOST", "localhost"), Port: envPort(prefix+"_TCP_PORT", 1883)},
	}
}

// URL 返回端点连接地址，如 ws://localhost:9001/mqtt
func (e BrokerEndpoint) URL() string {
	u := fmt.Sprintf("%s://%s:%d", e.Scheme, e.Host, e.Port)
	if e.Path != "" && (e.Scheme == "ws" || e.Scheme == "wss") {
		u += e.Path
	}
	return u
}

// ParseBrokerURL 解析 scheme://host:port[/path]
func ParseBrokerURL(raw string) (BrokerEndpoint, error) {
	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return BrokerEndpoint{}, fmt.Errorf("invalid broker url: %q", raw)
	}
	switch scheme {
	case "ws", "wss", "mqtt", "tcp":
	default:
		return BrokerEndpoint{}, fmt.Errorf("unsupported broker scheme: %q", scheme)
	}

	hostPort, path, _ := strings.Cut(rest, "/")
	host, portStr, ok := strings.Cut(hostPort, ":")
	if !ok || host == "" {
		return BrokerEndpoint{}, fmt.Errorf("broker url missing port: %q", raw)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return BrokerEndpoint{}, fmt.Errorf("invalid broker port: %q", raw)
	}

	ep := BrokerEndpoint{Scheme: scheme, Host: host, Port: port}
	if path != "" {
		ep.Path = "/" + path
	} else if scheme == "ws" || scheme == "wss" {
		ep.Path = "/mqtt"
	}
	return ep, nil
}

func envOr(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envPort(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if p, err := strconv.Atoi(value); err == nil && p > 0 {
			return p
		}
	}
	return defaultValue
}
