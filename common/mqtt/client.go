package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"sleepsense-monitor/common/config"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

var (
	// ErrConnectTimeout 握手超时
	ErrConnectTimeout = errors.New("mqtt connect timed out")
	// ErrNotConnected 在会话建立前调用发布操作
	ErrNotConnected = errors.New("mqtt client not connected")
)

// MessageHandler 消息处理函数类型
type MessageHandler func(topic string, payload []byte)

// Events 传输层事件回调（均在 paho 的 goroutine 中触发，处理函数需短小且不阻塞）
type Events struct {
	OnConnect        func()
	OnConnectionLost func(err error)
	OnReconnecting   func()
	OnMessage        MessageHandler
}

// Options 连接参数
type Options struct {
	ClientID           string
	Username           string
	Password           string
	InsecureSkipVerify bool
	KeepAlive          time.Duration
	ConnectTimeout     time.Duration
	ReconnectInterval  time.Duration
}

// DefaultOptions 默认连接参数
func DefaultOptions() Options {
	return Options{
		KeepAlive:         30 * time.Second,
		ConnectTimeout:    10 * time.Second,
		ReconnectInterval: 2 * time.Second,
	}
}

// Client MQTT客户端封装
type Client struct {
	client   mqtt.Client
	endpoint config.BrokerEndpoint
	events   Events
}

// NewClient 创建MQTT客户端（不发起连接）
func NewClient(ep config.BrokerEndpoint, o Options, events Events) *Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(ep.URL())
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
	}
	if o.Password != "" {
		opts.SetPassword(o.Password)
	}
	if ep.Scheme == "wss" && o.InsecureSkipVerify {
		// #nosec G402 仅开发环境
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: true})
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(o.KeepAlive)
	opts.SetConnectTimeout(o.ConnectTimeout)
	opts.SetMaxReconnectInterval(o.ReconnectInterval)

	c := &Client{endpoint: ep, events: events}

	opts.SetOnConnectHandler(func(mqtt.Client) {
		if c.events.OnConnect != nil {
			c.events.OnConnect()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if c.events.OnConnectionLost != nil {
			c.events.OnConnectionLost(err)
		}
	})
	opts.SetReconnectingHandler(func(mqtt.Client, *mqtt.ClientOptions) {
		if c.events.OnReconnecting != nil {
			c.events.OnReconnecting()
		}
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect 发起连接，等待握手完成、超时或 ctx 取消
func (c *Client) Connect(ctx context.Context, timeout time.Duration) error {
	token := c.client.Connect()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to MQTT broker %s: %w", c.endpoint.URL(), err)
		}
		return nil
	case <-timer.C:
		return ErrConnectTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe 订阅多个主题，消息统一交给 Events.OnMessage
func (c *Client) Subscribe(topics []string, qos byte) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}

	token := c.client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		if c.events.OnMessage != nil {
			c.events.OnMessage(msg.Topic(), msg.Payload())
		}
	})
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topics %v: %w", topics, token.Error())
	}
	return nil
}

// Publish 发布消息
func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	token.Wait()

	if token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}
	return nil
}

// Close 断开连接；force 为 true 时不等待未完成的工作
func (c *Client) Close(force bool) {
	if force {
		c.client.Disconnect(0)
		return
	}
	c.client.Disconnect(250) // 250ms等待时间
}
