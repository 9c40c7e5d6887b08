package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"sleepsense-monitor/common/config"
	mqttcommon "sleepsense-monitor/common/mqtt"
	"sleepsense-monitor/internal/metrics"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 连接状态
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
)

const (
	// DefaultMinReconnectInterval 两次连接尝试的最小间隔
	DefaultMinReconnectInterval = 3 * time.Second
	// DefaultConnectTimeout 握手超时
	DefaultConnectTimeout = 8 * time.Second
	// MaxReconnectAttempts 同一端点自动重连超过该次数后切换端点
	MaxReconnectAttempts = 3
)

// 界面提示文案
const (
	msgTimeout          = "Connection timed out. Trying alternative broker..."
	msgTooManyAttempts  = "Too many reconnect attempts. Trying alternative broker..."
	msgConnectFailed    = "Failed to connect: %v"
	msgConnectionError  = "Connection error: %v"
	msgSubscribeFailed  = "Failed to subscribe to topics: %v"
	msgNoBrokerEndpoint = "No broker endpoint configured"
)

var (
	// ErrNoEndpoints 没有候选端点
	ErrNoEndpoints = errors.New("no broker endpoints configured")
)

// Transport 单个端点上的传输会话
type Transport interface {
	Connect(ctx context.Context, timeout time.Duration) error
	Subscribe(topics []string, qos byte) error
	Close(force bool)
}

// Dialer 为端点创建传输会话（不发起连接）
type Dialer interface {
	Dial(ep config.BrokerEndpoint, clientID string, events mqttcommon.Events) (Transport, error)
}

// PahoDialer 基于 paho 的 Dialer
type PahoDialer struct {
	Options mqttcommon.Options
}

// Dial 创建 paho 客户端
func (d PahoDialer) Dial(ep config.BrokerEndpoint, clientID string, events mqttcommon.Events) (Transport, error) {
	o := d.Options
	o.ClientID = clientID
	return mqttcommon.NewClient(ep, o, events), nil
}

// Options 连接管理器参数
type Options struct {
	Endpoints            []config.BrokerEndpoint
	TopicPrefix          string
	QoS                  byte
	MinReconnectInterval time.Duration
	ConnectTimeout       time.Duration
}

// Status 连接状态快照
type Status struct {
	State       State
	Connected   bool
	BrokerIndex int
	Broker      string
	Attempts    int
	Error       string
	LastMessage time.Time
}

// Manager Broker 连接管理器
//
// 按优先级轮换候选端点，连接尝试受最小间隔节流（互斥锁保护的时间戳）。
// 传输层错误都转换成状态（Status().Error / Connected），不向上抛出。
type Manager struct {
	opts    Options
	dialer  Dialer
	handler mqttcommon.MessageHandler
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu            sync.Mutex
	deviceID      string
	brokerIndex   int
	attempts      int
	lastAttempt   time.Time
	state         State
	lastErr       string
	transport     Transport
	generation    uint64
	cancelAttempt context.CancelFunc
	lastMessage   time.Time
	closed        bool

	// delivery 保护 handler：投递消息时持读锁，Close 持写锁等待在途消息结束
	delivery sync.RWMutex
	closers  sync.WaitGroup
}

// NewManager 创建连接管理器
func NewManager(opts Options, dialer Dialer, handler mqttcommon.MessageHandler, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if opts.MinReconnectInterval <= 0 {
		opts.MinReconnectInterval = DefaultMinReconnectInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "sleepsense"
	}
	return &Manager{
		opts:    opts,
		dialer:  dialer,
		handler: handler,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		state:   StateIdle,
	}
}

// Topics 设备的三个订阅主题
func Topics(prefix, deviceID string) []string {
	base := fmt.Sprintf("%s/device/%s", prefix, deviceID)
	return []string{base + "/finger", base + "/belt", base + "/status"}
}

// NewClientID 生成连接用的客户端 ID
func NewClientID() string {
	return "sleepsense_monitor_" + uuid.NewString()[:8]
}

// Connect 使用当前游标指向的端点发起连接
//
// 距上次尝试不足 MinReconnectInterval 时直接返回 false（节流）。
// 握手成功、失败或超时都转换为状态；返回值只表示是否真正发起了尝试。
func (m *Manager) Connect(ctx context.Context, deviceID string) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	now := m.now()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.opts.MinReconnectInterval {
		m.mu.Unlock()
		m.logger.Debug("Connect throttled",
			zap.String("device_id", deviceID),
			zap.Duration("since_last", now.Sub(m.lastAttempt)),
		)
		return false
	}
	m.lastAttempt = now
	m.deviceID = deviceID

	if len(m.opts.Endpoints) == 0 {
		m.state = StateDisconnected
		m.lastErr = msgNoBrokerEndpoint
		m.mu.Unlock()
		return true
	}

	// 1. 丢弃旧会话
	old := m.transport
	m.transport = nil
	m.generation++
	gen := m.generation
	idx := m.brokerIndex
	ep := m.opts.Endpoints[idx]
	m.state = StateConnecting
	attemptCtx, cancel := context.WithCancel(ctx)
	m.cancelAttempt = cancel
	m.mu.Unlock()

	defer cancel()
	if old != nil {
		old.Close(true)
	}

	m.logger.Info("Connecting to broker",
		zap.String("device_id", deviceID),
		zap.String("broker", ep.URL()),
		zap.Int("broker_index", idx),
	)

	// 2. 创建传输会话并登记，Close 可以随时释放它
	tr, err := m.dialer.Dial(ep, NewClientID(), m.eventsFor(gen))
	if err == nil {
		m.mu.Lock()
		if gen != m.generation || m.closed {
			m.mu.Unlock()
			tr.Close(true)
			return true
		}
		m.transport = tr
		m.mu.Unlock()

		// 3. 握手
		err = tr.Connect(attemptCtx, m.opts.ConnectTimeout)
	}

	m.mu.Lock()
	if gen != m.generation || m.closed {
		// 已被 Close/Reconnect 放弃
		m.mu.Unlock()
		return true
	}

	if err != nil {
		failed := m.transport
		m.transport = nil
		m.generation++

		switch {
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			m.state = StateDisconnected
			m.mu.Unlock()
			m.metrics.ConnectAttempt(ep.URL(), "cancelled")
		case errors.Is(err, mqttcommon.ErrConnectTimeout):
			m.failLocked(msgTimeout)
			m.mu.Unlock()
			m.metrics.ConnectAttempt(ep.URL(), "timeout")
			m.metrics.BrokerRotated("timeout")
			m.logger.Warn("Broker connect timed out", zap.String("broker", ep.URL()))
		default:
			m.failLocked(fmt.Sprintf(msgConnectFailed, err))
			m.mu.Unlock()
			m.metrics.ConnectAttempt(ep.URL(), "error")
			m.metrics.BrokerRotated("error")
			m.logger.Warn("Broker connect failed", zap.String("broker", ep.URL()), zap.Error(err))
		}

		if failed != nil {
			failed.Close(true)
		}
		return true
	}

	// OnConnect 回调负责订阅；这里只保证状态
	if m.state == StateConnecting {
		m.state = StateConnected
		m.attempts = 0
		m.lastErr = ""
	}
	m.mu.Unlock()
	m.metrics.ConnectAttempt(ep.URL(), "connected")
	return true
}

// failLocked 记录错误并切换到下一个端点
func (m *Manager) failLocked(msg string) {
	m.state = StateDisconnected
	m.lastErr = msg
	m.rotateLocked()
	m.attempts++
}

func (m *Manager) rotateLocked() {
	if n := len(m.opts.Endpoints); n > 0 {
		m.brokerIndex = (m.brokerIndex + 1) % n
	}
}

// eventsFor 绑定到某一代传输会话的回调；代数不符的事件直接忽略
func (m *Manager) eventsFor(gen uint64) mqttcommon.Events {
	return mqttcommon.Events{
		OnConnect:        func() { m.onConnect(gen) },
		OnConnectionLost: func(err error) { m.onConnectionLost(gen, err) },
		OnReconnecting:   func() { m.onReconnecting(gen) },
		OnMessage:        func(topic string, payload []byte) { m.onMessage(gen, topic, payload) },
	}
}

func (m *Manager) onConnect(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.closed || m.transport == nil {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.attempts = 0
	m.lastErr = ""
	tr := m.transport
	topics := Topics(m.opts.TopicPrefix, m.deviceID)
	device := m.deviceID
	m.mu.Unlock()

	m.metrics.SetConnected(device, true)
	m.logger.Info("Connected to broker", zap.String("device_id", device), zap.Strings("topics", topics))

	if err := tr.Subscribe(topics, m.opts.QoS); err != nil {
		m.mu.Lock()
		if gen == m.generation {
			// 仍保持已连接状态
			m.lastErr = fmt.Sprintf(msgSubscribeFailed, err)
		}
		m.mu.Unlock()
		m.logger.Error("Failed to subscribe", zap.String("device_id", device), zap.Error(err))
	}
}

func (m *Manager) onConnectionLost(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.lastErr = fmt.Sprintf(msgConnectionError, err)
	device := m.deviceID
	m.mu.Unlock()

	m.metrics.SetConnected(device, false)
	m.logger.Warn("Broker connection lost", zap.String("device_id", device), zap.Error(err))
}

// onReconnecting 传输层自动重连；超过 MaxReconnectAttempts 次则放弃当前端点
func (m *Manager) onReconnecting(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.mu.Unlock()
		return
	}
	if m.attempts <= MaxReconnectAttempts {
		m.attempts++
		m.state = StateConnecting
		m.mu.Unlock()
		return
	}

	old := m.transport
	m.transport = nil
	m.generation++
	m.rotateLocked()
	m.attempts = 0
	m.state = StateDisconnected
	m.lastErr = msgTooManyAttempts
	device := m.deviceID
	m.mu.Unlock()

	m.metrics.BrokerRotated("reconnect_limit")
	m.metrics.SetConnected(device, false)
	m.logger.Warn("Too many reconnect attempts, rotating broker", zap.String("device_id", device))
	// 在 paho 的重连 goroutine 中，异步关闭
	m.closeAsync(old)
}

func (m *Manager) onMessage(gen uint64, topic string, payload []byte) {
	m.delivery.RLock()
	defer m.delivery.RUnlock()

	m.mu.Lock()
	if gen != m.generation || m.closed {
		m.mu.Unlock()
		return
	}
	m.lastMessage = m.now()
	m.mu.Unlock()

	if m.handler != nil {
		m.handler(topic, payload)
	}
}

func (m *Manager) closeAsync(tr Transport) {
	if tr == nil {
		return
	}
	m.closers.Add(1)
	go func() {
		defer m.closers.Done()
		tr.Close(true)
	}()
}

// Reconnect 手动重连：强制关闭当前会话，切换端点，清零计数和错误
//
// 下一次 Connect（仍受节流限制）使用新端点。
func (m *Manager) Reconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	old := m.transport
	m.transport = nil
	m.generation++
	m.rotateLocked()
	m.attempts = 0
	m.lastErr = ""
	m.state = StateDisconnected
	device := m.deviceID
	m.mu.Unlock()

	m.metrics.BrokerRotated("manual")
	m.metrics.SetConnected(device, false)
	m.logger.Info("Manual reconnect requested", zap.String("device_id", device))
	if old != nil {
		old.Close(true)
	}
}

// Close 释放传输会话并停止投递消息，可重复调用
//
// 返回后不会再有消息交给处理函数。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	if m.cancelAttempt != nil {
		m.cancelAttempt()
	}
	old := m.transport
	m.transport = nil
	m.generation++
	m.state = StateDisconnected
	device := m.deviceID
	m.mu.Unlock()

	if old != nil {
		old.Close(true)
	}

	// 等待在途消息处理结束
	m.delivery.Lock()
	m.handler = nil
	m.delivery.Unlock()

	m.closers.Wait()
	m.metrics.SetConnected(device, false)
	m.logger.Info("Broker connection closed", zap.String("device_id", device))
}

// Status 当前状态
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Status{
		State:       m.state,
		Connected:   m.state == StateConnected,
		BrokerIndex: m.brokerIndex,
		Attempts:    m.attempts,
		Error:       m.lastErr,
		LastMessage: m.lastMessage,
	}
	if len(m.opts.Endpoints) > 0 {
		s.Broker = m.opts.Endpoints[m.brokerIndex].URL()
	}
	return s
}

