package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mqttcommon "sleepsense-monitor/common/mqtt"
	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/buffer"
	"sleepsense-monitor/internal/detector"
	"sleepsense-monitor/internal/metrics"
	"sleepsense-monitor/internal/models"
	"sleepsense-monitor/internal/normalizer"
	"sleepsense-monitor/internal/synthetic"

	"go.uber.org/zap"
)

const (
	// DefaultTickInterval 显示刷新周期
	DefaultTickInterval = time.Second
	// DefaultStaleAfter 缓冲区数据超过该时长未更新则改用模拟数据
	DefaultStaleAfter = 10 * time.Second
	// DefaultTopicPrefix 主题前缀
	DefaultTopicPrefix = "sleepsense"
	// sinkTimeout 单次写视图/事件的超时
	sinkTimeout = 2 * time.Second
)

var (
	// ErrAlreadyStarted 重复启动
	ErrAlreadyStarted = errors.New("session already started")
	// ErrStopped 会话已停止
	ErrStopped = errors.New("session stopped")
)

// ViewSink 接收每个 tick 生成的视图
type ViewSink interface {
	PutView(ctx context.Context, view *models.View) error
}

// EpisodeRecorder 记录结束的呼吸暂停事件
type EpisodeRecorder interface {
	RecordEpisode(ctx context.Context, ep models.ApneaEpisode) error
}

// Options 会话参数
type Options struct {
	TickInterval   time.Duration
	StaleAfter     time.Duration
	IdleTimeout    time.Duration
	BufferCapacity int
	Broker         broker.Options
}

// Deps 会话依赖；Views/Episodes/Metrics 可以为空
type Deps struct {
	Dialer    broker.Dialer
	Views     ViewSink
	Episodes  EpisodeRecorder
	Metrics   *metrics.Metrics
	Generator *synthetic.Generator
	Logger    *zap.Logger
}

// Session 单个设备的监测会话
//
// 持有一个连接管理器、一个缓冲区和一个检测器。Start 启动唯一的 tick goroutine；
// Stop 之后不会再有消息写入缓冲区。
type Session struct {
	deviceID string
	opts     Options
	deps     Deps
	logger   *zap.Logger
	now      func() time.Time

	store    *buffer.Store
	manager  *broker.Manager
	detector *detector.Detector // 仅 tick goroutine 访问

	mu             sync.Mutex
	live           bool
	rangeToken     string
	history        *synthetic.History
	simulated      models.Series
	view           *models.View
	source         models.DataSource
	connectedSince time.Time

	connecting atomic.Bool
	stopped    atomic.Bool
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	stopOnce   sync.Once
}

// New 创建会话（不发起连接）
func New(deviceID string, opts Options, deps Deps) *Session {
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.BufferCapacity <= 0 {
		opts.BufferCapacity = buffer.DefaultCapacity
	}
	if opts.Broker.TopicPrefix == "" {
		opts.Broker.TopicPrefix = DefaultTopicPrefix
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Generator == nil {
		deps.Generator = synthetic.New(time.Now().UnixNano())
	}
	if deps.Dialer == nil {
		deps.Dialer = broker.PahoDialer{Options: mqttcommon.DefaultOptions()}
	}

	logger := deps.Logger.With(zap.String("device_id", deviceID))
	s := &Session{
		deviceID:   deviceID,
		opts:       opts,
		deps:       deps,
		logger:     logger,
		now:        time.Now,
		store:      buffer.NewStore(opts.BufferCapacity),
		detector:   detector.New(),
		live:       true,
		rangeToken: synthetic.DefaultRange,
	}
	s.manager = broker.NewManager(opts.Broker, deps.Dialer, s.handleMessage, deps.Metrics, logger)
	return s
}

// DeviceID 设备序列号
func (s *Session) DeviceID() string {
	return s.deviceID
}

// TopicPrefix 订阅主题前缀
func (s *Session) TopicPrefix() string {
	return s.opts.Broker.TopicPrefix
}

// Live 是否处于实时模式
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Start 启动 tick goroutine，第一次 tick 立即执行
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped.Load() {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.run(runCtx)

	s.logger.Info("Monitoring session started",
		zap.Duration("tick_interval", s.opts.TickInterval),
		zap.Strings("topics", broker.Topics(s.opts.Broker.TopicPrefix, s.deviceID)),
	)
	return nil
}

// Stop 停止会话：取消 tick，关闭传输会话，等待所有 goroutine 退出。可重复调用
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped.Store(true)
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}

		s.manager.Close()
		s.wg.Wait()

		s.deps.Metrics.Forget(s.deviceID)
		s.logger.Info("Monitoring session stopped")
	})
}

// Stopped 是否已停止
func (s *Session) Stopped() bool {
	return s.stopped.Load()
}

// SetLive 切换实时/历史模式
func (s *Session) SetLive(live bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live == live {
		return
	}
	s.live = live
	if !live {
		// 重新进入历史模式时重新生成
		s.history = nil
	}
	s.logger.Info("Display mode changed", zap.Bool("live", live))
}

// SetRange 设置历史范围，未知标记按默认范围处理；返回实际使用的范围
func (s *Session) SetRange(token string) string {
	tr, ok := synthetic.ParseRange(token)
	if !ok {
		s.logger.Warn("Unknown range, using default",
			zap.String("range", token),
			zap.String("default", tr.Token),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rangeToken != tr.Token {
		s.rangeToken = tr.Token
		s.history = nil
	}
	return tr.Token
}

// Reconnect 手动重连（切换到下一个端点）
func (s *Session) Reconnect() {
	s.manager.Reconnect()
}

// SeedStatus 用外部状态初始化设备状态
func (s *Session) SeedStatus(status models.DeviceStatus) {
	if s.stopped.Load() {
		return
	}
	s.store.SetStatus(status)
}

// View 最近一次 tick 生成的视图，第一次 tick 前为 nil。返回值只读
func (s *Session) View() *models.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Connection 连接状态
func (s *Session) Connection() broker.Status {
	return s.manager.Status()
}

func (s *Session) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.tick(ctx, s.now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

// handleMessage 传输层消息入口（在 paho goroutine 中执行）
func (s *Session) handleMessage(topic string, payload []byte) {
	if s.stopped.Load() {
		return
	}

	msg, err := normalizer.Normalize(topic, payload, s.now())
	if err != nil {
		reason := "unrecognized"
		switch {
		case errors.Is(err, normalizer.ErrMalformed):
			reason = "malformed"
		case errors.Is(err, normalizer.ErrUnknownTopic):
			reason = "unknown_topic"
		}
		s.deps.Metrics.MessageDropped(reason)
		s.logger.Debug("Dropped message", zap.String("topic", topic), zap.String("reason", reason), zap.Error(err))
		return
	}
	s.deps.Metrics.MessageReceived(string(msg.Kind))

	switch {
	case msg.Status != nil:
		s.store.SetStatus(*msg.Status)
	case len(msg.Finger) > 0:
		s.store.AppendFinger(msg.Finger...)
	case len(msg.Belt) > 0:
		s.store.AppendBelt(msg.Belt...)
	}
	if msg.BatteryLevel != nil {
		s.store.SetBattery(*msg.BatteryLevel)
	}

	finger, belt := s.store.Len()
	s.deps.Metrics.SetBufferLength(s.deviceID, string(models.GroupFinger), finger)
	s.deps.Metrics.SetBufferLength(s.deviceID, string(models.GroupBelt), belt)

	s.logger.Debug("Message applied",
		zap.String("topic", topic),
		zap.String("shape", msg.Shape.String()),
		zap.Int("readings", msg.Len()),
	)
}
