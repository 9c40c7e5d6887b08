package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sleepsense-monitor/internal/api"
	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/metrics"
	"sleepsense-monitor/internal/models"
	"sleepsense-monitor/internal/session"

	"go.uber.org/zap"
)

var (
	// ErrInvalidSerial 设备序列号为空或包含非法字符
	ErrInvalidSerial = errors.New("invalid device serial")
	// ErrNotMounted 设备未挂载
	ErrNotMounted = errors.New("device not mounted")
	// ErrShutdown 服务已关闭
	ErrShutdown = errors.New("monitor service shut down")
)

// ProfileSource 提供设备档案（REST 后端）
type ProfileSource interface {
	FindDevice(ctx context.Context, serial string) (*api.Device, error)
}

// ViewRemover 卸载时清理视图缓存
type ViewRemover interface {
	DeleteView(ctx context.Context, deviceID string) error
}

// Options 服务参数
type Options struct {
	Session         session.Options
	SeedFromProfile bool
}

// Deps 服务依赖；除 Logger 外均可为空
type Deps struct {
	Dialer   broker.Dialer
	Views    session.ViewSink
	Episodes session.EpisodeRecorder
	Profiles ProfileSource
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Monitor 监测服务：按设备序列号管理监测会话
type Monitor struct {
	opts   Options
	deps   Deps
	logger *zap.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// NewMonitor 创建监测服务
func NewMonitor(opts Options, deps Deps) *Monitor {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		opts:     opts,
		deps:     deps,
		logger:   deps.Logger,
		baseCtx:  ctx,
		cancel:   cancel,
		sessions: make(map[string]*session.Session),
	}
}

// Mount 挂载设备并启动会话；已挂载时返回现有会话
//
// ctx 只用于挂载过程（查询档案），会话生命周期由 Unmount/Shutdown 控制。
func (m *Monitor) Mount(ctx context.Context, serial string) (*session.Session, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" || strings.ContainsAny(serial, "/+#") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSerial, serial)
	}
	if len(m.opts.Session.Broker.Endpoints) == 0 {
		return nil, broker.ErrNoEndpoints
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if s, ok := m.sessions[serial]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := session.New(serial, m.opts.Session, session.Deps{
		Dialer:   m.deps.Dialer,
		Views:    m.deps.Views,
		Episodes: m.deps.Episodes,
		Metrics:  m.deps.Metrics,
		Logger:   m.logger,
	})
	m.sessions[serial] = s
	m.mu.Unlock()

	if m.opts.SeedFromProfile && m.deps.Profiles != nil {
		m.seedStatus(ctx, s)
	}

	if err := s.Start(m.baseCtx); err != nil {
		m.mu.Lock()
		if m.sessions[serial] == s {
			delete(m.sessions, serial)
		}
		m.mu.Unlock()
		s.Stop()
		return nil, fmt.Errorf("failed to start session for %s: %w", serial, err)
	}

	m.logger.Info("Device mounted", zap.String("device_id", serial))
	return s, nil
}

// seedStatus 用 REST 档案中的电量与状态初始化设备状态；失败只记录日志
func (m *Monitor) seedStatus(ctx context.Context, s *session.Session) {
	device, err := m.deps.Profiles.FindDevice(ctx, s.DeviceID())
	if err != nil {
		m.logger.Warn("Failed to seed device status from profile",
			zap.String("device_id", s.DeviceID()),
			zap.Error(err),
		)
		return
	}
	s.SeedStatus(StatusFromProfile(device))
}

// StatusFromProfile 把档案中的设备信息转换为设备状态
func StatusFromProfile(d *api.Device) models.DeviceStatus {
	st := models.DeviceStatus{Status: models.DeviceInactive}
	if d.BatteryLevel != nil {
		level := *d.BatteryLevel
		if level < 0 {
			level = 0
		}
		if level > 100 {
			level = 100
		}
		st.BatteryLevel = level
	}
	switch strings.ToLower(d.Status) {
	case string(models.DeviceActive):
		st.Status = models.DeviceActive
	case string(models.DeviceError):
		st.Status = models.DeviceError
	}
	return st
}

// Unmount 停止并移除会话
func (m *Monitor) Unmount(ctx context.Context, serial string) error {
	m.mu.Lock()
	s, ok := m.sessions[serial]
	if ok {
		delete(m.sessions, serial)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMounted, serial)
	}

	s.Stop()
	if remover, ok := m.deps.Views.(ViewRemover); ok {
		if err := remover.DeleteView(ctx, serial); err != nil {
			m.logger.Warn("Failed to delete cached view", zap.String("device_id", serial), zap.Error(err))
		}
	}

	m.logger.Info("Device unmounted", zap.String("device_id", serial))
	return nil
}

// Session 查找会话
func (m *Monitor) Session(serial string) (*session.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[serial]
	return s, ok
}

// Devices 已挂载的设备序列号（升序）
func (m *Monitor) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for serial := range m.sessions {
		out = append(out, serial)
	}
	sort.Strings(out)
	return out
}

// Shutdown 停止所有会话，之后不能再挂载。可重复调用
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sessions := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session.Session)
	m.mu.Unlock()

	m.cancel()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *session.Session) {
			defer wg.Done()
			s.Stop()
		}(s)
	}
	wg.Wait()

	m.logger.Info("Monitor service stopped", zap.Int("sessions", len(sessions)))
}
