package buffer

import (
	"sync"
	"time"

	"sleepsense-monitor/internal/models"
)

// Store 单个监测会话的滚动缓冲区与设备状态
//
// 指夹组和胸带组各自独立缓冲，两路数据到达节奏不同。
// 传输层回调在其他 goroutine 中执行，所有访问都经过互斥锁。
type Store struct {
	mu         sync.RWMutex
	finger     *Rolling[models.FingerReading]
	belt       *Rolling[models.BeltReading]
	status     models.DeviceStatus
	lastAppend time.Time
	now        func() time.Time
}

// NewStore 创建缓冲区
func NewStore(capacity int) *Store {
	return &Store{
		finger: NewRolling[models.FingerReading](capacity),
		belt:   NewRolling[models.BeltReading](capacity),
		status: models.DeviceStatus{Status: models.DeviceInactive},
		now:    time.Now,
	}
}

// AppendFinger 追加指夹组读数
func (s *Store) AppendFinger(readings ...models.FingerReading) {
	if len(readings) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finger.Append(readings...)
	s.lastAppend = s.now()
}

// AppendBelt 追加胸带组读数
func (s *Store) AppendBelt(readings ...models.BeltReading) {
	if len(readings) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.belt.Append(readings...)
	s.lastAppend = s.now()
}

// Finger 指夹组当前内容（副本，按到达顺序）
func (s *Store) Finger() []models.FingerReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finger.Snapshot()
}

// Belt 胸带组当前内容（副本，按到达顺序）
func (s *Store) Belt() []models.BeltReading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.belt.Snapshot()
}

// SetStatus 整体覆盖设备状态
func (s *Store) SetStatus(status models.DeviceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
}

// SetBattery 只更新电量，不改变连接状态
func (s *Store) SetBattery(level int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.BatteryLevel = level
}

// Status 设备状态快照
func (s *Store) Status() models.DeviceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// LastAppend 最近一次追加读数的本地时间，从未追加时为零值
func (s *Store) LastAppend() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastAppend
}

// Len 两组缓冲区的条数
func (s *Store) Len() (finger, belt int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finger.Len(), s.belt.Len()
}

// Fresh 在 maxAge 内有过追加
func (s *Store) Fresh(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastAppend.IsZero() {
		return false
	}
	return s.now().Sub(s.lastAppend) <= maxAge
}
