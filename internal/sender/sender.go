package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"sleepsense-monitor/internal/models"

	"go.uber.org/zap"
)

const (
	// DefaultInterval 两批数据之间的间隔
	DefaultInterval = 5 * time.Second
	// DefaultDuration 模拟总时长
	DefaultDuration = time.Minute
	// DefaultBatchSize 每批读数条数（间隔 1 秒）
	DefaultBatchSize = 5
	// DefaultStatusProbability 每批附带状态消息的概率
	DefaultStatusProbability = 0.3
)

// Publisher 发布 MQTT 消息（common/mqtt.Client 满足该接口）
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Options 发送参数
type Options struct {
	DeviceID          string
	TopicPrefix       string
	QoS               byte
	Interval          time.Duration
	Duration          time.Duration
	BatchSize         int
	StatusProbability float64
}

type fingerItem struct {
	Timestamp string  `json:"timestamp"`
	SpO2      float64 `json:"spo2"`
	BPM       float64 `json:"bpm"`
}

type beltItem struct {
	Timestamp            string  `json:"timestamp"`
	ECG                  float64 `json:"ecg"`
	PiezoelectricVoltage float64 `json:"piezoelectric_voltage"`
}

type batchPayload[T any] struct {
	Data         []T    `json:"data"`
	BatteryLevel int    `json:"battery_level"`
	Timestamp    string `json:"timestamp"`
}

type statusPayload struct {
	Status       models.DeviceState `json:"status"`
	BatteryLevel int                `json:"battery_level"`
	Timestamp    string             `json:"timestamp"`
}

// Sender 测试数据发送器：按设备主题发布指夹、胸带和状态消息
type Sender struct {
	pub    Publisher
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	rng       *rand.Rand
	heartRate float64
	spo2      float64
}

// New 创建发送器；rng 为空时使用当前时间作为种子
func New(pub Publisher, opts Options, rng *rand.Rand, logger *zap.Logger) *Sender {
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "sleepsense"
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Duration <= 0 {
		opts.Duration = DefaultDuration
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.StatusProbability < 0 {
		opts.StatusProbability = 0
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Sender{
		pub:       pub,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		rng:       rng,
		heartRate: float64(70 + rng.Intn(10)),
		spo2:      float64(97 + rng.Intn(3)),
	}
}

func (s *Sender) topic(kind string) string {
	return fmt.Sprintf("%s/device/%s/%s", s.opts.TopicPrefix, s.opts.DeviceID, kind)
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Sender) publishJSON(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	if err := s.pub.Publish(topic, s.opts.QoS, false, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// SendFinger 发布一批指夹读数
func (s *Sender) SendFinger(readings []models.FingerReading, batteryLevel int) error {
	items := make([]fingerItem, 0, len(readings))
	for _, r := range readings {
		items = append(items, fingerItem{Timestamp: isoTime(r.Timestamp), SpO2: r.SpO2, BPM: r.BPM})
	}
	err := s.publishJSON(s.topic("finger"), batchPayload[fingerItem]{
		Data:         items,
		BatteryLevel: batteryLevel,
		Timestamp:    isoTime(s.now()),
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Sent finger data", zap.Int("points", len(items)))
	return nil
}

// SendBelt 发布一批胸带读数
func (s *Sender) SendBelt(readings []models.BeltReading, batteryLevel int) error {
	items := make([]beltItem, 0, len(readings))
	for _, r := range readings {
		items = append(items, beltItem{
			Timestamp:            isoTime(r.Timestamp),
			ECG:                  r.ECG,
			PiezoelectricVoltage: r.PiezoelectricVoltage,
		})
	}
	err := s.publishJSON(s.topic("belt"), batchPayload[beltItem]{
		Data:         items,
		BatteryLevel: batteryLevel,
		Timestamp:    isoTime(s.now()),
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Sent belt data", zap.Int("points", len(items)))
	return nil
}

// SendStatus 发布设备状态
func (s *Sender) SendStatus(status models.DeviceState, batteryLevel int) error {
	err := s.publishJSON(s.topic("status"), statusPayload{
		Status:       status,
		BatteryLevel: batteryLevel,
		Timestamp:    isoTime(s.now()),
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Sent device status", zap.String("status", string(status)), zap.Int("battery_level", batteryLevel))
	return nil
}

// Batch 生成一批读数：BatchSize 条，间隔 1 秒，最后一条时间为 now
//
// 心率在 [60,110] 内随机游走，血氧在 [90,100] 内随机游走。
func (s *Sender) Batch(now time.Time) ([]models.FingerReading, []models.BeltReading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.heartRate = math.Max(60, math.Min(110, s.heartRate+float64(s.rng.Intn(5)-2)))
	s.spo2 = math.Max(90, math.Min(100, s.spo2+float64(s.rng.Intn(3)-1)))

	n := s.opts.BatchSize
	finger := make([]models.FingerReading, 0, n)
	belt := make([]models.BeltReading, 0, n)
	for i := 0; i < n; i++ {
		ts := now.Add(-time.Duration(n-1-i) * time.Second)
		ms := float64(ts.UnixMilli())

		finger = append(finger, models.FingerReading{
			Timestamp: ts,
			SpO2:      s.spo2 + (s.rng.Float64() - 0.5),
			BPM:       s.heartRate + float64(s.rng.Intn(3)-1),
		})
		belt = append(belt, models.BeltReading{
			Timestamp:            ts,
			ECG:                  math.Sin(ms*0.001)*0.5 + (s.rng.Float64()*0.2 - 0.1),
			PiezoelectricVoltage: math.Sin(ms*0.0005)*0.7 + (s.rng.Float64()*0.2 - 0.1),
		})
	}
	return finger, belt
}

// statusDue 是否附带状态消息；返回随机电量 [70,95)
func (s *Sender) statusDue() (bool, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Float64() >= s.opts.StatusProbability {
		return false, 0
	}
	return true, 70 + s.rng.Intn(25)
}

// Step 发送一批数据（指夹、胸带，按概率附带状态）
func (s *Sender) Step(now time.Time) error {
	finger, belt := s.Batch(now)

	var errs []error
	if err := s.SendFinger(finger, 100); err != nil {
		errs = append(errs, err)
	}
	if err := s.SendBelt(belt, 100); err != nil {
		errs = append(errs, err)
	}
	if due, battery := s.statusDue(); due {
		if err := s.SendStatus(models.DeviceActive, battery); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Run 每隔 Interval 发送一批，直到 Duration 结束或 ctx 取消；返回发送的批数
//
// 单批发送失败只记录日志，模拟继续。
func (s *Sender) Run(ctx context.Context) (int, error) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	deadline := time.NewTimer(s.opts.Duration)
	defer deadline.Stop()

	s.logger.Info("Starting test data simulation",
		zap.String("device_id", s.opts.DeviceID),
		zap.Duration("interval", s.opts.Interval),
		zap.Duration("duration", s.opts.Duration),
	)

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return sent, ctx.Err()
		case <-deadline.C:
			s.logger.Info("Simulation completed", zap.Int("batches", sent))
			return sent, nil
		case <-ticker.C:
			if err := s.Step(s.now()); err != nil {
				s.logger.Error("Error in simulation", zap.Error(err))
				continue
			}
			sent++
		}
	}
}
