package normalizer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"sleepsense-monitor/internal/models"

	"github.com/relvacode/iso8601"
)

var (
	// ErrMalformed 负载不是合法 JSON
	ErrMalformed = errors.New("malformed payload")
	// ErrUnrecognized 三种形态都不匹配，或缺少全部已知字段
	ErrUnrecognized = errors.New("unrecognized payload shape")
	// ErrUnknownTopic 主题后缀不是 finger/belt/status
	ErrUnknownTopic = errors.New("unknown topic")
)

// 平铺单对象形态下缺失字段的默认值
const (
	DefaultSpO2  = 96.0
	DefaultBPM   = 75.0
	DefaultECG   = 0.0
	DefaultPiezo = 0.0
)

// Shape 负载形态
type Shape int

const (
	ShapeArray   Shape = iota + 1 // [ {...}, {...} ]
	ShapeWrapped                  // { "data": [ ... ] }
	ShapeFlat                     // { "spo2": .. } 或 { "data": { "spo2": .. } }
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeWrapped:
		return "wrapped"
	case ShapeFlat:
		return "flat"
	default:
		return "unknown"
	}
}

// Kind 消息类别
type Kind string

const (
	KindFinger Kind = "finger"
	KindBelt   Kind = "belt"
	KindStatus Kind = "status"
)

// Message 规范化后的消息
type Message struct {
	Kind   Kind
	Shape  Shape
	Finger []models.FingerReading
	Belt   []models.BeltReading

	// Status 状态消息：整体覆盖设备状态
	Status *models.DeviceStatus
	// BatteryLevel 读数消息中顺带的电量，仅更新电量
	BatteryLevel *int
}

// KindFromTopic 按主题后缀判断消息类别
func KindFromTopic(topic string) (Kind, error) {
	switch {
	case strings.HasSuffix(topic, "/finger"):
		return KindFinger, nil
	case strings.HasSuffix(topic, "/belt"):
		return KindBelt, nil
	case strings.HasSuffix(topic, "/status"):
		return KindStatus, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
}

// Normalize 解析一条原始消息
//
// 依次尝试：数组形态 -> {data:[...]} 形态 -> 平铺单对象形态，都不匹配则返回 ErrUnrecognized。
// arrival 用作缺失或无法解析的时间戳。
func Normalize(topic string, payload []byte, arrival time.Time) (*Message, error) {
	kind, err := KindFromTopic(topic)
	if err != nil {
		return nil, err
	}

	var root interface{}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if kind == KindStatus {
		return parseStatus(root)
	}

	msg := &Message{Kind: kind}

	// 1. 数组形态
	if items, ok := root.([]interface{}); ok {
		msg.Shape = ShapeArray
		if err := msg.addItems(items, arrival); err != nil {
			return nil, err
		}
		return msg, nil
	}

	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, ErrUnrecognized
	}
	msg.BatteryLevel = batteryOf(obj)

	// 2. {data:[...]} 形态
	if items, ok := obj["data"].([]interface{}); ok {
		msg.Shape = ShapeWrapped
		if err := msg.addItems(items, arrival); err != nil {
			if msg.BatteryLevel != nil {
				return msg, nil
			}
			return nil, err
		}
		return msg, nil
	}

	// 3. 平铺单对象形态（字段可能在顶层，也可能在 data 对象内）
	fields := flatten(obj)
	if msg.BatteryLevel == nil {
		msg.BatteryLevel = batteryOf(fields)
	}
	msg.Shape = ShapeFlat
	if err := msg.addItems([]interface{}{fields}, arrival); err != nil {
		// 只带电量的消息仍然有效
		if msg.BatteryLevel != nil {
			return msg, nil
		}
		return nil, err
	}
	return msg, nil
}

// Len 读数条数
func (m *Message) Len() int {
	return len(m.Finger) + len(m.Belt)
}

func (m *Message) addItems(items []interface{}, arrival time.Time) error {
	for _, item := range items {
		fields, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		switch m.Kind {
		case KindFinger:
			if r, ok := fingerFrom(fields, arrival); ok {
				m.Finger = append(m.Finger, r)
			}
		case KindBelt:
			if r, ok := beltFrom(fields, arrival); ok {
				m.Belt = append(m.Belt, r)
			}
		}
	}
	if m.Len() == 0 {
		return ErrUnrecognized
	}
	return nil
}

func fingerFrom(fields map[string]interface{}, arrival time.Time) (models.FingerReading, bool) {
	spo2, hasSpO2 := number(fields["spo2"])
	bpm, hasBPM := number(fields["bpm"])
	if !hasSpO2 && !hasBPM {
		return models.FingerReading{}, false
	}
	if !hasSpO2 {
		spo2 = DefaultSpO2
	}
	if !hasBPM {
		bpm = DefaultBPM
	}
	r := models.FingerReading{
		Timestamp: timestamp(fields["timestamp"], arrival),
		SpO2:      spo2,
		BPM:       bpm,
	}
	if v, ok := number(fields["raw_ir"]); ok {
		r.RawIR = &v
	}
	if v, ok := number(fields["raw_red"]); ok {
		r.RawRed = &v
	}
	return r, true
}

func beltFrom(fields map[string]interface{}, arrival time.Time) (models.BeltReading, bool) {
	ecg, hasECG := number(fields["ecg"])
	piezo, hasPiezo := number(fields["piezoelectric_voltage"])
	if !hasECG && !hasPiezo {
		return models.BeltReading{}, false
	}
	if !hasECG {
		ecg = DefaultECG
	}
	if !hasPiezo {
		piezo = DefaultPiezo
	}
	r := models.BeltReading{
		Timestamp:            timestamp(fields["timestamp"], arrival),
		ECG:                  ecg,
		PiezoelectricVoltage: piezo,
	}
	if v, ok := number(fields["radar_amplitude"]); ok {
		r.RadarAmplitude = &v
	}
	return r, true
}

func parseStatus(root interface{}) (*Message, error) {
	obj, ok := root.(map[string]interface{})
	if !ok {
		return nil, ErrUnrecognized
	}
	fields := flatten(obj)

	battery := batteryOf(fields)
	state, hasState := fields["status"].(string)
	if battery == nil && !hasState {
		return nil, ErrUnrecognized
	}

	status := &models.DeviceStatus{Status: models.DeviceInactive}
	if battery != nil {
		status.BatteryLevel = *battery
	}
	if hasState {
		status.Status = deviceState(state)
	}
	return &Message{Kind: KindStatus, Shape: ShapeFlat, Status: status}, nil
}

// flatten 顶层字段优先，缺失时取 data 对象内的同名字段
func flatten(obj map[string]interface{}) map[string]interface{} {
	nested, ok := obj["data"].(map[string]interface{})
	if !ok {
		return obj
	}
	out := make(map[string]interface{}, len(obj)+len(nested))
	for k, v := range nested {
		out[k] = v
	}
	for k, v := range obj {
		if k == "data" {
			continue
		}
		out[k] = v
	}
	return out
}

func batteryOf(fields map[string]interface{}) *int {
	v, ok := number(fields["battery_level"])
	if !ok {
		return nil
	}
	level := int(math.Round(math.Max(0, math.Min(100, v))))
	return &level
}

func deviceState(s string) models.DeviceState {
	switch models.DeviceState(strings.ToLower(s)) {
	case models.DeviceActive:
		return models.DeviceActive
	case models.DeviceError:
		return models.DeviceError
	default:
		return models.DeviceInactive
	}
}

// number 接受 JSON 数字和数字字符串
func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	default:
		return 0, false
	}
}

// timestamp ISO-8601 字符串或毫秒时间戳，否则取到达时间
func timestamp(v interface{}, arrival time.Time) time.Time {
	switch t := v.(type) {
	case string:
		if ms, err := strconv.ParseInt(t, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
		if ts, err := iso8601.ParseString(t); err == nil {
			return ts
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms)
		}
		if f, err := t.Float64(); err == nil && f > 0 {
			return time.UnixMilli(int64(f))
		}
	}
	return arrival
}
