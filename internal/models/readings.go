package models

import "time"

// Channel 传感器逻辑通道
type Channel string

const (
	ChannelCardiac    Channel = "cardiac"    // ECG 波形（mV）
	ChannelOxygen     Channel = "oxygen"     // 血氧饱和度（%）
	ChannelMechanical Channel = "mechanical" // 压电/胸带运动（mV）
	ChannelHeartRate  Channel = "heartRate"  // 心率（bpm）
)

// Group 传感器物理分组
type Group string

const (
	GroupFinger Group = "finger" // 指夹：血氧 + 心率
	GroupBelt   Group = "belt"   // 胸带：ECG + 压电
)

// SensorReading 单一通道的单次测量
type SensorReading struct {
	Timestamp time.Time
	Channel   Channel
	Value     float64
}

// FingerReading 指夹组读数
type FingerReading struct {
	Timestamp time.Time `json:"timestamp"`
	SpO2      float64   `json:"spo2"`
	BPM       float64   `json:"bpm"`
	RawIR     *float64  `json:"raw_ir,omitempty"`
	RawRed    *float64  `json:"raw_red,omitempty"`
}

// Readings 拆分为按通道的读数
func (r FingerReading) Readings() []SensorReading {
	return []SensorReading{
		{Timestamp: r.Timestamp, Channel: ChannelOxygen, Value: r.SpO2},
		{Timestamp: r.Timestamp, Channel: ChannelHeartRate, Value: r.BPM},
	}
}

// BeltReading 胸带组读数
type BeltReading struct {
	Timestamp            time.Time `json:"timestamp"`
	ECG                  float64   `json:"ecg"`
	PiezoelectricVoltage float64   `json:"piezoelectric_voltage"`
	RadarAmplitude       *float64  `json:"radar_amplitude,omitempty"`
}

// Readings 拆分为按通道的读数
func (r BeltReading) Readings() []SensorReading {
	return []SensorReading{
		{Timestamp: r.Timestamp, Channel: ChannelCardiac, Value: r.ECG},
		{Timestamp: r.Timestamp, Channel: ChannelMechanical, Value: r.PiezoelectricVoltage},
	}
}

// DeviceState 设备连接状态
type DeviceState string

const (
	DeviceActive   DeviceState = "active"
	DeviceInactive DeviceState = "inactive"
	DeviceError    DeviceState = "error"
)

// DeviceStatus 设备状态快照（整体覆盖，不做字段合并）
type DeviceStatus struct {
	BatteryLevel int         `json:"battery_level"`
	Status       DeviceState `json:"status"`
}

// CombinedReading 合并后的最新读数；缺失的组字段为 nil
type CombinedReading struct {
	Timestamp            time.Time    `json:"timestamp"`
	SpO2                 *float64     `json:"spo2,omitempty"`
	BPM                  *float64     `json:"bpm,omitempty"`
	RawIR                *float64     `json:"raw_ir,omitempty"`
	RawRed               *float64     `json:"raw_red,omitempty"`
	ECG                  *float64     `json:"ecg,omitempty"`
	PiezoelectricVoltage *float64     `json:"piezoelectric_voltage,omitempty"`
	RadarAmplitude       *float64     `json:"radar_amplitude,omitempty"`
	Status               DeviceStatus `json:"device_status"`
}
