package projector

import (
	"sort"
	"time"

	"sleepsense-monitor/internal/models"
)

// MergeWindow 两组读数时间差小于该值才合并
const MergeWindow = 1000 * time.Millisecond

// Latest 合并两组最近到达的读数
//
// 时间戳较新的一组为主（相等时以指夹组为主），另一组只有在时间差小于 MergeWindow 时才并入，
// 否则视为过期丢弃。两组都为空时返回 nil。
func Latest(finger []models.FingerReading, belt []models.BeltReading, status models.DeviceStatus) *models.CombinedReading {
	if len(finger) == 0 && len(belt) == 0 {
		return nil
	}

	out := &models.CombinedReading{Status: status}

	switch {
	case len(belt) == 0:
		applyFinger(out, finger[len(finger)-1])
		out.Timestamp = finger[len(finger)-1].Timestamp
	case len(finger) == 0:
		applyBelt(out, belt[len(belt)-1])
		out.Timestamp = belt[len(belt)-1].Timestamp
	default:
		f := finger[len(finger)-1]
		b := belt[len(belt)-1]
		near := withinWindow(f.Timestamp, b.Timestamp)

		if !f.Timestamp.Before(b.Timestamp) {
			out.Timestamp = f.Timestamp
			applyFinger(out, f)
			if near {
				applyBelt(out, b)
			}
		} else {
			out.Timestamp = b.Timestamp
			applyBelt(out, b)
			if near {
				applyFinger(out, f)
			}
		}
	}
	return out
}

// ChartSeries 把两组缓冲区按时间排序后拆成各通道的图表序列
//
// 输入相同则输出相同；时间戳相同的点保持原有相对顺序（指夹组在前）。
func ChartSeries(finger []models.FingerReading, belt []models.BeltReading) models.Series {
	union := make([]models.SensorReading, 0, 2*(len(finger)+len(belt)))
	for _, r := range finger {
		union = append(union, r.Readings()...)
	}
	for _, r := range belt {
		union = append(union, r.Readings()...)
	}
	sort.SliceStable(union, func(i, j int) bool {
		return union[i].Timestamp.Before(union[j].Timestamp)
	})

	series := models.Series{
		Cardiac:    make([]models.Point, 0, len(belt)),
		Oxygen:     make([]models.Point, 0, len(finger)),
		Mechanical: make([]models.Point, 0, len(belt)),
		HeartRate:  make([]models.Point, 0, len(finger)),
	}
	for _, r := range union {
		p := models.Point{Time: r.Timestamp, Value: r.Value}
		switch r.Channel {
		case models.ChannelCardiac:
			series.Cardiac = append(series.Cardiac, p)
		case models.ChannelOxygen:
			series.Oxygen = append(series.Oxygen, p)
		case models.ChannelMechanical:
			series.Mechanical = append(series.Mechanical, p)
		case models.ChannelHeartRate:
			series.HeartRate = append(series.HeartRate, p)
		}
	}
	return series
}

func applyFinger(out *models.CombinedReading, r models.FingerReading) {
	spo2, bpm := r.SpO2, r.BPM
	out.SpO2 = &spo2
	out.BPM = &bpm
	out.RawIR = copyFloat(r.RawIR)
	out.RawRed = copyFloat(r.RawRed)
}

func applyBelt(out *models.CombinedReading, r models.BeltReading) {
	ecg, piezo := r.ECG, r.PiezoelectricVoltage
	out.ECG = &ecg
	out.PiezoelectricVoltage = &piezo
	out.RadarAmplitude = copyFloat(r.RadarAmplitude)
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// withinWindow Sub 在相差约 292 年以上时饱和到 MinInt64/MaxInt64，不能取绝对值
func withinWindow(a, b time.Time) bool {
	d := a.Sub(b)
	return d > -MergeWindow && d < MergeWindow
}
