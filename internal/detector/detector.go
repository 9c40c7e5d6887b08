package detector

import (
	"time"

	"sleepsense-monitor/internal/models"
)

const (
	// WindowSize 检测窗口：最近 5 个血氧样本
	WindowSize = 5
	// DropThreshold 窗口内最早样本减最新样本超过该值（百分点）判定为呼吸暂停
	DropThreshold = 4.0
)

// Severity 严重程度标签
type Severity string

const (
	SeverityMild     Severity = "mild"
	SeverityModerate Severity = "moderate"
	SeveritySevere   Severity = "severe"
)

// SeverityFor 按持续 tick 数给出严重程度：<10 轻度，10-19 中度，>=20 重度
func SeverityFor(durationTicks int) Severity {
	switch {
	case durationTicks < 10:
		return SeverityMild
	case durationTicks < 20:
		return SeverityModerate
	default:
		return SeveritySevere
	}
}

// State 呼吸暂停状态
type State struct {
	Active        bool
	DurationTicks int
}

// Episode 刚结束的一次事件
type Episode struct {
	StartedAt     time.Time
	EndedAt       time.Time
	DurationTicks int
}

// Result 单次 tick 的检测结果
type Result struct {
	State State
	// Ended 本次 tick 由 active 变为 inactive 时非空
	Ended *Episode
}

// Detector 基于阈值的呼吸暂停启发式检测器
//
// 不做去抖：条件满足的第一个 tick 即判定为 active，条件消失立即归零。
// 非并发安全，由会话的 tick goroutine 独占。
type Detector struct {
	state     State
	startedAt time.Time
}

// New 创建检测器
func New() *Detector {
	return &Detector{}
}

// Tick 用血氧序列最近 WindowSize 个样本重新计算状态
//
// 样本不足 WindowSize 个时视为 inactive。
func (d *Detector) Tick(oxygen []models.Point, now time.Time) Result {
	var res Result

	if Dropped(oxygen) {
		if !d.state.Active {
			d.startedAt = now
		}
		d.state.Active = true
		d.state.DurationTicks++
	} else {
		if d.state.Active {
			res.Ended = &Episode{
				StartedAt:     d.startedAt,
				EndedAt:       now,
				DurationTicks: d.state.DurationTicks,
			}
		}
		d.state = State{}
		d.startedAt = time.Time{}
	}

	res.State = d.state
	return res
}

// State 当前状态
func (d *Detector) State() State {
	return d.state
}

// Reset 清空状态（切换数据来源时使用），不产生事件
func (d *Detector) Reset() {
	d.state = State{}
	d.startedAt = time.Time{}
}

// Dropped 最近 WindowSize 个样本中最早值减最新值是否超过 DropThreshold
func Dropped(oxygen []models.Point) bool {
	if len(oxygen) < WindowSize {
		return false
	}
	window := oxygen[len(oxygen)-WindowSize:]
	earliest := window[0].Value
	latest := window[len(window)-1].Value
	return earliest-latest > DropThreshold
}
