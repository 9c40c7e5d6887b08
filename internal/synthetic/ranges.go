package synthetic

import "time"

// TimeRange 历史视图时间范围
type TimeRange struct {
	Token    string
	Duration time.Duration
	Interval time.Duration
}

// Points 该范围内的采样点数
func (r TimeRange) Points() int {
	if r.Interval <= 0 {
		return 0
	}
	return int(r.Duration / r.Interval)
}

// DefaultRange 未知范围时使用 1 小时
const DefaultRange = "1h"

var ranges = map[string]TimeRange{
	"10m": {Token: "10m", Duration: 10 * time.Minute, Interval: 500 * time.Millisecond},
	"30m": {Token: "30m", Duration: 30 * time.Minute, Interval: time.Second},
	"1h":  {Token: "1h", Duration: time.Hour, Interval: 2 * time.Second},
	"3h":  {Token: "3h", Duration: 3 * time.Hour, Interval: 5 * time.Second},
	"8h":  {Token: "8h", Duration: 8 * time.Hour, Interval: 10 * time.Second},
}

// ParseRange 解析范围标记；未知标记返回 1 小时范围且 ok 为 false
func ParseRange(token string) (TimeRange, bool) {
	if tr, ok := ranges[token]; ok {
		return tr, true
	}
	return ranges[DefaultRange], false
}

// RangeTokens 支持的范围标记（从短到长）
func RangeTokens() []string {
	return []string{"10m", "30m", "1h", "3h", "8h"}
}

// InApneaWindow 历史序列中第 i 个点是否处于固定的模拟呼吸暂停区间
//
// 区间按下标固定放置：所有范围 i%800 在 (650,720)，1 小时范围另有 (1000,1200) 和 (2400,2550)。
func InApneaWindow(token string, i int) bool {
	if token == "1h" && ((i > 1000 && i < 1200) || (i > 2400 && i < 2550)) {
		return true
	}
	m := i % 800
	return m > 650 && m < 720
}
