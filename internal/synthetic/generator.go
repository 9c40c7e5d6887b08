package synthetic

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"sleepsense-monitor/internal/models"
)

// Sample 一次模拟实时采样
type Sample struct {
	Timestamp time.Time
	ECG       float64
	Oxygen    float64
	Thorax    float64
	Breathing float64
	HeartRate float64
	Apnea     bool
}

// History 历史视图序列
type History struct {
	Range  TimeRange
	Series models.Series
	// Apnea 与序列下标一一对应，标记模拟呼吸暂停区间
	Apnea []bool
}

// Generator 模拟数据生成器
//
// 实时采样由单调计数器驱动，每次调用加一；噪声来源可注入以便测试。
type Generator struct {
	mu      sync.Mutex
	rng     *rand.Rand
	counter int
}

// New 创建生成器
func New(seed int64) *Generator {
	return NewWithRand(rand.New(rand.NewSource(seed)))
}

// NewWithRand 使用指定随机源创建生成器
func NewWithRand(rng *rand.Rand) *Generator {
	return &Generator{rng: rng}
}

// noise 区间 [-scale/2, scale/2) 的均匀噪声，调用方需持有锁
func (g *Generator) noise(scale float64) float64 {
	return (g.rng.Float64() - 0.5) * scale
}

// LiveSample 生成一个实时采样点
//
// 计数器 mod 60 落在 [40,50] 时为模拟呼吸暂停：血氧下探，气流变平。
func (g *Generator) LiveSample(now time.Time) Sample {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := float64(g.counter % 60)
	apnea := g.counter%60 >= 40 && g.counter%60 <= 50
	minute := float64(g.counter / 60)
	g.counter++

	ecg := math.Sin(s*0.8)*0.6 + math.Sin(s*2.5)*0.3 + g.noise(0.15)

	oxygen := 97 + math.Sin(s*0.1)*0.7 + g.noise(0.4)
	if apnea {
		oxygen = math.Max(91, oxygen-5*math.Sin(math.Mod(s, 10)*0.5))
	}

	thorax := math.Sin(s*0.3)*0.8 + g.noise(0.2)

	var breathing float64
	if apnea {
		breathing = thorax*0.2 + g.noise(0.1)
	} else {
		breathing = thorax*1.1 + g.noise(0.15)
	}

	heartRate := 60 + math.Round(math.Sin(minute*0.1)*5+g.noise(3))

	return Sample{
		Timestamp: now,
		ECG:       ecg,
		Oxygen:    oxygen,
		Thorax:    thorax,
		Breathing: breathing,
		HeartRate: heartRate,
		Apnea:     apnea,
	}
}

// Roll 把采样追加到滚动序列末尾，每个通道最多保留 limit 个点
func Roll(series models.Series, s Sample, limit int) models.Series {
	series.Cardiac = rollPoints(series.Cardiac, models.Point{Time: s.Timestamp, Value: s.ECG}, limit)
	series.Oxygen = rollPoints(series.Oxygen, models.Point{Time: s.Timestamp, Value: s.Oxygen}, limit)
	series.Mechanical = rollPoints(series.Mechanical, models.Point{Time: s.Timestamp, Value: s.Thorax}, limit)
	series.HeartRate = rollPoints(series.HeartRate, models.Point{Time: s.Timestamp, Value: s.HeartRate}, limit)
	series.Airflow = rollPoints(series.Airflow, models.Point{Time: s.Timestamp, Value: s.Breathing}, limit)
	return series
}

func rollPoints(points []models.Point, p models.Point, limit int) []models.Point {
	out := make([]models.Point, 0, len(points)+1)
	out = append(out, points...)
	out = append(out, p)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// HistoricalSeries 生成截止到 now 的整段历史序列
//
// 未知范围标记按 1 小时处理。呼吸暂停区间按下标固定放置，同一范围每次生成的位置相同。
func (g *Generator) HistoricalSeries(token string, now time.Time) History {
	tr, _ := ParseRange(token)
	total := tr.Points()

	h := History{
		Range: tr,
		Series: models.Series{
			Cardiac:    make([]models.Point, total),
			Oxygen:     make([]models.Point, total),
			Mechanical: make([]models.Point, total),
			HeartRate:  make([]models.Point, total),
			Airflow:    make([]models.Point, total),
		},
		Apnea: make([]bool, total),
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for i := 0; i < total; i++ {
		ts := now.Add(-time.Duration(total-i) * tr.Interval)
		apnea := InApneaWindow(tr.Token, i)
		h.Apnea[i] = apnea

		h.Series.Cardiac[i] = models.Point{Time: ts, Value: g.historicalECG(i)}
		h.Series.Oxygen[i] = models.Point{Time: ts, Value: g.historicalOxygen(i, apnea)}
		h.Series.Mechanical[i] = models.Point{Time: ts, Value: g.historicalThoracic(i, apnea)}
		h.Series.HeartRate[i] = models.Point{Time: ts, Value: g.historicalHeartRate(i, apnea)}
		h.Series.Airflow[i] = models.Point{Time: ts, Value: g.historicalBreathing(i, apnea)}
	}
	return h
}

func (g *Generator) historicalECG(i int) float64 {
	x := float64(i)
	base := math.Sin(x*0.3)*0.5 + math.Sin(x*0.6)*0.2*math.Pow(math.Sin(x*0.3), 2)
	v := base + g.noise(0.08)
	if i%50 == 0 {
		v += g.noise(0.8)
	}
	return v
}

func (g *Generator) historicalOxygen(i int, apnea bool) float64 {
	x := float64(i)
	v := 96 + math.Sin(x*0.05)*1.5 + g.noise(0.4)
	if apnea {
		cycle := float64(i%70) / 70
		v -= math.Pow(math.Sin(cycle*math.Pi), 2) * 5
	}
	return math.Min(100, math.Max(88, v))
}

func (g *Generator) historicalThoracic(i int, apnea bool) float64 {
	x := float64(i)
	v := math.Sin(x*0.1)*0.7 + math.Sin(x*0.02)*0.15 + g.noise(0.1)
	if apnea {
		v += math.Sin(x*0.15)*0.3 - 0.3
	}
	return v
}

func (g *Generator) historicalBreathing(i int, apnea bool) float64 {
	x := float64(i)
	base := math.Sin(x*0.1) * 0.8
	v := base + math.Sin(x*0.03)*0.2 + g.noise(0.15)
	if apnea {
		v -= base * 0.9
	}
	return v
}

// historicalHeartRate 呼吸暂停期间心率略有上升
func (g *Generator) historicalHeartRate(i int, apnea bool) float64 {
	x := float64(i)
	v := 62 + math.Sin(x*0.01)*4 + g.noise(2)
	if apnea {
		v += 6
	}
	return math.Round(v)
}
