package models

import "time"

// Point 图表上的一个点
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Series 图表序列，每个通道独立、按时间升序
type Series struct {
	Cardiac    []Point `json:"cardiac"`
	Oxygen     []Point `json:"oxygen"`
	Mechanical []Point `json:"mechanical"`
	HeartRate  []Point `json:"heart_rate"`
	// Airflow 仅模拟数据提供
	Airflow []Point `json:"airflow,omitempty"`
}

// Len 最长通道的点数
func (s Series) Len() int {
	n := 0
	for _, ch := range [][]Point{s.Cardiac, s.Oxygen, s.Mechanical, s.HeartRate, s.Airflow} {
		if len(ch) > n {
			n = len(ch)
		}
	}
	return n
}

// DataSource 视图数据来源
type DataSource string

const (
	SourceLive       DataSource = "live"
	SourceSimulated  DataSource = "simulated"
	SourceHistorical DataSource = "historical"
)

// ConnectionView 连接状态（给界面展示用）
type ConnectionView struct {
	State       string `json:"state"`
	Connected   bool   `json:"connected"`
	Broker      string `json:"broker"`
	BrokerIndex int    `json:"broker_index"`
	Attempts    int    `json:"attempts"`
	Error       string `json:"error,omitempty"`
}

// ApneaView 呼吸暂停状态
type ApneaView struct {
	Active        bool   `json:"active"`
	DurationTicks int    `json:"duration_ticks"`
	Severity      string `json:"severity,omitempty"`
}

// View 每个显示周期生成的快照
type View struct {
	DeviceID    string           `json:"device_id"`
	Source      DataSource       `json:"source"`
	Live        bool             `json:"live"`
	Range       string           `json:"range,omitempty"`
	Connection  ConnectionView   `json:"connection"`
	Latest      *CombinedReading `json:"latest,omitempty"`
	Series      Series           `json:"series"`
	Apnea       ApneaView        `json:"apnea"`
	GeneratedAt time.Time        `json:"generated_at"`
}

// ApneaEpisode 一次完整的呼吸暂停事件（active -> inactive）
type ApneaEpisode struct {
	ID            int64      `json:"id,omitempty"`
	DeviceID      string     `json:"device_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       time.Time  `json:"ended_at"`
	DurationTicks int        `json:"duration_ticks"`
	Severity      string     `json:"severity"`
	Source        DataSource `json:"source"`
}
