package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 监测管线的 Prometheus 指标
//
// 所有方法对 nil 接收者安全，未启用指标时直接传 nil。
type Metrics struct {
	messagesReceived *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	connectAttempts  *prometheus.CounterVec
	brokerRotations  *prometheus.CounterVec
	connected        *prometheus.GaugeVec
	bufferLength     *prometheus.GaugeVec
	dataSource       *prometheus.GaugeVec
	apneaTicks       *prometheus.CounterVec
	apneaEpisodes    *prometheus.CounterVec
	sinkErrors       *prometheus.CounterVec
}

// New 创建并注册指标
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		messagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_messages_received_total",
			Help: "Broker messages normalized into readings or status updates.",
		}, []string{"kind"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_messages_dropped_total",
			Help: "Broker messages dropped by the normalizer.",
		}, []string{"reason"}),
		connectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_broker_connect_attempts_total",
			Help: "Connection attempts per broker endpoint and outcome.",
		}, []string{"broker", "outcome"}),
		brokerRotations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_broker_rotations_total",
			Help: "Times the connection manager advanced to the next broker candidate.",
		}, []string{"reason"}),
		connected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sleepsense_broker_connected",
			Help: "1 when the device session holds a live broker connection.",
		}, []string{"device"}),
		bufferLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sleepsense_buffer_length",
			Help: "Readings held in the rolling buffer per sensor group.",
		}, []string{"device", "group"}),
		dataSource: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sleepsense_data_source",
			Help: "1 for the data source currently driving the device view.",
		}, []string{"device", "source"}),
		apneaTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_apnea_active_ticks_total",
			Help: "Display ticks on which the apnea heuristic was active.",
		}, []string{"device"}),
		apneaEpisodes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_apnea_episodes_total",
			Help: "Completed apnea episodes by severity.",
		}, []string{"device", "severity"}),
		sinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sleepsense_sink_errors_total",
			Help: "Failures writing views or episodes to Redis or PostgreSQL.",
		}, []string{"target"}),
	}

	reg.MustRegister(
		m.messagesReceived,
		m.messagesDropped,
		m.connectAttempts,
		m.brokerRotations,
		m.connected,
		m.bufferLength,
		m.dataSource,
		m.apneaTicks,
		m.apneaEpisodes,
		m.sinkErrors,
	)
	return m
}

func (m *Metrics) MessageReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(kind).Inc()
}

func (m *Metrics) MessageDropped(reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ConnectAttempt(broker, outcome string) {
	if m == nil {
		return
	}
	m.connectAttempts.WithLabelValues(broker, outcome).Inc()
}

func (m *Metrics) BrokerRotated(reason string) {
	if m == nil {
		return
	}
	m.brokerRotations.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetConnected(device string, connected bool) {
	if m == nil {
		return
	}
	v := 0.0
	if connected {
		v = 1
	}
	m.connected.WithLabelValues(device).Set(v)
}

func (m *Metrics) SetBufferLength(device, group string, n int) {
	if m == nil {
		return
	}
	m.bufferLength.WithLabelValues(device, group).Set(float64(n))
}

// SetDataSource 当前来源置 1，其余置 0
func (m *Metrics) SetDataSource(device, source string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == source {
			v = 1
		}
		m.dataSource.WithLabelValues(device, s).Set(v)
	}
}

func (m *Metrics) ApneaTick(device string) {
	if m == nil {
		return
	}
	m.apneaTicks.WithLabelValues(device).Inc()
}

func (m *Metrics) ApneaEpisode(device, severity string) {
	if m == nil {
		return
	}
	m.apneaEpisodes.WithLabelValues(device, severity).Inc()
}

func (m *Metrics) SinkError(target string) {
	if m == nil {
		return
	}
	m.sinkErrors.WithLabelValues(target).Inc()
}

// Forget 会话结束时移除该设备的标签
func (m *Metrics) Forget(device string) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{"device": device}
	m.connected.DeletePartialMatch(labels)
	m.bufferLength.DeletePartialMatch(labels)
	m.dataSource.DeletePartialMatch(labels)
	m.apneaTicks.DeletePartialMatch(labels)
	m.apneaEpisodes.DeletePartialMatch(labels)
}
