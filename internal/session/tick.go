package session

import (
	"context"
	"time"

	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/detector"
	"sleepsense-monitor/internal/models"
	"sleepsense-monitor/internal/projector"
	"sleepsense-monitor/internal/synthetic"

	"go.uber.org/zap"
)

var allSources = []string{
	string(models.SourceLive),
	string(models.SourceSimulated),
	string(models.SourceHistorical),
}

// tick 一个显示周期
//
// 1. 未连接则发起连接（受节流限制）
// 2. 已连接但长时间无消息则重连
// 3. 生成图表序列：新鲜的实时数据 / 模拟数据 / 历史数据
// 4. 在实时或模拟的血氧序列上运行检测器
// 5. 发布视图，结束的事件交给记录器
func (s *Session) tick(ctx context.Context, now time.Time) {
	if s.stopped.Load() {
		return
	}

	conn := s.checkConnection(ctx, now)

	s.mu.Lock()
	live := s.live
	rangeToken := s.rangeToken
	prevSource := s.source
	s.mu.Unlock()

	view := &models.View{
		DeviceID:    s.deviceID,
		Live:        live,
		Connection:  connectionView(conn),
		GeneratedAt: now,
	}

	if live {
		if s.store.Fresh(s.opts.StaleAfter) {
			finger, belt := s.store.Finger(), s.store.Belt()
			view.Source = models.SourceLive
			view.Series = projector.ChartSeries(finger, belt)
			view.Latest = projector.Latest(finger, belt, s.store.Status())
		} else {
			sample := s.deps.Generator.LiveSample(now)
			s.mu.Lock()
			if prevSource != models.SourceSimulated {
				s.simulated = models.Series{}
			}
			s.simulated = synthetic.Roll(s.simulated, sample, s.opts.BufferCapacity)
			view.Series = s.simulated
			s.mu.Unlock()
			view.Source = models.SourceSimulated
			view.Latest = simulatedReading(sample, s.store.Status())
		}

		if view.Source != prevSource {
			// 数据来源切换时不延续上一段的检测状态
			s.detector.Reset()
		}
		res := s.detector.Tick(view.Series.Oxygen, now)
		view.Apnea = apneaView(res.State)
		if res.State.Active {
			s.deps.Metrics.ApneaTick(s.deviceID)
		}
		if res.Ended != nil {
			s.recordEpisode(ctx, res.Ended, view.Source)
		}
	} else {
		view.Source = models.SourceHistorical
		view.Range = rangeToken
		view.Series = s.historySeries(rangeToken, now)
		if prevSource != models.SourceHistorical {
			s.detector.Reset()
		}
	}

	if view.Source != prevSource {
		s.logger.Info("Data source changed",
			zap.String("from", string(prevSource)),
			zap.String("to", string(view.Source)),
		)
	}
	s.deps.Metrics.SetDataSource(s.deviceID, string(view.Source), allSources)

	s.mu.Lock()
	s.source = view.Source
	s.view = view
	s.mu.Unlock()

	s.publishView(ctx, view)
}

// checkConnection 步骤 1、2
func (s *Session) checkConnection(ctx context.Context, now time.Time) broker.Status {
	conn := s.manager.Status()

	s.mu.Lock()
	if !conn.Connected {
		s.connectedSince = time.Time{}
	} else if s.connectedSince.IsZero() {
		s.connectedSince = now
	}
	since := s.connectedSince
	s.mu.Unlock()

	switch {
	case !conn.Connected && conn.State != broker.StateConnecting:
		s.connectAsync(ctx)
	case conn.Connected && s.opts.IdleTimeout > 0:
		last := conn.LastMessage
		if last.Before(since) {
			last = since
		}
		if now.Sub(last) > s.opts.IdleTimeout {
			s.logger.Warn("No messages received, reconnecting",
				zap.Duration("idle", now.Sub(last)),
				zap.String("broker", conn.Broker),
			)
			s.manager.Reconnect()
			conn = s.manager.Status()
		}
	}
	return conn
}

// connectAsync 握手最长 ConnectTimeout，放到单独的 goroutine 中，不阻塞显示周期
func (s *Session) connectAsync(ctx context.Context) {
	if !s.connecting.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.connecting.Store(false)
		s.manager.Connect(ctx, s.deviceID)
	}()
}

func (s *Session) historySeries(token string, now time.Time) models.Series {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.history == nil || s.history.Range.Token != token {
		h := s.deps.Generator.HistoricalSeries(token, now)
		s.history = &h
		s.logger.Debug("Generated historical series",
			zap.String("range", token),
			zap.Int("points", h.Range.Points()),
		)
	}
	return s.history.Series
}

func (s *Session) recordEpisode(ctx context.Context, ended *detector.Episode, source models.DataSource) {
	ep := models.ApneaEpisode{
		DeviceID:      s.deviceID,
		StartedAt:     ended.StartedAt,
		EndedAt:       ended.EndedAt,
		DurationTicks: ended.DurationTicks,
		Severity:      string(detector.SeverityFor(ended.DurationTicks)),
		Source:        source,
	}
	s.deps.Metrics.ApneaEpisode(s.deviceID, ep.Severity)
	s.logger.Info("Apnea episode ended",
		zap.Int("duration_ticks", ep.DurationTicks),
		zap.String("severity", ep.Severity),
		zap.String("source", string(ep.Source)),
	)

	if s.deps.Episodes == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := s.deps.Episodes.RecordEpisode(sinkCtx, ep); err != nil {
		s.deps.Metrics.SinkError("episode")
		s.logger.Error("Failed to record apnea episode", zap.Error(err))
	}
}

func (s *Session) publishView(ctx context.Context, view *models.View) {
	if s.deps.Views == nil {
		return
	}
	sinkCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()
	if err := s.deps.Views.PutView(sinkCtx, view); err != nil {
		s.deps.Metrics.SinkError("view")
		s.logger.Warn("Failed to publish view", zap.Error(err))
	}
}

func connectionView(st broker.Status) models.ConnectionView {
	return models.ConnectionView{
		State:       string(st.State),
		Connected:   st.Connected,
		Broker:      st.Broker,
		BrokerIndex: st.BrokerIndex,
		Attempts:    st.Attempts,
		Error:       st.Error,
	}
}

func apneaView(st detector.State) models.ApneaView {
	v := models.ApneaView{Active: st.Active, DurationTicks: st.DurationTicks}
	if st.Active {
		v.Severity = string(detector.SeverityFor(st.DurationTicks))
	}
	return v
}

func simulatedReading(sample synthetic.Sample, status models.DeviceStatus) *models.CombinedReading {
	spo2 := sample.Oxygen
	bpm := sample.HeartRate
	ecg := sample.ECG
	thorax := sample.Thorax
	return &models.CombinedReading{
		Timestamp:            sample.Timestamp,
		SpO2:                 &spo2,
		BPM:                  &bpm,
		ECG:                  &ecg,
		PiezoelectricVoltage: &thorax,
		Status:               status,
	}
}
