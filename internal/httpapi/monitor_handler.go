package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"sleepsense-monitor/internal/api"
	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/models"
	"sleepsense-monitor/internal/service"
	"sleepsense-monitor/internal/sink"
	"sleepsense-monitor/internal/synthetic"

	"go.uber.org/zap"
)

const (
	devicesPrefix   = "/monitor/api/v1/devices/"
	defaultEpisodes = 20
	maxEpisodes     = 500
	defaultHours    = 24
	maxHours        = 24 * 30
)

// ViewReader 读取缓存的视图（其他实例写入的也能读到）
type ViewReader interface {
	GetView(ctx context.Context, deviceID string) (*models.View, error)
}

// EpisodeLister 查询呼吸暂停事件
type EpisodeLister interface {
	ListEpisodes(ctx context.Context, serial string, limit int) ([]models.ApneaEpisode, error)
	CountEpisodes(ctx context.Context, serial string, since time.Time) (int, error)
}

// SleepHistorySource REST 后端睡眠历史
type SleepHistorySource interface {
	GetSleepHistory(ctx context.Context, limit, offset int) ([]api.SleepRecord, error)
}

// MonitorHandler 监测会话控制接口
type MonitorHandler struct {
	monitor  *service.Monitor
	views    ViewReader
	episodes EpisodeLister
	history  SleepHistorySource
	logger   *zap.Logger
}

// NewMonitorHandler views/episodes/history 可以为空
func NewMonitorHandler(monitor *service.Monitor, views ViewReader, episodes EpisodeLister, history SleepHistorySource, logger *zap.Logger) *MonitorHandler {
	return &MonitorHandler{
		monitor:  monitor,
		views:    views,
		episodes: episodes,
		history:  history,
		logger:   logger,
	}
}

type mountResult struct {
	DeviceID string   `json:"device_id"`
	Topics   []string `json:"topics"`
	Live     bool     `json:"live"`
}

type liveRequest struct {
	Live *bool `json:"live"`
}

type rangeRequest struct {
	Range string `json:"range"`
}

type rangeResult struct {
	Range  string   `json:"range"`
	Ranges []string `json:"ranges"`
}

type episodeCount struct {
	DeviceID string    `json:"device_id"`
	Since    time.Time `json:"since"`
	Count    int       `json:"count"`
}

// GET /monitor/api/v1/devices
func (h *MonitorHandler) ListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.monitor.Devices()))
}

// DeviceAction /monitor/api/v1/devices/{serial}/{action}
func (h *MonitorHandler) DeviceAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, devicesPrefix)
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	serial, action := parts[0], parts[1]

	want := http.MethodPost
	if action == "view" || action == "episodes" || action == "episode-count" {
		want = http.MethodGet
	}
	if r.Method != want {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch action {
	case "mount":
		h.mount(w, r, serial)
	case "unmount":
		h.unmount(w, r, serial)
	case "view":
		h.view(w, r, serial)
	case "reconnect":
		h.reconnect(w, r, serial)
	case "live":
		h.setLive(w, r, serial)
	case "range":
		h.setRange(w, r, serial)
	case "episodes":
		h.listEpisodes(w, r, serial)
	case "episode-count":
		h.countEpisodes(w, r, serial)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *MonitorHandler) mount(w http.ResponseWriter, r *http.Request, serial string) {
	s, err := h.monitor.Mount(r.Context(), serial)
	if err != nil {
		h.logger.Warn("Mount failed", zap.String("device_id", serial), zap.Error(err))
		writeJSON(w, mountErrorStatus(err), Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(mountResult{
		DeviceID: s.DeviceID(),
		Topics:   broker.Topics(s.TopicPrefix(), s.DeviceID()),
		Live:     s.Live(),
	}))
}

func mountErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidSerial):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrNoEndpoints), errors.Is(err, service.ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *MonitorHandler) unmount(w http.ResponseWriter, r *http.Request, serial string) {
	if err := h.monitor.Unmount(r.Context(), serial); err != nil {
		writeJSON(w, http.StatusNotFound, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok[any](nil))
}

func (h *MonitorHandler) view(w http.ResponseWriter, r *http.Request, serial string) {
	if s, ok := h.monitor.Session(serial); ok {
		if v := s.View(); v != nil {
			writeJSON(w, http.StatusOK, Ok(v))
			return
		}
	}

	if h.views != nil {
		v, err := h.views.GetView(r.Context(), serial)
		if err == nil {
			writeJSON(w, http.StatusOK, Ok(v))
			return
		}
		if !errors.Is(err, sink.ErrCacheMiss) {
			h.logger.Warn("Failed to read cached view", zap.String("device_id", serial), zap.Error(err))
		}
	}
	writeJSON(w, http.StatusNotFound, Fail("view not available"))
}

func (h *MonitorHandler) reconnect(w http.ResponseWriter, r *http.Request, serial string) {
	s, ok := h.monitor.Session(serial)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail(service.ErrNotMounted.Error()))
		return
	}
	s.Reconnect()
	st := s.Connection()
	writeJSON(w, http.StatusOK, Ok(models.ConnectionView{
		State:       string(st.State),
		Connected:   st.Connected,
		Broker:      st.Broker,
		BrokerIndex: st.BrokerIndex,
		Attempts:    st.Attempts,
		Error:       st.Error,
	}))
}

func (h *MonitorHandler) setLive(w http.ResponseWriter, r *http.Request, serial string) {
	s, ok := h.monitor.Session(serial)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail(service.ErrNotMounted.Error()))
		return
	}
	var req liveRequest
	if err := decodeBody(r, &req); err != nil || req.Live == nil {
		writeJSON(w, http.StatusBadRequest, Fail(`body must be {"live": true|false}`))
		return
	}
	s.SetLive(*req.Live)
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"live": *req.Live}))
}

func (h *MonitorHandler) setRange(w http.ResponseWriter, r *http.Request, serial string) {
	s, ok := h.monitor.Session(serial)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail(service.ErrNotMounted.Error()))
		return
	}
	var req rangeRequest
	if err := decodeBody(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, Fail("invalid body"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(rangeResult{Range: s.SetRange(req.Range), Ranges: synthetic.RangeTokens()}))
}

func (h *MonitorHandler) listEpisodes(w http.ResponseWriter, r *http.Request, serial string) {
	if h.episodes == nil {
		writeJSON(w, http.StatusOK, Ok([]models.ApneaEpisode{}))
		return
	}
	limit := queryLimit(r, defaultEpisodes, maxEpisodes)

	episodes, err := h.episodes.ListEpisodes(r.Context(), serial, limit)
	if err != nil {
		h.logger.Error("Failed to list apnea episodes", zap.String("device_id", serial), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to list episodes"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(episodes))
}

// hours 参数为统计窗口（小时），默认 24，最多 30 天
func (h *MonitorHandler) countEpisodes(w http.ResponseWriter, r *http.Request, serial string) {
	hours := queryInt(r, "hours", defaultHours)
	if hours <= 0 {
		hours = defaultHours
	}
	if hours > maxHours {
		hours = maxHours
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour).UTC()

	if h.episodes == nil {
		writeJSON(w, http.StatusOK, Ok(episodeCount{DeviceID: serial, Since: since}))
		return
	}
	n, err := h.episodes.CountEpisodes(r.Context(), serial, since)
	if err != nil {
		h.logger.Error("Failed to count apnea episodes", zap.String("device_id", serial), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, Fail("failed to count episodes"))
		return
	}
	writeJSON(w, http.StatusOK, Ok(episodeCount{DeviceID: serial, Since: since, Count: n}))
}

// GET /monitor/api/v1/sleep-history?limit=&offset=
func (h *MonitorHandler) SleepHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, Fail("sleep history backend not configured"))
		return
	}
	limit := queryLimit(r, 10, 100)
	offset := queryInt(r, "offset", 0)

	records, err := h.history.GetSleepHistory(r.Context(), limit, offset)
	if err != nil {
		h.logger.Warn("Sleep history request failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, Fail(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, Ok(records))
}
