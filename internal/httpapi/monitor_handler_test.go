package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sleepsense-monitor/common/config"
	mqttcommon "sleepsense-monitor/common/mqtt"
	"sleepsense-monitor/internal/api"
	"sleepsense-monitor/internal/broker"
	"sleepsense-monitor/internal/metrics"
	"sleepsense-monitor/internal/models"
	"sleepsense-monitor/internal/service"
	"sleepsense-monitor/internal/session"
	"sleepsense-monitor/internal/sink"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubTransport struct{ events mqttcommon.Events }

func (t *stubTransport) Connect(ctx context.Context, timeout time.Duration) error {
	t.events.OnConnect()
	return nil
}
func (t *stubTransport) Subscribe(topics []string, qos byte) error { return nil }
func (t *stubTransport) Close(force bool)                          {}

type stubDialer struct{}

func (stubDialer) Dial(ep config.BrokerEndpoint, clientID string, events mqttcommon.Events) (broker.Transport, error) {
	return &stubTransport{events: events}, nil
}

type fakeViewReader struct {
	views map[string]*models.View
}

func (f *fakeViewReader) GetView(ctx context.Context, deviceID string) (*models.View, error) {
	v, ok := f.views[deviceID]
	if !ok {
		return nil, sink.ErrCacheMiss
	}
	return v, nil
}

type fakeEpisodes struct {
	gotLimit int
	gotSince time.Time
	err      error
}

func (f *fakeEpisodes) ListEpisodes(ctx context.Context, serial string, limit int) ([]models.ApneaEpisode, error) {
	f.gotLimit = limit
	if f.err != nil {
		return nil, f.err
	}
	return []models.ApneaEpisode{{ID: 9, DeviceID: serial, DurationTicks: 12, Severity: "moderate", Source: models.SourceLive}}, nil
}

func (f *fakeEpisodes) CountEpisodes(ctx context.Context, serial string, since time.Time) (int, error) {
	f.gotSince = since
	if f.err != nil {
		return 0, f.err
	}
	return 3, nil
}

type fakeHistory struct {
	limit, offset int
	err           error
}

func (f *fakeHistory) GetSleepHistory(ctx context.Context, limit, offset int) ([]api.SleepRecord, error) {
	f.limit, f.offset = limit, offset
	if f.err != nil {
		return nil, f.err
	}
	ahi := 2.5
	return []api.SleepRecord{{ID: 1, Date: "2025-03-29", AHI: &ahi, AnalysisStatus: "approved"}}, nil
}

type testEnv struct {
	router   *Router
	monitor  *service.Monitor
	views    *fakeViewReader
	episodes *fakeEpisodes
	history  *fakeHistory
	registry *prometheus.Registry
}

func setupTestRouter(t *testing.T) *testEnv {
	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	monitor := service.NewMonitor(service.Options{
		Session: session.Options{
			TickInterval: 10 * time.Millisecond,
			Broker: broker.Options{
				Endpoints: []config.BrokerEndpoint{
					{Scheme: "ws", Host: "primary", Port: 9001, Path: "/mqtt"},
					{Scheme: "ws", Host: "fallback", Port: 9001, Path: "/mqtt"},
				},
			},
		},
	}, service.Deps{Dialer: stubDialer{}, Metrics: m, Logger: logger})
	t.Cleanup(monitor.Shutdown)

	env := &testEnv{
		monitor:  monitor,
		views:    &fakeViewReader{views: map[string]*models.View{}},
		episodes: &fakeEpisodes{},
		history:  &fakeHistory{},
		registry: reg,
	}
	env.router = NewRouter(logger)
	env.router.RegisterMonitorRoutes(NewMonitorHandler(monitor, env.views, env.episodes, env.history, logger))
	env.router.RegisterOpsRoutes(reg)
	return env
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decodeResult(t *testing.T, rr *httptest.ResponseRecorder) Result[json.RawMessage] {
	var out Result[json.RawMessage]
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestMountAndView(t *testing.T) {
	env := setupTestRouter(t)

	rr := env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/mount", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	res := decodeResult(t, rr)
	assert.Equal(t, ResultSuccess, res.Code)

	var mounted mountResult
	require.NoError(t, json.Unmarshal(res.Result, &mounted))
	assert.Equal(t, "SS-1", mounted.DeviceID)
	assert.Equal(t, "sleepsense/device/SS-1/finger", mounted.Topics[0])
	assert.True(t, mounted.Live)

	require.Eventually(t, func() bool {
		return env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/view", "").Code == http.StatusOK
	}, time.Second, 5*time.Millisecond)

	res = decodeResult(t, env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/view", ""))
	var view models.View
	require.NoError(t, json.Unmarshal(res.Result, &view))
	assert.Equal(t, "SS-1", view.DeviceID)
	assert.Equal(t, models.SourceSimulated, view.Source)

	res = decodeResult(t, env.do(http.MethodGet, "/monitor/api/v1/devices", ""))
	assert.JSONEq(t, `["SS-1"]`, string(res.Result))
}

func TestMount_InvalidSerial(t *testing.T) {
	env := setupTestRouter(t)

	rr := env.do(http.MethodPost, "/monitor/api/v1/devices/a+b/mount", "")

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, ResultError, decodeResult(t, rr).Code)
}

func TestView_FallsBackToCache(t *testing.T) {
	env := setupTestRouter(t)
	env.views.views["SS-9"] = &models.View{DeviceID: "SS-9", Source: models.SourceLive}

	rr := env.do(http.MethodGet, "/monitor/api/v1/devices/SS-9/view", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodGet, "/monitor/api/v1/devices/SS-404/view", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, ResultError, decodeResult(t, rr).Code)
}

func TestLiveAndRange(t *testing.T) {
	env := setupTestRouter(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/mount", "").Code)

	rr := env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/live", `{"live":false}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/range", `{"range":"3h"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"range":"3h","ranges":["10m","30m","1h","3h","8h"]}`, string(decodeResult(t, rr).Result))

	s, ok := env.monitor.Session("SS-1")
	require.True(t, ok)
	assert.False(t, s.Live())
	require.Eventually(t, func() bool {
		v := s.View()
		return v != nil && v.Source == models.SourceHistorical && v.Range == "3h"
	}, time.Second, 5*time.Millisecond)

	rr = env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/live", `{}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/range", `{"range":"forever"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"range":"1h","ranges":["10m","30m","1h","3h","8h"]}`, string(decodeResult(t, rr).Result))
}

func TestReconnect_RotatesBroker(t *testing.T) {
	env := setupTestRouter(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/mount", "").Code)

	rr := env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/reconnect", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var conn models.ConnectionView
	require.NoError(t, json.Unmarshal(decodeResult(t, rr).Result, &conn))
	assert.Equal(t, 1, conn.BrokerIndex)
	assert.Equal(t, 0, conn.Attempts)
	assert.Empty(t, conn.Error)

	rr = env.do(http.MethodPost, "/monitor/api/v1/devices/SS-2/reconnect", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestUnmount(t *testing.T) {
	env := setupTestRouter(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/mount", "").Code)

	rr := env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/unmount", "")
	require.Equal(t, http.StatusOK, rr.Code)
	_, ok := env.monitor.Session("SS-1")
	assert.False(t, ok)

	rr = env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/unmount", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestEpisodes(t *testing.T) {
	env := setupTestRouter(t)

	rr := env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/episodes?limit=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 5, env.episodes.gotLimit)

	var episodes []models.ApneaEpisode
	require.NoError(t, json.Unmarshal(decodeResult(t, rr).Result, &episodes))
	require.Len(t, episodes, 1)
	assert.Equal(t, "SS-1", episodes[0].DeviceID)

	env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/episodes?limit=100000", "")
	assert.Equal(t, maxEpisodes, env.episodes.gotLimit)

	env.episodes.err = errors.New("db down")
	rr = env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/episodes", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestSleepHistory(t *testing.T) {
	env := setupTestRouter(t)

	rr := env.do(http.MethodGet, "/monitor/api/v1/sleep-history?limit=3&offset=6", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, env.history.limit)
	assert.Equal(t, 6, env.history.offset)

	var records []api.SleepRecord
	require.NoError(t, json.Unmarshal(decodeResult(t, rr).Result, &records))
	require.Len(t, records, 1)
	assert.Equal(t, 2.5, *records[0].AHI)

	env.history.err = errors.New("status 401")
	rr = env.do(http.MethodGet, "/monitor/api/v1/sleep-history", "")
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestRouting_MethodsAndUnknownPaths(t *testing.T) {
	env := setupTestRouter(t)

	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/mount", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/view", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/explode", "").Code)
	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1", "").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/monitor/api/v1/sleep-history", "").Code)
}

func TestOpsRoutes(t *testing.T) {
	env := setupTestRouter(t)
	require.Equal(t, http.StatusOK, env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/mount", "").Code)
	require.Eventually(t, func() bool {
		s, _ := env.monitor.Session("SS-1")
		return s.View() != nil
	}, time.Second, 5*time.Millisecond)

	rr := env.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "sleepsense_data_source")
}

func TestEpisodeCount(t *testing.T) {
	env := setupTestRouter(t)

	before := time.Now()
	rr := env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/episode-count?hours=2", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got episodeCount
	require.NoError(t, json.Unmarshal(decodeResult(t, rr).Result, &got))
	assert.Equal(t, "SS-1", got.DeviceID)
	assert.Equal(t, 3, got.Count)
	assert.WithinDuration(t, before.Add(-2*time.Hour), env.episodes.gotSince, time.Second)

	env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/episode-count?hours=99999", "")
	assert.WithinDuration(t, time.Now().Add(-maxHours*time.Hour), env.episodes.gotSince, time.Second)

	rr = env.do(http.MethodPost, "/monitor/api/v1/devices/SS-1/episode-count", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	env.episodes.err = errors.New("db down")
	rr = env.do(http.MethodGet, "/monitor/api/v1/devices/SS-1/episode-count", "")
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
