package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrDeviceNotFound 档案中没有该序列号的设备
var ErrDeviceNotFound = errors.New("device not found in patient profile")

// Device 档案中的设备
type Device struct {
	ID              int64  `json:"id"`
	SerialNumber    string `json:"serial_number"`
	FirmwareVersion string `json:"firmware_version,omitempty"`
	LastSync        string `json:"last_sync,omitempty"`
	BatteryLevel    *int   `json:"battery_level,omitempty"`
	Status          string `json:"status,omitempty"`
}

// Patient 患者基本信息
type Patient struct {
	ID                int64    `json:"id"`
	Gender            string   `json:"gender,omitempty"`
	Age               int      `json:"age,omitempty"`
	MedicalConditions []string `json:"medical_conditions,omitempty"`
	Medications       []string `json:"medications,omitempty"`
}

// PatientProfile /patient/profile 响应
type PatientProfile struct {
	Patient Patient  `json:"patient"`
	Devices []Device `json:"devices"`
}

// SleepRecord 一晚的睡眠记录（后端已完成分析，不再解析）
type SleepRecord struct {
	ID             int64    `json:"id"`
	Date           string   `json:"date"`
	SleepDuration  *float64 `json:"sleep_duration,omitempty"`
	SleepQuality   *float64 `json:"sleep_quality,omitempty"`
	AHI            *float64 `json:"ahi,omitempty"`
	ApneaEvents    *int     `json:"apnea_events,omitempty"`
	HypopneaEvents *int     `json:"hypopnea_events,omitempty"`
	LowestOxygen   *float64 `json:"lowest_oxygen,omitempty"`
	AvgOxygen      *float64 `json:"avg_oxygen,omitempty"`
	Severity       string   `json:"severity,omitempty"`
	AnalysisStatus string   `json:"analysis_status,omitempty"`
	DoctorNotes    string   `json:"doctor_notes,omitempty"`
}

type sleepHistoryResponse struct {
	SleepHistory []SleepRecord `json:"sleepHistory"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// Client 患者后端 REST 客户端
type Client struct {
	httpClient *resty.Client
	logger     *zap.Logger
}

// NewClient 创建 REST 客户端
func NewClient(baseURL, token string, logger *zap.Logger) *Client {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(1 * time.Second).
		SetRetryMaxWaitTime(5 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetError(&errorResponse{})

	if token != "" {
		client.SetAuthToken(token)
	}

	// 只对网络错误和 5xx 重试
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		return err != nil || r.StatusCode() >= 500
	})

	return &Client{
		httpClient: client,
		logger:     logger,
	}
}

// GetProfile 获取患者档案（含设备列表）
func (c *Client) GetProfile(ctx context.Context) (*PatientProfile, error) {
	var profile PatientProfile
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetResult(&profile).
		Get("/patient/profile")
	if err != nil {
		c.logger.Error("Profile request failed", zap.Error(err))
		return nil, fmt.Errorf("failed to fetch patient profile: %w", err)
	}
	if resp.IsError() {
		return nil, c.statusError("patient profile", resp)
	}

	c.logger.Debug("Fetched patient profile", zap.Int("device_count", len(profile.Devices)))
	return &profile, nil
}

// FindDevice 在档案中查找设备
func (c *Client) FindDevice(ctx context.Context, serial string) (*Device, error) {
	profile, err := c.GetProfile(ctx)
	if err != nil {
		return nil, err
	}
	for i := range profile.Devices {
		if profile.Devices[i].SerialNumber == serial {
			return &profile.Devices[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, serial)
}

// GetSleepHistory 分页获取睡眠历史
func (c *Client) GetSleepHistory(ctx context.Context, limit, offset int) ([]SleepRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}

	var out sleepHistoryResponse
	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}).
		SetResult(&out).
		Get("/patient/sleep-history")
	if err != nil {
		c.logger.Error("Sleep history request failed", zap.Error(err))
		return nil, fmt.Errorf("failed to fetch sleep history: %w", err)
	}
	if resp.IsError() {
		return nil, c.statusError("sleep history", resp)
	}

	if out.SleepHistory == nil {
		out.SleepHistory = []SleepRecord{}
	}
	return out.SleepHistory, nil
}

func (c *Client) statusError(what string, resp *resty.Response) error {
	msg := resp.Status()
	if e, ok := resp.Error().(*errorResponse); ok && e.Message != "" {
		msg = e.Message
	}
	c.logger.Warn("Backend returned error",
		zap.String("request", what),
		zap.Int("status_code", resp.StatusCode()),
		zap.String("message", msg),
	)
	return fmt.Errorf("%s request failed (status %d): %s", what, resp.StatusCode(), msg)
}
