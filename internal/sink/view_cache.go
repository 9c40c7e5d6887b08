package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"sleepsense-monitor/internal/models"

	"go.uber.org/zap"
)

// DefaultViewTTL 视图缓存过期时间
const DefaultViewTTL = 10 * time.Second

// ViewKey 设备视图缓存键
func ViewKey(deviceID string) string {
	return fmt.Sprintf("sleepsense:device:%s:view", deviceID)
}

// ViewCache 每个 tick 的视图快照写入 KV（JSON）
type ViewCache struct {
	kv     KVStore
	ttl    time.Duration
	logger *zap.Logger
}

// NewViewCache 创建视图缓存
func NewViewCache(kv KVStore, ttl time.Duration, logger *zap.Logger) *ViewCache {
	if ttl <= 0 {
		ttl = DefaultViewTTL
	}
	return &ViewCache{kv: kv, ttl: ttl, logger: logger}
}

// PutView 写入视图
func (c *ViewCache) PutView(ctx context.Context, view *models.View) error {
	jsonData, err := json.Marshal(view)
	if err != nil {
		return fmt.Errorf("failed to marshal view: %w", err)
	}

	key := ViewKey(view.DeviceID)
	if err := c.kv.Set(ctx, key, string(jsonData), c.ttl); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	c.logger.Debug("Updated view cache",
		zap.String("device_id", view.DeviceID),
		zap.String("key", key),
		zap.String("source", string(view.Source)),
	)
	return nil
}

// GetView 读取视图；不存在时返回 ErrCacheMiss
func (c *ViewCache) GetView(ctx context.Context, deviceID string) (*models.View, error) {
	raw, err := c.kv.Get(ctx, ViewKey(deviceID))
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}

	var view models.View
	if err := json.Unmarshal([]byte(raw), &view); err != nil {
		return nil, fmt.Errorf("failed to unmarshal view: %w", err)
	}
	return &view, nil
}

// DeleteView 会话卸载时清理
func (c *ViewCache) DeleteView(ctx context.Context, deviceID string) error {
	return c.kv.Del(ctx, ViewKey(deviceID))
}
