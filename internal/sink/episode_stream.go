package sink

import (
	"context"
	"encoding/json"
	"fmt"

	rediscommon "sleepsense-monitor/common/redis"
	"sleepsense-monitor/internal/models"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const (
	// DefaultApneaStream 呼吸暂停事件输出流
	DefaultApneaStream = "sleepsense:apnea:stream"
	// apneaStreamMaxLen 流的近似最大长度
	apneaStreamMaxLen = 10000
)

// EpisodeStream 把结束的呼吸暂停事件写入 Redis Streams
type EpisodeStream struct {
	client *redis.Client
	stream string
	logger *zap.Logger
}

// NewEpisodeStream 创建事件流
func NewEpisodeStream(client *redis.Client, stream string, logger *zap.Logger) *EpisodeStream {
	if stream == "" {
		stream = DefaultApneaStream
	}
	return &EpisodeStream{client: client, stream: stream, logger: logger}
}

// PublishEpisode 发布一个事件
func (s *EpisodeStream) PublishEpisode(ctx context.Context, ep models.ApneaEpisode) error {
	id, err := rediscommon.PublishJSONToStream(ctx, s.client, s.stream, apneaStreamMaxLen, ep)
	if err != nil {
		return fmt.Errorf("failed to publish apnea episode: %w", err)
	}

	s.logger.Debug("Published apnea episode",
		zap.String("device_id", ep.DeviceID),
		zap.String("stream", s.stream),
		zap.String("message_id", id),
	)
	return nil
}

// RecentEpisodes 最近 count 个事件（新的在前）
func (s *EpisodeStream) RecentEpisodes(ctx context.Context, count int64) ([]models.ApneaEpisode, error) {
	msgs, err := rediscommon.ReadRange(ctx, s.client, s.stream, count)
	if err != nil {
		return nil, fmt.Errorf("failed to read apnea stream: %w", err)
	}

	episodes := make([]models.ApneaEpisode, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ep models.ApneaEpisode
		if err := json.Unmarshal([]byte(raw), &ep); err != nil {
			s.logger.Warn("Skipping malformed apnea stream entry",
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
			continue
		}
		episodes = append(episodes, ep)
	}
	return episodes, nil
}
