package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sleepsense-monitor/internal/models"

	"go.uber.org/zap"
)

// EpisodeRepository 事件持久化（PostgreSQL）
type EpisodeRepository interface {
	CreateEpisode(ctx context.Context, ep *models.ApneaEpisode) (int64, error)
	ListRecentEpisodes(ctx context.Context, deviceSerial string, limit int) ([]models.ApneaEpisode, error)
	CountSince(ctx context.Context, deviceSerial string, since time.Time) (int, error)
}

// EpisodePublisher 事件流（Redis Streams）
type EpisodePublisher interface {
	PublishEpisode(ctx context.Context, ep models.ApneaEpisode) error
	RecentEpisodes(ctx context.Context, count int64) ([]models.ApneaEpisode, error)
}

// streamScanFactor 从流中按设备过滤时多读的倍数
const streamScanFactor = 10

// streamCountWindow 没有数据库时计数最多扫描的流条目数
const streamCountWindow = 1000

// EpisodeLog 把结束的事件写入数据库和事件流，两者均可缺省
type EpisodeLog struct {
	repo   EpisodeRepository
	stream EpisodePublisher
	logger *zap.Logger
}

// NewEpisodeLog 创建事件记录器
func NewEpisodeLog(repo EpisodeRepository, stream EpisodePublisher, logger *zap.Logger) *EpisodeLog {
	return &EpisodeLog{repo: repo, stream: stream, logger: logger}
}

// RecordEpisode 先写库（取得 ID）再发布到流；任一失败都返回错误，但不影响另一个
func (l *EpisodeLog) RecordEpisode(ctx context.Context, ep models.ApneaEpisode) error {
	var errs []error

	if l.repo != nil {
		id, err := l.repo.CreateEpisode(ctx, &ep)
		if err != nil {
			errs = append(errs, err)
		} else {
			ep.ID = id
		}
	}

	if l.stream != nil {
		if err := l.stream.PublishEpisode(ctx, ep); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		l.logger.Warn("Apnea episode partially recorded",
			zap.String("device_id", ep.DeviceID),
			zap.Errors("errors", errs),
		)
	}
	return errors.Join(errs...)
}

// ListEpisodes 设备最近的事件（新的在前）；优先查库，没有数据库时从事件流中过滤
func (l *EpisodeLog) ListEpisodes(ctx context.Context, serial string, limit int) ([]models.ApneaEpisode, error) {
	if limit <= 0 {
		limit = 50
	}

	if l.repo != nil {
		return l.repo.ListRecentEpisodes(ctx, serial, limit)
	}
	if l.stream == nil {
		return []models.ApneaEpisode{}, nil
	}

	recent, err := l.stream.RecentEpisodes(ctx, int64(limit*streamScanFactor))
	if err != nil {
		return nil, fmt.Errorf("failed to read apnea stream: %w", err)
	}
	out := make([]models.ApneaEpisode, 0, limit)
	for _, ep := range recent {
		if ep.DeviceID != serial {
			continue
		}
		out = append(out, ep)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountEpisodes 设备在 since 之后开始的事件数；没有数据库时只统计流中最近的条目
func (l *EpisodeLog) CountEpisodes(ctx context.Context, serial string, since time.Time) (int, error) {
	if l.repo != nil {
		return l.repo.CountSince(ctx, serial, since)
	}
	if l.stream == nil {
		return 0, nil
	}

	recent, err := l.stream.RecentEpisodes(ctx, streamCountWindow)
	if err != nil {
		return 0, fmt.Errorf("failed to read apnea stream: %w", err)
	}
	n := 0
	for _, ep := range recent {
		if ep.DeviceID == serial && !ep.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
