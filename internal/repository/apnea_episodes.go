package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sleepsense-monitor/internal/models"

	"go.uber.org/zap"
)

// DefaultListLimit 未指定条数时的默认值
const DefaultListLimit = 50

// ApneaEpisodesRepository 呼吸暂停事件仓库
type ApneaEpisodesRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewApneaEpisodesRepository 创建呼吸暂停事件仓库
func NewApneaEpisodesRepository(db *sql.DB, logger *zap.Logger) *ApneaEpisodesRepository {
	return &ApneaEpisodesRepository{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema 建表（幂等）
func (r *ApneaEpisodesRepository) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS apnea_episodes (
			id             BIGSERIAL PRIMARY KEY,
			device_serial  VARCHAR(100) NOT NULL,
			started_at     TIMESTAMPTZ NOT NULL,
			ended_at       TIMESTAMPTZ NOT NULL,
			duration_ticks INTEGER NOT NULL,
			severity       VARCHAR(20) NOT NULL,
			source         VARCHAR(20) NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_apnea_episodes_device_started
			ON apnea_episodes (device_serial, started_at DESC);
	`
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure apnea_episodes schema: %w", err)
	}
	return nil
}

// CreateEpisode 写入一个结束的事件，返回自增 ID
func (r *ApneaEpisodesRepository) CreateEpisode(ctx context.Context, ep *models.ApneaEpisode) (int64, error) {
	if ep.DeviceID == "" {
		return 0, fmt.Errorf("device_serial is required")
	}
	if ep.DurationTicks <= 0 {
		return 0, fmt.Errorf("duration_ticks must be positive")
	}

	query := `
		INSERT INTO apnea_episodes (
			device_serial,
			started_at,
			ended_at,
			duration_ticks,
			severity,
			source
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		ep.DeviceID,
		ep.StartedAt,
		ep.EndedAt,
		ep.DurationTicks,
		ep.Severity,
		string(ep.Source),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert apnea episode: %w", err)
	}

	r.logger.Debug("Created apnea episode",
		zap.Int64("id", id),
		zap.String("device_serial", ep.DeviceID),
		zap.Int("duration_ticks", ep.DurationTicks),
		zap.String("severity", ep.Severity),
	)
	return id, nil
}

// ListRecentEpisodes 按开始时间倒序列出设备最近的事件
func (r *ApneaEpisodesRepository) ListRecentEpisodes(ctx context.Context, deviceSerial string, limit int) ([]models.ApneaEpisode, error) {
	if deviceSerial == "" {
		return nil, fmt.Errorf("device_serial is required")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT
			id,
			device_serial,
			started_at,
			ended_at,
			duration_ticks,
			severity,
			source
		FROM apnea_episodes
		WHERE device_serial = $1
		ORDER BY started_at DESC
		LIMIT $2
	`

	rows, err := r.db.QueryContext(ctx, query, deviceSerial, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query apnea episodes: %w", err)
	}
	defer rows.Close()

	episodes := make([]models.ApneaEpisode, 0)
	for rows.Next() {
		var ep models.ApneaEpisode
		var source string
		if err := rows.Scan(
			&ep.ID,
			&ep.DeviceID,
			&ep.StartedAt,
			&ep.EndedAt,
			&ep.DurationTicks,
			&ep.Severity,
			&source,
		); err != nil {
			return nil, fmt.Errorf("failed to scan apnea episode: %w", err)
		}
		ep.Source = models.DataSource(source)
		episodes = append(episodes, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate apnea episodes: %w", err)
	}
	return episodes, nil
}

// CountSince 统计设备在 since 之后开始的事件数
func (r *ApneaEpisodesRepository) CountSince(ctx context.Context, deviceSerial string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM apnea_episodes
		WHERE device_serial = $1
		  AND started_at >= $2
	`

	var n int
	if err := r.db.QueryRowContext(ctx, query, deviceSerial, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count apnea episodes: %w", err)
	}
	return n, nil
}
