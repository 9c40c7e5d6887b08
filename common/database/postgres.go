package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sleepsense-monitor/common/config"

	_ "github.com/lib/pq"
)

const (
	connMaxLifetime = 30 * time.Minute
	connMaxIdleTime = 5 * time.Minute
)

// Open 打开 PostgreSQL 连接池，ctx 内 PING 不通则关闭并返回错误
func Open(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := prepare(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach postgres %s:%d/%s: %w", cfg.Host, cfg.Port, cfg.Database, err)
	}
	return db, nil
}

func prepare(ctx context.Context, db *sql.DB, cfg *config.DatabaseConfig) error {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	return db.PingContext(ctx)
}

func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
