package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"Sentinel-Brain/internal/worker"
)

// Config 描述归档库的连接参数。
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Archive 把被裁剪的终态任务落入 MySQL，仅追加。
type Archive struct {
	db *sql.DB
}

// NewArchive 建立连接并确保归档表存在。
func NewArchive(ctx context.Context, cfg Config) (*Archive, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("MySQL DSN 不能为空")
	}
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("连接 MySQL 失败: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(4)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(2)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	} else {
		db.SetConnMaxLifetime(30 * time.Minute)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("无法连接到 MySQL: %w", err)
	}
	archive := &Archive{db: db}
	if err := archive.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return archive, nil
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS task_archive (
        id VARCHAR(64) NOT NULL PRIMARY KEY,
        status VARCHAR(16) NOT NULL,
        task_type VARCHAR(32) NOT NULL,
        instruction TEXT NOT NULL,
        worker_ref VARCHAR(128),
        exit_code INT NULL,
        summary TEXT,
        error TEXT,
        attempts INT NOT NULL,
        created_at BIGINT NOT NULL,
        completed_at BIGINT NOT NULL,
        archived_at BIGINT NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("创建归档表失败: %w", err)
	}
	return nil
}

// ArchiveTask 实现 worker.Archiver。重复归档同一任务以首次为准。
func (a *Archive) ArchiveTask(ctx context.Context, task *worker.Task) error {
	if task == nil {
		return nil
	}
	var exitCode any
	if task.ExitCode != nil {
		exitCode = *task.ExitCode
	}
	_, err := a.db.ExecContext(ctx, `INSERT IGNORE INTO task_archive
        (id, status, task_type, instruction, worker_ref, exit_code, summary, error, attempts, created_at, completed_at, archived_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		string(task.Status),
		string(task.Type),
		task.Payload.Instruction,
		task.WorkerRef,
		exitCode,
		task.Summary,
		task.Error,
		task.Attempts,
		task.CreatedAt,
		task.CompletedAt,
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("写入归档失败: %w", err)
	}
	return nil
}

// Close 关闭数据库连接。
func (a *Archive) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

var _ worker.Archiver = (*Archive)(nil)
