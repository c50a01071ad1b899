package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"Sentinel-Brain/internal/api"
	"Sentinel-Brain/internal/config"
	"Sentinel-Brain/internal/continuity"
	"Sentinel-Brain/internal/notify"
	"Sentinel-Brain/internal/runtime"
	"Sentinel-Brain/internal/storage/mysql"
	"Sentinel-Brain/internal/treasury"
	"Sentinel-Brain/internal/worker"
	"Sentinel-Brain/pkg/logger"
)

// main 是 sentineld 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("sentineld 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("SENTINEL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "sentineld.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logger.Level,
		Format:      cfg.Logger.Format,
		OutputPaths: cfg.Logger.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logger.Audit.Enabled,
			Path:       cfg.Logger.Audit.Path,
			MaxSizeMB:  cfg.Logger.Audit.MaxSizeMB,
			MaxBackups: cfg.Logger.Audit.MaxBackups,
			MaxAgeDays: cfg.Logger.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(cfg.Worker.DataDir, 0o755); err != nil {
		return err
	}

	engine, err := runtime.NewDockerCLI(runtime.DockerConfig{
		Binary:     cfg.Docker.Binary,
		Image:      cfg.Docker.Image,
		NamePrefix: cfg.Docker.NamePrefix,
		ExtraArgs:  cfg.Docker.ExtraArgs,
	})
	if err != nil {
		return err
	}

	doc, err := continuity.NewDocument(cfg.Continuity.Path)
	if err != nil {
		return err
	}

	notifier, err := buildNotifier(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := notifier.Close(); err != nil {
			logger.L().Warn("关闭通知通道失败", "error", err)
		}
	}()

	var archiver worker.Archiver
	if cfg.Archive.Enabled {
		archive, err := mysql.NewArchive(ctx, mysql.Config{
			DSN:             cfg.Archive.DSN,
			ConnMaxLifetime: 30 * time.Minute,
		})
		if err != nil {
			return err
		}
		defer archive.Close()
		archiver = archive
	}

	workers, err := worker.NewService(worker.Options{
		DataDir:          cfg.Worker.DataDir,
		Engine:           engine,
		Continuity:       doc,
		Notifier:         notifier,
		Archiver:         archiver,
		NamePrefix:       cfg.Docker.NamePrefix,
		HostRoot:         cfg.Docker.HostRoot,
		Cooldown:         cfg.Worker.Cooldown(),
		Retention:        time.Duration(cfg.Worker.RetentionDays) * 24 * time.Hour,
		HealingThreshold: cfg.Worker.HealingThreshold(),
		TailBytes:        cfg.Worker.OutputTailBytes,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		RebuildDeadline:  cfg.Worker.RebuildDeadline(),
	})
	if err != nil {
		return err
	}

	var reader *treasury.Reader
	if cfg.Treasury.Enabled {
		defs, err := treasury.LoadChainDefinitions(cfg.Treasury.ChainsPath)
		if err != nil {
			return err
		}
		reader = treasury.NewReader(defs, treasury.Defaults{
			Chain:   cfg.Treasury.DefaultChain,
			Address: cfg.Treasury.Address,
		})
		defer reader.Close()
	}

	logger.L().Info("sentineld 启动",
		"address", cfg.Server.Address,
		"data_dir", cfg.Worker.DataDir,
		"notify_driver", cfg.Notify.Driver,
	)

	server := api.NewServer(cfg.Server.Address, workers, reader)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildNotifier(cfg *config.Config) (notify.Notifier, error) {
	base := notify.LogNotifier{}
	switch cfg.Notify.Driver {
	case "", "log":
		return base, nil
	case "redis":
		redisNotifier, err := notify.NewRedisNotifier(notify.RedisConfig{
			Address:  cfg.Notify.Redis.Address,
			Password: cfg.Notify.Redis.Password,
			DB:       cfg.Notify.Redis.DB,
			Channel:  cfg.Notify.Redis.Channel,
		})
		if err != nil {
			return nil, err
		}
		return notify.NewFanout(base, redisNotifier), nil
	case "rabbitmq":
		mqNotifier, err := notify.NewRabbitMQNotifier(notify.RabbitMQConfig{
			URL:     cfg.Notify.RabbitMQ.URL,
			Queue:   cfg.Notify.RabbitMQ.Queue,
			Durable: cfg.Notify.RabbitMQ.Durable,
		})
		if err != nil {
			return nil, err
		}
		return notify.NewFanout(base, mqNotifier), nil
	default:
		return nil, fmt.Errorf("未知的通知驱动: %s", cfg.Notify.Driver)
	}
}
