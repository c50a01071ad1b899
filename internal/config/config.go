package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config 描述 sentineld 启动阶段需要加载的全部配置。
type Config struct {
	Server     ServerConfig     `json:"server"`
	Worker     WorkerConfig     `json:"worker"`
	Docker     DockerConfig     `json:"docker"`
	Continuity ContinuityConfig `json:"continuity"`
	Notify     NotifyConfig     `json:"notify"`
	Archive    ArchiveConfig    `json:"archive"`
	Treasury   TreasuryConfig   `json:"treasury"`
	Logger     LoggerConfig     `json:"logger"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// WorkerConfig 收拢任务账本与工作进程编排的运行参数。
type WorkerConfig struct {
	DataDir                string `json:"data_dir"`
	CooldownSeconds        int    `json:"cooldown_seconds"`
	RetentionDays          int    `json:"retention_days"`
	HealingThresholdMins   int    `json:"healing_threshold_minutes"`
	OutputTailBytes        int    `json:"output_tail_bytes"`
	MaxAttempts            int    `json:"max_attempts"`
	RebuildDeadlineMinutes int    `json:"rebuild_deadline_minutes"`
}

// Cooldown 返回失败冷却窗口。
func (w WorkerConfig) Cooldown() time.Duration {
	return time.Duration(w.CooldownSeconds) * time.Second
}

// HealingThreshold 返回长时运行判定阈值。
func (w WorkerConfig) HealingThreshold() time.Duration {
	return time.Duration(w.HealingThresholdMins) * time.Minute
}

// RebuildDeadline 返回自重建任务的健康检查窗口。
func (w WorkerConfig) RebuildDeadline() time.Duration {
	return time.Duration(w.RebuildDeadlineMinutes) * time.Minute
}

// DockerConfig 描述工作容器的启动方式。
type DockerConfig struct {
	Binary     string   `json:"binary"`
	Image      string   `json:"image"`
	NamePrefix string   `json:"name_prefix"`
	HostRoot   string   `json:"host_root"`
	ExtraArgs  []string `json:"extra_args,omitempty"`
}

// ContinuityConfig 指向外部延续性文档。
type ContinuityConfig struct {
	Path string `json:"path"`
}

// NotifyConfig 选择生命周期事件的通知通道。
type NotifyConfig struct {
	Driver   string         `json:"driver"`
	Redis    RedisNotify    `json:"redis"`
	RabbitMQ RabbitMQNotify `json:"rabbitmq"`
}

// RedisNotify 描述 Redis 发布通道的连接参数。
type RedisNotify struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Channel  string `json:"channel"`
}

// RabbitMQNotify 描述 RabbitMQ 通道的连接参数。
type RabbitMQNotify struct {
	URL     string `json:"url"`
	Queue   string `json:"queue"`
	Durable bool   `json:"durable"`
}

// ArchiveConfig 控制清理时是否把终态任务转存到 MySQL。
type ArchiveConfig struct {
	Enabled bool   `json:"enabled"`
	DSN     string `json:"dsn"`
}

// TreasuryConfig 控制只读金库工具。
type TreasuryConfig struct {
	Enabled      bool   `json:"enabled"`
	ChainsPath   string `json:"chains_path"`
	DefaultChain string `json:"default_chain"`
	Address      string `json:"address"`
}

// LoggerConfig 映射到 pkg/logger 的初始化参数。
type LoggerConfig struct {
	Level       string   `json:"level"`
	Format      string   `json:"format"`
	OutputPaths []string `json:"output_paths,omitempty"`
	Audit       struct {
		Enabled    bool   `json:"enabled"`
		Path       string `json:"path"`
		MaxSizeMB  int    `json:"max_size_mb"`
		MaxBackups int    `json:"max_backups"`
		MaxAgeDays int    `json:"max_age_days"`
	} `json:"audit"`
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Worker.DataDir == "" {
		c.Worker.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Worker.DataDir) {
		c.Worker.DataDir = filepath.Join(baseDir, c.Worker.DataDir)
	}
	if c.Worker.CooldownSeconds <= 0 {
		c.Worker.CooldownSeconds = 60
	}
	if c.Worker.RetentionDays <= 0 {
		c.Worker.RetentionDays = 7
	}
	if c.Worker.HealingThresholdMins <= 0 {
		c.Worker.HealingThresholdMins = 20
	}
	if c.Worker.OutputTailBytes <= 0 {
		c.Worker.OutputTailBytes = 4096
	}
	if c.Worker.MaxAttempts <= 0 {
		c.Worker.MaxAttempts = 1
	}
	if c.Worker.RebuildDeadlineMinutes <= 0 {
		c.Worker.RebuildDeadlineMinutes = 10
	}

	if c.Docker.Binary == "" {
		c.Docker.Binary = "docker"
	}
	if c.Docker.NamePrefix == "" {
		c.Docker.NamePrefix = "sentinel-worker"
	}
	if c.Docker.HostRoot == "" {
		c.Docker.HostRoot = baseDir
	} else if !filepath.IsAbs(c.Docker.HostRoot) {
		c.Docker.HostRoot = filepath.Join(baseDir, c.Docker.HostRoot)
	}

	if c.Continuity.Path == "" {
		c.Continuity.Path = filepath.Join(c.Worker.DataDir, "continuity.md")
	} else if !filepath.IsAbs(c.Continuity.Path) {
		c.Continuity.Path = filepath.Join(baseDir, c.Continuity.Path)
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "log"
	}
	if c.Notify.Redis.Channel == "" {
		c.Notify.Redis.Channel = "sentinel:worker-events"
	}
	if c.Notify.RabbitMQ.Queue == "" {
		c.Notify.RabbitMQ.Queue = "sentinel.worker-events"
	}

	if c.Treasury.ChainsPath != "" && !filepath.IsAbs(c.Treasury.ChainsPath) {
		c.Treasury.ChainsPath = filepath.Join(baseDir, c.Treasury.ChainsPath)
	}
}
