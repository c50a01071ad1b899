package worker

import (
	"context"
	"sort"
	"time"

	"Sentinel-Brain/internal/continuity"
	xerrors "Sentinel-Brain/internal/errors"
	"Sentinel-Brain/internal/notify"
	"Sentinel-Brain/internal/runtime"
)

// Service 是编排核心对外的门面，把 spawn、状态对齐、清理与自重建
// 组合在同一组文件存储之上。每个公开操作都是一次短促有界的
// 文件系统或运行时交互，绝不阻塞等待工作进程完成。
type Service struct {
	ledger     *Ledger
	events     *EventLog
	lock       *LockManager
	spawner    *Spawner
	reconciler *Reconciler
	cleaner    *Cleaner
	rebuild    *RebuildCoordinator
	retention  time.Duration
	healing    time.Duration
	now        func() time.Time
}

// Options 收拢构建 Service 所需的全部依赖与参数，根目录显式注入，
// 不允许任何包级可变路径。
type Options struct {
	DataDir          string
	Engine           runtime.Engine
	Continuity       *continuity.Document
	Notifier         notify.Notifier
	Archiver         Archiver
	NamePrefix       string
	HostRoot         string
	Cooldown         time.Duration
	Retention        time.Duration
	HealingThreshold time.Duration
	TailBytes        int
	MaxAttempts      int
	RebuildDeadline  time.Duration
	Now              func() time.Time
}

// NewService 装配编排核心。
func NewService(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少容器运行时")
	}
	if opts.Continuity == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "缺少延续性文档")
	}
	ledger, err := NewLedger(opts.DataDir)
	if err != nil {
		return nil, err
	}
	events, err := NewEventLog(opts.DataDir)
	if err != nil {
		return nil, err
	}
	lock, err := NewLockManager(opts.DataDir, opts.Engine)
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	retention := opts.Retention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	healing := opts.HealingThreshold
	if healing <= 0 {
		healing = 20 * time.Minute
	}

	spawner := NewSpawner(ledger, events, lock, opts.Engine, SpawnerOptions{
		Notifier:    opts.Notifier,
		DataDir:     opts.DataDir,
		NamePrefix:  opts.NamePrefix,
		HostRoot:    opts.HostRoot,
		Cooldown:    opts.Cooldown,
		MaxAttempts: opts.MaxAttempts,
		Now:         now,
	})
	reconciler := NewReconciler(ledger, events, lock, opts.Engine, ReconcilerOptions{
		Notifier:  opts.Notifier,
		DataDir:   opts.DataDir,
		TailBytes: opts.TailBytes,
		Now:       now,
	})
	cleaner := NewCleaner(ledger, events, lock, opts.Engine, CleanerOptions{
		Archiver: opts.Archiver,
		DataDir:  opts.DataDir,
		Now:      now,
	})
	rebuild := NewRebuildCoordinator(spawner, ledger, opts.Continuity, opts.RebuildDeadline, now)

	return &Service{
		ledger:     ledger,
		events:     events,
		lock:       lock,
		spawner:    spawner,
		reconciler: reconciler,
		cleaner:    cleaner,
		rebuild:    rebuild,
		retention:  retention,
		healing:    healing,
		now:        now,
	}, nil
}

// Spawn 委派一个普通任务。
func (s *Service) Spawn(ctx context.Context, instruction, taskContext string) (*Task, error) {
	return s.spawner.Spawn(ctx, SpawnRequest{Instruction: instruction, Context: taskContext})
}

// Status 返回对齐运行时现实后的任务快照。
func (s *Service) Status(ctx context.Context, taskID string) (*Task, error) {
	if taskID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	return s.reconciler.Status(ctx, taskID)
}

// List 返回符合过滤条件的任务快照，不触发对齐。
func (s *Service) List(_ context.Context, opts ...ListOption) ([]*Task, error) {
	options := buildListOptions(opts)
	tasks, err := s.ledger.Read()
	if err != nil {
		return nil, err
	}
	results := make([]*Task, 0, len(tasks))
	for _, task := range tasks {
		if matchesListFilters(task, options) {
			results = append(results, task)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		if options.Order == SortByCreatedAsc {
			if results[i].CreatedAt == results[j].CreatedAt {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt < results[j].CreatedAt
		}
		if results[i].CreatedAt == results[j].CreatedAt {
			return results[i].ID < results[j].ID
		}
		return results[i].CreatedAt > results[j].CreatedAt
	})
	if len(results) > options.Limit {
		results = results[:options.Limit]
	}
	return results, nil
}

// Cleanup 执行一轮保留窗口清理。retentionDays 为零时使用配置默认值。
func (s *Service) Cleanup(ctx context.Context, retentionDays int) (Report, error) {
	retention := s.retention
	if retentionDays > 0 {
		retention = time.Duration(retentionDays) * 24 * time.Hour
	}
	return s.cleaner.Sweep(ctx, retention)
}

// ScheduleSelfRebuild 调度一次特权自重建。
func (s *Service) ScheduleSelfRebuild(ctx context.Context, reason, ref string) (*Task, error) {
	return s.rebuild.Schedule(ctx, reason, ref)
}

// Healing 返回超过启发式阈值仍在运行的工作进程，纯观测。
func (s *Service) Healing(_ context.Context) ([]HealingWorker, error) {
	return s.events.Healing(s.healing, s.now())
}

// Stats 汇总账本中各状态的任务数量。
func (s *Service) Stats(_ context.Context) (TaskStats, error) {
	tasks, err := s.ledger.Read()
	if err != nil {
		return TaskStats{}, err
	}
	stats := TaskStats{}
	for _, task := range tasks {
		stats.Total++
		switch task.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		case StatusAborted:
			stats.Aborted++
		}
	}
	return stats, nil
}

// TaskStats 聚合任务状态的统计信息，常用于健康检查。
type TaskStats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Aborted   int `json:"aborted"`
}
