package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	xerrors "Sentinel-Brain/internal/errors"
	"Sentinel-Brain/internal/notify"
	"Sentinel-Brain/internal/observability/metrics"
	"Sentinel-Brain/internal/runtime"
	"Sentinel-Brain/pkg/logger"
)

// SpawnRequest 描述一次委派请求。
type SpawnRequest struct {
	Instruction string
	Context     string
	taskType    Type
}

// Spawner 校验护栏并启动一次性的工作容器。全程不等待任务完成，
// 调用立即返回账本里的 pending 快照。
type Spawner struct {
	ledger      *Ledger
	events      *EventLog
	lock        *LockManager
	engine      runtime.Engine
	notifier    notify.Notifier
	dataDir     string
	namePrefix  string
	hostRoot    string
	cooldown    time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewSpawner 构造 Spawner。
func NewSpawner(ledger *Ledger, events *EventLog, lock *LockManager, engine runtime.Engine, opts SpawnerOptions) *Spawner {
	s := &Spawner{
		ledger:      ledger,
		events:      events,
		lock:        lock,
		engine:      engine,
		notifier:    opts.Notifier,
		dataDir:     opts.DataDir,
		namePrefix:  opts.NamePrefix,
		hostRoot:    opts.HostRoot,
		cooldown:    opts.Cooldown,
		maxAttempts: opts.MaxAttempts,
		now:         opts.Now,
	}
	if s.namePrefix == "" {
		s.namePrefix = "sentinel-worker"
	}
	if s.cooldown <= 0 {
		s.cooldown = 60 * time.Second
	}
	if s.maxAttempts <= 0 {
		s.maxAttempts = 1
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SpawnerOptions 收拢 Spawner 的运行参数。
type SpawnerOptions struct {
	Notifier    notify.Notifier
	DataDir     string
	NamePrefix  string
	HostRoot    string
	Cooldown    time.Duration
	MaxAttempts int
	Now         func() time.Time
}

// Spawn 是普通任务的入口，强制任务类型为 standard。
func (s *Spawner) Spawn(ctx context.Context, req SpawnRequest) (*Task, error) {
	if req.taskType == TypeRebuild {
		return nil, ErrRebuildForbidden
	}
	req.taskType = TypeStandard
	return s.spawn(ctx, req)
}

// spawnPrivileged 供自重建协调器复用启动机制，绕过失败冷却。
func (s *Spawner) spawnPrivileged(ctx context.Context, req SpawnRequest) (*Task, error) {
	req.taskType = TypeRebuild
	return s.spawn(ctx, req)
}

func (s *Spawner) spawn(ctx context.Context, req SpawnRequest) (*Task, error) {
	if err := ValidateInstruction(req.Instruction); err != nil {
		return nil, err
	}
	if s.ledger == nil || s.events == nil || s.lock == nil || s.engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "spawner 未初始化")
	}

	// 护栏一：失败冷却，防止崩溃重启风暴。特权自重建任务豁免。
	if req.taskType != TypeRebuild {
		if err := s.checkCooldown(); err != nil {
			return nil, err
		}
	}

	taskID := uuid.NewString()
	workerRef := WorkerName(s.namePrefix, taskID)

	// 护栏二：互斥，同一时刻最多一个工作进程在飞。
	acq, err := s.lock.Acquire(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !acq.Acquired {
		return nil, s.busyError(acq)
	}

	// 护卫性清理：移除已退出的工作容器。失败不阻断 spawn。
	if removed, err := s.engine.RemoveExited(ctx); err != nil {
		logger.L().Warn("清理已退出容器失败", slog.Any("error", err))
	} else if removed > 0 {
		logger.L().Debug("清理已退出容器", slog.Int("removed", removed))
	}

	now := s.now()
	task := &Task{
		ID:          taskID,
		Status:      StatusPending,
		Type:        req.taskType,
		Payload:     Payload{Instruction: req.Instruction, Context: req.Context},
		WorkerRef:   workerRef,
		Attempts:    1,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now.Unix(),
	}
	if err := s.ledger.Append(task); err != nil {
		s.lock.Release(taskID)
		return nil, err
	}

	if err := s.events.Append(Event{
		TaskID:        taskID,
		ContainerName: workerRef,
		EventType:     EventSpawn,
		Timestamp:     now.UnixMilli(),
		SpawnTime:     now.UnixMilli(),
		Status:        string(StatusPending),
	}); err != nil {
		logger.L().Warn("记录 spawn 事件失败", slog.String("task_id", taskID), slog.Any("error", err))
	}

	if err := s.engine.Launch(ctx, runtime.LaunchSpec{
		Name:        workerRef,
		TaskID:      taskID,
		HostRoot:    s.hostRoot,
		Instruction: req.Instruction,
		Context:     req.Context,
	}); err != nil {
		// 已落账的 pending 条目不回滚，留给清理路径以孤儿身份回收；
		// 锁立即释放，避免空等一次失效判定。
		s.lock.Release(taskID)
		logger.L().Error("启动工作容器失败",
			slog.String("task_id", taskID),
			slog.String("container", workerRef),
			slog.Any("error", err),
		)
		return nil, xerrors.Wrap(CodeLaunchFailed, err, "", xerrors.WithMetadata("task_id", taskID))
	}

	logger.Audit().Info("任务已委派",
		slog.String("task_id", taskID),
		slog.String("container", workerRef),
		slog.String("type", string(req.taskType)),
	)
	metrics.ObserveSpawn()
	notify.Emit(ctx, s.notifier, notify.Event{
		Kind:      notify.KindSpawn,
		TaskID:    taskID,
		Container: workerRef,
		Status:    string(StatusPending),
	})
	return cloneTask(task), nil
}

// checkCooldown 在最近完成的任务失败且未满冷却窗口时拒绝 spawn，
// 剩余等待秒数向上取整后写入错误元数据。
func (s *Spawner) checkCooldown() error {
	tasks, err := s.ledger.Read()
	if err != nil {
		return err
	}
	var last *Task
	for _, task := range tasks {
		if !task.Status.Terminal() || task.CompletedAt == 0 {
			continue
		}
		if last == nil || task.CompletedAt > last.CompletedAt {
			last = task
		}
	}
	if last == nil {
		return nil
	}
	failed := last.Status == StatusFailed || (last.ExitCode != nil && *last.ExitCode != 0)
	if !failed {
		return nil
	}
	elapsed := s.now().Sub(time.Unix(last.CompletedAt, 0))
	if elapsed >= s.cooldown {
		return nil
	}
	wait := int(math.Ceil((s.cooldown - elapsed).Seconds()))
	return xerrors.New(CodeCooldownActive,
		fmt.Sprintf("上一个任务 %s 失败，冷却剩余 %d 秒", last.ID, wait),
		xerrors.WithMetadata(MetaRetryAfterSecond, strconv.Itoa(wait)),
		xerrors.WithMetadata(MetaRunningTaskID, last.ID),
	)
}

func (s *Spawner) busyError(acq Acquisition) error {
	opts := []xerrors.Option{xerrors.WithMetadata(MetaRunningTaskID, acq.HolderTaskID)}
	if acq.HolderTaskID != "" {
		if holder, err := s.ledger.Get(acq.HolderTaskID); err == nil {
			opts = append(opts, xerrors.WithMetadata(MetaRunningStatus, string(holder.Status)))
		}
	}
	return xerrors.New(CodeWorkerBusy,
		fmt.Sprintf("任务 %s 正占用工作槽位", acq.HolderTaskID), opts...)
}
