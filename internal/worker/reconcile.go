package worker

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"Sentinel-Brain/internal/notify"
	"Sentinel-Brain/internal/observability/metrics"
	"Sentinel-Brain/internal/runtime"
	"Sentinel-Brain/pkg/logger"
)

// Reconciler 把账本状态对齐到容器运行时的现实。它只在调用方查询任务
// 状态时工作，没有后台轮询循环；完成因此是惰性发现的，发生在退出后的
// 下一次查询。对同一终态任务的重复查询收敛到同一快照，不会重复记录
// 终态事件。
type Reconciler struct {
	ledger    *Ledger
	events    *EventLog
	lock      *LockManager
	engine    runtime.Engine
	notifier  notify.Notifier
	dataDir   string
	tailBytes int
	now       func() time.Time
}

// ReconcilerOptions 收拢 Reconciler 的运行参数。
type ReconcilerOptions struct {
	Notifier  notify.Notifier
	DataDir   string
	TailBytes int
	Now       func() time.Time
}

// NewReconciler 构造 Reconciler。
func NewReconciler(ledger *Ledger, events *EventLog, lock *LockManager, engine runtime.Engine, opts ReconcilerOptions) *Reconciler {
	r := &Reconciler{
		ledger:    ledger,
		events:    events,
		lock:      lock,
		engine:    engine,
		notifier:  opts.Notifier,
		dataDir:   opts.DataDir,
		tailBytes: opts.TailBytes,
		now:       opts.Now,
	}
	if r.tailBytes <= 0 {
		r.tailBytes = 4096
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Status 返回对齐后的任务快照。
func (r *Reconciler) Status(ctx context.Context, taskID string) (*Task, error) {
	task, err := r.ledger.Get(taskID)
	if err != nil {
		return nil, err
	}
	if task.Status.Terminal() {
		return task, nil
	}
	if task.WorkerRef == "" {
		// 没有容器引用的非终态任务无从对齐，原样返回。
		return task, nil
	}

	// 防御性归一：账本称 running 却没有 spawn 事件时补一条，
	// 让中途观察到的任务也能参与时长统计。
	if task.Status == StatusRunning {
		if _, ok, err := r.events.SpawnOf(taskID); err == nil && !ok {
			backfill := Event{
				TaskID:        taskID,
				ContainerName: task.WorkerRef,
				EventType:     EventSpawn,
				Status:        string(StatusRunning),
				SpawnTime:     task.StartedAt * 1000,
			}
			if backfill.SpawnTime == 0 {
				backfill.SpawnTime = task.CreatedAt * 1000
			}
			if err := r.events.Append(backfill); err != nil {
				logger.L().Warn("补记 spawn 事件失败", slog.String("task_id", taskID), slog.Any("error", err))
			}
		}
	}

	state, err := r.engine.Inspect(ctx, task.WorkerRef)
	switch {
	case stdErrors.Is(err, runtime.ErrNotFound):
		// 进程在记录退出前消失，合成错误并直接置为 aborted。
		return r.finalize(ctx, task, StatusAborted, nil, "worker container disappeared before reporting an exit")
	case err != nil:
		// 运行时暂时不可用时返回上一个快照，下一次轮询重试。
		logger.L().Warn("检视工作容器失败，返回账本快照",
			slog.String("task_id", taskID),
			slog.Any("error", err),
		)
		return task, nil
	}

	if state.Running {
		if task.Status == StatusPending {
			// 容器已被观察到在运行，归一化为 running。
			updated, err := r.ledger.Update(taskID, func(t *Task) error {
				if t.Status != StatusPending {
					return nil
				}
				t.Status = StatusRunning
				t.StartedAt = r.now().Unix()
				return nil
			})
			if err != nil {
				return task, nil
			}
			return updated, nil
		}
		return task, nil
	}

	status := StatusCompleted
	if state.ExitCode != 0 {
		status = StatusFailed
	}
	exitCode := state.ExitCode
	return r.finalize(ctx, task, status, &exitCode, "")
}

// finalize 执行终态迁移：落账、抽取输出工件、补终态事件、释放锁。
func (r *Reconciler) finalize(ctx context.Context, task *Task, status Status, exitCode *int, synthErr string) (*Task, error) {
	completedAt := r.now()
	tail, summary := readArtifact(r.dataDir, task.ID, r.tailBytes)

	updated, err := r.ledger.Update(task.ID, func(t *Task) error {
		if t.Status.Terminal() {
			// 并发的另一次对齐抢先完成，保持其结果。
			status = t.Status
			return nil
		}
		t.Status = status
		t.ExitCode = exitCode
		t.CompletedAt = completedAt.Unix()
		if t.StartedAt == 0 {
			t.StartedAt = t.CreatedAt
		}
		if tail != "" {
			t.Output = tail
		}
		if summary != "" {
			t.Summary = summary
		}
		if synthErr != "" {
			t.Error = synthErr
		} else if status == StatusFailed && exitCode != nil {
			t.Error = "worker exited with nonzero code"
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if hasTerminal, err := r.events.HasTerminal(task.ID); err == nil && !hasTerminal {
		eventType := EventComplete
		switch updated.Status {
		case StatusFailed:
			eventType = EventFailed
		case StatusAborted:
			eventType = EventAborted
		}
		completion := completedAt.UnixMilli()
		ev := Event{
			TaskID:         task.ID,
			ContainerName:  task.WorkerRef,
			EventType:      eventType,
			Timestamp:      completion,
			Status:         string(updated.Status),
			CompletionTime: completion,
			ExitCode:       exitCode,
			Error:          synthErr,
		}
		if spawn, ok, _ := r.events.SpawnOf(task.ID); ok {
			ev.SpawnTime = spawn.SpawnTime
			if ev.SpawnTime == 0 {
				ev.SpawnTime = spawn.Timestamp
			}
			if ev.SpawnTime > 0 {
				ev.DurationMs = completion - ev.SpawnTime
			}
		}
		if err := r.events.Append(ev); err != nil {
			logger.L().Warn("记录终态事件失败", slog.String("task_id", task.ID), slog.Any("error", err))
		}
		metrics.ObserveTerminal(string(updated.Status))
		notify.Emit(ctx, r.notifier, notify.Event{
			Kind:       notify.KindTerminal,
			TaskID:     task.ID,
			Container:  task.WorkerRef,
			Status:     string(updated.Status),
			ExitCode:   exitCode,
			DurationMs: ev.DurationMs,
			Error:      synthErr,
		})
	}

	// 占用任务已到终态，显式归还工作槽位。
	r.lock.Release(task.ID)

	logger.Audit().Info("任务进入终态",
		slog.String("task_id", task.ID),
		slog.String("status", string(updated.Status)),
	)
	return updated, nil
}
