package worker

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"Sentinel-Brain/internal/observability/metrics"
	"Sentinel-Brain/internal/runtime"
	"Sentinel-Brain/pkg/logger"
)

// Archiver 在终态任务被裁剪出账本前收走一份副本，用于审计留痕。
// 纯写入侧收敛点，清理路径对归档失败只记日志。
type Archiver interface {
	ArchiveTask(ctx context.Context, task *Task) error
}

// Report 汇总一次清理的处置数量，供审计取用。
type Report struct {
	Aborted   int `json:"aborted"`
	Removed   int `json:"removed"`
	Orphaned  int `json:"orphaned"`
	Remaining int `json:"remaining"`
}

// Cleaner 负责回收消失进程背后的任务、按保留窗口裁剪终态任务，
// 以及清除没有账本条目的孤儿输出工件。单项失败被就地吞掉，
// 整体清扫总能推进。
type Cleaner struct {
	ledger   *Ledger
	events   *EventLog
	lock     *LockManager
	engine   runtime.Engine
	archiver Archiver
	dataDir  string
	now      func() time.Time
}

// CleanerOptions 收拢 Cleaner 的运行参数。
type CleanerOptions struct {
	Archiver Archiver
	DataDir  string
	Now      func() time.Time
}

// NewCleaner 构造 Cleaner。
func NewCleaner(ledger *Ledger, events *EventLog, lock *LockManager, engine runtime.Engine, opts CleanerOptions) *Cleaner {
	c := &Cleaner{
		ledger:   ledger,
		events:   events,
		lock:     lock,
		engine:   engine,
		archiver: opts.Archiver,
		dataDir:  opts.DataDir,
		now:      opts.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Sweep 执行一轮完整清理。retention 为终态任务的保留窗口，
// 年龄从完成时间起算，从未完成的任务退回创建时间。
func (c *Cleaner) Sweep(ctx context.Context, retention time.Duration) (Report, error) {
	report := Report{}
	now := c.now()
	cutoff := now.Add(-retention)

	var forced []*Task
	tasks, err := c.ledger.Mutate(func(tasks []*Task) ([]*Task, error) {
		// 第一步：进程已消失或退出的在飞任务强制置为 aborted。
		for _, task := range tasks {
			if task.Status != StatusRunning && task.Status != StatusPending {
				continue
			}
			if task.WorkerRef == "" {
				continue
			}
			if c.workerGone(ctx, task.WorkerRef) {
				task.Status = StatusAborted
				task.CompletedAt = now.Unix()
				if task.Error == "" {
					task.Error = "worker vanished; force-aborted by cleanup"
				}
				forced = append(forced, cloneTask(task))
				report.Aborted++
			}
		}

		// 第二步：按保留窗口裁剪终态任务。
		kept := tasks[:0]
		for _, task := range tasks {
			if !c.expired(task, cutoff) {
				kept = append(kept, task)
				continue
			}
			if c.archiver != nil {
				if err := c.archiver.ArchiveTask(ctx, cloneTask(task)); err != nil {
					logger.L().Warn("归档终态任务失败",
						slog.String("task_id", task.ID),
						slog.Any("error", err),
					)
				}
			}
			if err := os.Remove(ArtifactPath(c.dataDir, task.ID)); err != nil && !os.IsNotExist(err) {
				logger.L().Warn("删除任务工件失败", slog.String("task_id", task.ID), slog.Any("error", err))
			}
			report.Removed++
		}
		return kept, nil
	})
	if err != nil {
		return Report{}, err
	}

	// 强制 aborted 的任务补终态事件并归还锁。
	for _, task := range forced {
		if hasTerminal, err := c.events.HasTerminal(task.ID); err == nil && !hasTerminal {
			completion := now.UnixMilli()
			ev := Event{
				TaskID:         task.ID,
				ContainerName:  task.WorkerRef,
				EventType:      EventAborted,
				Timestamp:      completion,
				Status:         string(StatusAborted),
				CompletionTime: completion,
				Error:          task.Error,
			}
			if spawn, ok, _ := c.events.SpawnOf(task.ID); ok && spawn.SpawnTime > 0 {
				ev.SpawnTime = spawn.SpawnTime
				ev.DurationMs = completion - spawn.SpawnTime
			}
			if err := c.events.Append(ev); err != nil {
				logger.L().Warn("记录强制终止事件失败", slog.String("task_id", task.ID), slog.Any("error", err))
			}
		}
		metrics.ObserveTerminal(string(StatusAborted))
		c.lock.Release(task.ID)
	}

	report.Remaining = len(tasks)
	report.Orphaned = c.sweepOrphans(tasks)

	logger.Audit().Info("清理完成",
		slog.Int("aborted", report.Aborted),
		slog.Int("removed", report.Removed),
		slog.Int("orphaned", report.Orphaned),
		slog.Int("remaining", report.Remaining),
	)
	return report, nil
}

// workerGone 判断容器是否已消失或退出。运行时查询失败时保守地视为仍在。
func (c *Cleaner) workerGone(ctx context.Context, name string) bool {
	state, err := c.engine.Inspect(ctx, name)
	if stdErrors.Is(err, runtime.ErrNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return !state.Running
}

// expired 判断终态任务是否超出保留窗口。
func (c *Cleaner) expired(task *Task, cutoff time.Time) bool {
	if !task.Status.Terminal() {
		return false
	}
	ref := task.CompletedAt
	if ref == 0 {
		ref = task.CreatedAt
	}
	return time.Unix(ref, 0).Before(cutoff)
}

// sweepOrphans 删除账本上没有对应任务的输出工件，不论其年龄。
func (c *Cleaner) sweepOrphans(tasks []*Task) int {
	known := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		known[task.ID] = true
	}
	entries, err := os.ReadDir(OutputsDir(c.dataDir))
	if err != nil {
		return 0
	}
	orphaned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		taskID := strings.TrimSuffix(entry.Name(), ".log")
		if known[taskID] {
			continue
		}
		if err := os.Remove(ArtifactPath(c.dataDir, taskID)); err != nil {
			logger.L().Warn("删除孤儿工件失败", slog.String("task_id", taskID), slog.Any("error", err))
			continue
		}
		orphaned++
	}
	return orphaned
}
