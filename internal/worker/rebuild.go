package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"Sentinel-Brain/internal/continuity"
	xerrors "Sentinel-Brain/internal/errors"
	"Sentinel-Brain/pkg/logger"
)

// RebuildCoordinator 调度特权的自重建任务：由一个一次性工作进程拉取
// 最新代码、重建并重启编排器本体。这是唯一允许绕过失败冷却的任务
// 类型；普通调用方永远拿不到这个类型。调度前先把当前编排器状态前插
// 到延续性文档，重启后的实例据此恢复上下文。
type RebuildCoordinator struct {
	spawner  *Spawner
	ledger   *Ledger
	doc      *continuity.Document
	deadline time.Duration
	now      func() time.Time
}

// NewRebuildCoordinator 构造 RebuildCoordinator。
func NewRebuildCoordinator(spawner *Spawner, ledger *Ledger, doc *continuity.Document, deadline time.Duration, now func() time.Time) *RebuildCoordinator {
	rc := &RebuildCoordinator{
		spawner:  spawner,
		ledger:   ledger,
		doc:      doc,
		deadline: deadline,
		now:      now,
	}
	if rc.deadline <= 0 {
		rc.deadline = 10 * time.Minute
	}
	if rc.now == nil {
		rc.now = time.Now
	}
	return rc
}

// Schedule 记录交接状态并委派自重建任务。
func (rc *RebuildCoordinator) Schedule(ctx context.Context, reason, ref string) (*Task, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, xerrors.New(CodeTaskValidation, "自重建必须给出原因")
	}
	if rc.spawner == nil || rc.doc == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "自重建协调器未初始化")
	}

	if err := rc.doc.Prepend(rc.handoffEntry(reason, ref)); err != nil {
		return nil, err
	}

	task, err := rc.spawner.spawnPrivileged(ctx, SpawnRequest{
		Instruction: rc.instruction(ref),
		Context:     fmt.Sprintf("reason: %s", reason),
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("已调度自重建",
		slog.String("task_id", task.ID),
		slog.String("reason", reason),
		slog.String("ref", ref),
	)
	return task, nil
}

// handoffEntry 组装写入延续性文档的状态快照。
func (rc *RebuildCoordinator) handoffEntry(reason, ref string) string {
	now := rc.now()
	var b strings.Builder
	b.WriteString(continuity.Stamp("self-rebuild handoff", now))
	b.WriteString("\n")
	fmt.Fprintf(&b, "- reason: %s\n", reason)
	if ref != "" {
		fmt.Fprintf(&b, "- ref: %s\n", ref)
	}
	if rc.ledger != nil {
		if tasks, err := rc.ledger.Read(); err == nil {
			open := 0
			for _, task := range tasks {
				if !task.Status.Terminal() {
					open++
					fmt.Fprintf(&b, "- in-flight task: %s (%s)\n", task.ID, task.Status)
				}
			}
			fmt.Fprintf(&b, "- ledger: %d tasks total, %d in flight\n", len(tasks), open)
		}
	}
	return b.String()
}

// instruction 生成交给重建工作进程的指令文本。
func (rc *RebuildCoordinator) instruction(ref string) string {
	target := "the default branch"
	if ref != "" {
		target = fmt.Sprintf("ref %q", ref)
	}
	return strings.Join([]string{
		fmt.Sprintf("Pull the latest orchestrator code from %s.", target),
		"Rebuild the sentineld binary and restart the service.",
		fmt.Sprintf("Poll the health endpoint until it answers, giving up after %s.", rc.deadline),
		"Write a report of the outcome, ending with a '## summary' section.",
	}, " ")
}
