package worker

import (
	"fmt"
	"strings"

	xerrors "Sentinel-Brain/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusAborted:
		return true
	default:
		return false
	}
}

// Type 区分普通任务与特权自重建任务。
type Type string

const (
	TypeStandard Type = "standard"
	TypeRebuild  Type = "privileged-rebuild"
)

// Payload 是交给工作容器执行的自由文本指令。
type Payload struct {
	Instruction string `json:"instruction"`
	Context     string `json:"context,omitempty"`
}

// Task 描述一个被委派出去的工作单元及其账本状态。ID 全局唯一且不可变；
// 状态只沿 pending → running → {completed|failed|aborted} 推进，进程在
// 记录运行事件前消失时允许从 pending 直接进入 aborted。
type Task struct {
	ID          string  `json:"id"`
	Status      Status  `json:"status"`
	Type        Type    `json:"type"`
	Payload     Payload `json:"payload"`
	WorkerRef   string  `json:"worker_ref,omitempty"`
	ExitCode    *int    `json:"exit_code,omitempty"`
	Output      string  `json:"output,omitempty"`
	Summary     string  `json:"summary,omitempty"`
	Error       string  `json:"error,omitempty"`
	Attempts    int     `json:"attempts"`
	MaxAttempts int     `json:"max_attempts"`
	CreatedAt   int64   `json:"created_at"`
	StartedAt   int64   `json:"started_at,omitempty"`
	CompletedAt int64   `json:"completed_at,omitempty"`
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.ExitCode != nil {
		code := *task.ExitCode
		clone.ExitCode = &code
	}
	return &clone
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrCooldownActive 表示上一个失败任务的冷却窗口尚未结束。
	ErrCooldownActive = xerrors.New(CodeCooldownActive, "failure cooldown active", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrWorkerBusy 表示工作槽位已被占用。
	ErrWorkerBusy = xerrors.New(CodeWorkerBusy, "a worker is already in flight", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrLaunchFailed 表示容器运行时未能启动工作进程。
	ErrLaunchFailed = xerrors.New(CodeLaunchFailed, "worker launch failed")
	// ErrRebuildForbidden 表示普通调用方试图创建特权自重建任务。
	ErrRebuildForbidden = xerrors.New(CodeRebuildForbidden, "privileged-rebuild tasks cannot be created directly")
)

const (
	CodeTaskNotFound     xerrors.Code = "TASK_NOT_FOUND"
	CodeCooldownActive   xerrors.Code = "COOLDOWN_ACTIVE"
	CodeWorkerBusy       xerrors.Code = "WORKER_BUSY"
	CodeLaunchFailed     xerrors.Code = "LAUNCH_FAILED"
	CodeLedgerIO         xerrors.Code = "LEDGER_IO"
	CodeRebuildForbidden xerrors.Code = "REBUILD_FORBIDDEN"
	CodeTaskValidation   xerrors.Code = "TASK_VALIDATION_FAILED"
)

// 元数据键，拒绝类错误通过它们告知调用方阻塞任务与等待时间。
const (
	MetaRunningTaskID    = "running_task_id"
	MetaRunningStatus    = "running_status"
	MetaRetryAfterSecond = "retry_after_seconds"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeCooldownActive, xerrors.Attributes{
		Message:   "failure cooldown active",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeWorkerBusy, xerrors.Attributes{
		Message:   "a worker is already in flight",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
	})
	xerrors.Register(CodeLaunchFailed, xerrors.Attributes{
		Message:   "worker launch failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeLedgerIO, xerrors.Attributes{
		Message:   "task ledger read/write failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeRebuildForbidden, xerrors.Attributes{
		Message:  "privileged-rebuild tasks cannot be created directly",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

// WorkerName 从任务 ID 派生确定性的容器名。
func WorkerName(prefix, taskID string) string {
	id := taskID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s-%s", prefix, id)
}

// ValidateInstruction 校验自由文本指令。
func ValidateInstruction(instruction string) error {
	if strings.TrimSpace(instruction) == "" {
		return xerrors.New(CodeTaskValidation, "任务指令不能为空")
	}
	return nil
}
