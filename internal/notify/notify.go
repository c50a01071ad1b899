package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"Sentinel-Brain/pkg/logger"
)

// Kind 区分通知的事件种类。
type Kind string

const (
	KindSpawn    Kind = "spawn"
	KindTerminal Kind = "terminal"
)

// Event 描述一次需要对外广播的生命周期事件。
type Event struct {
	Kind       Kind      `json:"kind"`
	TaskID     string    `json:"task_id"`
	Container  string    `json:"container,omitempty"`
	Status     string    `json:"status,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e Event) marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Notifier 负责把事件投递到某个通道。
type Notifier interface {
	Notify(ctx context.Context, event Event) error
	Close() error
}

// Fanout 把事件广播给多个通知器。
type Fanout struct {
	notifiers []Notifier
}

// NewFanout 创建 Fanout，nil 通知器会被忽略。
func NewFanout(notifiers ...Notifier) *Fanout {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &Fanout{notifiers: set}
}

// Notify 实现 Notifier。
func (f *Fanout) Notify(ctx context.Context, event Event) error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, n := range f.notifiers {
		if err := n.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("notifier %T: %w", n, err))
		}
	}
	return errors.Join(errs...)
}

// Close 实现 Notifier。
func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}
	var errs []error
	for _, n := range f.notifiers {
		errs = append(errs, n.Close())
	}
	return errors.Join(errs...)
}

// LogNotifier 把事件写入结构化日志，是缺省通道。
type LogNotifier struct{}

// Notify 实现 Notifier。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	logger.Audit().Info("worker lifecycle event",
		slog.String("kind", string(event.Kind)),
		slog.String("task_id", event.TaskID),
		slog.String("container", event.Container),
		slog.String("status", event.Status),
		slog.Int64("duration_ms", event.DurationMs),
	)
	return nil
}

// Close 实现 Notifier。
func (LogNotifier) Close() error { return nil }

// Emit 尽力而为地投递事件并吞掉错误，供编排核心在热路径上调用。
func Emit(ctx context.Context, n Notifier, event Event) {
	if n == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	if err := n.Notify(ctx, event); err != nil {
		logger.L().Warn("生命周期事件通知失败",
			slog.String("task_id", event.TaskID),
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
	}
}

var _ Notifier = (*Fanout)(nil)
var _ Notifier = LogNotifier{}
