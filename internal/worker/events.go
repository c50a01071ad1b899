package worker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Sentinel-Brain/internal/errors"
)

// EventType 区分工作进程的生命周期事件。
type EventType string

const (
	EventSpawn    EventType = "spawn"
	EventComplete EventType = "complete"
	EventFailed   EventType = "failed"
	EventAborted  EventType = "aborted"
)

// Event 记录一次 spawn 或终态事件，时间戳均为 Unix 毫秒。
type Event struct {
	ID             string    `json:"id"`
	TaskID         string    `json:"task_id"`
	ContainerName  string    `json:"container_name"`
	EventType      EventType `json:"event_type"`
	Timestamp      int64     `json:"timestamp"`
	Status         string    `json:"status,omitempty"`
	SpawnTime      int64     `json:"spawn_time,omitempty"`
	CompletionTime int64     `json:"completion_time,omitempty"`
	DurationMs     int64     `json:"duration_ms,omitempty"`
	ExitCode       *int      `json:"exit_code,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// HealingWorker 描述一个超过启发式阈值仍未出现终态事件的工作进程。
// 纯观测用途，不会触发任何终止动作。
type HealingWorker struct {
	TaskID        string `json:"task_id"`
	ContainerName string `json:"container_name"`
	SpawnedAt     int64  `json:"spawned_at"`
	ElapsedMs     int64  `json:"elapsed_ms"`
}

// EventLog 以单个 JSON 文档保存事件流，只增不改。
type EventLog struct {
	mu   sync.Mutex
	path string
}

// NewEventLog 创建指向 dataDir/worker-events.json 的事件存储。
func NewEventLog(dataDir string) (*EventLog, error) {
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "事件目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(CodeLedgerIO, err, "创建事件目录失败")
	}
	return &EventLog{path: filepath.Join(dataDir, "worker-events.json")}, nil
}

// Append 追加一条事件。未填 ID 或时间戳时自动补齐。
func (e *EventLog) Append(ev Event) error {
	if ev.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "事件必须携带任务 ID")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	events, err := e.load()
	if err != nil {
		return err
	}
	events = append(events, ev)
	return writeJSONAtomic(e.path, events)
}

// All 返回全部事件。
func (e *EventLog) All() ([]Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.load()
}

// SpawnOf 返回指定任务的 spawn 事件。
func (e *EventLog) SpawnOf(taskID string) (Event, bool, error) {
	events, err := e.All()
	if err != nil {
		return Event{}, false, err
	}
	for _, ev := range events {
		if ev.TaskID == taskID && ev.EventType == EventSpawn {
			return ev, true, nil
		}
	}
	return Event{}, false, nil
}

// HasTerminal 判断指定任务是否已记录终态事件。
func (e *EventLog) HasTerminal(taskID string) (bool, error) {
	events, err := e.All()
	if err != nil {
		return false, err
	}
	for _, ev := range events {
		if ev.TaskID != taskID {
			continue
		}
		switch ev.EventType {
		case EventComplete, EventFailed, EventAborted:
			return true, nil
		}
	}
	return false, nil
}

// Healing 返回 spawn 后超过阈值仍无终态事件的工作进程。超过阈值被解读
// 为"合法的长时运行"而非卡死，因此只分类、不处置。
func (e *EventLog) Healing(threshold time.Duration, now time.Time) ([]HealingWorker, error) {
	events, err := e.All()
	if err != nil {
		return nil, err
	}
	terminal := make(map[string]bool)
	for _, ev := range events {
		switch ev.EventType {
		case EventComplete, EventFailed, EventAborted:
			terminal[ev.TaskID] = true
		}
	}
	var healing []HealingWorker
	for _, ev := range events {
		if ev.EventType != EventSpawn || terminal[ev.TaskID] {
			continue
		}
		spawned := time.UnixMilli(ev.Timestamp)
		elapsed := now.Sub(spawned)
		if elapsed < threshold {
			continue
		}
		healing = append(healing, HealingWorker{
			TaskID:        ev.TaskID,
			ContainerName: ev.ContainerName,
			SpawnedAt:     ev.Timestamp,
			ElapsedMs:     elapsed.Milliseconds(),
		})
	}
	return healing, nil
}

func (e *EventLog) load() ([]Event, error) {
	content, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, xerrors.Wrap(CodeLedgerIO, err, "读取事件存储失败")
	}
	var events []Event
	if err := json.Unmarshal(content, &events); err != nil {
		return nil, xerrors.Wrap(CodeLedgerIO, err, "解析事件存储失败")
	}
	return events, nil
}
