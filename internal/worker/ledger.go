package worker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	xerrors "Sentinel-Brain/internal/errors"
)

const ledgerVersion = 1

// ledgerDocument 是账本在磁盘上的完整形态，整个文件原子重写。
type ledgerDocument struct {
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

// Ledger 以单个 JSON 文档持久化全部任务。写入始终走临时文件加原子
// 重命名，读者要么看到旧文档要么看到新文档，绝不会看到半截内容。
// 进程内的互斥锁把本进程的读改写串行化；跨进程的并发修改按
// 最后写入者胜出处理，spawn 路径已由文件锁串行化。
type Ledger struct {
	mu   sync.Mutex
	path string
}

// NewLedger 创建指向 dataDir/tasks.json 的账本。
func NewLedger(dataDir string) (*Ledger, error) {
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "账本目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(CodeLedgerIO, err, "创建账本目录失败")
	}
	return &Ledger{path: filepath.Join(dataDir, "tasks.json")}, nil
}

// Path 返回账本文件位置，仅用于日志与诊断。
func (l *Ledger) Path() string {
	return l.path
}

// Read 返回全部任务的快照副本。
func (l *Ledger) Read() ([]*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(doc.Tasks))
	for _, task := range doc.Tasks {
		tasks = append(tasks, cloneTask(task))
	}
	return tasks, nil
}

// Get 返回指定任务的快照副本。
func (l *Ledger) Get(id string) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	for _, task := range doc.Tasks {
		if task.ID == id {
			return cloneTask(task), nil
		}
	}
	return nil, ErrTaskNotFound
}

// Append 追加一个新任务。同名 ID 视为冲突。
func (l *Ledger) Append(task *Task) error {
	if task == nil || task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务及其 ID 不能为空")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return err
	}
	for _, existing := range doc.Tasks {
		if existing.ID == task.ID {
			return xerrors.New(xerrors.CodeConflict, fmt.Sprintf("任务 %s 已存在", task.ID))
		}
	}
	doc.Tasks = append(doc.Tasks, cloneTask(task))
	return l.persist(doc)
}

// Update 对指定任务执行读改写。回调返回错误时放弃整次写入。
func (l *Ledger) Update(id string, fn func(*Task) error) (*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	for _, task := range doc.Tasks {
		if task.ID != id {
			continue
		}
		if err := fn(task); err != nil {
			return nil, err
		}
		if err := l.persist(doc); err != nil {
			return nil, err
		}
		return cloneTask(task), nil
	}
	return nil, ErrTaskNotFound
}

// Mutate 对整个任务列表执行读改写，清理路径用它一次完成改动与裁剪。
func (l *Ledger) Mutate(fn func([]*Task) ([]*Task, error)) ([]*Task, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	next, err := fn(doc.Tasks)
	if err != nil {
		return nil, err
	}
	doc.Tasks = next
	if err := l.persist(doc); err != nil {
		return nil, err
	}
	tasks := make([]*Task, 0, len(doc.Tasks))
	for _, task := range doc.Tasks {
		tasks = append(tasks, cloneTask(task))
	}
	return tasks, nil
}

func (l *Ledger) load() (*ledgerDocument, error) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &ledgerDocument{Version: ledgerVersion}, nil
		}
		return nil, xerrors.Wrap(CodeLedgerIO, err, "读取任务账本失败")
	}
	var doc ledgerDocument
	if err := json.Unmarshal(content, &doc); err != nil {
		return nil, xerrors.Wrap(CodeLedgerIO, err, "解析任务账本失败")
	}
	if doc.Version == 0 {
		doc.Version = ledgerVersion
	}
	return &doc, nil
}

func (l *Ledger) persist(doc *ledgerDocument) error {
	doc.Version = ledgerVersion
	return writeJSONAtomic(l.path, doc)
}

// writeJSONAtomic 先写同目录下的临时文件再原子重命名到目标路径。
func writeJSONAtomic(path string, value any) error {
	content, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return xerrors.Wrap(CodeLedgerIO, err, "序列化失败")
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return xerrors.Wrap(CodeLedgerIO, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(CodeLedgerIO, err, "写入临时文件失败")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(CodeLedgerIO, err, "刷盘失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(CodeLedgerIO, err, "关闭临时文件失败")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(CodeLedgerIO, err, "原子替换失败")
	}
	return nil
}
