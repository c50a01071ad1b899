package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	xerrors "Sentinel-Brain/internal/errors"
	"Sentinel-Brain/internal/runtime"
	"Sentinel-Brain/pkg/logger"
)

// lockInfo 是锁标记文件的内容。
type lockInfo struct {
	TaskID    string `json:"task_id"`
	CreatedAt int64  `json:"created_at"`
}

// Acquisition 是一次抢锁的判定结果。
type Acquisition struct {
	Acquired     bool
	HolderTaskID string
	Reason       string
}

// LockManager 用独占创建的标记文件把工作进程的 spawn 串行化。锁不设
// 显式的独立释放接口之外的过期机制：Reconciler 与 Cleaner 在观察到占用
// 任务进入终态时调用 Release；若持有者进程消失而无人释放，下一次
// Acquire 会通过运行时存活性判定其失效并清除。失效判定与独占创建之间
// 存在检查后行动的窗口，独占创建本身保证同一时刻最多一方成功。
type LockManager struct {
	path   string
	engine runtime.Engine
}

// NewLockManager 创建指向 dataDir/worker.lock 的锁管理器。
func NewLockManager(dataDir string, engine runtime.Engine) (*LockManager, error) {
	if dataDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "锁目录不能为空")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(CodeLedgerIO, err, "创建锁目录失败")
	}
	return &LockManager{path: filepath.Join(dataDir, "worker.lock"), engine: engine}, nil
}

// Acquire 尝试为 callerTaskID 抢占唯一的工作槽位。
func (l *LockManager) Acquire(ctx context.Context, callerTaskID string) (Acquisition, error) {
	if callerTaskID == "" {
		return Acquisition{}, xerrors.New(xerrors.CodeInvalidArgument, "抢锁需要任务 ID")
	}

	if holder, ok := l.holder(); ok {
		alive, err := l.anyWorkerAlive(ctx)
		if err != nil {
			return Acquisition{}, err
		}
		if alive {
			return Acquisition{Acquired: false, HolderTaskID: holder.TaskID, Reason: "worker in flight"}, nil
		}
		// 没有存活的工作进程，视为陈旧锁并清除。
		logger.L().Warn("清除陈旧的工作锁", "holder_task_id", holder.TaskID)
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return Acquisition{}, xerrors.Wrap(CodeLedgerIO, err, "删除陈旧锁失败")
		}
	}

	content, err := json.Marshal(lockInfo{TaskID: callerTaskID, CreatedAt: time.Now().Unix()})
	if err != nil {
		return Acquisition{}, xerrors.Wrap(CodeLedgerIO, err, "序列化锁内容失败")
	}
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			// 竞争对手抢先创建。
			holder, _ := l.holder()
			return Acquisition{Acquired: false, HolderTaskID: holder.TaskID, Reason: "lost acquire race"}, nil
		}
		return Acquisition{}, xerrors.Wrap(CodeLedgerIO, err, "创建锁文件失败")
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		os.Remove(l.path)
		return Acquisition{}, xerrors.Wrap(CodeLedgerIO, err, "写入锁文件失败")
	}
	if err := file.Close(); err != nil {
		os.Remove(l.path)
		return Acquisition{}, xerrors.Wrap(CodeLedgerIO, err, "关闭锁文件失败")
	}
	return Acquisition{Acquired: true, HolderTaskID: callerTaskID}, nil
}

// Release 在持有者与 taskID 匹配时移除锁。其他情况静默返回，
// 调用方在观察到终态后尽力而为地释放。
func (l *LockManager) Release(taskID string) {
	holder, ok := l.holder()
	if !ok || holder.TaskID != taskID {
		return
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		logger.L().Warn("释放工作锁失败", "task_id", taskID, "error", err)
	}
}

// Holder 返回当前锁的持有任务 ID，没有锁时返回空串。
func (l *LockManager) Holder() string {
	holder, ok := l.holder()
	if !ok {
		return ""
	}
	return holder.TaskID
}

func (l *LockManager) holder() (lockInfo, bool) {
	content, err := os.ReadFile(l.path)
	if err != nil {
		return lockInfo{}, false
	}
	var info lockInfo
	if err := json.Unmarshal(content, &info); err != nil {
		// 锁文件损坏时仍然报告被占用，交给存活性判定处理。
		return lockInfo{TaskID: "unknown"}, true
	}
	return info, true
}

func (l *LockManager) anyWorkerAlive(ctx context.Context) (bool, error) {
	if l.engine == nil {
		return false, xerrors.New(xerrors.CodeInitializationFailure, "锁管理器缺少容器运行时")
	}
	names, err := l.engine.ListWorkers(ctx)
	if err != nil {
		return false, err
	}
	return len(names) > 0, nil
}
