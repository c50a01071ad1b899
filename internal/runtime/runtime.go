package runtime

import "context"

// State 描述一次容器检视的结果。
type State struct {
	Name     string
	Running  bool
	ExitCode int
}

// LaunchSpec 描述一次工作容器的启动请求。
type LaunchSpec struct {
	Name        string
	TaskID      string
	HostRoot    string
	Instruction string
	Context     string
}

// Engine 抽象了编排器消费的容器运行时能力。实现必须把"容器不存在"
// 映射为 ErrNotFound，调用方依赖这一区分来判定任务是否凭空消失。
type Engine interface {
	// ListWorkers 返回所有名字以约定前缀开头、且仍在运行的容器名。
	ListWorkers(ctx context.Context) ([]string, error)
	// Inspect 返回指定容器的运行状态与退出码。
	Inspect(ctx context.Context, name string) (State, error)
	// Launch 以分离模式启动一个新的命名工作容器，立即返回。
	Launch(ctx context.Context, spec LaunchSpec) error
	// RemoveExited 清理所有已退出的工作容器，返回清理数量。
	RemoveExited(ctx context.Context) (int, error)
}
