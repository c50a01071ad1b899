package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	xerrors "Sentinel-Brain/internal/errors"
)

// ErrNotFound 表示指定名字的容器不存在。
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "container not found")

// DockerConfig 描述 docker CLI 实现的参数。
type DockerConfig struct {
	Binary     string
	Image      string
	NamePrefix string
	ExtraArgs  []string
}

// DockerCLI 通过 docker 命令行驱动容器运行时。
type DockerCLI struct {
	binary    string
	image     string
	prefix    string
	extraArgs []string
}

// NewDockerCLI 创建 docker CLI 运行时。
func NewDockerCLI(cfg DockerConfig) (*DockerCLI, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "docker image 不能为空")
	}
	binary := cfg.Binary
	if binary == "" {
		binary = "docker"
	}
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = "sentinel-worker"
	}
	return &DockerCLI{binary: binary, image: cfg.Image, prefix: prefix, extraArgs: cfg.ExtraArgs}, nil
}

// ListWorkers 实现 Engine 接口。
func (d *DockerCLI) ListWorkers(ctx context.Context) ([]string, error) {
	out, err := d.run(ctx, "ps", "--filter", "name="+d.prefix, "--format", "{{.Names}}")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "列出工作容器失败")
	}
	var names []string
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name != "" && strings.HasPrefix(name, d.prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Inspect 实现 Engine 接口。
func (d *DockerCLI) Inspect(ctx context.Context, name string) (State, error) {
	out, err := d.run(ctx, "inspect", "--format", "{{.State.Running}} {{.State.ExitCode}}", name)
	if err != nil {
		if strings.Contains(err.Error(), "No such object") || strings.Contains(err.Error(), "No such container") {
			return State{}, ErrNotFound
		}
		return State{}, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("检视容器 %s 失败", name))
	}
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return State{}, xerrors.New(xerrors.CodeRuntimeFailure, fmt.Sprintf("无法解析容器状态: %q", out))
	}
	running := fields[0] == "true"
	exitCode, convErr := strconv.Atoi(fields[1])
	if convErr != nil {
		return State{}, xerrors.Wrap(xerrors.CodeRuntimeFailure, convErr, "无法解析容器退出码")
	}
	return State{Name: name, Running: running, ExitCode: exitCode}, nil
}

// Launch 实现 Engine 接口。容器以 -d 模式启动，指令与任务上下文通过
// 环境变量传入，宿主根目录挂载到容器内的 /workspace。
//
// 不带 --rm: 退出后的容器必须保留，直到轮询方读到 ExitCode 并落账，
// 之后由 RemoveExited 统一清扫。
func (d *DockerCLI) Launch(ctx context.Context, spec LaunchSpec) error {
	if spec.Name == "" || spec.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "launch 需要容器名与任务 ID")
	}
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"-e", "SENTINEL_TASK_ID=" + spec.TaskID,
		"-e", "SENTINEL_INSTRUCTION=" + spec.Instruction,
	}
	if spec.Context != "" {
		args = append(args, "-e", "SENTINEL_CONTEXT="+spec.Context)
	}
	if spec.HostRoot != "" {
		args = append(args, "-v", spec.HostRoot+":/workspace")
	}
	args = append(args, d.extraArgs...)
	args = append(args, d.image)
	if _, err := d.run(ctx, args...); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("启动工作容器 %s 失败", spec.Name))
	}
	return nil
}

// RemoveExited 实现 Engine 接口。
func (d *DockerCLI) RemoveExited(ctx context.Context) (int, error) {
	out, err := d.run(ctx, "ps", "-a",
		"--filter", "name="+d.prefix,
		"--filter", "status=exited",
		"--format", "{{.Names}}")
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "枚举已退出容器失败")
	}
	removed := 0
	for _, line := range strings.Split(out, "\n") {
		name := strings.TrimSpace(line)
		if name == "" {
			continue
		}
		// 单个删除失败不阻断整体清扫。
		if _, rmErr := d.run(ctx, "rm", name); rmErr == nil {
			removed++
		}
	}
	return removed, nil
}

func (d *DockerCLI) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%s %s: %s", d.binary, args[0], msg)
	}
	return stdout.String(), nil
}

var _ Engine = (*DockerCLI)(nil)
