package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeDockerScript 伪装 docker CLI，按子命令输出固定结果。
const fakeDockerScript = `#!/bin/sh
cmd="$1"
shift
case "$cmd" in
  ps)
    printf 'sentinel-worker-aaaa\nsentinel-worker-bbbb\n'
    ;;
  inspect)
    for arg in "$@"; do name="$arg"; done
    if [ "$name" = "missing" ]; then
      echo "Error: No such object: missing" >&2
      exit 1
    fi
    echo "false 3"
    ;;
  run)
    printf '%s\n' "$@" > "$(dirname "$0")/run-args"
    echo "c0ffee"
    ;;
  rm)
    exit 0
    ;;
esac
`

func newFakeDocker(t *testing.T) (*DockerCLI, string) {
	t.Helper()
	dir := t.TempDir()
	binary := filepath.Join(dir, "docker")
	if err := os.WriteFile(binary, []byte(fakeDockerScript), 0o755); err != nil {
		t.Fatalf("write fake docker: %v", err)
	}
	cli, err := NewDockerCLI(DockerConfig{Binary: binary, Image: "sentinel/worker:latest"})
	if err != nil {
		t.Fatalf("create docker cli: %v", err)
	}
	return cli, dir
}

func TestNewDockerCLIRequiresImage(t *testing.T) {
	if _, err := NewDockerCLI(DockerConfig{}); err == nil {
		t.Fatal("expected rejection of empty image")
	}
}

func TestListWorkersParsesNames(t *testing.T) {
	cli, _ := newFakeDocker(t)
	names, err := cli.ListWorkers(context.Background())
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(names) != 2 || names[0] != "sentinel-worker-aaaa" {
		t.Fatalf("unexpected names: %v", names)
	}
}

func TestInspectParsesState(t *testing.T) {
	cli, _ := newFakeDocker(t)
	state, err := cli.Inspect(context.Background(), "sentinel-worker-aaaa")
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if state.Running {
		t.Fatal("expected stopped container")
	}
	if state.ExitCode != 3 {
		t.Fatalf("unexpected exit code: %d", state.ExitCode)
	}
}

func TestInspectMissingContainer(t *testing.T) {
	cli, _ := newFakeDocker(t)
	_, err := cli.Inspect(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLaunchValidatesSpec(t *testing.T) {
	cli, _ := newFakeDocker(t)
	if err := cli.Launch(context.Background(), LaunchSpec{}); err == nil {
		t.Fatal("expected rejection of empty launch spec")
	}
	if err := cli.Launch(context.Background(), LaunchSpec{
		Name: "sentinel-worker-aaaa", TaskID: "t1", Instruction: "work",
	}); err != nil {
		t.Fatalf("launch: %v", err)
	}
}

// 退出后的容器必须留到轮询方读完 ExitCode 再由 RemoveExited 清扫，
// 启动参数带 --rm 会让 daemon 在退出瞬间删掉容器。
func TestLaunchDoesNotAutoRemoveContainer(t *testing.T) {
	cli, dir := newFakeDocker(t)
	if err := cli.Launch(context.Background(), LaunchSpec{
		Name: "sentinel-worker-cccc", TaskID: "t2", Instruction: "work",
		Context: "ctx", HostRoot: "/srv/sentinel",
	}); err != nil {
		t.Fatalf("launch: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(dir, "run-args"))
	if err != nil {
		t.Fatalf("read recorded run args: %v", err)
	}
	args := strings.Fields(string(raw))
	for _, arg := range args {
		if arg == "--rm" {
			t.Fatalf("run args request auto removal: %v", args)
		}
	}
	if args[len(args)-1] != "sentinel/worker:latest" {
		t.Fatalf("image must be the last argument: %v", args)
	}
}
