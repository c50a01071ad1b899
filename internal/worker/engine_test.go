package worker

import (
	"context"
	"sync"

	"Sentinel-Brain/internal/runtime"
)

// fakeEngine 是内存中的容器运行时替身，按名字记录容器状态。
type fakeEngine struct {
	mu         sync.Mutex
	states     map[string]runtime.State
	launched   []runtime.LaunchSpec
	launchErr  error
	inspectErr error
	removed    int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{states: map[string]runtime.State{}}
}

func (f *fakeEngine) ListWorkers(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name, state := range f.states {
		if state.Running {
			names = append(names, name)
		}
	}
	return names, nil
}

func (f *fakeEngine) Inspect(_ context.Context, name string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inspectErr != nil {
		return runtime.State{}, f.inspectErr
	}
	state, ok := f.states[name]
	if !ok {
		return runtime.State{}, runtime.ErrNotFound
	}
	return state, nil
}

func (f *fakeEngine) Launch(_ context.Context, spec runtime.LaunchSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = append(f.launched, spec)
	f.states[spec.Name] = runtime.State{Name: spec.Name, Running: true}
	return nil
}

func (f *fakeEngine) RemoveExited(_ context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	removed := 0
	for name, state := range f.states {
		if !state.Running {
			delete(f.states, name)
			removed++
		}
	}
	f.removed += removed
	return removed, nil
}

// exit 把容器标记为已退出并设置退出码。
func (f *fakeEngine) exit(name string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[name] = runtime.State{Name: name, Running: false, ExitCode: code}
}

// vanish 让容器凭空消失。
func (f *fakeEngine) vanish(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, name)
}

var _ runtime.Engine = (*fakeEngine)(nil)
