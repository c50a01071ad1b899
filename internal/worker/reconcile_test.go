package worker

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// testHarness 装配一整套编排组件，供对齐与清理测试复用。
type testHarness struct {
	dir        string
	engine     *fakeEngine
	ledger     *Ledger
	events     *EventLog
	lock       *LockManager
	spawner    *Spawner
	reconciler *Reconciler
	now        *time.Time
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	engine := newFakeEngine()
	now := time.Unix(1_700_000_000, 0)

	ledger, err := NewLedger(dir)
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	events, err := NewEventLog(dir)
	if err != nil {
		t.Fatalf("create event log: %v", err)
	}
	lock, err := NewLockManager(dir, engine)
	if err != nil {
		t.Fatalf("create lock manager: %v", err)
	}

	h := &testHarness{dir: dir, engine: engine, ledger: ledger, events: events, lock: lock, now: &now}
	h.spawner = NewSpawner(ledger, events, lock, engine, SpawnerOptions{
		DataDir:    dir,
		NamePrefix: "sentinel-worker",
		Cooldown:   60 * time.Second,
		Now:        func() time.Time { return *h.now },
	})
	h.reconciler = NewReconciler(ledger, events, lock, engine, ReconcilerOptions{
		DataDir:   dir,
		TailBytes: 4096,
		Now:       func() time.Time { return *h.now },
	})
	return h
}

func (h *testHarness) spawn(t *testing.T, instruction string) *Task {
	t.Helper()
	task, err := h.spawner.Spawn(context.Background(), SpawnRequest{Instruction: instruction})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	return task
}

func (h *testHarness) writeArtifact(t *testing.T, taskID, content string) {
	t.Helper()
	if err := os.MkdirAll(OutputsDir(h.dir), 0o755); err != nil {
		t.Fatalf("mkdir outputs: %v", err)
	}
	if err := os.WriteFile(ArtifactPath(h.dir, taskID), []byte(content), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
}

func TestStatusPendingBecomesRunning(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")

	got, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running after observing live container, got %s", got.Status)
	}
	if got.StartedAt == 0 {
		t.Fatal("started_at not stamped")
	}
}

func TestStatusCompletionExtractsArtifact(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")
	h.writeArtifact(t, task.ID, "step one\nstep two\n## summary\nall good\n")
	h.engine.exit(task.WorkerRef, 0)
	*h.now = h.now.Add(90 * time.Second)

	got, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("unexpected exit code: %v", got.ExitCode)
	}
	if got.Summary != "all good" {
		t.Fatalf("unexpected summary: %q", got.Summary)
	}
	if got.Output == "" {
		t.Fatal("output tail missing")
	}
	if h.lock.Holder() != "" {
		t.Fatalf("lock not released on completion, holder %q", h.lock.Holder())
	}

	hasTerminal, err := h.events.HasTerminal(task.ID)
	if err != nil || !hasTerminal {
		t.Fatalf("terminal event missing: %v", err)
	}
}

func TestStatusFailureOnNonzeroExit(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")
	h.engine.exit(task.WorkerRef, 2)

	got, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 2 {
		t.Fatalf("unexpected exit code: %v", got.ExitCode)
	}
	if got.Error == "" {
		t.Fatal("failure should carry an error message")
	}
}

func TestStatusVanishedContainerAborts(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")
	h.engine.vanish(task.WorkerRef)

	got, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", got.Status)
	}
	if got.Error == "" {
		t.Fatal("aborted task should carry a synthetic error")
	}
	if h.lock.Holder() != "" {
		t.Fatalf("lock not released on abort, holder %q", h.lock.Holder())
	}
}

func TestStatusTerminalIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")
	h.engine.exit(task.WorkerRef, 0)

	first, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("first status: %v", err)
	}
	second, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("second status: %v", err)
	}
	if first.Status != second.Status || first.CompletedAt != second.CompletedAt {
		t.Fatalf("terminal snapshot changed: %+v vs %+v", first, second)
	}

	all, err := h.events.All()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	terminal := 0
	for _, ev := range all {
		if ev.TaskID == task.ID && ev.EventType != EventSpawn {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected exactly one terminal event, got %d", terminal)
	}
}

func TestStatusRuntimeErrorReturnsSnapshot(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")
	h.engine.inspectErr = errors.New("docker daemon busy")

	got, err := h.reconciler.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("transient runtime error must not fail the query: %v", err)
	}
	if got.Status != StatusPending {
		t.Fatalf("expected stale pending snapshot, got %s", got.Status)
	}
}

func TestStatusTerminalEventCarriesDuration(t *testing.T) {
	h := newTestHarness(t)
	task := h.spawn(t, "work")
	h.engine.exit(task.WorkerRef, 0)
	*h.now = h.now.Add(42 * time.Second)

	if _, err := h.reconciler.Status(context.Background(), task.ID); err != nil {
		t.Fatalf("status: %v", err)
	}

	all, err := h.events.All()
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	for _, ev := range all {
		if ev.TaskID == task.ID && ev.EventType == EventComplete {
			if ev.DurationMs != 42_000 {
				t.Fatalf("unexpected duration: %d", ev.DurationMs)
			}
			return
		}
	}
	t.Fatal("complete event not found")
}
