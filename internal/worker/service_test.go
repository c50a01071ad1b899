package worker

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"Sentinel-Brain/internal/continuity"
)

func newTestService(t *testing.T, engine *fakeEngine) *Service {
	t.Helper()
	dir := t.TempDir()
	doc, err := continuity.NewDocument(filepath.Join(dir, "continuity.md"))
	if err != nil {
		t.Fatalf("create continuity doc: %v", err)
	}
	svc, err := NewService(Options{
		DataDir:    dir,
		Engine:     engine,
		Continuity: doc,
		NamePrefix: "sentinel-worker",
		Cooldown:   time.Second,
	})
	if err != nil {
		t.Fatalf("create service: %v", err)
	}
	return svc
}

func TestServiceSpawnStatusRoundTrip(t *testing.T) {
	engine := newFakeEngine()
	svc := newTestService(t, engine)
	ctx := context.Background()

	task, err := svc.Spawn(ctx, "inspect the backlog", "nightly run")
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	got, err := svc.Status(ctx, task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Status != StatusRunning {
		t.Fatalf("expected running, got %s", got.Status)
	}

	engine.exit(task.WorkerRef, 0)
	got, err = svc.Status(ctx, task.ID)
	if err != nil {
		t.Fatalf("status after exit: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}

	// 槽位已释放，下一个任务可以立即委派。
	if _, err := svc.Spawn(ctx, "next piece of work", ""); err != nil {
		t.Fatalf("spawn after completion: %v", err)
	}
}

func TestServiceListFiltersAndOrders(t *testing.T) {
	svc := newTestService(t, newFakeEngine())
	ctx := context.Background()

	seed := []*Task{
		{ID: "a", Status: StatusCompleted, Type: TypeStandard, CreatedAt: 100},
		{ID: "b", Status: StatusFailed, Type: TypeStandard, CreatedAt: 200},
		{ID: "c", Status: StatusRunning, Type: TypeRebuild, CreatedAt: 300},
	}
	for _, task := range seed {
		if err := svc.ledger.Append(task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}

	all, err := svc.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Fatalf("default order should be newest first: %+v", all)
	}

	asc, err := svc.List(ctx, WithSortOrder(SortByCreatedAsc), WithLimit(2))
	if err != nil {
		t.Fatalf("list asc: %v", err)
	}
	if len(asc) != 2 || asc[0].ID != "a" || asc[1].ID != "b" {
		t.Fatalf("unexpected ascending page: %+v", asc)
	}

	failed, err := svc.List(ctx, WithStatuses(StatusFailed))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "b" {
		t.Fatalf("unexpected status filter result: %+v", failed)
	}

	rebuilds, err := svc.List(ctx, WithTypes(TypeRebuild))
	if err != nil {
		t.Fatalf("list rebuilds: %v", err)
	}
	if len(rebuilds) != 1 || rebuilds[0].ID != "c" {
		t.Fatalf("unexpected type filter result: %+v", rebuilds)
	}
}

func TestServiceStats(t *testing.T) {
	svc := newTestService(t, newFakeEngine())

	seed := []*Task{
		{ID: "a", Status: StatusCompleted},
		{ID: "b", Status: StatusCompleted},
		{ID: "c", Status: StatusFailed},
		{ID: "d", Status: StatusPending},
	}
	for _, task := range seed {
		if err := svc.ledger.Append(task); err != nil {
			t.Fatalf("seed %s: %v", task.ID, err)
		}
	}

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Completed != 2 || stats.Failed != 1 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestServiceStatusRequiresID(t *testing.T) {
	svc := newTestService(t, newFakeEngine())
	if _, err := svc.Status(context.Background(), ""); err == nil {
		t.Fatal("expected rejection of empty task id")
	}
}
