package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"Sentinel-Brain/internal/continuity"
	"Sentinel-Brain/internal/runtime"
	"Sentinel-Brain/internal/worker"
)

// stubEngine 是常驻内存的容器运行时替身。
type stubEngine struct {
	states map[string]runtime.State
}

func newStubEngine() *stubEngine {
	return &stubEngine{states: map[string]runtime.State{}}
}

func (s *stubEngine) ListWorkers(_ context.Context) ([]string, error) {
	var names []string
	for name, state := range s.states {
		if state.Running {
			names = append(names, name)
		}
	}
	return names, nil
}

func (s *stubEngine) Inspect(_ context.Context, name string) (runtime.State, error) {
	state, ok := s.states[name]
	if !ok {
		return runtime.State{}, runtime.ErrNotFound
	}
	return state, nil
}

func (s *stubEngine) Launch(_ context.Context, spec runtime.LaunchSpec) error {
	s.states[spec.Name] = runtime.State{Name: spec.Name, Running: true}
	return nil
}

func (s *stubEngine) RemoveExited(_ context.Context) (int, error) { return 0, nil }

func newTestServer(t *testing.T) (*Server, *stubEngine) {
	t.Helper()
	dir := t.TempDir()
	doc, err := continuity.NewDocument(filepath.Join(dir, "continuity.md"))
	if err != nil {
		t.Fatalf("create continuity doc: %v", err)
	}
	engine := newStubEngine()
	workers, err := worker.NewService(worker.Options{
		DataDir:    dir,
		Engine:     engine,
		Continuity: doc,
		NamePrefix: "sentinel-worker",
	})
	if err != nil {
		t.Fatalf("create worker service: %v", err)
	}
	return NewServer(":0", workers, nil), engine
}

func TestCreateTaskAccepted(t *testing.T) {
	server, _ := newTestServer(t)

	body := strings.NewReader(`{"instruction": "triage the queue"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", body)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: got %d want %d, body %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	var got worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.ID == "" || got.Status != worker.StatusPending {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestCreateTaskBusyConflict(t *testing.T) {
	server, _ := newTestServer(t)

	first := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"instruction": "one"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, first)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first dispatch failed: %d", rec.Code)
	}
	var created worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode first task: %v", err)
	}

	second := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"instruction": "two"}`))
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, second)

	if rec.Code != http.StatusConflict {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusConflict)
	}
	var failure errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &failure); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if failure.Code != string(worker.CodeWorkerBusy) {
		t.Fatalf("unexpected error code: %q", failure.Code)
	}
	if failure.Metadata["running_task_id"] != created.ID {
		t.Fatalf("error should name the holder, got %+v", failure.Metadata)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"instruction": "  "}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestTaskDetailNotFound(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/no-such-task", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: got %d want %d", rec.Code, http.StatusNotFound)
	}
}

func TestTaskDetailReconciles(t *testing.T) {
	server, engine := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"instruction": "work"}`)))
	var created worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}

	engine.states[created.WorkerRef] = runtime.State{Name: created.WorkerRef, Running: false, ExitCode: 0}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var got worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if got.Status != worker.StatusCompleted {
		t.Fatalf("expected completed after exit, got %s", got.Status)
	}
}

func TestListTasksFilters(t *testing.T) {
	server, engine := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/tasks", strings.NewReader(`{"instruction": "work"}`)))
	var created worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode created task: %v", err)
	}
	engine.states[created.WorkerRef] = runtime.State{Name: created.WorkerRef, Running: false, ExitCode: 0}
	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+created.ID, nil))

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=completed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var tasks []worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("unexpected filter result: %+v", tasks)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tasks?status=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus status filter should be rejected, got %d", rec.Code)
	}
}

func TestCleanupEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/cleanup", strings.NewReader(`{"retention_days": 1}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}
	var report worker.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
}

func TestRebuildEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rebuild", strings.NewReader(`{"reason": "ship the fix"}`))
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d body %s", rec.Code, rec.Body.String())
	}
	var task worker.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.Type != worker.TypeRebuild {
		t.Fatalf("expected privileged rebuild task, got %s", task.Type)
	}
}

func TestTreasuryDisabled(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/treasury/balance?chain=mainnet&address=0x0", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
