package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "Sentinel-Brain/internal/errors"
	"Sentinel-Brain/internal/observability/metrics"
	"Sentinel-Brain/internal/treasury"
	"Sentinel-Brain/internal/worker"
	"Sentinel-Brain/pkg/logger"
)

// Server 负责暴露 REST 接口，供外部调度器驱动编排服务。
type Server struct {
	addr     string
	workers  *worker.Service
	treasury *treasury.Reader
}

// NewServer 构造 API 服务实例。treasury 可以为 nil，此时余额接口返回 404。
func NewServer(addr string, workers *worker.Service, reader *treasury.Reader) *Server {
	return &Server{addr: addr, workers: workers, treasury: reader}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Handler 返回挂载了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/tasks", instrument("tasks", s.handleTasks))
	mux.HandleFunc("/api/v1/tasks/", instrument("task_detail", s.handleTaskDetail))
	mux.HandleFunc("/api/v1/cleanup", instrument("cleanup", s.handleCleanup))
	mux.HandleFunc("/api/v1/rebuild", instrument("rebuild", s.handleRebuild))
	mux.HandleFunc("/api/v1/stats", instrument("stats", s.handleStats))
	mux.HandleFunc("/api/v1/healing", instrument("healing", s.handleHealing))
	mux.HandleFunc("/api/v1/treasury/balance", instrument("treasury_balance", s.handleTreasuryBalance))
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler(s.taskGauge))
	return mux
}

// taskGauge 在抓取时刻读出账本里各状态的任务数。
func (s *Server) taskGauge() map[string]int {
	stats, err := s.workers.Stats(context.Background())
	if err != nil {
		return nil
	}
	return map[string]int{
		"pending":   stats.Pending,
		"running":   stats.Running,
		"completed": stats.Completed,
		"failed":    stats.Failed,
		"aborted":   stats.Aborted,
	}
}

// statusRecorder 截获写出的状态码供指标使用。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	}
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateTask(w, r)
	case http.MethodGet:
		s.handleListTasks(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

type createTaskRequest struct {
	Instruction string `json:"instruction"`
	Context     string `json:"context,omitempty"`
}

// handleCreateTask 处理派遣新工作进程的请求。
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	task, err := s.workers.Spawn(r.Context(), req.Instruction, req.Context)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts := []worker.ListOption{}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, worker.WithLimit(parsed))
		}
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses := []worker.Status{}
		for _, item := range strings.Split(raw, ",") {
			status := worker.Status(strings.TrimSpace(item))
			if !worker.IsValidStatus(status) {
				http.Error(w, "无效的任务状态: "+string(status), http.StatusBadRequest)
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, worker.WithStatuses(statuses...))
	}
	if r.URL.Query().Get("order") == "asc" {
		opts = append(opts, worker.WithSortOrder(worker.SortByCreatedAsc))
	}

	tasks, err := s.workers.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

// handleTaskDetail 按 ID 查询单个任务，查询本身会触发状态对账。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/tasks/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "无效的任务 ID", http.StatusBadRequest)
		return
	}

	task, err := s.workers.Status(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type cleanupRequest struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req cleanupRequest
	if r.Body != nil {
		// 空请求体等价于使用默认保留窗口。
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	report, err := s.workers.Cleanup(r.Context(), req.RetentionDays)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

type rebuildRequest struct {
	Reason string `json:"reason"`
	Ref    string `json:"ref,omitempty"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	task, err := s.workers.ScheduleSelfRebuild(r.Context(), req.Reason, req.Ref)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, task)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.workers.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	healing, err := s.workers.Healing(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, healing)
}

func (s *Server) handleTreasuryBalance(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.treasury == nil {
		http.Error(w, "金库查询未启用", http.StatusNotFound)
		return
	}
	// 参数缺省时由查询器回退到配置的缺省链与地址。
	chain := r.URL.Query().Get("chain")
	address := r.URL.Query().Get("address")
	balance, err := s.treasury.BalanceAt(r.Context(), chain, address)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balance)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody 是对外的统一错误结构。
type errorBody struct {
	Code     string            `json:"code"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// writeError 把带编码的内部错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	coded, ok := xerrors.From(err)
	if !ok {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch coded.Code() {
	case worker.CodeTaskNotFound:
		status = http.StatusNotFound
	case worker.CodeWorkerBusy:
		status = http.StatusConflict
	case worker.CodeCooldownActive:
		status = http.StatusTooManyRequests
		if retry := coded.Meta(worker.MetaRetryAfterSecond); retry != "" {
			w.Header().Set("Retry-After", retry)
		}
	case worker.CodeTaskValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case worker.CodeRebuildForbidden:
		status = http.StatusForbidden
	case worker.CodeLaunchFailed:
		status = http.StatusBadGateway
	case treasury.CodeTreasuryFailure:
		status = http.StatusBadGateway
	}

	if coded.ShouldAlert() {
		logger.L().Error("请求处理失败", "code", coded.Code(), "error", coded.Error())
	}
	writeJSON(w, status, errorBody{
		Code:     string(coded.Code()),
		Message:  coded.Message(),
		Metadata: coded.Metadata(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
