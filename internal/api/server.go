package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"MCR-Agent/internal/auth"
	xerrors "MCR-Agent/internal/errors"
	"MCR-Agent/internal/gateway"
	"MCR-Agent/internal/observability/metrics"
	"MCR-Agent/internal/render"
	"MCR-Agent/internal/run"
	"MCR-Agent/internal/workflow"
)

// Server 负责暴露 REST 接口：同步运行、异步运行生命周期与健康检查。
type Server struct {
	addr         string
	orchestrator *workflow.Orchestrator
	runs         *run.Service
	auth         *auth.Service
}

// NewServer 构造 API 服务实例。runs 与 authSvc 可以为 nil，
// 对应端点会以 503 或免认证方式降级。
func NewServer(addr string, orchestrator *workflow.Orchestrator, runs *run.Service, authSvc *auth.Service) *Server {
	return &Server{addr: addr, orchestrator: orchestrator, runs: runs, auth: authSvc}
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
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
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

// Handler 组装完整的路由表，便于测试直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/api/v1/agent/run", s.protect(
		map[string][]string{http.MethodPost: {auth.PermAgentRun}},
		"agent_run",
		s.instrument("agent_run", http.HandlerFunc(s.handleAgentRun)),
	))
	mux.Handle("/api/v1/runs", s.protect(
		map[string][]string{
			http.MethodPost: {auth.PermAgentRun},
			http.MethodGet:  {auth.PermRunsRead},
		},
		"runs",
		s.instrument("runs", http.HandlerFunc(s.handleRuns)),
	))
	mux.Handle("/api/v1/runs/stats", s.protect(
		map[string][]string{http.MethodGet: {auth.PermRunsRead}},
		"runs_stats",
		s.instrument("runs_stats", http.HandlerFunc(s.handleRunStats)),
	))
	mux.Handle("/api/v1/runs/", s.protect(
		map[string][]string{http.MethodGet: {auth.PermRunsRead}},
		"run_get",
		s.instrument("run_get", http.HandlerFunc(s.handleRunByID)),
	))
	mux.Handle("/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("/metrics", metrics.Handler())

	return mux
}

func (s *Server) protect(perms map[string][]string, event string, next http.Handler) http.Handler {
	if s.auth == nil || s.auth.Mode() == auth.ModeDisabled {
		return next
	}
	return s.auth.Middleware(auth.MiddlewareConfig{
		RequiredPermissions: perms,
		AuditEvent:          event,
	})(next)
}

func (s *Server) instrument(handler string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		metrics.ObserveHTTPRequest(handler, r.Method, sw.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// runResponse 把最终结果与按请求模式渲染的输出一起返回。
type runResponse struct {
	*workflow.FinalResult
	Output any `json:"output"`
}

// handleAgentRun 同步执行一次工作流运行。
func (s *Server) handleAgentRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "仅支持 POST", http.StatusMethodNotAllowed)
		return
	}
	if s.orchestrator == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "编排器未初始化"))
		return
	}

	var req workflow.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	// 入站头里的相关 ID 优先于请求体缺省。
	if req.CorrelationID == "" {
		req.CorrelationID = r.Header.Get(gateway.HeaderCorrelationID)
	}

	result, err := s.orchestrator.Run(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.ObserveRunOutcome(string(result.Outcome))

	w.Header().Set(gateway.HeaderCorrelationID, result.CorrelationID)
	writeJSON(w, http.StatusOK, runResponse{
		FinalResult: result,
		Output:      render.Format(result, req.Output),
	})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitRun(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

// handleSubmitRun 创建一个异步运行。
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	var req run.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if req.CorrelationID == "" {
		req.CorrelationID = r.Header.Get(gateway.HeaderCorrelationID)
	}
	created, err := s.runs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, created)
}

// handleListRuns 按过滤条件返回运行列表。
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	opts := listOptionsFromQuery(r)
	results, err := s.runs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// handleRunStats 返回运行统计。
func (s *Server) handleRunStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	opts := listOptionsFromQuery(r)
	stats, err := s.runs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRunByID 返回单个运行，结果按运行记录的输出模式渲染。
func (s *Server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.runs == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "运行 ID 无效"))
		return
	}
	record, err := s.runs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	type runDetail struct {
		*run.Run
		Output any `json:"output,omitempty"`
	}
	detail := runDetail{Run: record}
	if record.Result != nil {
		detail.Output = render.Format(record.Result, record.Output)
		w.Header().Set(gateway.HeaderCorrelationID, record.Result.CorrelationID)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func listOptionsFromQuery(r *http.Request) []run.ListOption {
	query := r.URL.Query()
	opts := make([]run.ListOption, 0, 6)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, run.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		parts := strings.Split(raw, ",")
		statuses := make([]run.Status, 0, len(parts))
		for _, part := range parts {
			statuses = append(statuses, run.Status(strings.TrimSpace(part)))
		}
		opts = append(opts, run.WithStatuses(statuses...))
	}
	if raw := query.Get("session_id"); raw != "" {
		opts = append(opts, run.WithSessionID(raw))
	}
	if raw := query.Get("correlation_id"); raw != "" {
		opts = append(opts, run.WithCorrelationID(raw))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, run.WithSortOrder(run.SortByUpdatedAsc))
	}
	return opts
}

// errorBody 是统一的错误响应结构。
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument, run.CodeRunValidation:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, run.CodeRunNotFound:
		status = http.StatusNotFound
	case xerrors.CodeConflict, run.CodeRunConflict:
		status = http.StatusConflict
	case xerrors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	writeJSON(w, status, body)
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
