package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"AdvisorChain/internal/approval"
	xerrors "AdvisorChain/internal/errors"
	"AdvisorChain/internal/orchestrator"
	"AdvisorChain/internal/schedule"
	"AdvisorChain/internal/session"
)

// Server 负责暴露 REST 接口，供外部驱动会话工作流。
type Server struct {
	addr    string
	orch    *orchestrator.Orchestrator
	tracker *schedule.Tracker
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator, tracker *schedule.Tracker) *Server {
	return &Server{addr: addr, orch: orch, tracker: tracker}
}

// Handler 返回路由完整的处理器，独立暴露以便测试。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/sessions", s.handleStartSession)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/run", s.handleRun)
	mux.HandleFunc("POST /api/v1/sessions/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/sessions/{id}/reject", s.handleReject)
	mux.HandleFunc("GET /api/v1/events", s.handleListEvents)
	mux.HandleFunc("GET /api/v1/schedules/{planHash}", s.handleScheduleStatus)
	return mux
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

type startSessionRequest struct {
	Goal           string            `json:"goal"`
	Holdings       []session.Holding `json:"holdings"`
	RiskPreference int               `json:"risk_preference"`
	WalletAddress  string            `json:"wallet_address"`
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	sess, err := s.orch.Start(r.Context(), req.Goal, req.Holdings, req.RiskPreference, req.WalletAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.orch.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.Run(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	var rec approval.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "请求体解析失败"))
		return
	}

	result, err := s.orch.Approve(r.Context(), r.PathValue("id"), rec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.Reject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	writeJSON(w, http.StatusOK, s.orch.Events(limit))
}

type scheduleStatusResponse struct {
	Record        *schedule.Record `json:"record,omitempty"`
	DisplayStatus schedule.Status  `json:"display_status"`
}

func (s *Server) handleScheduleStatus(w http.ResponseWriter, r *http.Request) {
	if s.tracker == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "调度跟踪未启用"))
		return
	}
	planHash := r.PathValue("planHash")
	record, ok := s.tracker.Status(r.Context(), planHash)
	if !ok {
		writeJSON(w, http.StatusOK, scheduleStatusResponse{DisplayStatus: schedule.StatusUnknown})
		return
	}
	writeJSON(w, http.StatusOK, scheduleStatusResponse{
		Record:        record,
		DisplayStatus: s.tracker.DisplayStatus(record, time.Now()),
	})
}

type errorResponse struct {
	Code    xerrors.Code `json:"code"`
	Message string       `json:"message"`
}

// writeError 将统一错误码映射为 HTTP 状态码并输出 JSON 错误体。
func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeSessionNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case xerrors.CodeNoPlanToApprove, xerrors.CodeAlreadyApproved, xerrors.CodeInvalidTransition:
		status = http.StatusConflict
	case xerrors.CodeHashMismatch, xerrors.CodeInvalidSignature,
		xerrors.CodePlanExpired, xerrors.CodeVerificationFailure:
		status = http.StatusUnprocessableEntity
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	}

	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
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
