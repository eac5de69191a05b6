package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/escrow"
	"AgentPay-Chain/internal/handoff"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/settlement"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/pkg/logger"
)

// Services 汇总 REST 层依赖的业务服务，未配置的服务对应路由返回 503。
type Services struct {
	Settlement *settlement.Service
	Sessions   *escrow.Manager
	Contract   *escrow.ContractReader
	Tasks      *task.Service
	Handoff    *handoff.Service
	Auth       *auth.Service
	// Tools 为 MCP streamable HTTP 端点，挂载在 /mcp。
	Tools http.Handler
	// Checks 在 /healthz 中逐项执行。
	Checks map[string]func(context.Context) error
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	svc  Services
	log  *slog.Logger
	mux  *http.ServeMux
}

// NewServer 构造 API 服务实例并注册全部路由。
func NewServer(addr string, svc Services) *Server {
	s := &Server{addr: addr, svc: svc, log: logger.Named("api"), mux: http.NewServeMux()}
	s.routes()
	return s
}

// Handler 返回完整的路由处理器，便于测试与嵌入。
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	a := s.svc.Auth
	s.handle("pay", "POST /api/pay", a.Require(auth.PermPaymentsSettle), s.handlePay)
	s.handle("auth", "POST /api/auth/token", nil, a.TokenHandler().ServeHTTP)

	read, write := a.Require(auth.PermSessionsRead), a.Require(auth.PermSessionsWrite)
	s.handle("sessions", "POST /api/sessions/create", write, s.handleCreateSession)
	s.handle("sessions", "GET /api/sessions/{id}", read, s.handleGetSession)
	s.handle("sessions", "POST /api/sessions/{id}/activate", write, s.handleActivateSession)
	s.handle("sessions", "GET /api/sessions/{id}/check", read, s.handleCheckSession)
	s.handle("sessions", "POST /api/sessions/{id}/release", write, s.handleRelease)
	s.handle("sessions", "POST /api/sessions/{id}/refund", write, s.handleRefund)
	s.handle("sessions", "POST /api/sessions/{id}/close", write, s.handleClose)
	s.handle("sessions", "POST /api/sessions/{id}/agents", write, s.handleAuthorizeAgent)
	s.handle("sessions", "DELETE /api/sessions/{id}/agents/{agent}", write, s.handleRevokeAgent)
	s.handle("sessions", "GET /api/sessions/{id}/events", read, s.handleSessionEvents)
	s.handle("chain", "GET /api/chain/sessions/{onchainId}", read, s.handleOnchainSession)

	read, write = a.Require(auth.PermTasksRead), a.Require(auth.PermTasksWrite)
	s.handle("tasks", "POST /api/tasks", write, s.handleCreateTask)
	s.handle("tasks", "GET /api/tasks", read, s.handleListTasks)
	s.handle("tasks", "GET /api/tasks/stats", read, s.handleTaskStats)
	s.handle("tasks", "GET /api/tasks/{id}", read, s.handleGetTask)
	s.handle("tasks", "POST /api/tasks/{id}/settle", write, s.handleSettleTask)
	s.handle("tasks", "POST /api/tasks/{id}/fail", write, s.handleFailTask)

	read, write = a.Require(auth.PermHandoffRead), a.Require(auth.PermHandoffWrite)
	s.handle("handoff", "POST /api/handoff", write, s.handlePrepareHandoff)
	s.handle("handoff", "GET /api/handoff/{id}", read, s.handleHandoffStatus)
	// 钱包回调与签名页凭不可猜测的交易 ID 访问，不要求令牌。
	s.handle("handoff", "POST /api/handoff/{id}/status", nil, s.handleHandoffCallback)
	s.handle("sign", "GET /sign/{id}", nil, s.handleSigningView)

	if s.svc.Tools != nil {
		s.mux.Handle("/mcp", metrics.Middleware("mcp", a.Require()(s.svc.Tools)))
	}
	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

func (s *Server) handle(name, pattern string, guard func(http.Handler) http.Handler, fn http.HandlerFunc) {
	var h http.Handler = fn
	if guard != nil {
		h = guard(h)
	}
	s.mux.Handle(pattern, metrics.Middleware(name, h))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("api listening", slog.String("addr", s.addr))

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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	status, code := "ok", http.StatusOK
	checks := make(map[string]string, len(s.svc.Checks))
	for name, check := range s.svc.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
