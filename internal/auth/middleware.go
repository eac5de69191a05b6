package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// APIKeyHeader carries an agent API key as an alternative to a bearer token.
const APIKeyHeader = "X-API-Key"

// Require 返回要求调用方具备 perms 全部权限的中间件。认证关闭时直接放行。
func (s *Service) Require(perms ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s == nil || s.mode == ModeDisabled {
				next.ServeHTTP(w, r)
				return
			}
			subject, err := s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"), r.Header.Get(APIKeyHeader))
			if err == nil {
				err = subject.Authorize(perms...)
			}
			if err != nil {
				status := statusOf(err)
				s.audit.Warn("access_denied",
					slog.String("path", r.URL.Path),
					slog.String("method", r.Method),
					slog.Int("status", status),
					slog.String("error", err.Error()),
				)
				writeError(w, status, err)
				return
			}

			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(aw, r.WithContext(WithSubject(r.Context(), subject)))
			s.audit.Info("api_request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", aw.status),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("user", subject.Username),
			)
		})
	}
}

// TokenHandler 处理 POST /api/auth/token。
func (s *Service) TokenHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, xerrors.New(xerrors.CodeInvalidArgument, "method not allowed"))
			return
		}
		var req TokenRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid token request"))
			return
		}
		pair, err := s.Authenticate(r.Context(), req)
		if err != nil {
			writeError(w, statusOf(err), err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(pair)
	})
}

func statusOf(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodePermissionDenied:
		return http.StatusForbidden
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]xerrors.Detail{"error": xerrors.DetailOf(err)})
}

type auditWriter struct {
	http.ResponseWriter
	status int
}

func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush 透传给底层 ResponseWriter，保证流式响应可用。
func (w *auditWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
