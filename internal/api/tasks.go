package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/task"
)

func (s *Server) tasks(w http.ResponseWriter) *task.Service {
	if s.svc.Tasks == nil {
		unavailable(w, "task artifacts")
	}
	return s.svc.Tasks
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	svc := s.tasks(w)
	if svc == nil {
		return
	}
	var req task.CreateRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	artifact, err := svc.Create(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, artifact)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	svc := s.tasks(w)
	if svc == nil {
		return
	}
	artifact, err := svc.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleSettleTask(w http.ResponseWriter, r *http.Request) {
	svc := s.tasks(w)
	if svc == nil {
		return
	}
	var req struct {
		Outputs json.RawMessage `json:"outputs"`
	}
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	artifact, err := svc.Settle(r.Context(), r.PathValue("id"), req.Outputs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

type failTaskRequest struct {
	Error struct {
		Code      xerrors.Code `json:"code"`
		Message   string       `json:"message"`
		Retryable *bool        `json:"retryable"`
	} `json:"error"`
}

// handleFailTask 记录外部执行器上报的失败。调用方给出的错误码保存在 cause 中，
// 未声明 retryable 时按错误码分类。
func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request) {
	svc := s.tasks(w)
	if svc == nil {
		return
	}
	var req failTaskRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	failure := task.Failure{Code: xerrors.CodeExecutionFailed, Message: req.Error.Message}
	if cause := req.Error.Code; cause != "" && cause != xerrors.CodeExecutionFailed {
		failure.Cause = cause
	}
	if req.Error.Retryable != nil {
		failure.Retryable = *req.Error.Retryable
	} else {
		cause := failure.Cause
		if cause == "" {
			cause = xerrors.CodeUnknown
		}
		failure.Retryable = task.ClassifyRetryable(xerrors.New(cause, req.Error.Message))
	}
	artifact, err := svc.Fail(r.Context(), r.PathValue("id"), failure)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	svc := s.tasks(w)
	if svc == nil {
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := svc.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": artifacts})
}

func (s *Server) handleTaskStats(w http.ResponseWriter, r *http.Request) {
	svc := s.tasks(w)
	if svc == nil {
		return
	}
	opts, err := listOptions(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := svc.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// listOptions 解析 limit、offset、state、agent_id、service_id、since、until、order、q。
func listOptions(r *http.Request) ([]task.ListOption, error) {
	q := r.URL.Query()
	var opts []task.ListOption
	for _, key := range []string{"limit", "offset"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, key+" must be a non-negative integer")
		}
		if key == "limit" {
			opts = append(opts, task.WithLimit(n))
		} else {
			opts = append(opts, task.WithOffset(n))
		}
	}
	if raw := q.Get("state"); raw != "" {
		var states []task.State
		for _, part := range strings.Split(raw, ",") {
			state := task.State(strings.TrimSpace(part))
			if !task.IsValidState(state) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown state "+part)
			}
			states = append(states, state)
		}
		opts = append(opts, task.WithStates(states...))
	}
	if v := q.Get("agent_id"); v != "" {
		opts = append(opts, task.WithAgent(v))
	}
	if v := q.Get("service_id"); v != "" {
		opts = append(opts, task.WithService(v))
	}
	for _, key := range []string{"since", "until"} {
		raw := q.Get(key)
		if raw == "" {
			continue
		}
		ts, err := parseTime(raw)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, key+" must be RFC3339 or unix milliseconds")
		}
		if key == "since" {
			opts = append(opts, task.WithUpdatedSince(ts))
		} else {
			opts = append(opts, task.WithUpdatedUntil(ts))
		}
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		opts = append(opts, task.WithSortOrder(task.SortByUpdatedAsc))
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "order must be asc or desc")
	}
	if v := q.Get("q"); v != "" {
		opts = append(opts, task.WithQuery(v))
	}
	return opts, nil
}

func parseTime(raw string) (time.Time, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, raw)
}
