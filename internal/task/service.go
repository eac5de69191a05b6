package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/events"
	"AgentPay-Chain/pkg/logger"
)

// 任务工件事件类型。
const (
	EventCreated = "task.created"
	EventSettled = "task.settled"
	EventFailed  = "task.failed"
)

// CreateRequest 描述新建工件所需的字段。
type CreateRequest struct {
	ID        string          `json:"task_id,omitempty"`
	AgentID   string          `json:"agent_id"`
	ServiceID string          `json:"service_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
}

// Service 负责任务工件的创建、结算与查询。
type Service struct {
	store     Store
	publisher events.Publisher
}

// NewService 构造任务服务，publisher 可以为空。
func NewService(store Store, publisher events.Publisher) *Service {
	return &Service{store: store, publisher: publisher}
}

// Create 新建一个 pending 工件。携带已存在的 ID 时直接返回原记录。
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Artifact, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "agent_id 不能为空")
	}
	if strings.TrimSpace(req.ServiceID) == "" {
		return nil, xerrors.New(CodeTaskValidation, "service_id 不能为空")
	}
	if len(req.Inputs) > 0 && !json.Valid(req.Inputs) {
		return nil, xerrors.New(CodeTaskValidation, "inputs 必须是合法的 JSON")
	}

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = uuid.NewString()
	}
	artifact := &Artifact{
		ID:        id,
		AgentID:   strings.TrimSpace(req.AgentID),
		ServiceID: strings.TrimSpace(req.ServiceID),
		ToolName:  strings.TrimSpace(req.ToolName),
		Inputs:    req.Inputs,
		State:     StatePending,
	}
	if err := s.store.Create(ctx, artifact); err != nil {
		if stdErrors.Is(err, ErrTaskConflict) {
			return s.store.Get(ctx, id)
		}
		return nil, err
	}

	logger.Audit().Info("任务工件已创建",
		slog.String("task_id", artifact.ID),
		slog.String("agent_id", artifact.AgentID),
		slog.String("service_id", artifact.ServiceID),
		slog.String("tool", artifact.ToolName),
	)
	events.Emit(ctx, s.publisher, events.TopicTask, EventCreated, artifact.ID, artifact)
	return artifact, nil
}

// Settle 记录成功输出。重复结算返回 TASK_CONFLICT。
func (s *Service) Settle(ctx context.Context, id string, outputs json.RawMessage) (*Artifact, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if len(outputs) > 0 && !json.Valid(outputs) {
		return nil, xerrors.New(CodeTaskValidation, "outputs 必须是合法的 JSON")
	}
	artifact, err := s.store.Settle(ctx, id, outputs)
	if err != nil {
		return artifact, err
	}
	logger.Audit().Info("任务工件已结算", slog.String("task_id", id))
	events.Emit(ctx, s.publisher, events.TopicTask, EventSettled, id, artifact)
	return artifact, nil
}

// Fail 记录失败信息。未指定错误码时使用 EXECUTION_FAILED。
func (s *Service) Fail(ctx context.Context, id string, failure Failure) (*Artifact, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	if failure.Code == "" {
		failure.Code = xerrors.CodeExecutionFailed
	}
	if failure.Message == "" {
		failure.Message = xerrors.AttributesOf(failure.Code).Message
	}
	artifact, err := s.store.Fail(ctx, id, failure)
	if err != nil {
		return artifact, err
	}
	logger.Audit().Warn("任务工件执行失败",
		slog.String("task_id", id),
		slog.String("code", string(failure.Code)),
		slog.String("cause", string(failure.Cause)),
		slog.String("message", failure.Message),
		slog.Bool("retryable", failure.Retryable),
	)
	msg, encodeErr := events.NewMessage(events.TopicTask, EventFailed, id, artifact)
	if encodeErr == nil && s.publisher != nil {
		if pubErr := s.publisher.Publish(ctx, msg.WithCode(failure.Code)); pubErr != nil {
			logger.L().Warn("任务失败事件发布失败", slog.String("task_id", id), slog.Any("error", pubErr))
		}
	}
	return artifact, nil
}

// Get 返回指定工件。
func (s *Service) Get(ctx context.Context, id string) (*Artifact, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的工件列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Artifact, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的工件统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}
