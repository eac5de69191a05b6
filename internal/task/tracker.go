package task

import (
	"context"
	"encoding/json"
	"log/slog"

	"AgentPay-Chain/pkg/logger"
)

// Invocation 描述一次被追踪的工具调用。
type Invocation struct {
	AgentID   string
	ServiceID string
	ToolName  string
	Inputs    any
}

// Executor 执行实际的工具逻辑。
type Executor func(ctx context.Context) (any, error)

// Tracker 为工具调用包裹 create/settle/fail 审计记录。
type Tracker struct {
	service *Service
}

// NewTracker 基于任务服务创建 Tracker。
func NewTracker(service *Service) *Tracker {
	return &Tracker{service: service}
}

// WithArtifact 先创建 pending 工件再执行 exec。工件写入失败不会阻塞执行；
// exec 返回的错误原样返回给调用方。
func (t *Tracker) WithArtifact(ctx context.Context, inv Invocation, exec Executor) (any, error) {
	id := t.open(ctx, inv)
	if id != "" {
		ctx = ContextWithArtifact(ctx, id)
	}

	out, err := exec(ctx)
	if id == "" {
		return out, err
	}

	// 调用方取消不应影响审计记录的落库。
	recordCtx := context.WithoutCancel(ctx)
	if err != nil {
		if _, ferr := t.service.Fail(recordCtx, id, NewFailure(err)); ferr != nil {
			logger.L().Warn("记录任务失败状态出错", slog.String("task_id", id), slog.Any("error", ferr))
		}
		return out, err
	}

	raw, merr := json.Marshal(out)
	if merr != nil {
		raw = nil
		logger.L().Warn("任务输出无法序列化", slog.String("task_id", id), slog.Any("error", merr))
	}
	if _, serr := t.service.Settle(recordCtx, id, raw); serr != nil {
		logger.L().Warn("记录任务结算状态出错", slog.String("task_id", id), slog.Any("error", serr))
	}
	return out, nil
}

func (t *Tracker) open(ctx context.Context, inv Invocation) string {
	if t == nil || t.service == nil {
		return ""
	}
	var inputs json.RawMessage
	if inv.Inputs != nil {
		raw, err := json.Marshal(inv.Inputs)
		if err == nil {
			inputs = raw
		}
	}
	artifact, err := t.service.Create(ctx, CreateRequest{
		AgentID:   inv.AgentID,
		ServiceID: inv.ServiceID,
		ToolName:  inv.ToolName,
		Inputs:    inputs,
	})
	if err != nil {
		logger.L().Warn("创建任务工件失败，继续执行",
			slog.String("tool", inv.ToolName),
			slog.Any("error", err),
		)
		return ""
	}
	return artifact.ID
}
