package task

import (
	"context"
	"encoding/json"
	stdErrors "errors"

	xerrors "AgentPay-Chain/internal/errors"
)

// State 表示任务工件在生命周期中的状态。
type State string

const (
	StateIdle    State = "idle"
	StatePending State = "pending"
	StateSettled State = "settled"
	StateFailed  State = "failed"
)

// Failure 记录失败工件的结构化错误。Code 固定为 EXECUTION_FAILED，
// Cause 保留底层错误码，便于调用方判断。
type Failure struct {
	Code      xerrors.Code `json:"code"`
	Cause     xerrors.Code `json:"cause,omitempty"`
	Message   string       `json:"message"`
	Retryable bool         `json:"retryable"`
}

// Artifact 描述一次可计费工具调用的审计记录。
type Artifact struct {
	ID        string          `json:"task_id"`
	AgentID   string          `json:"agent_id"`
	ServiceID string          `json:"service_id"`
	ToolName  string          `json:"tool_name,omitempty"`
	Inputs    json.RawMessage `json:"inputs,omitempty"`
	State     State           `json:"state"`
	Outputs   json.RawMessage `json:"outputs,omitempty"`
	Failure   *Failure        `json:"error,omitempty"`
	CreatedAt int64           `json:"created_at"`
	UpdatedAt int64           `json:"updated_at"`
}

// Terminal 判断工件是否已经结束。
func (a *Artifact) Terminal() bool {
	return a.State == StateSettled || a.State == StateFailed
}

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
)

var (
	// ErrTaskNotFound 表示指定的工件不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示工件在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task conflict",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
}

// IsValidState 检查给定的状态是否为支持的枚举值。
func IsValidState(state State) bool {
	switch state {
	case StateIdle, StatePending, StateSettled, StateFailed:
		return true
	default:
		return false
	}
}

// ClassifyRetryable 按错误码注册表判断失败是否值得重试。
// 未携带错误码的错误视为可重试；调用方主动取消的不重试。
func ClassifyRetryable(err error) bool {
	if err == nil {
		return false
	}
	if stdErrors.Is(err, context.Canceled) {
		return false
	}
	if _, ok := xerrors.From(err); !ok {
		return true
	}
	if xerrors.CodeOf(err) == xerrors.CodeUnknown {
		return true
	}
	return xerrors.RetryableError(err)
}

// NewFailure 将执行错误转换为工件失败记录。
func NewFailure(err error) Failure {
	detail := xerrors.DetailOf(err)
	return Failure{
		Code:      xerrors.CodeExecutionFailed,
		Cause:     detail.Code,
		Message:   detail.Message,
		Retryable: ClassifyRetryable(err),
	}
}

func cloneArtifact(a *Artifact) *Artifact {
	if a == nil {
		return nil
	}
	c := *a
	c.Inputs = append(json.RawMessage(nil), a.Inputs...)
	c.Outputs = append(json.RawMessage(nil), a.Outputs...)
	if a.Failure != nil {
		f := *a.Failure
		c.Failure = &f
	}
	return &c
}

type artifactKey struct{}

// ContextWithArtifact 将工件 ID 放入 context，供工具把它作为 executionId 使用。
func ContextWithArtifact(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, artifactKey{}, id)
}

// ArtifactIDFromContext 读取当前调用的工件 ID。
func ArtifactIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(artifactKey{}).(string)
	return id, ok && id != ""
}
