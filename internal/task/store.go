package task

import (
	"context"
	"encoding/json"
)

// Store 抽象了任务工件的持久化接口。Settle 与 Fail 只对 pending 工件生效，
// 对已结束的工件返回 ErrTaskConflict，保证每个 taskId 至多结束一次。
type Store interface {
	Create(ctx context.Context, artifact *Artifact) error
	Get(ctx context.Context, id string) (*Artifact, error)
	Settle(ctx context.Context, id string, outputs json.RawMessage) (*Artifact, error)
	Fail(ctx context.Context, id string, failure Failure) (*Artifact, error)
	List(ctx context.Context, opts ListOptions) ([]*Artifact, error)
	Stats(ctx context.Context, opts ListOptions) (Stats, error)
}
