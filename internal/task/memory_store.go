package task

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 以内存方式保存任务工件，主要用于测试与单机开发。
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*Artifact
	now       func() time.Time
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{artifacts: make(map[string]*Artifact), now: time.Now}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, artifact *Artifact) error {
	if artifact == nil || artifact.ID == "" {
		return xerrors.New(CodeTaskValidation, "工件 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[artifact.ID]; ok {
		return ErrTaskConflict
	}
	now := m.now().UnixMilli()
	if artifact.CreatedAt == 0 {
		artifact.CreatedAt = now
	}
	artifact.UpdatedAt = now
	m.artifacts[artifact.ID] = cloneArtifact(artifact)
	return nil
}

// Get 返回工件。
func (m *MemoryStore) Get(_ context.Context, id string) (*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneArtifact(a), nil
}

// Settle 记录成功结果。
func (m *MemoryStore) Settle(_ context.Context, id string, outputs json.RawMessage) (*Artifact, error) {
	return m.finish(id, func(a *Artifact) {
		a.State = StateSettled
		a.Outputs = append(json.RawMessage(nil), outputs...)
	})
}

// Fail 标记工件失败。
func (m *MemoryStore) Fail(_ context.Context, id string, failure Failure) (*Artifact, error) {
	return m.finish(id, func(a *Artifact) {
		a.State = StateFailed
		f := failure
		a.Failure = &f
	})
}

func (m *MemoryStore) finish(id string, apply func(*Artifact)) (*Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if a.State != StatePending && a.State != StateIdle {
		return cloneArtifact(a), ErrTaskConflict
	}
	apply(a)
	a.UpdatedAt = m.now().UnixMilli()
	return cloneArtifact(a), nil
}

// List 返回符合过滤条件的工件。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	results := make([]*Artifact, 0, len(m.artifacts))
	for _, a := range m.artifacts {
		if matchesListFilters(a, opts) {
			results = append(results, cloneArtifact(a))
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if opts.Order == SortByUpdatedAsc {
			a, b = b, a
		}
		if a.UpdatedAt == b.UpdatedAt {
			if a.CreatedAt == b.CreatedAt {
				return a.ID > b.ID
			}
			return a.CreatedAt > b.CreatedAt
		}
		return a.UpdatedAt > b.UpdatedAt
	})

	if opts.Offset >= len(results) {
		return []*Artifact{}, nil
	}
	results = results[opts.Offset:]
	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

func matchesListFilters(a *Artifact, opts ListOptions) bool {
	if len(opts.States) > 0 {
		matched := false
		for _, state := range opts.States {
			if a.State == state {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if opts.AgentID != "" && a.AgentID != opts.AgentID {
		return false
	}
	if opts.ServiceID != "" && a.ServiceID != opts.ServiceID {
		return false
	}
	if opts.UpdatedGTE > 0 && a.UpdatedAt < opts.UpdatedGTE {
		return false
	}
	if opts.UpdatedLTE > 0 && a.UpdatedAt > opts.UpdatedLTE {
		return false
	}
	if opts.Query != "" {
		haystack := a.ID + "\n" + a.ToolName
		if a.Failure != nil {
			haystack += "\n" + a.Failure.Message
		}
		if !strings.Contains(haystack, opts.Query) {
			return false
		}
	}
	return true
}

// Stats 统计符合过滤条件的工件数量与更新时间范围。
func (m *MemoryStore) Stats(_ context.Context, opts ListOptions) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	opts.applyDefaults()

	stats := Stats{}
	for _, a := range m.artifacts {
		if !matchesListFilters(a, opts) {
			continue
		}
		stats.Total++
		switch a.State {
		case StateIdle:
			stats.Idle++
		case StatePending:
			stats.Pending++
		case StateSettled:
			stats.Settled++
		case StateFailed:
			stats.Failed++
			if a.Failure != nil && a.Failure.Retryable {
				stats.Retryable++
			}
		}
		if stats.OldestUpdatedAt == 0 || a.UpdatedAt < stats.OldestUpdatedAt {
			stats.OldestUpdatedAt = a.UpdatedAt
		}
		if a.UpdatedAt > stats.NewestUpdatedAt {
			stats.NewestUpdatedAt = a.UpdatedAt
		}
	}
	return stats, nil
}

var _ Store = (*MemoryStore)(nil)
