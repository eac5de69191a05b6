package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/sqlstore"
)

// SQLStore 使用 MySQL 或 SQLite 记录任务工件。
type SQLStore struct {
	db  *sqlstore.DB
	now func() time.Time
}

// NewSQLStore 基于已完成迁移的数据库创建 SQLStore。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const artifactColumns = `id, agent_id, service_id, tool_name, inputs, state, outputs, error_code, error_cause, error_message,
        retryable, created_at, updated_at`

// Create 插入新的工件记录。
func (s *SQLStore) Create(ctx context.Context, a *Artifact) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return xerrors.New(CodeTaskValidation, "工件 ID 不能为空")
	}
	now := s.now().UnixMilli()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO task_artifacts (`+artifactColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, NULL, '', '', NULL, 0, ?, ?)`,
		a.ID, a.AgentID, a.ServiceID, a.ToolName, nullJSON(a.Inputs), string(a.State), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		if sqlstore.IsDuplicate(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务工件失败")
	}
	return nil
}

// Get 查询指定工件。
func (s *SQLStore) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM task_artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务工件失败")
	}
	return a, nil
}

// Settle 将 pending 工件标记为 settled。
func (s *SQLStore) Settle(ctx context.Context, id string, outputs json.RawMessage) (*Artifact, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE task_artifacts SET state = ?, outputs = ?, updated_at = ?
        WHERE id = ? AND state IN (?, ?)`,
		string(StateSettled), nullJSON(outputs), s.now().UnixMilli(), id, string(StatePending), string(StateIdle))
	return s.afterFinish(ctx, id, res, err)
}

// Fail 将 pending 工件标记为 failed。
func (s *SQLStore) Fail(ctx context.Context, id string, f Failure) (*Artifact, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE task_artifacts
        SET state = ?, error_code = ?, error_cause = ?, error_message = ?, retryable = ?, updated_at = ?
        WHERE id = ? AND state IN (?, ?)`,
		string(StateFailed), string(f.Code), string(f.Cause), f.Message, sqlstore.BoolToInt(f.Retryable),
		s.now().UnixMilli(), id, string(StatePending), string(StateIdle))
	return s.afterFinish(ctx, id, res, err)
}

func (s *SQLStore) afterFinish(ctx context.Context, id string, res sql.Result, err error) (*Artifact, error) {
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务工件失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务工件失败")
	}
	a, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if n == 0 {
		return a, ErrTaskConflict
	}
	return a, nil
}

// List 返回符合过滤条件的工件列表。
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*Artifact, error) {
	opts.applyDefaults()

	query := `SELECT ` + artifactColumns + ` FROM task_artifacts`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务工件列表失败")
	}
	defer rows.Close()

	artifacts := make([]*Artifact, 0, opts.Limit)
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务工件失败")
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务工件失败")
	}
	return artifacts, nil
}

// Stats 返回符合过滤条件的工件聚合信息。
func (s *SQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*),
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0),
        COALESCE(SUM(CASE WHEN state = ? AND retryable = 1 THEN 1 ELSE 0 END), 0),
        COALESCE(MIN(updated_at), 0),
        COALESCE(MAX(updated_at), 0)
        FROM task_artifacts`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StateIdle), string(StatePending), string(StateSettled), string(StateFailed), string(StateFailed)}
	args = append(args, filterArgs...)

	var stats Stats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Idle,
		&stats.Pending,
		&stats.Settled,
		&stats.Failed,
		&stats.Retryable,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务工件统计失败")
	}
	return stats, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.States) > 0 {
		placeholders := make([]string, 0, len(opts.States))
		for _, state := range opts.States {
			placeholders = append(placeholders, "?")
			args = append(args, string(state))
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.AgentID != "" {
		conditions = append(conditions, "agent_id = ?")
		args = append(args, opts.AgentID)
	}
	if opts.ServiceID != "" {
		conditions = append(conditions, "service_id = ?")
		args = append(args, opts.ServiceID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR tool_name LIKE ? OR error_message LIKE ?)")
		args = append(args, pattern, pattern, pattern)
	}
	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var (
		a                          Artifact
		state, code, cause         string
		inputs, outputs, errorText sql.NullString
		retryable                  int
	)
	if err := row.Scan(&a.ID, &a.AgentID, &a.ServiceID, &a.ToolName, &inputs, &state, &outputs,
		&code, &cause, &errorText, &retryable, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.State = State(state)
	if inputs.Valid && inputs.String != "" {
		a.Inputs = json.RawMessage(inputs.String)
	}
	if outputs.Valid && outputs.String != "" {
		a.Outputs = json.RawMessage(outputs.String)
	}
	if a.State == StateFailed {
		a.Failure = &Failure{
			Code:      xerrors.Code(code),
			Cause:     xerrors.Code(cause),
			Message:   errorText.String,
			Retryable: retryable != 0,
		}
	}
	return &a, nil
}

func nullJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

var _ Store = (*SQLStore)(nil)
