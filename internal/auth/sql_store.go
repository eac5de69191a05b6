package auth

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/sqlstore"
)

// SQLStore 基于 auth_users 与 auth_user_permissions 表实现账户目录。
type SQLStore struct {
	db  *sqlstore.DB
	now func() time.Time
}

// NewSQLStore 创建 SQLStore，表结构由 sqlstore 迁移维护。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db, now: time.Now}
}

const userColumns = `id, username, password_hash, api_key_hash, disabled`

// FindUserByUsername 实现 Store。
func (s *SQLStore) FindUserByUsername(ctx context.Context, username string) (*User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM auth_users WHERE username = ?`, strings.TrimSpace(username))
	return scanUser(row)
}

// FindUserByAPIKey 实现 Store。
func (s *SQLStore) FindUserByAPIKey(ctx context.Context, key string) (*User, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errUserNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM auth_users WHERE api_key_hash = ?`, HashAPIKey(key))
	return scanUser(row)
}

// LoadSubject 实现 Store。
func (s *SQLStore) LoadSubject(ctx context.Context, userID int64) (*Subject, error) {
	var (
		subject  Subject
		disabled int
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, username, disabled FROM auth_users WHERE id = ?`, userID).
		Scan(&subject.ID, &subject.Username, &disabled)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}
	subject.Disabled = disabled != 0

	rows, err := s.db.QueryContext(ctx, `SELECT permission FROM auth_user_permissions WHERE user_id = ? ORDER BY permission`, userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户权限失败")
	}
	defer rows.Close()
	for rows.Next() {
		var perm string
		if err := rows.Scan(&perm); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析用户权限失败")
		}
		subject.Permissions = append(subject.Permissions, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历用户权限失败")
	}
	subject.normalise()
	return &subject, nil
}

// ApplySeed 在单个事务内写入种子账户，并以种子中的权限整体替换原有权限。
func (s *SQLStore) ApplySeed(ctx context.Context, seed Seed) (err error) {
	username := strings.TrimSpace(seed.Username)
	if username == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "seed username cannot be empty")
	}
	if seed.Password == "" && seed.APIKey == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "seed "+username+" needs a password or an api key")
	}
	var passwordHash, keyHash string
	if seed.Password != "" {
		if passwordHash, err = HashPassword(seed.Password); err != nil {
			return err
		}
	}
	if seed.APIKey != "" {
		keyHash = HashAPIKey(seed.APIKey)
	}
	now := s.now().Unix()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var userID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM auth_users WHERE username = ?`, username).Scan(&userID)
	switch {
	case err == nil:
		if _, err = tx.ExecContext(ctx, `UPDATE auth_users SET password_hash = ?, api_key_hash = ?, disabled = ?, updated_at = ? WHERE id = ?`,
			passwordHash, keyHash, sqlstore.BoolToInt(seed.Disabled), now, userID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新用户失败")
		}
	case stdErrors.Is(err, sql.ErrNoRows):
		res, execErr := tx.ExecContext(ctx, `INSERT INTO auth_users (username, password_hash, api_key_hash, disabled, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`, username, passwordHash, keyHash, sqlstore.BoolToInt(seed.Disabled), now, now)
		if execErr != nil {
			err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "保存用户失败")
			return err
		}
		if userID, err = res.LastInsertId(); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取用户ID失败")
		}
	default:
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}

	if _, err = tx.ExecContext(ctx, `DELETE FROM auth_user_permissions WHERE user_id = ?`, userID); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理用户权限失败")
	}
	for _, perm := range dedupeStrings(seed.Permissions) {
		if _, err = tx.ExecContext(ctx, `INSERT INTO auth_user_permissions (user_id, permission, assigned_at) VALUES (?, ?, ?)`,
			userID, perm, now); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "绑定用户权限失败")
		}
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交种子数据失败")
	}
	return nil
}

func scanUser(row *sql.Row) (*User, error) {
	var (
		user     User
		disabled int
	)
	if err := row.Scan(&user.ID, &user.Username, &user.PasswordHash, &user.APIKeyHash, &disabled); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, errUserNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询用户失败")
	}
	user.Disabled = disabled != 0
	return &user, nil
}
