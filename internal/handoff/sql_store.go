package handoff

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/sqlstore"
)

// SQLStore 将交易保存在 handoff_transactions 表中。
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore 创建 SQLStore。
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

const transactionColumns = `id, chain_id, to_address, data, value, context, status, tx_hash, error, created_at, expires_at, updated_at`

func (s *SQLStore) Create(ctx context.Context, tx *PendingTransaction) error {
	var contextJSON sql.NullString
	if len(tx.Context) > 0 {
		raw, err := json.Marshal(tx.Context)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化交易上下文失败")
		}
		contextJSON = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO handoff_transactions (`+transactionColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.ChainID, tx.To, tx.Data, tx.Value, contextJSON, string(tx.Status), tx.TxHash,
		nullString(tx.Error), tx.CreatedAt.UnixMilli(), tx.ExpiresAt.UnixMilli(), tx.UpdatedAt.UnixMilli())
	if err != nil {
		if sqlstore.IsDuplicate(err) {
			return xerrors.New(xerrors.CodeConflict, "交易已存在")
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入交易失败")
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*PendingTransaction, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM handoff_transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询交易失败")
	}
	return tx, nil
}

func (s *SQLStore) Apply(ctx context.Context, id string, change Change) (*PendingTransaction, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE handoff_transactions
        SET status = ?,
            tx_hash = CASE WHEN ? = '' THEN tx_hash ELSE ? END,
            error = CASE WHEN ? = '' THEN error ELSE ? END,
            updated_at = ?
        WHERE id = ? AND status = ?`,
		string(change.To), change.TxHash, change.TxHash, change.Error, change.Error,
		change.At.UnixMilli(), id, string(change.From))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新交易失败")
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return current, ErrStatusChanged
	}
	return current, nil
}

func (s *SQLStore) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE handoff_transactions SET status = ?, updated_at = ?
        WHERE status = ? AND expires_at < ?`,
		string(StatusExpired), now.UnixMilli(), string(StatusPending), now.UnixMilli())
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量过期交易失败")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "批量过期交易失败")
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*PendingTransaction, error) {
	var (
		tx                   PendingTransaction
		status               string
		data, ctxRaw, errMsg sql.NullString
		created, expires     int64
		updated              int64
	)
	if err := row.Scan(&tx.ID, &tx.ChainID, &tx.To, &data, &tx.Value, &ctxRaw, &status, &tx.TxHash,
		&errMsg, &created, &expires, &updated); err != nil {
		return nil, err
	}
	tx.Status = Status(status)
	tx.Data = data.String
	tx.Error = errMsg.String
	tx.CreatedAt = time.UnixMilli(created).UTC()
	tx.ExpiresAt = time.UnixMilli(expires).UTC()
	tx.UpdatedAt = time.UnixMilli(updated).UTC()
	if ctxRaw.Valid && ctxRaw.String != "" {
		if err := json.Unmarshal([]byte(ctxRaw.String), &tx.Context); err != nil {
			return nil, err
		}
	}
	return &tx, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ Store = (*SQLStore)(nil)
