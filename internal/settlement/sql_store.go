package settlement

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/storage/sqlstore"
)

// SQLStore keeps records in the payments table. UNIQUE(payer, nonce) backs
// nonce single use across instances.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore wraps an opened database.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

const paymentColumns = `payment_id, payer, nonce, auth_digest, network, amount, status, tx_hash, error, created_at, updated_at`

func (s *SQLStore) Reserve(ctx context.Context, rec *Record) (*Record, error) {
	_, err := s.db.ExecContext(ctx, `INSERT INTO payments (`+paymentColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, '', NULL, ?, ?)`,
		rec.PaymentID, rec.Payer, rec.Nonce, rec.Digest, rec.Network, rec.Amount,
		string(payment.SettlementPending), rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err == nil {
		return nil, nil
	}
	if !sqlstore.IsDuplicate(err) {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert payment")
	}
	existing, getErr := s.Get(ctx, rec.PaymentID)
	if getErr == nil {
		return existing, nil
	}
	if stdErrors.Is(getErr, ErrNotFound) {
		return nil, ErrNonceUsed
	}
	return nil, getErr
}

func (s *SQLStore) Get(ctx context.Context, paymentID string) (*Record, error) {
	var (
		rec              Record
		status           string
		reason           sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE payment_id = ?`, paymentID).
		Scan(&rec.PaymentID, &rec.Payer, &rec.Nonce, &rec.Digest, &rec.Network, &rec.Amount, &status,
			&rec.TxHash, &reason, &created, &updated)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query payment")
	}
	rec.Status = payment.SettlementStatus(status)
	rec.Error = reason.String
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return &rec, nil
}

func (s *SQLStore) Retry(ctx context.Context, paymentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET status = ?, error = NULL, updated_at = ?
        WHERE payment_id = ? AND status = ?`,
		string(payment.SettlementPending), at.UnixMilli(), paymentID, string(payment.SettlementFailed))
	_, err = s.afterUpdate(ctx, paymentID, res, err)
	return err
}

func (s *SQLStore) Complete(ctx context.Context, paymentID, txHash string, at time.Time) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET status = ?, tx_hash = ?, updated_at = ?
        WHERE payment_id = ? AND status = ?`,
		string(payment.SettlementSettled), txHash, at.UnixMilli(), paymentID, string(payment.SettlementPending))
	return s.afterUpdate(ctx, paymentID, res, err)
}

func (s *SQLStore) Fail(ctx context.Context, paymentID, reason string, at time.Time) (*Record, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE payments SET status = ?, error = ?, updated_at = ?
        WHERE payment_id = ? AND status = ?`,
		string(payment.SettlementFailed), reason, at.UnixMilli(), paymentID, string(payment.SettlementPending))
	return s.afterUpdate(ctx, paymentID, res, err)
}

func (s *SQLStore) afterUpdate(ctx context.Context, paymentID string, res sql.Result, err error) (*Record, error) {
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update payment")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "update payment")
	}
	rec, err := s.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return rec, ErrStateChanged
	}
	return rec, nil
}

var _ Store = (*SQLStore)(nil)
