package escrow

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/storage/sqlstore"
)

// SQLStore persists sessions in MySQL or SQLite. Budget updates are
// conditional UPDATEs so concurrent writers on different instances cannot
// overspend a session.
type SQLStore struct {
	db *sqlstore.DB
}

// NewSQLStore wraps an opened, migrated database.
func NewSQLStore(db *sqlstore.DB) *SQLStore {
	return &SQLStore{db: db}
}

const sessionColumns = `id, owner_address, max_spend, deposited, released, refunded, status, expires_at,
        activation_tx, close_refund, close_tx, closed_at, created_at, updated_at`

const eventColumns = `id, session_id, event_type, actor_address, amount, tx_hash, block_number, execution_id, reversed, created_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) Create(ctx context.Context, sess *Session, events []Event) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO escrow_sessions (`+sessionColumns+`)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, '', 0, ?, ?)`,
			sess.ID, sess.OwnerAddress, sess.MaxSpend, sess.Deposited, sess.Released, sess.Refunded,
			string(sess.Status), sess.ExpiresAt.UnixMilli(), sess.ActivationTx,
			sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli())
		if err != nil {
			if sqlstore.IsDuplicate(err) {
				return xerrors.New(xerrors.CodeConflict, "session already exists")
			}
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert session")
		}
		for _, agent := range sess.AuthorizedAgents {
			if err := insertAgent(ctx, tx, sess.ID, agent, sess.CreatedAt); err != nil {
				return err
			}
		}
		return insertEvents(ctx, tx, events)
	})
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM escrow_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query session")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT agent_address FROM escrow_session_agents
        WHERE session_id = ? ORDER BY created_at, agent_address`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query session agents")
	}
	defer rows.Close()
	for rows.Next() {
		var agent string
		if err := rows.Scan(&agent); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan session agent")
		}
		sess.AuthorizedAgents = append(sess.AuthorizedAgents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate session agents")
	}
	return sess, nil
}

func (s *SQLStore) Activate(ctx context.Context, id string, amount int64, txHash string, ev Event) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE escrow_sessions
        SET status = ?, deposited = ?, activation_tx = ?, updated_at = ?
        WHERE id = ? AND status = ?`,
			string(StatusActive), amount, txHash, ev.Timestamp.UnixMilli(), id, string(StatusCreated))
		if err := s.checkAffected(ctx, tx, id, res, err, errStateChanged); err != nil {
			return err
		}
		return insertEvents(ctx, tx, []Event{ev})
	})
}

func (s *SQLStore) SetAgent(ctx context.Context, id, agent string, authorized bool, ev Event) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE escrow_sessions SET updated_at = ? WHERE id = ? AND status <> ?`,
			ev.Timestamp.UnixMilli(), id, string(StatusClosed))
		if err := s.checkAffected(ctx, tx, id, res, err, errStateChanged); err != nil {
			return err
		}
		if authorized {
			if err := insertAgent(ctx, tx, id, agent, ev.Timestamp); err != nil {
				return err
			}
		} else if _, err := tx.ExecContext(ctx, `DELETE FROM escrow_session_agents WHERE session_id = ? AND agent_address = ?`, id, agent); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "delete session agent")
		}
		return insertEvents(ctx, tx, []Event{ev})
	})
}

func (s *SQLStore) ReserveRelease(ctx context.Context, id string, amount int64, now time.Time, ev Event) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if ev.ExecutionID != "" {
			_, err := tx.ExecContext(ctx, `INSERT INTO escrow_release_executions (session_id, execution_id, event_id, created_at)
        VALUES (?, ?, ?, ?)`, id, ev.ExecutionID, ev.ID, ev.Timestamp.UnixMilli())
			if err != nil {
				if sqlstore.IsDuplicate(err) {
					return errDuplicateExecution
				}
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "claim execution id")
			}
		}
		res, err := tx.ExecContext(ctx, `UPDATE escrow_sessions
        SET released = released + ?, updated_at = ?
        WHERE id = ? AND status = ? AND expires_at >= ? AND deposited - released - refunded >= ?`,
			amount, ev.Timestamp.UnixMilli(), id, string(StatusActive), now.UnixMilli(), amount)
		if err := s.checkAffected(ctx, tx, id, res, err, errBudgetExhausted); err != nil {
			return err
		}
		return insertEvents(ctx, tx, []Event{ev})
	})
}

func (s *SQLStore) ReverseRelease(ctx context.Context, id, eventID string, amount int64) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE escrow_events SET reversed = 1
        WHERE session_id = ? AND id = ? AND reversed = 0`, id, eventID)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "reverse release event")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE escrow_sessions SET released = released - ?, updated_at = ? WHERE id = ?`,
			amount, time.Now().UnixMilli(), id); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "reverse release amount")
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM escrow_release_executions WHERE session_id = ? AND event_id = ?`, id, eventID); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "free execution id")
		}
		return nil
	})
}

func (s *SQLStore) FindRelease(ctx context.Context, id, executionID string) (*Event, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM escrow_events
        WHERE session_id = ? AND execution_id = ? AND event_type = ? AND reversed = 0
        ORDER BY seq LIMIT 1`, id, executionID, string(EventRelease))
	ev, err := scanEvent(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query release by execution id")
	}
	return &ev, nil
}

func (s *SQLStore) ReserveClose(ctx context.Context, id string, from Status, refund int64, result CloseResult, events []Event) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE escrow_sessions
        SET refunded = refunded + ?, status = ?, close_refund = ?, close_tx = ?, closed_at = ?, updated_at = ?
        WHERE id = ? AND status = ? AND deposited - released - refunded >= ?`,
			refund, string(StatusClosed), result.RefundAmount, result.TxHash, result.ClosedAt.UnixMilli(),
			result.ClosedAt.UnixMilli(), id, string(from), refund)
		if err := s.checkAffected(ctx, tx, id, res, err, errStateChanged); err != nil {
			return err
		}
		return insertEvents(ctx, tx, events)
	})
}

func (s *SQLStore) ReverseClose(ctx context.Context, id string, from Status, refund int64, eventIDs []string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE escrow_sessions
        SET refunded = refunded - ?, status = ?, close_refund = 0, close_tx = '', closed_at = 0, updated_at = ?
        WHERE id = ? AND status = ?`,
			refund, string(from), time.Now().UnixMilli(), id, string(StatusClosed))
		if err := s.checkAffected(ctx, tx, id, res, err, errStateChanged); err != nil {
			return err
		}
		for _, eid := range eventIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE escrow_events SET reversed = 1 WHERE session_id = ? AND id = ?`, id, eid); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "reverse close event")
			}
		}
		return nil
	})
}

func (s *SQLStore) ConfirmTx(ctx context.Context, id string, eventIDs []string, txHash string, closing bool) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		for _, eid := range eventIDs {
			if _, err := tx.ExecContext(ctx, `UPDATE escrow_events SET tx_hash = ? WHERE session_id = ? AND id = ?`, txHash, id, eid); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record event tx hash")
			}
		}
		if closing {
			if _, err := tx.ExecContext(ctx, `UPDATE escrow_sessions SET close_tx = ? WHERE id = ?`, txHash, id); err != nil {
				return xerrors.Wrap(xerrors.CodeStorageFailure, err, "record close tx hash")
			}
		}
		return nil
	})
}

func (s *SQLStore) Events(ctx context.Context, id string) ([]Event, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM escrow_sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, notFound(id)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query session")
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM escrow_events WHERE session_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "query session events")
	}
	defer rows.Close()
	var events []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "scan session event")
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "iterate session events")
	}
	return events, nil
}

// checkAffected turns a zero-row conditional update into notFound or the
// supplied state error.
func (s *SQLStore) checkAffected(ctx context.Context, tx *sql.Tx, id string, res sql.Result, err error, stateErr error) error {
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update session")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "update session")
	}
	if n > 0 {
		return nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM escrow_sessions WHERE id = ?`, id).Scan(&exists); err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return notFound(id)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "query session")
	}
	return stateErr
}

func insertAgent(ctx context.Context, ex execer, id, agent string, at time.Time) error {
	_, err := ex.ExecContext(ctx, `INSERT INTO escrow_session_agents (session_id, agent_address, created_at) VALUES (?, ?, ?)`,
		id, agent, at.UnixMilli())
	if err != nil && !sqlstore.IsDuplicate(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert session agent")
	}
	return nil
}

func insertEvents(ctx context.Context, ex execer, events []Event) error {
	for _, ev := range events {
		_, err := ex.ExecContext(ctx, `INSERT INTO escrow_events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.SessionID, string(ev.Type), ev.ActorAddress, ev.Amount, ev.TxHash, ev.BlockNumber,
			ev.ExecutionID, sqlstore.BoolToInt(ev.Reversed), ev.Timestamp.UnixMilli())
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "insert session event")
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess                                  Session
		status                                string
		expiresAt, closedAt, created, updated int64
		closeRefund                           int64
		closeTx                               string
	)
	if err := row.Scan(&sess.ID, &sess.OwnerAddress, &sess.MaxSpend, &sess.Deposited, &sess.Released, &sess.Refunded,
		&status, &expiresAt, &sess.ActivationTx, &closeRefund, &closeTx, &closedAt, &created, &updated); err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	sess.CreatedAt = time.UnixMilli(created).UTC()
	sess.UpdatedAt = time.UnixMilli(updated).UTC()
	if sess.Status == StatusClosed {
		sess.CloseResult = &CloseResult{
			RefundAmount: closeRefund,
			TxHash:       closeTx,
			ClosedAt:     time.UnixMilli(closedAt).UTC(),
		}
	}
	return &sess, nil
}

func scanEvent(row rowScanner) (Event, error) {
	var (
		ev       Event
		typ      string
		reversed int
		created  int64
	)
	if err := row.Scan(&ev.ID, &ev.SessionID, &typ, &ev.ActorAddress, &ev.Amount, &ev.TxHash, &ev.BlockNumber,
		&ev.ExecutionID, &reversed, &created); err != nil {
		return Event{}, err
	}
	ev.Type = EventType(typ)
	ev.Reversed = reversed != 0
	ev.Timestamp = time.UnixMilli(created).UTC()
	return ev, nil
}
