package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/epistemic/internal/ir"
)

// InsertSession creates a session row. Duplicate ids are ignored so the
// first writer's owner wins.
func (q *Queries) InsertSession(ctx context.Context, sess ir.Session) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sessions (id, owner_identity, project_path, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, sess.ID, sess.OwnerIdentity, sess.ProjectPath, formatTime(sess.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the session or *ir.SessionNotFoundError.
func (q *Queries) GetSession(ctx context.Context, id string) (ir.Session, error) {
	var (
		sess      ir.Session
		createdAt string
		endedAt   sql.NullString
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, owner_identity, project_path, created_at, ended_at
		FROM sessions WHERE id = ?
	`, id).Scan(&sess.ID, &sess.OwnerIdentity, &sess.ProjectPath, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.Session{}, &ir.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return ir.Session{}, fmt.Errorf("get session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Session{}, fmt.Errorf("get session: created_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return ir.Session{}, fmt.Errorf("get session: ended_at: %w", err)
	}
	return sess, nil
}

// ListSessionIDs returns every session id in creation order.
func (q *Queries) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id FROM sessions ORDER BY created_at ASC, id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertTransaction writes a new transaction row.
func (q *Queries) InsertTransaction(ctx context.Context, t ir.Transaction) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, session_id, owner_identity, project_path, state, parallel, preflight_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.SessionID, t.OwnerIdentity, t.ProjectPath, string(t.State), t.Parallel,
		formatTime(t.PreflightAt))
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, session_id, owner_identity, project_path, state, parallel,
	preflight_at, closed_at, delta`

func scanTransaction(row interface{ Scan(...any) error }) (ir.Transaction, error) {
	var (
		t           ir.Transaction
		state       string
		preflightAt string
		closedAt    sql.NullString
		delta       sql.NullString
	)
	if err := row.Scan(&t.ID, &t.SessionID, &t.OwnerIdentity, &t.ProjectPath, &state,
		&t.Parallel, &preflightAt, &closedAt, &delta); err != nil {
		return ir.Transaction{}, err
	}
	t.State = ir.TxState(state)

	var err error
	if t.PreflightAt, err = parseTime(preflightAt); err != nil {
		return ir.Transaction{}, fmt.Errorf("preflight_at: %w", err)
	}
	if t.ClosedAt, err = parseNullTime(closedAt); err != nil {
		return ir.Transaction{}, fmt.Errorf("closed_at: %w", err)
	}
	if delta.Valid && delta.String != "" {
		var d ir.Delta
		if err := json.Unmarshal([]byte(delta.String), &d); err != nil {
			return ir.Transaction{}, fmt.Errorf("delta: %w", err)
		}
		t.Delta = &d
	}
	return t, nil
}

// GetTransaction returns the transaction, or (nil, nil) when absent.
func (q *Queries) GetTransaction(ctx context.Context, id string) (*ir.Transaction, error) {
	t, err := scanTransaction(q.q.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return &t, nil
}

// OpenTransactions returns the open transactions of a session, oldest first.
func (q *Queries) OpenTransactions(ctx context.Context, sessionID string) ([]ir.Transaction, error) {
	return q.listTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE session_id = ? AND state <> 'CLOSED'
		ORDER BY preflight_at ASC, id COLLATE BINARY ASC
	`, sessionID)
}

// SessionTransactions returns every transaction of a session, oldest first.
func (q *Queries) SessionTransactions(ctx context.Context, sessionID string) ([]ir.Transaction, error) {
	return q.listTransactions(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE session_id = ?
		ORDER BY preflight_at ASC, id COLLATE BINARY ASC
	`, sessionID)
}

// LatestOpenTransactionForIdentity returns the newest open transaction owned
// by identity, or (nil, nil).
func (q *Queries) LatestOpenTransactionForIdentity(ctx context.Context, identity string) (*ir.Transaction, error) {
	t, err := scanTransaction(q.q.QueryRowContext(ctx, `
		SELECT `+transactionColumns+` FROM transactions
		WHERE owner_identity = ? AND state <> 'CLOSED'
		ORDER BY preflight_at DESC, id COLLATE BINARY DESC
		LIMIT 1
	`, identity))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest open transaction: %w", err)
	}
	return &t, nil
}

func (q *Queries) listTransactions(ctx context.Context, query string, args ...any) ([]ir.Transaction, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	out := []ir.Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// SetTransactionState moves an open transaction to state. Closed transactions
// are never reopened.
func (q *Queries) SetTransactionState(ctx context.Context, id string, state ir.TxState) error {
	res, err := q.q.ExecContext(ctx, `
		UPDATE transactions SET state = ? WHERE id = ? AND state <> 'CLOSED'
	`, string(state), id)
	if err != nil {
		return fmt.Errorf("set transaction state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ir.TransactionClosedError{TransactionID: id}
	}
	return nil
}

// CloseTransaction records the delta and moves the transaction to CLOSED.
// Returns *ir.TransactionClosedError if it was already closed.
func (q *Queries) CloseTransaction(ctx context.Context, id string, delta ir.Delta, at time.Time) error {
	data, err := json.Marshal(delta)
	if err != nil {
		return fmt.Errorf("close transaction: marshal delta: %w", err)
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE transactions SET state = 'CLOSED', closed_at = ?, delta = ?
		WHERE id = ? AND state <> 'CLOSED'
	`, formatTime(at), string(data), id)
	if err != nil {
		return fmt.Errorf("close transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ir.TransactionClosedError{TransactionID: id}
	}
	return nil
}
