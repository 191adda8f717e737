package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/epistemic/internal/ir"
)

// UpsertActiveContext sets the pointer for an execution identity.
func (q *Queries) UpsertActiveContext(ctx context.Context, ac ir.ActiveContext) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO active_context
		(execution_identity, session_id, transaction_id, project_path, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(execution_identity) DO UPDATE SET
			session_id     = excluded.session_id,
			transaction_id = excluded.transaction_id,
			project_path   = excluded.project_path,
			updated_at     = excluded.updated_at
	`, ac.ExecutionIdentity, ac.SessionID, ac.TransactionID, ac.ProjectPath, formatTime(ac.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert active context: %w", err)
	}
	return nil
}

// GetActiveContext returns the pointer for identity, or (nil, nil).
func (q *Queries) GetActiveContext(ctx context.Context, identity string) (*ir.ActiveContext, error) {
	var (
		ac        ir.ActiveContext
		updatedAt string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT execution_identity, session_id, transaction_id, project_path, updated_at
		FROM active_context WHERE execution_identity = ?
	`, identity).Scan(&ac.ExecutionIdentity, &ac.SessionID, &ac.TransactionID, &ac.ProjectPath, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active context: %w", err)
	}
	if ac.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("get active context: updated_at: %w", err)
	}
	return &ac, nil
}

// DeleteActiveContext removes the pointer for identity.
func (q *Queries) DeleteActiveContext(ctx context.Context, identity string) error {
	if _, err := q.q.ExecContext(ctx,
		`DELETE FROM active_context WHERE execution_identity = ?`, identity); err != nil {
		return fmt.Errorf("delete active context: %w", err)
	}
	return nil
}
