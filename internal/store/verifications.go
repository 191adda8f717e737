package store

import (
	"context"
	"fmt"
	"time"
)

// PendingVerification is a closed transaction whose evidence has not been
// applied yet.
type PendingVerification struct {
	TransactionID string
	QueuedAt      time.Time
	Attempts      int
	LastError     string
}

// QueueVerification marks txID as waiting for grounded verification.
// Queueing twice is a no-op.
func (q *Queries) QueueVerification(ctx context.Context, txID string, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO pending_verifications (transaction_id, queued_at)
		VALUES (?, ?)
		ON CONFLICT(transaction_id) DO NOTHING
	`, txID, formatTime(at))
	if err != nil {
		return fmt.Errorf("queue verification: %w", err)
	}
	return nil
}

// PendingVerifications returns queued transactions with fewer than
// maxAttempts failed attempts, oldest first. maxAttempts <= 0 means no cap.
func (q *Queries) PendingVerifications(ctx context.Context, maxAttempts, limit int) ([]PendingVerification, error) {
	if limit <= 0 {
		limit = -1
	}
	if maxAttempts <= 0 {
		maxAttempts = int(^uint32(0) >> 1)
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT transaction_id, queued_at, attempts, last_error
		FROM pending_verifications
		WHERE attempts < ?
		ORDER BY queued_at ASC, transaction_id ASC LIMIT ?
	`, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending verifications: %w", err)
	}
	defer rows.Close()

	out := []PendingVerification{}
	for rows.Next() {
		var (
			p        PendingVerification
			queuedAt string
		)
		if err := rows.Scan(&p.TransactionID, &queuedAt, &p.Attempts, &p.LastError); err != nil {
			return nil, fmt.Errorf("scan pending verification: %w", err)
		}
		if p.QueuedAt, err = parseTime(queuedAt); err != nil {
			return nil, fmt.Errorf("pending verification queued_at: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CompleteVerification removes txID from the queue.
func (q *Queries) CompleteVerification(ctx context.Context, txID string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM pending_verifications WHERE transaction_id = ?`, txID); err != nil {
		return fmt.Errorf("complete verification: %w", err)
	}
	return nil
}

// FailVerification records a failed attempt for txID.
func (q *Queries) FailVerification(ctx context.Context, txID string, cause error) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE pending_verifications SET attempts = attempts + 1, last_error = ?
		WHERE transaction_id = ?
	`, cause.Error(), txID)
	if err != nil {
		return fmt.Errorf("fail verification: %w", err)
	}
	return nil
}
