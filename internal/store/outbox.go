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

// OutboxEntry is an audit log write accepted by the relational store but not
// yet confirmed by the log.
type OutboxEntry struct {
	Ref          string
	AssessmentID string
	Payload      []byte
	CreatedAt    time.Time
	Attempts     int
	LastError    string
}

// EnqueueOutbox records a pending audit log write. Re-enqueueing the same ref
// is a no-op.
func (q *Queries) EnqueueOutbox(ctx context.Context, e OutboxEntry) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO audit_outbox (ref, assessment_id, payload, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(ref) DO NOTHING
	`, e.Ref, e.AssessmentID, e.Payload, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// PendingOutbox returns up to limit pending entries, oldest first.
func (q *Queries) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.q.QueryContext(ctx, `
		SELECT ref, assessment_id, payload, created_at, attempts, last_error
		FROM audit_outbox ORDER BY created_at ASC, ref ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	out := []OutboxEntry{}
	for rows.Next() {
		var (
			e         OutboxEntry
			createdAt string
		)
		if err := rows.Scan(&e.Ref, &e.AssessmentID, &e.Payload, &createdAt, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("outbox created_at: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CompleteOutbox removes a flushed entry.
func (q *Queries) CompleteOutbox(ctx context.Context, ref string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM audit_outbox WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("complete outbox: %w", err)
	}
	return nil
}

// FailOutbox records a failed flush attempt.
func (q *Queries) FailOutbox(ctx context.Context, ref string, cause error) error {
	_, err := q.q.ExecContext(ctx, `
		UPDATE audit_outbox SET attempts = attempts + 1, last_error = ? WHERE ref = ?
	`, cause.Error(), ref)
	if err != nil {
		return fmt.Errorf("fail outbox: %w", err)
	}
	return nil
}

// SaveEvidenceBundle stores the bundle collected for a transaction. A later
// collection replaces an earlier one.
func (q *Queries) SaveEvidenceBundle(ctx context.Context, ref string, b ir.EvidenceBundle) error {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("save evidence: marshal: %w", err)
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO evidence_bundles (transaction_id, ref, partial, bundle, collected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(transaction_id) DO UPDATE SET
			ref = excluded.ref, partial = excluded.partial,
			bundle = excluded.bundle, collected_at = excluded.collected_at
	`, b.TransactionID, ref, b.Partial, string(data), formatTime(b.CollectedAt))
	if err != nil {
		return fmt.Errorf("save evidence: %w", err)
	}
	return nil
}

// GetEvidenceBundle returns the stored bundle, or (nil, nil).
func (q *Queries) GetEvidenceBundle(ctx context.Context, txID string) (*ir.EvidenceBundle, error) {
	var data string
	err := q.q.QueryRowContext(ctx,
		`SELECT bundle FROM evidence_bundles WHERE transaction_id = ?`, txID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence: %w", err)
	}
	var b ir.EvidenceBundle
	if err := json.Unmarshal([]byte(data), &b); err != nil {
		return nil, fmt.Errorf("get evidence: decode: %w", err)
	}
	return &b, nil
}
