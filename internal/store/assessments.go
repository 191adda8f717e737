package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/roach88/epistemic/internal/ir"
)

// InsertAssessment writes an assessment row. Vectors are validated here as
// well as at the boundary; an out-of-range set never reaches the table.
// A second POSTFLIGHT for the same transaction violates the partial unique
// index and returns *ir.TransactionClosedError.
func (q *Queries) InsertAssessment(ctx context.Context, a ir.Assessment) error {
	if err := a.Vectors.Validate(); err != nil {
		return err
	}
	if !a.Phase.Valid() {
		return &ir.ValidationError{Fields: []string{"phase"}, Message: fmt.Sprintf("unknown phase %q", a.Phase)}
	}

	vectors, err := json.Marshal(a.Vectors)
	if err != nil {
		return fmt.Errorf("insert assessment: marshal vectors: %w", err)
	}
	meta := a.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metadata, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("insert assessment: marshal metadata: %w", err)
	}

	_, err = q.q.ExecContext(ctx, `
		INSERT INTO assessments
		(id, session_id, transaction_id, phase, round, vectors, reasoning, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.TransactionID, string(a.Phase), a.Round, string(vectors),
		a.Reasoning, string(metadata), formatTime(a.CreatedAt))
	if err != nil {
		if a.Phase == ir.PhasePostflight && isUniqueViolation(err) {
			return &ir.TransactionClosedError{TransactionID: a.TransactionID}
		}
		return fmt.Errorf("insert assessment: %w", err)
	}
	return nil
}

const assessmentColumns = `id, session_id, transaction_id, phase, round, vectors, reasoning,
	metadata, created_at`

func scanAssessment(row interface{ Scan(...any) error }) (ir.Assessment, error) {
	var (
		a         ir.Assessment
		phase     string
		vectors   string
		metadata  string
		createdAt string
	)
	if err := row.Scan(&a.ID, &a.SessionID, &a.TransactionID, &phase, &a.Round, &vectors,
		&a.Reasoning, &metadata, &createdAt); err != nil {
		return ir.Assessment{}, err
	}
	a.Phase = ir.Phase(phase)
	if err := json.Unmarshal([]byte(vectors), &a.Vectors); err != nil {
		return ir.Assessment{}, fmt.Errorf("vectors: %w", err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &a.Metadata); err != nil {
			return ir.Assessment{}, fmt.Errorf("metadata: %w", err)
		}
	}
	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return ir.Assessment{}, fmt.Errorf("created_at: %w", err)
	}
	return a, nil
}

func (q *Queries) listAssessments(ctx context.Context, query string, args ...any) ([]ir.Assessment, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query assessments: %w", err)
	}
	defer rows.Close()

	out := []ir.Assessment{}
	for rows.Next() {
		a, err := scanAssessment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan assessment: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assessments: %w", err)
	}
	return out, nil
}

// GetAssessment returns the assessment with id, or (nil, nil).
func (q *Queries) GetAssessment(ctx context.Context, id string) (*ir.Assessment, error) {
	a, err := scanAssessment(q.q.QueryRowContext(ctx,
		`SELECT `+assessmentColumns+` FROM assessments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assessment: %w", err)
	}
	return &a, nil
}

// LatestAssessment returns the newest assessment of phase in a session, or
// (nil, nil).
func (q *Queries) LatestAssessment(ctx context.Context, sessionID string, phase ir.Phase) (*ir.Assessment, error) {
	a, err := scanAssessment(q.q.QueryRowContext(ctx, `
		SELECT `+assessmentColumns+` FROM assessments
		WHERE session_id = ? AND phase = ?
		ORDER BY created_at DESC, round DESC, rowid DESC
		LIMIT 1
	`, sessionID, string(phase)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest assessment: %w", err)
	}
	return &a, nil
}

// AssessmentsByPhase returns every assessment of phase in a session, oldest
// first.
func (q *Queries) AssessmentsByPhase(ctx context.Context, sessionID string, phase ir.Phase) ([]ir.Assessment, error) {
	return q.listAssessments(ctx, `
		SELECT `+assessmentColumns+` FROM assessments
		WHERE session_id = ? AND phase = ?
		ORDER BY created_at ASC, round ASC, rowid ASC
	`, sessionID, string(phase))
}

// SessionAssessments returns every assessment in a session, oldest first.
func (q *Queries) SessionAssessments(ctx context.Context, sessionID string) ([]ir.Assessment, error) {
	return q.listAssessments(ctx, `
		SELECT `+assessmentColumns+` FROM assessments
		WHERE session_id = ?
		ORDER BY created_at ASC, round ASC, rowid ASC
	`, sessionID)
}

// TransactionAssessments returns the assessments of one transaction in
// PREFLIGHT, CHECK rounds, POSTFLIGHT order.
func (q *Queries) TransactionAssessments(ctx context.Context, txID string) ([]ir.Assessment, error) {
	return q.listAssessments(ctx, `
		SELECT `+assessmentColumns+` FROM assessments
		WHERE transaction_id = ?
		ORDER BY CASE phase WHEN 'PREFLIGHT' THEN 0 WHEN 'CHECK' THEN 1 ELSE 2 END,
		         round ASC, created_at ASC
	`, txID)
}

// TransactionPhase returns the newest assessment of phase in a transaction,
// or (nil, nil).
func (q *Queries) TransactionPhase(ctx context.Context, txID string, phase ir.Phase) (*ir.Assessment, error) {
	a, err := scanAssessment(q.q.QueryRowContext(ctx, `
		SELECT `+assessmentColumns+` FROM assessments
		WHERE transaction_id = ? AND phase = ?
		ORDER BY round DESC, created_at DESC
		LIMIT 1
	`, txID, string(phase)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", phase, err)
	}
	return &a, nil
}

// CountAssessments counts rows, optionally restricted to a session and a
// phase. Empty arguments match everything.
func (q *Queries) CountAssessments(ctx context.Context, sessionID string, phase ir.Phase) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assessments
		WHERE (? = '' OR phase = ?) AND (? = '' OR session_id = ?)
	`, string(phase), string(phase), sessionID, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count assessments: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
