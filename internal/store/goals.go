package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/epistemic/internal/ir"
)

// InsertGoal writes a goal row.
func (q *Queries) InsertGoal(ctx context.Context, g ir.Goal, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO goals (id, session_id, objective, scope, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, g.ID, g.SessionID, g.Objective, g.Scope, string(g.Status), formatTime(at))
	if err != nil {
		return fmt.Errorf("insert goal: %w", err)
	}
	return nil
}

// GetGoal returns the goal, or (nil, nil).
func (q *Queries) GetGoal(ctx context.Context, id string) (*ir.Goal, error) {
	var (
		g      ir.Goal
		status string
	)
	err := q.q.QueryRowContext(ctx, `
		SELECT id, session_id, objective, scope, status FROM goals WHERE id = ?
	`, id).Scan(&g.ID, &g.SessionID, &g.Objective, &g.Scope, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get goal: %w", err)
	}
	g.Status = ir.GoalStatus(status)
	return &g, nil
}

// SessionGoals returns a session's goals, oldest first.
func (q *Queries) SessionGoals(ctx context.Context, sessionID string) ([]ir.Goal, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, session_id, objective, scope, status FROM goals
		WHERE session_id = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	out := []ir.Goal{}
	for rows.Next() {
		var (
			g      ir.Goal
			status string
		)
		if err := rows.Scan(&g.ID, &g.SessionID, &g.Objective, &g.Scope, &status); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		g.Status = ir.GoalStatus(status)
		out = append(out, g)
	}
	return out, rows.Err()
}

// SetGoalStatus updates a goal's status.
func (q *Queries) SetGoalStatus(ctx context.Context, id string, status ir.GoalStatus) error {
	if _, err := q.q.ExecContext(ctx,
		`UPDATE goals SET status = ? WHERE id = ?`, string(status), id); err != nil {
		return fmt.Errorf("set goal status: %w", err)
	}
	return nil
}

// InsertSubtask writes a subtask row.
func (q *Queries) InsertSubtask(ctx context.Context, st ir.Subtask, at time.Time) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO subtasks (id, goal_id, description, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, st.ID, st.GoalID, st.Description, string(st.Status), formatTime(at))
	if err != nil {
		return fmt.Errorf("insert subtask: %w", err)
	}
	return nil
}

// SetSubtaskStatus updates a subtask's status. Returns sql.ErrNoRows when the
// subtask does not exist.
func (q *Queries) SetSubtaskStatus(ctx context.Context, id string, status ir.GoalStatus) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE subtasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set subtask status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set subtask status %s: %w", id, sql.ErrNoRows)
	}
	return nil
}

// GoalSubtasks returns a goal's subtasks with their findings, unknowns and
// dead ends filled from the artifacts table.
func (q *Queries) GoalSubtasks(ctx context.Context, goalID string) ([]ir.Subtask, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT id, goal_id, description, status FROM subtasks
		WHERE goal_id = ?
		ORDER BY created_at ASC, id COLLATE BINARY ASC
	`, goalID)
	if err != nil {
		return nil, fmt.Errorf("query subtasks: %w", err)
	}

	out := []ir.Subtask{}
	for rows.Next() {
		var (
			st     ir.Subtask
			status string
		)
		if err := rows.Scan(&st.ID, &st.GoalID, &st.Description, &status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan subtask: %w", err)
		}
		st.Status = ir.GoalStatus(status)
		out = append(out, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subtasks: %w", err)
	}

	// Second pass after rows are closed: the pool has a single connection.
	for i := range out {
		arts, err := q.listArtifacts(ctx, `
			SELECT `+artifactColumns+` FROM artifacts
			WHERE subtask_id = ? ORDER BY created_at ASC, id ASC
		`, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Findings, out[i].Unknowns, out[i].DeadEnds = []string{}, []string{}, []string{}
		for _, a := range arts {
			switch a.Kind {
			case ir.ArtifactFinding:
				out[i].Findings = append(out[i].Findings, a.Text)
			case ir.ArtifactUnknown:
				out[i].Unknowns = append(out[i].Unknowns, a.Text)
			case ir.ArtifactDeadEnd:
				out[i].DeadEnds = append(out[i].DeadEnds, a.Text)
			}
		}
	}
	return out, nil
}

// GoalProgress counts completed and total subtasks across a session's goals.
func (q *Queries) GoalProgress(ctx context.Context, sessionID string) (completed, total int, err error) {
	err = q.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN s.status = 'completed' THEN 1 ELSE 0 END), 0), COUNT(s.id)
		FROM subtasks s JOIN goals g ON g.id = s.goal_id
		WHERE g.session_id = ? AND s.status <> 'abandoned'
	`, sessionID).Scan(&completed, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("goal progress: %w", err)
	}
	return completed, total, nil
}

// InsertArtifact writes a noetic artifact.
func (q *Queries) InsertArtifact(ctx context.Context, a ir.Artifact) error {
	if !a.Kind.Valid() {
		return &ir.ValidationError{Fields: []string{"kind"}, Message: fmt.Sprintf("unknown artifact kind %q", a.Kind)}
	}
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO artifacts (id, session_id, transaction_id, subtask_id, kind, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.TransactionID, a.SubtaskID, string(a.Kind), a.Text, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

const artifactColumns = `id, session_id, transaction_id, subtask_id, kind, text, created_at`

func (q *Queries) listArtifacts(ctx context.Context, query string, args ...any) ([]ir.Artifact, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	out := []ir.Artifact{}
	for rows.Next() {
		var (
			a         ir.Artifact
			kind      string
			createdAt string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.TransactionID, &a.SubtaskID, &kind, &a.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Kind = ir.ArtifactKind(kind)
		if a.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("artifact created_at: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// TransactionArtifacts returns the artifacts logged against a transaction.
func (q *Queries) TransactionArtifacts(ctx context.Context, txID string) ([]ir.Artifact, error) {
	return q.listArtifacts(ctx, `
		SELECT `+artifactColumns+` FROM artifacts
		WHERE transaction_id = ? ORDER BY created_at ASC, id ASC
	`, txID)
}

// CountArtifactsSince counts artifacts logged against txID at or after since.
func (q *Queries) CountArtifactsSince(ctx context.Context, txID string, since time.Time) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM artifacts WHERE transaction_id = ? AND created_at >= ?
	`, txID, formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return n, nil
}
