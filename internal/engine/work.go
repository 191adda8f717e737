package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/memory"
	"github.com/roach88/epistemic/internal/resolver"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
)

// ArtifactRequest logs a noetic artifact.
type ArtifactRequest struct {
	Identity        string
	TransactionID   string
	SessionOverride string
	SubtaskID       string
	Kind            ir.ArtifactKind
	Text            string
}

// LogArtifact records a finding, unknown, dead end or resolution. It is
// attached to the resolved transaction while that transaction is open;
// artifacts logged after CLOSED belong to the session only.
func (e *Engine) LogArtifact(ctx context.Context, req ArtifactRequest) (ir.Artifact, error) {
	if !req.Kind.Valid() {
		return ir.Artifact{}, &ir.ValidationError{Fields: []string{"kind"}, Message: fmt.Sprintf("unknown artifact kind %q", req.Kind)}
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return ir.Artifact{}, &ir.ValidationError{Fields: []string{"text"}, Message: "required"}
	}
	rc, err := e.resolver.Resolve(ctx, req.Identity, resolver.Hints{
		TransactionID:   req.TransactionID,
		SessionOverride: req.SessionOverride,
	})
	if err != nil {
		return ir.Artifact{}, err
	}
	if rc.Transaction != nil {
		if err := resolver.CheckOwner(*rc.Transaction, req.Identity); err != nil {
			return ir.Artifact{}, err
		}
	}

	a := ir.Artifact{
		ID:        e.ids.Generate(),
		SessionID: rc.SessionID,
		SubtaskID: req.SubtaskID,
		Kind:      req.Kind,
		Text:      text,
		CreatedAt: e.clock.Now(),
	}
	if rc.Transaction != nil && rc.Transaction.State.IsOpen() {
		a.TransactionID = rc.TransactionID
	}

	err = e.backend.Update(ctx, "log_artifact", func(ctx context.Context, tx *store.Tx) error {
		return tx.InsertArtifact(ctx, a)
	})
	if err != nil {
		return ir.Artifact{}, err
	}

	e.logger.Debug("artifact logged",
		zap.String("kind", string(a.Kind)),
		zap.String("session_id", a.SessionID),
		zap.String("transaction_id", a.TransactionID))
	e.remember(ctx, memory.Record{
		Kind: string(a.Kind), SessionID: a.SessionID, TransactionID: a.TransactionID,
		Text: a.Text, CreatedAt: a.CreatedAt,
	})
	return a, nil
}

// CreateGoal adds a goal to the identity's session.
func (e *Engine) CreateGoal(ctx context.Context, identity, sessionOverride, objective, scope string) (ir.Goal, error) {
	objective = strings.TrimSpace(objective)
	if objective == "" {
		return ir.Goal{}, &ir.ValidationError{Fields: []string{"objective"}, Message: "required"}
	}
	rc, err := e.resolver.Resolve(ctx, identity, resolver.Hints{SessionOverride: sessionOverride})
	if err != nil {
		return ir.Goal{}, err
	}

	g := ir.Goal{
		ID:        e.ids.Generate(),
		SessionID: rc.SessionID,
		Objective: objective,
		Scope:     scope,
		Status:    ir.GoalOpen,
	}
	err = e.backend.Update(ctx, "create_goal", func(ctx context.Context, tx *store.Tx) error {
		return tx.InsertGoal(ctx, g, e.clock.Now())
	})
	if err != nil {
		return ir.Goal{}, err
	}
	return g, nil
}

// AddSubtask adds a subtask to an existing goal.
func (e *Engine) AddSubtask(ctx context.Context, goalID, description string) (ir.Subtask, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		return ir.Subtask{}, &ir.ValidationError{Fields: []string{"description"}, Message: "required"}
	}
	st := ir.Subtask{
		ID:          e.ids.Generate(),
		GoalID:      goalID,
		Description: description,
		Status:      ir.GoalOpen,
		Findings:    []string{},
		Unknowns:    []string{},
		DeadEnds:    []string{},
	}
	err := e.backend.Update(ctx, "add_subtask", func(ctx context.Context, tx *store.Tx) error {
		g, err := tx.GetGoal(ctx, goalID)
		if err != nil {
			return err
		}
		if g == nil {
			return &ir.ValidationError{Fields: []string{"goal_id"}, Message: fmt.Sprintf("goal %s does not exist", goalID)}
		}
		return tx.InsertSubtask(ctx, st, e.clock.Now())
	})
	if err != nil {
		return ir.Subtask{}, err
	}
	return st, nil
}

// SetSubtaskStatus moves a subtask to status.
func (e *Engine) SetSubtaskStatus(ctx context.Context, subtaskID string, status ir.GoalStatus) error {
	switch status {
	case ir.GoalOpen, ir.GoalCompleted, ir.GoalAbandoned:
	default:
		return &ir.ValidationError{Fields: []string{"status"}, Message: fmt.Sprintf("unknown status %q", status)}
	}
	return e.backend.Update(ctx, "set_subtask_status", func(ctx context.Context, tx *store.Tx) error {
		err := tx.SetSubtaskStatus(ctx, subtaskID, status)
		if errors.Is(err, sql.ErrNoRows) {
			return &ir.ValidationError{Fields: []string{"subtask_id"}, Message: fmt.Sprintf("subtask %s does not exist", subtaskID)}
		}
		return err
	})
}

// CompleteSubtask marks a subtask completed.
func (e *Engine) CompleteSubtask(ctx context.Context, subtaskID string) error {
	return e.SetSubtaskStatus(ctx, subtaskID, ir.GoalCompleted)
}

// SetGoalStatus moves a goal to status.
func (e *Engine) SetGoalStatus(ctx context.Context, goalID string, status ir.GoalStatus) error {
	switch status {
	case ir.GoalOpen, ir.GoalCompleted, ir.GoalAbandoned:
	default:
		return &ir.ValidationError{Fields: []string{"status"}, Message: fmt.Sprintf("unknown status %q", status)}
	}
	return e.backend.Update(ctx, "set_goal_status", func(ctx context.Context, tx *store.Tx) error {
		g, err := tx.GetGoal(ctx, goalID)
		if err != nil {
			return err
		}
		if g == nil {
			return &ir.ValidationError{Fields: []string{"goal_id"}, Message: fmt.Sprintf("goal %s does not exist", goalID)}
		}
		return tx.SetGoalStatus(ctx, goalID, status)
	})
}

// Goals lists the goals of the identity's session with their subtasks.
func (e *Engine) Goals(ctx context.Context, identity, sessionOverride string) ([]storage.GoalExport, error) {
	rc, err := e.resolver.Resolve(ctx, identity, resolver.Hints{SessionOverride: sessionOverride})
	if err != nil {
		return nil, err
	}
	goals, err := e.store.SessionGoals(ctx, rc.SessionID)
	if err != nil {
		return nil, &ir.StorageError{Op: "goals", Err: err}
	}
	out := make([]storage.GoalExport, 0, len(goals))
	for _, g := range goals {
		subs, err := e.store.GoalSubtasks(ctx, g.ID)
		if err != nil {
			return nil, &ir.StorageError{Op: "goals", Err: err}
		}
		out = append(out, storage.GoalExport{Goal: g, Subtasks: subs})
	}
	return out, nil
}
