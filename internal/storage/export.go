package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/epistemic/internal/ir"
)

// SessionExport is the JSON document written per session.
type SessionExport struct {
	Session      ir.Session       `json:"session"`
	Transactions []ir.Transaction `json:"transactions"`
	Assessments  []ir.Assessment  `json:"assessments"`
	Goals        []GoalExport     `json:"goals"`
	ExportedAt   time.Time        `json:"exported_at"`
}

// GoalExport is a goal with its subtasks.
type GoalExport struct {
	ir.Goal
	Subtasks []ir.Subtask `json:"subtasks"`
}

// Snapshot reads everything recorded for a session.
func (b *Backend) Snapshot(ctx context.Context, sessionID string) (SessionExport, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionExport{}, err
	}
	txs, err := b.store.SessionTransactions(ctx, sessionID)
	if err != nil {
		return SessionExport{}, err
	}
	as, err := b.store.SessionAssessments(ctx, sessionID)
	if err != nil {
		return SessionExport{}, err
	}
	goals, err := b.store.SessionGoals(ctx, sessionID)
	if err != nil {
		return SessionExport{}, err
	}
	out := SessionExport{
		Session:      sess,
		Transactions: txs,
		Assessments:  as,
		Goals:        make([]GoalExport, 0, len(goals)),
		ExportedAt:   b.now().UTC(),
	}
	for _, g := range goals {
		subs, err := b.store.GoalSubtasks(ctx, g.ID)
		if err != nil {
			return SessionExport{}, err
		}
		out.Goals = append(out.Goals, GoalExport{Goal: g, Subtasks: subs})
	}
	return out, nil
}

// Dump snapshots every session.
func (b *Backend) Dump(ctx context.Context) ([]SessionExport, error) {
	ids, err := b.store.ListSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]SessionExport, 0, len(ids))
	for _, id := range ids {
		snap, err := b.Snapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, nil
}

// ExportSession writes <export dir>/<session>.json through a temp file and
// rename, so readers never see a torn file. It returns the path written, or
// "" when export is disabled.
func (b *Backend) ExportSession(ctx context.Context, sessionID string) (string, error) {
	if b.exportDir == "" {
		return "", nil
	}
	snap, err := b.Snapshot(ctx, sessionID)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal export: %w", err)
	}
	if err := os.MkdirAll(b.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(b.exportDir, sessionID+".json")
	tmp, err := os.CreateTemp(b.exportDir, "."+sessionID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp export: %w", err)
	}
	defer os.Remove(tmp.Name()) // No-op after rename

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename export: %w", err)
	}
	return path, nil
}

func (b *Backend) exportQuietly(ctx context.Context, sessionID string) {
	if _, err := b.ExportSession(ctx, sessionID); err != nil {
		b.logger.Warn("session export failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}
