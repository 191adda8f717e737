package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/ir"
)

func TestGoalsAndSubtasks(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSessionAndTx(t, s, "s1", "t1", "pane-1")

	require.NoError(t, s.InsertGoal(ctx, ir.Goal{ID: "g1", SessionID: "s1", Objective: "fix login", Status: ir.GoalOpen}, testTime(1)))
	require.NoError(t, s.InsertSubtask(ctx, ir.Subtask{ID: "st1", GoalID: "g1", Description: "read auth", Status: ir.GoalOpen}, testTime(2)))
	require.NoError(t, s.InsertSubtask(ctx, ir.Subtask{ID: "st2", GoalID: "g1", Description: "patch", Status: ir.GoalOpen}, testTime(3)))

	for i, a := range []ir.Artifact{
		{Kind: ir.ArtifactFinding, Text: "token cached"},
		{Kind: ir.ArtifactUnknown, Text: "who refreshes"},
		{Kind: ir.ArtifactDeadEnd, Text: "not the proxy"},
	} {
		a.ID = string(rune('a' + i))
		a.SessionID, a.TransactionID, a.SubtaskID = "s1", "t1", "st1"
		a.CreatedAt = testTime(10 + i)
		require.NoError(t, s.InsertArtifact(ctx, a))
	}

	require.NoError(t, s.SetSubtaskStatus(ctx, "st1", ir.GoalCompleted))
	assert.Error(t, s.SetSubtaskStatus(ctx, "missing", ir.GoalCompleted))

	subtasks, err := s.GoalSubtasks(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, []string{"token cached"}, subtasks[0].Findings)
	assert.Equal(t, []string{"who refreshes"}, subtasks[0].Unknowns)
	assert.Equal(t, []string{"not the proxy"}, subtasks[0].DeadEnds)
	assert.Empty(t, subtasks[1].Findings)

	completed, total, err := s.GoalProgress(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 2, total)

	goals, err := s.SessionGoals(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.Equal(t, "fix login", goals[0].Objective)
}

func TestCountArtifactsSince(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for i, at := range []int{5, 20, 40} {
		require.NoError(t, s.InsertArtifact(ctx, ir.Artifact{
			ID: string(rune('a' + i)), SessionID: "s1", TransactionID: "t1",
			Kind: ir.ArtifactFinding, Text: "x", CreatedAt: testTime(at),
		}))
	}

	n, err := s.CountArtifactsSince(ctx, "t1", testTime(20))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CountArtifactsSince(ctx, "t2", testTime(0))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertArtifact_RejectsUnknownKind(t *testing.T) {
	s := createTestStore(t)

	err := s.InsertArtifact(context.Background(), ir.Artifact{ID: "a", Kind: "note", Text: "x", CreatedAt: testTime(0)})
	assert.True(t, ir.IsValidationError(err))
}
