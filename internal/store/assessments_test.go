package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/ir"
)

func TestInsertAssessment_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSessionAndTx(t, s, "s1", "t1", "pane-1")

	a := testAssessment("a1", "s1", "t1", ir.PhasePreflight, 0, 1)
	a.Vectors.Know = 0.25
	a.Metadata = map[string]any{"source": "cli"}
	require.NoError(t, s.InsertAssessment(ctx, a))

	got, err := s.GetAssessment(ctx, "a1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, a.Vectors, got.Vectors)
	assert.Equal(t, a.CreatedAt, got.CreatedAt)
	assert.Equal(t, "cli", got.Metadata["source"])
}

func TestInsertAssessment_OutOfRangeWritesNoRow(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSessionAndTx(t, s, "s1", "t1", "pane-1")

	a := testAssessment("a1", "s1", "t1", ir.PhasePreflight, 0, 1)
	a.Vectors.Impact = 1.2

	err := s.InsertAssessment(ctx, a)
	require.Error(t, err)
	assert.Equal(t, ir.CodeInvalidVector, ir.ErrorType(err))

	n, err := s.CountAssessments(ctx, "", ir.PhasePreflight)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInsertAssessment_SinglePostflightPerTransaction(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSessionAndTx(t, s, "s1", "t1", "pane-1")

	require.NoError(t, s.InsertAssessment(ctx, testAssessment("p1", "s1", "t1", ir.PhasePostflight, 0, 5)))
	err := s.InsertAssessment(ctx, testAssessment("p2", "s1", "t1", ir.PhasePostflight, 0, 6))
	assert.True(t, ir.IsTransactionClosedError(err), "got %v", err)

	rows, err := s.AssessmentsByPhase(ctx, "s1", ir.PhasePostflight)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLatestAssessment(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSessionAndTx(t, s, "s1", "t1", "pane-1")

	got, err := s.LatestAssessment(ctx, "s1", ir.PhaseCheck)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.InsertAssessment(ctx, testAssessment("c1", "s1", "t1", ir.PhaseCheck, 1, 10)))
	require.NoError(t, s.InsertAssessment(ctx, testAssessment("c2", "s1", "t1", ir.PhaseCheck, 2, 20)))

	got, err = s.LatestAssessment(ctx, "s1", ir.PhaseCheck)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c2", got.ID)

	latest, err := s.TransactionPhase(ctx, "t1", ir.PhaseCheck)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Round)
}

func TestTransactionAssessmentsOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	seedSessionAndTx(t, s, "s1", "t1", "pane-1")

	require.NoError(t, s.InsertAssessment(ctx, testAssessment("post", "s1", "t1", ir.PhasePostflight, 0, 30)))
	require.NoError(t, s.InsertAssessment(ctx, testAssessment("c2", "s1", "t1", ir.PhaseCheck, 2, 20)))
	require.NoError(t, s.InsertAssessment(ctx, testAssessment("pre", "s1", "t1", ir.PhasePreflight, 0, 0)))
	require.NoError(t, s.InsertAssessment(ctx, testAssessment("c1", "s1", "t1", ir.PhaseCheck, 1, 10)))

	rows, err := s.TransactionAssessments(ctx, "t1")
	require.NoError(t, err)

	var ids []string
	for _, a := range rows {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []string{"pre", "c1", "c2", "post"}, ids)
}
