package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/ir"
)

func TestLoadCalibration_Defaults(t *testing.T) {
	s := createTestStore(t)

	rec, err := s.LoadCalibration(context.Background(), ir.Thresholds{Know: 0.7, Uncertainty: 0.35})
	require.NoError(t, err)
	assert.Equal(t, ir.Thresholds{Know: 0.7, Uncertainty: 0.35}, rec.Thresholds)
	assert.Empty(t, rec.Vectors)
}

func TestSaveVectorCalibration(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveVectorCalibration(ctx, ir.VectorCalibration{
		Vector:        ir.VectorCompletion,
		Track1Samples: []float64{0.2, 0.4},
		Track2Samples: []float64{0.6},
		Groundable:    true,
		UpdatedAt:     testTime(0),
	}))
	require.NoError(t, s.SaveThresholds(ctx, ir.Thresholds{Know: 0.8, Uncertainty: 0.3}))

	rec, err := s.LoadCalibration(ctx, ir.Thresholds{Know: 0.7, Uncertainty: 0.35})
	require.NoError(t, err)
	assert.Equal(t, ir.Thresholds{Know: 0.8, Uncertainty: 0.3}, rec.Thresholds)

	vc := rec.Vector(ir.VectorCompletion)
	assert.InDelta(t, 0.3, vc.Track1Offset, 1e-9)
	assert.InDelta(t, 0.6, vc.Track2Divergence, 1e-9)
	assert.True(t, vc.Groundable)
	assert.Equal(t, testTime(0), vc.UpdatedAt)
}

func TestTrajectoryQuery(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	points := []ir.TrajectoryPoint{
		{Vector: ir.VectorKnow, Track: ir.TrackSelf, Value: 0.3, TransactionID: "t1", At: testTime(1)},
		{Vector: ir.VectorKnow, Track: ir.TrackSelf, Value: 0.2, TransactionID: "t2", At: testTime(2)},
		{Vector: ir.VectorKnow, Track: ir.TrackGrounded, Value: -0.1, TransactionID: "t2", At: testTime(3)},
		{Vector: ir.VectorDo, Track: ir.TrackSelf, Value: 0.1, TransactionID: "t3", At: testTime(4)},
	}
	for _, p := range points {
		require.NoError(t, s.AppendTrajectory(ctx, p))
	}

	all, err := s.Trajectory(ctx, TrajectoryQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	know, err := s.Trajectory(ctx, TrajectoryQuery{Vector: ir.VectorKnow, Track: ir.TrackSelf})
	require.NoError(t, err)
	require.Len(t, know, 2)
	assert.Equal(t, "t1", know[0].TransactionID)

	last, err := s.Trajectory(ctx, TrajectoryQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, ir.VectorDo, last[0].Vector)

	since, err := s.Trajectory(ctx, TrajectoryQuery{Since: testTime(3)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestMean(t *testing.T) {
	assert.Equal(t, 0.0, Mean(nil))
	assert.InDelta(t, 0.2, Mean([]float64{0.1, 0.3}), 1e-12)
}
