package calibration

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/epistemic/internal/evidence"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func uniform(v float64) ir.VectorSet {
	var vals [ir.NumVectors]float64
	for i := range vals {
		vals[i] = v
	}
	return ir.VectorSetFromValues(vals)
}

func newEngine(t *testing.T, opts ...Option) (*storage.Backend, *Engine) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "c.db"))
	require.NoError(t, err)
	b := storage.New(s, storage.WithNow(func() time.Time { return epoch }))
	t.Cleanup(func() { b.Close() })
	opts = append([]Option{WithNow(func() time.Time { return epoch })}, opts...)
	return b, New(b, opts...)
}

// closedTx seeds a session with one transaction carrying a POSTFLIGHT.
func closedTx(t *testing.T, b *storage.Backend, tx string, post ir.VectorSet) {
	t.Helper()
	ctx := t.Context()
	s := b.Store()
	require.NoError(t, s.InsertSession(ctx, ir.Session{ID: "s1", OwnerIdentity: "me", CreatedAt: epoch}))
	require.NoError(t, s.InsertTransaction(ctx, ir.Transaction{
		ID: tx, SessionID: "s1", OwnerIdentity: "me", State: ir.StateOpenPreflight, PreflightAt: epoch,
	}))
	_, err := b.Append(ctx, ir.Assessment{
		ID: tx + "-post", SessionID: "s1", TransactionID: tx, Phase: ir.PhasePostflight,
		Vectors: post, CreatedAt: epoch,
	})
	require.NoError(t, err)
}

func TestCorrection_FreshRecordIsZero(t *testing.T) {
	_, e := newEngine(t)
	rec, err := e.Record(t.Context())
	require.NoError(t, err)

	assert.Equal(t, ir.Delta{}, Correction(rec))
	assert.Equal(t, ir.Thresholds{Know: 0.70, Uncertainty: 0.35}, rec.Thresholds)
}

func TestApplyEvidence_CompletionDivergence(t *testing.T) {
	b, e := newEngine(t)
	ctx := t.Context()
	closedTx(t, b, "t1", uniform(0.5).With(ir.VectorCompletion, 0.4))

	res, err := e.ApplyEvidence(ctx, ir.EvidenceBundle{
		TransactionID: "t1",
		Items: []ir.EvidenceItem{{
			Source: "goals", Signal: evidence.SignalGoalCompletion, Value: 1.0, Quality: ir.QualityObjective,
		}},
		CollectedAt: epoch,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.6, res.Divergence[ir.VectorCompletion])
	assert.Contains(t, res.Ungroundable, ir.VectorKnow)
	assert.NotContains(t, res.Ungroundable, ir.VectorCompletion)

	rec, err := e.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.6, rec.Vector(ir.VectorCompletion).Track2Divergence)
	assert.True(t, rec.Vector(ir.VectorCompletion).Groundable)
	assert.False(t, rec.Vector(ir.VectorKnow).Groundable)

	stored, err := b.Store().GetEvidenceBundle(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.Items, 1)

	rep, err := e.Report(ctx)
	require.NoError(t, err)
	grounded := rep.Grounded()
	require.Len(t, grounded, 1)
	assert.Equal(t, ir.VectorCompletion, grounded[0].Vector)
	assert.Equal(t, "track2", grounded[0].CorrectionSource)
	for _, v := range rep.Vectors {
		if v.Vector == ir.VectorKnow {
			assert.Nil(t, v.Track2Divergence)
			assert.Equal(t, "none", v.CorrectionSource)
		}
	}
}

func TestApplyEvidence_RequiresPostflight(t *testing.T) {
	b, e := newEngine(t)
	ctx := t.Context()
	require.NoError(t, b.Store().InsertSession(ctx, ir.Session{ID: "s1", OwnerIdentity: "me", CreatedAt: epoch}))
	require.NoError(t, b.Store().InsertTransaction(ctx, ir.Transaction{
		ID: "t1", SessionID: "s1", OwnerIdentity: "me", State: ir.StateOpenPreflight, PreflightAt: epoch,
	}))

	_, err := e.ApplyEvidence(ctx, ir.EvidenceBundle{TransactionID: "t1"})
	require.Error(t, err)
	assert.True(t, ir.IsTransactionStateError(err))
}

func TestCorrection_Track2WinsOverTrack1(t *testing.T) {
	b, e := newEngine(t)
	ctx := t.Context()
	closedTx(t, b, "t1", uniform(0.5).With(ir.VectorCompletion, 0.4))

	require.NoError(t, e.UpdateTrack1(ctx, "t1", ir.Delta(uniform(0.1))))
	_, err := e.ApplyEvidence(ctx, ir.EvidenceBundle{
		TransactionID: "t1",
		Items: []ir.EvidenceItem{{
			Signal: evidence.SignalGoalCompletion, Value: 1.0, Quality: ir.QualityObjective,
		}},
	})
	require.NoError(t, err)

	rec, err := e.Record(ctx)
	require.NoError(t, err)
	corr := Correction(rec)
	assert.Equal(t, 0.6, corr.Completion)
	assert.Equal(t, 0.1, corr.Know)

	raw := uniform(0.5)
	got := Corrected(raw, rec)
	assert.Equal(t, 0.6, got.Know)
	assert.Equal(t, 0.5, raw.Know)
}

func TestUpdateTrack1_Window(t *testing.T) {
	_, e := newEngine(t, WithWindow(3))
	ctx := t.Context()

	for i, d := range []float64{0.1, 0.2, 0.3, 0.4} {
		require.NoError(t, e.UpdateTrack1(ctx, string(rune('a'+i)), ir.Delta(ir.VectorSet{Know: d})))
	}

	rec, err := e.Record(ctx)
	require.NoError(t, err)
	vc := rec.Vector(ir.VectorKnow)
	if diff := cmp.Diff([]float64{0.2, 0.3, 0.4}, vc.Track1Samples); diff != "" {
		t.Errorf("window mismatch (-want +got):\n%s", diff)
	}
	assert.InDelta(t, 0.3, vc.Track1Offset, 1e-9)

	tr, err := e.Trajectory(ctx, store.TrajectoryQuery{Vector: ir.VectorKnow, Track: ir.TrackSelf})
	require.NoError(t, err)
	assert.Len(t, tr.Points, 4)
	require.Len(t, tr.Series, 1)
	assert.Equal(t, TrendWorsening, tr.Series[0].Trend)
}

func TestSlope(t *testing.T) {
	assert.Zero(t, Slope(nil))
	assert.Zero(t, Slope([]float64{0.4}))
	assert.InDelta(t, -0.1, Slope([]float64{0.4, 0.3, 0.2, 0.1}), 1e-9)
	assert.Equal(t, TrendImproving, classify(-0.1))
	assert.Equal(t, TrendStable, classify(0.001))
	assert.Equal(t, TrendWorsening, classify(0.1))
}

func TestSetThresholds(t *testing.T) {
	_, e := newEngine(t)
	ctx := t.Context()

	require.NoError(t, e.SetThresholds(ctx, ir.Thresholds{Know: 0.8, Uncertainty: 0.3}))
	rec, err := e.Record(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.Thresholds{Know: 0.8, Uncertainty: 0.3}, rec.Thresholds)

	err = e.SetThresholds(ctx, ir.Thresholds{Know: 1.4})
	require.Error(t, err)
	assert.True(t, ir.IsValidationError(err))
}

type stubCollector struct {
	bundle ir.EvidenceBundle
	err    error
	block  bool
}

func (c stubCollector) Collect(ctx context.Context, _ string) (ir.EvidenceBundle, error) {
	if c.block {
		<-ctx.Done()
		c.bundle.Partial = true
		return c.bundle, &ir.EvidenceCollectionTimeout{TransactionID: c.bundle.TransactionID, Collected: len(c.bundle.Items)}
	}
	return c.bundle, c.err
}

func TestVerifier_TriggerIsDetached(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))

	b, e := newEngine(t)
	closedTx(t, b, "t1", uniform(0.5).With(ir.VectorCompletion, 0.4))

	var (
		mu   sync.Mutex
		seen []Track2Result
	)
	v := NewVerifier(stubCollector{bundle: ir.EvidenceBundle{
		TransactionID: "t1",
		Items:         []ir.EvidenceItem{{Signal: evidence.SignalGoalCompletion, Value: 1, Quality: ir.QualityObjective}},
	}}, e, WithOnDone(func(r Track2Result, err error) {
		assert.NoError(t, err)
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	}))

	ctx, cancel := context.WithCancel(t.Context())
	v.Trigger(ctx, "t1")
	cancel()
	v.Wait()

	require.Len(t, seen, 1)
	assert.Equal(t, 0.6, seen[0].Divergence[ir.VectorCompletion])
}

func TestVerifier_TimeoutAppliesPartialBundle(t *testing.T) {
	b, e := newEngine(t)
	closedTx(t, b, "t1", uniform(0.5).With(ir.VectorCompletion, 0.4))

	v := NewVerifier(stubCollector{block: true, bundle: ir.EvidenceBundle{
		TransactionID: "t1",
		Items:         []ir.EvidenceItem{{Signal: evidence.SignalGoalCompletion, Value: 1, Quality: ir.QualityObjective}},
	}}, e, WithVerifyTimeout(20*time.Millisecond))

	res, err := v.Verify(t.Context(), "t1")
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Equal(t, 0.6, res.Divergence[ir.VectorCompletion])

	stored, err := b.Store().GetEvidenceBundle(t.Context(), "t1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.Partial)
}

func TestVerifier_DrainWorksThroughQueue(t *testing.T) {
	b, e := newEngine(t)
	ctx := t.Context()
	closedTx(t, b, "t1", uniform(0.5).With(ir.VectorCompletion, 0.4))
	require.NoError(t, b.Store().QueueVerification(ctx, "t1", epoch))

	broken := NewVerifier(stubCollector{err: errors.New("git not found")}, e)
	rep, err := broken.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Verified)
	assert.Contains(t, rep.Failed["t1"], "git not found")

	pending, err := broken.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)

	v := NewVerifier(stubCollector{bundle: ir.EvidenceBundle{
		TransactionID: "t1",
		Items:         []ir.EvidenceItem{{Signal: evidence.SignalGoalCompletion, Value: 1, Quality: ir.QualityObjective}},
	}}, e)
	rep, err = v.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t1"}, rep.Verified)
	assert.Empty(t, rep.Failed)

	pending, err = v.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "applied evidence clears the queue")
}

func TestVerifier_ResumeSkipsExhaustedEntries(t *testing.T) {
	b, e := newEngine(t)
	ctx := t.Context()
	closedTx(t, b, "t1", uniform(0.5))
	s := b.Store()
	require.NoError(t, s.QueueVerification(ctx, "t1", epoch))
	for i := 0; i < MaxAttempts; i++ {
		require.NoError(t, s.FailVerification(ctx, "t1", errors.New("timeout")))
	}

	v := NewVerifier(stubCollector{bundle: ir.EvidenceBundle{TransactionID: "t1"}}, e)
	n, err := v.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	v.Wait()
}
