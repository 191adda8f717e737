package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/auditlog"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// flakyLog fails every Append until healed.
type flakyLog struct {
	*auditlog.Memory
	mu      sync.Mutex
	failing bool
}

func (f *flakyLog) Name() string { return "flaky" }

func (f *flakyLog) Append(ctx context.Context, ref string, payload []byte) error {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return errors.New("log unreachable")
	}
	return f.Memory.Append(ctx, ref, payload)
}

func (f *flakyLog) heal() {
	f.mu.Lock()
	f.failing = false
	f.mu.Unlock()
}

func uniform(v float64) ir.VectorSet {
	var vals [ir.NumVectors]float64
	for i := range vals {
		vals[i] = v
	}
	return ir.VectorSetFromValues(vals)
}

func newBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "epistemic.db"))
	require.NoError(t, err)
	opts = append([]Option{WithNow(func() time.Time { return testEpoch })}, opts...)
	b := New(s, opts...)
	t.Cleanup(func() { b.Close() })
	return b
}

func seed(t *testing.T, b *Backend, session, tx string) {
	t.Helper()
	ctx := t.Context()
	require.NoError(t, b.Store().InsertSession(ctx, ir.Session{ID: session, OwnerIdentity: "id-1", CreatedAt: testEpoch}))
	require.NoError(t, b.Store().InsertTransaction(ctx, ir.Transaction{
		ID: tx, SessionID: session, OwnerIdentity: "id-1",
		State: ir.StateOpenPreflight, PreflightAt: testEpoch,
	}))
}

func assessment(id, session, tx string, phase ir.Phase, v ir.VectorSet) ir.Assessment {
	return ir.Assessment{
		ID: id, SessionID: session, TransactionID: tx, Phase: phase,
		Vectors: v, Reasoning: "r", CreatedAt: testEpoch,
	}
}

func TestAppend_Durable(t *testing.T) {
	mem := auditlog.NewMemory()
	b := newBackend(t, WithAuditLog(mem))
	seed(t, b, "s1", "t1")

	res, err := b.Append(t.Context(), assessment("a1", "s1", "t1", ir.PhasePreflight, uniform(0.5)))
	require.NoError(t, err)
	assert.Equal(t, "a1", res.ID)
	assert.Equal(t, DurabilityDurable, res.Durability)
	assert.Equal(t, []string{res.Ref}, mem.Refs())

	pending, err := b.Store().PendingOutbox(t.Context(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)

	got, err := mem.Read(t.Context(), res.Ref)
	require.NoError(t, err)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(got, &payload))
	assert.Equal(t, "a1", payload["id"])
}

func TestAppend_LogFailureIsPendingNotFatal(t *testing.T) {
	log := &flakyLog{Memory: auditlog.NewMemory(), failing: true}
	reg := prometheus.NewRegistry()
	b := newBackend(t, WithAuditLog(log), WithMetrics(metrics.New(reg)))
	seed(t, b, "s1", "t1")
	ctx := t.Context()

	res, err := b.Append(ctx, assessment("a1", "s1", "t1", ir.PhasePreflight, uniform(0.5)))
	require.NoError(t, err)
	assert.Equal(t, DurabilityPending, res.Durability)

	got, err := b.Latest(ctx, "s1", ir.PhasePreflight)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a1", got.ID)

	pending, err := b.Store().PendingOutbox(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "log unreachable", pending[0].LastError)

	log.heal()
	rep, err := b.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, FlushReport{Flushed: 1}, rep)
	assert.Equal(t, []string{res.Ref}, log.Refs())

	pending, err = b.Store().PendingOutbox(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestAppend_OutOfRangeWritesNothing(t *testing.T) {
	b := newBackend(t)
	seed(t, b, "s1", "t1")
	ctx := t.Context()

	bad := assessment("a1", "s1", "t1", ir.PhasePreflight, uniform(0.5).With(ir.VectorKnow, 1.2))
	_, err := b.Append(ctx, bad)
	require.Error(t, err)
	assert.True(t, ir.IsValidationError(err))

	n, err := b.Store().CountAssessments(ctx, "s1", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppend_ExtraRollsBackTogether(t *testing.T) {
	b := newBackend(t)
	seed(t, b, "s1", "t1")
	ctx := t.Context()

	boom := errors.New("boom")
	_, err := b.Append(ctx, assessment("a1", "s1", "t1", ir.PhaseCheck, uniform(0.5)),
		func(ctx context.Context, tx *store.Tx) error {
			if err := tx.SetTransactionState(ctx, "t1", ir.StateOpenChecked); err != nil {
				return err
			}
			return boom
		})
	require.Error(t, err)
	assert.True(t, ir.IsStorageError(err))
	assert.ErrorIs(t, err, boom)

	txn, err := b.Store().GetTransaction(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ir.StateOpenPreflight, txn.State)

	n, err := b.Store().CountAssessments(ctx, "s1", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppend_ExportsSession(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sessions")
	b := newBackend(t, WithExportDir(dir))
	seed(t, b, "s1", "t1")

	_, err := b.Append(t.Context(), assessment("a1", "s1", "t1", ir.PhasePreflight, uniform(0.5)))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "s1.json"))
	require.NoError(t, err)
	var snap SessionExport
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, "s1", snap.Session.ID)
	require.Len(t, snap.Assessments, 1)
	assert.Equal(t, "a1", snap.Assessments[0].ID)
	require.Len(t, snap.Transactions, 1)

	leftovers, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestAppend_ExportFailureIsWarning(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	b := newBackend(t, WithExportDir(filepath.Join(blocker, "sub")))
	seed(t, b, "s1", "t1")

	res, err := b.Append(t.Context(), assessment("a1", "s1", "t1", ir.PhasePreflight, uniform(0.5)))
	require.NoError(t, err)
	assert.Equal(t, "a1", res.ID)
}

func TestAllByPhase(t *testing.T) {
	b := newBackend(t)
	seed(t, b, "s1", "t1")
	ctx := t.Context()

	for i, id := range []string{"c1", "c2"} {
		a := assessment(id, "s1", "t1", ir.PhaseCheck, uniform(0.5))
		a.Round = i + 1
		a.CreatedAt = testEpoch.Add(time.Duration(i) * time.Second)
		_, err := b.Append(ctx, a)
		require.NoError(t, err)
	}

	got, err := b.AllByPhase(ctx, "s1", ir.PhaseCheck)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c2", got[1].ID)

	latest, err := b.Latest(ctx, "s1", ir.PhaseCheck)
	require.NoError(t, err)
	assert.Equal(t, "c2", latest.ID)

	none, err := b.Latest(ctx, "s1", ir.PhasePostflight)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestMigrateLegacy_Idempotent(t *testing.T) {
	b := newBackend(t)
	ctx := t.Context()
	_, err := b.Store().DB().Exec(`CREATE TABLE preflight_assessments
		(id TEXT PRIMARY KEY, session_id TEXT, vectors TEXT, reasoning TEXT, created_at TEXT)`)
	require.NoError(t, err)
	_, err = b.Store().DB().Exec(`INSERT INTO preflight_assessments VALUES ('p1', 's1', ?, 'old', '2025-01-01 10:00:00')`,
		mustJSON(t, uniform(0.4)))
	require.NoError(t, err)

	rep, err := b.MigrateLegacy(ctx)
	require.NoError(t, err)
	require.Len(t, rep.Tables, 1)
	first, err := b.Store().CountAssessments(ctx, "", "")
	require.NoError(t, err)

	rep, err = b.MigrateLegacy(ctx)
	require.NoError(t, err)
	assert.True(t, rep.AlreadyApplied)
	second, err := b.Store().CountAssessments(ctx, "", "")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, second)
}

func TestUpdateCalibration_Serialised(t *testing.T) {
	b := newBackend(t)
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := b.UpdateCalibration(ctx, "test_calibration", func(ctx context.Context, tx *store.Tx, rec ir.CalibrationRecord) error {
				vc := rec.Vector(ir.VectorKnow)
				vc.Track1Samples = append(vc.Track1Samples, 0.1)
				vc.UpdatedAt = testEpoch
				return tx.SaveVectorCalibration(ctx, vc)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rec, err := b.Calibration(ctx)
	require.NoError(t, err)
	assert.Len(t, rec.Vector(ir.VectorKnow).Track1Samples, 8)
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}
