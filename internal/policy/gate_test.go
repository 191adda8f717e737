package policy

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/calibration"
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/metrics"
	"github.com/roach88/epistemic/internal/resolver"
	"github.com/roach88/epistemic/internal/storage"
	"github.com/roach88/epistemic/internal/store"
	fakeclock "github.com/roach88/epistemic/internal/testutil"
)

type statusFunc func(ctx context.Context, identity string, h resolver.Hints) (engine.Status, error)

func (f statusFunc) Status(ctx context.Context, identity string, h resolver.Hints) (engine.Status, error) {
	return f(ctx, identity, h)
}

func withReadiness(rd *engine.Readiness) statusFunc {
	return func(context.Context, string, resolver.Hints) (engine.Status, error) {
		return engine.Status{Readiness: rd}, nil
	}
}

func failing(err error) statusFunc {
	return func(context.Context, string, resolver.Hints) (engine.Status, error) {
		return engine.Status{}, err
	}
}

var digits = regexp.MustCompile(`[0-9]`)

func TestAuthorize(t *testing.T) {
	tests := []struct {
		name    string
		status  StatusReader
		action  Action
		allowed bool
		reason  Reason
	}{
		{"noetic always allowed", failing(errors.New("unreachable")), Action{Tool: "Read"}, true, ""},
		{"unresolved", failing(&ir.ResolutionError{Message: "none"}), Action{Tool: "Edit"}, false, ReasonNoPreflight},
		{"missing session", failing(&ir.SessionNotFoundError{SessionID: "s"}), Action{Tool: "Edit"}, false, ReasonNoPreflight},
		{"another identity's transaction", failing(&ir.TransactionStateError{TransactionID: "t1", Message: "owned elsewhere"}), Action{Tool: "Edit", TransactionID: "t1"}, false, ReasonNoPreflight},
		{"pointer but no transaction", withReadiness(nil), Action{Tool: "Edit"}, false, ReasonNoPreflight},
		{"closed", withReadiness(&engine.Readiness{State: ir.StateClosed}), Action{Tool: "Write"}, false, ReasonLoopClosed},
		{"rushed", withReadiness(&engine.Readiness{State: ir.StateOpenInvestigating, Rushed: true}), Action{Tool: "Bash"}, false, ReasonNotReady},
		{"not ready", withReadiness(&engine.Readiness{State: ir.StateOpenPreflight}), Action{Tool: "Bash"}, false, ReasonNotReady},
		{"ready", withReadiness(&engine.Readiness{State: ir.StateOpenChecked, Ready: true}), Action{Tool: "Edit"}, true, ""},
		{"unknown tool is praxic", withReadiness(&engine.Readiness{State: ir.StateOpenPreflight}), Action{Tool: "deploy"}, false, ReasonNotReady},
		{"kind override", withReadiness(nil), Action{Tool: "Edit", Kind: KindNoetic}, true, ""},
		{"storage failure", failing(&ir.StorageError{Op: "status", Err: errors.New("disk")}), Action{Tool: "Edit"}, false, ReasonInternalError},
		{"panic", statusFunc(func(context.Context, string, resolver.Hints) (engine.Status, error) {
			panic("boom")
		}), Action{Tool: "Edit"}, false, ReasonInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(tt.status)
			d := g.Authorize(t.Context(), "agent-a", tt.action)

			assert.Equal(t, tt.allowed, d.Allowed)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, ModeController, d.Mode)
			if !tt.allowed {
				assert.Equal(t, "deny", d.Verdict)
				assert.NotEmpty(t, d.Message)
				assert.NotEmpty(t, d.NextStep)
				assert.False(t, digits.MatchString(d.Message+d.NextStep), "denials must not carry numbers")
			}
		})
	}
}

func TestAuthorize_ObserverNeverBlocks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	g := NewGate(withReadiness(&engine.Readiness{State: ir.StateClosed}), WithMode(ModeObserver), WithMetrics(m))

	d := g.Authorize(t.Context(), "agent-a", Action{Tool: "Edit"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "deny", d.Verdict)
	assert.Equal(t, ReasonLoopClosed, d.Reason)
	assert.Equal(t, ModeObserver, d.Mode)

	n, err := testutil.GatherAndCount(reg, "epistemic_gate_decisions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Observer ")
	require.NoError(t, err)
	assert.Equal(t, ModeObserver, m)

	_, err = ParseMode("audit")
	assert.Error(t, err)
}

func TestClassifier(t *testing.T) {
	c := NewClassifier([]string{"Read", "Bash"}, []string{"Bash"})
	assert.Equal(t, KindNoetic, c.Classify("read"))
	assert.Equal(t, KindPraxic, c.Classify("Bash"), "praxic wins over noetic")
	assert.Equal(t, KindPraxic, c.Classify("Unknown"))

	d := DefaultClassifier()
	assert.Equal(t, KindNoetic, d.Classify("resolve-context"))
	assert.Equal(t, KindPraxic, d.Classify("Edit"))
}

func newEngine(t *testing.T) (*engine.Engine, *fakeclock.FakeClock) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	clock := fakeclock.NewFakeClock(time.Time{})
	b := storage.New(s, storage.WithNow(clock.Now))
	t.Cleanup(func() { b.Close() })
	return engine.New(b, resolver.New(s), calibration.New(b, calibration.WithNow(clock.Now)), engine.WithClock(clock)), clock
}

func TestAuthorize_AgainstEngine(t *testing.T) {
	e, clock := newEngine(t)
	g := NewGate(e)
	ctx := t.Context()
	edit := Action{Tool: "Edit"}

	assert.Equal(t, ReasonNoPreflight, g.Authorize(ctx, "agent-a", edit).Reason)

	v := ir.VectorSet{Know: 0.5, Uncertainty: 0.6}
	_, err := e.Preflight(ctx, engine.PreflightRequest{Identity: "agent-a", Vectors: v})
	require.NoError(t, err)
	assert.Equal(t, ReasonNotReady, g.Authorize(ctx, "agent-a", edit).Reason)

	_, err = e.Check(ctx, engine.CheckRequest{Identity: "agent-a", Vectors: ir.VectorSet{Know: 0.99, Uncertainty: 0.01}})
	require.NoError(t, err)
	rushed := g.Authorize(ctx, "agent-a", edit)
	assert.Equal(t, ReasonNotReady, rushed.Reason)
	assert.Contains(t, rushed.NextStep, "findings")

	clock.Advance(time.Minute)
	_, err = e.Check(ctx, engine.CheckRequest{Identity: "agent-a", Vectors: ir.VectorSet{Know: 0.8, Uncertainty: 0.2}})
	require.NoError(t, err)
	assert.True(t, g.Authorize(ctx, "agent-a", edit).Allowed)

	_, err = e.Postflight(ctx, engine.PostflightRequest{Identity: "agent-a", Vectors: ir.VectorSet{Know: 0.9, Uncertainty: 0.1}})
	require.NoError(t, err)
	assert.Equal(t, ReasonLoopClosed, g.Authorize(ctx, "agent-a", edit).Reason)

	// Another identity with no transaction of its own.
	assert.Equal(t, ReasonNoPreflight, g.Authorize(ctx, "agent-b", edit).Reason)
}

func TestAuthorize_TransactionOfAnotherIdentity(t *testing.T) {
	e, clock := newEngine(t)
	g := NewGate(e)
	ctx := t.Context()

	pre, err := e.Preflight(ctx, engine.PreflightRequest{Identity: "agent-a", Vectors: ir.VectorSet{Know: 0.5, Uncertainty: 0.6}})
	require.NoError(t, err)
	_, err = e.LogArtifact(ctx, engine.ArtifactRequest{Identity: "agent-a", Kind: ir.ArtifactFinding, Text: "mapped the call sites"})
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	_, err = e.Check(ctx, engine.CheckRequest{Identity: "agent-a", Vectors: ir.VectorSet{Know: 0.8, Uncertainty: 0.2}})
	require.NoError(t, err)

	edit := Action{Tool: "Edit", TransactionID: pre.TransactionID}
	assert.True(t, g.Authorize(ctx, "agent-a", edit).Allowed)

	d := g.Authorize(ctx, "agent-b", edit)
	assert.False(t, d.Allowed)
	assert.Equal(t, "deny", d.Verdict)
	assert.Equal(t, ReasonNoPreflight, d.Reason)
}

// A PREFLIGHT that already meets the thresholds makes the transaction ready
// without a CHECK, so the minimum window does not apply.
func TestAuthorize_PreflightReadyWithoutCheck(t *testing.T) {
	e, _ := newEngine(t)
	g := NewGate(e)
	ctx := t.Context()

	_, err := e.Preflight(ctx, engine.PreflightRequest{Identity: "agent-a", Vectors: ir.VectorSet{Know: 0.9, Uncertainty: 0.1}})
	require.NoError(t, err)

	d := g.Authorize(ctx, "agent-a", Action{Tool: "Edit"})
	assert.True(t, d.Allowed)
	assert.Equal(t, "allow", d.Verdict)
}
