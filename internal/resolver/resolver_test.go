package resolver

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/store"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*store.Store, *Resolver) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "r.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := t.Context()
	for _, sess := range []ir.Session{
		{ID: "s-live", OwnerIdentity: "pane-1", ProjectPath: "/work/proj", CreatedAt: epoch},
		{ID: "s-stale", OwnerIdentity: "pane-1", CreatedAt: epoch},
	} {
		require.NoError(t, s.InsertSession(ctx, sess))
	}
	require.NoError(t, s.InsertTransaction(ctx, ir.Transaction{
		ID: "t1", SessionID: "s-live", OwnerIdentity: "pane-1",
		State: ir.StateOpenInvestigating, PreflightAt: epoch,
	}))
	return s, New(s, WithNow(func() time.Time { return epoch }))
}

func TestResolve_TransactionBeatsStalePointer(t *testing.T) {
	_, r := setup(t)
	ctx := t.Context()

	require.NoError(t, r.Bind(ctx, ir.ActiveContext{
		ExecutionIdentity: "pane-1", SessionID: "s-stale", TransactionID: "t1",
	}))

	got, err := r.Resolve(ctx, "pane-1", Hints{})
	require.NoError(t, err)
	assert.Equal(t, "s-live", got.SessionID)
	assert.Equal(t, "t1", got.TransactionID)
	assert.Equal(t, SourceTransaction, got.Source)
	assert.Equal(t, "/work/proj", got.ProjectPath)
}

func TestResolve_ExplicitTransactionHint(t *testing.T) {
	_, r := setup(t)
	ctx := t.Context()
	require.NoError(t, r.Bind(ctx, ir.ActiveContext{ExecutionIdentity: "pane-1", SessionID: "s-stale"}))

	got, err := r.Resolve(ctx, "pane-1", Hints{TransactionID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "s-live", got.SessionID)
	assert.Equal(t, SourceTransaction, got.Source)

	_, err = r.Resolve(ctx, "pane-1", Hints{TransactionID: "missing"})
	require.Error(t, err)
	assert.True(t, ir.IsResolutionError(err))
}

func TestResolve_TransactionOfAnotherIdentity(t *testing.T) {
	_, r := setup(t)
	ctx := t.Context()

	_, err := r.Resolve(ctx, "pane-9", Hints{TransactionID: "t1"})
	require.Error(t, err)
	assert.True(t, ir.IsTransactionStateError(err))
	assert.Equal(t, ir.CodeTransactionState, ir.ErrorType(err))

	// A pointer naming someone else's transaction falls back to its session.
	require.NoError(t, r.Bind(ctx, ir.ActiveContext{
		ExecutionIdentity: "pane-9", SessionID: "s-stale", TransactionID: "t1",
	}))
	got, err := r.Resolve(ctx, "pane-9", Hints{})
	require.NoError(t, err)
	assert.Equal(t, SourcePointer, got.Source)
	assert.Equal(t, "s-stale", got.SessionID)
	assert.Empty(t, got.TransactionID)
	assert.Nil(t, got.Transaction)
}

func TestCheckOwner(t *testing.T) {
	txn := ir.Transaction{ID: "t1", OwnerIdentity: "pane-1", State: ir.StateOpenChecked}
	assert.NoError(t, CheckOwner(txn, "pane-1"))

	err := CheckOwner(txn, "pane-2")
	require.Error(t, err)
	assert.True(t, ir.IsTransactionStateError(err))
	assert.NotContains(t, err.Error(), "pane-1", "the owner is not disclosed")
}

func TestResolve_OpenTransactionOfIdentity(t *testing.T) {
	_, r := setup(t)

	got, err := r.Resolve(t.Context(), "pane-1", Hints{SessionOverride: "s-stale"})
	require.NoError(t, err)
	assert.Equal(t, "s-live", got.SessionID)
	assert.Equal(t, SourceTransaction, got.Source)
}

func TestResolve_PointerThenOverride(t *testing.T) {
	_, r := setup(t)
	ctx := t.Context()

	got, err := r.Resolve(ctx, "pane-2", Hints{SessionOverride: "s-stale"})
	require.NoError(t, err)
	assert.Equal(t, SourceOverride, got.Source)
	assert.Equal(t, "s-stale", got.SessionID)

	require.NoError(t, r.Bind(ctx, ir.ActiveContext{ExecutionIdentity: "pane-2", SessionID: "s-live"}))
	got, err = r.Resolve(ctx, "pane-2", Hints{SessionOverride: "s-stale"})
	require.NoError(t, err)
	assert.Equal(t, SourcePointer, got.Source)
	assert.Equal(t, "s-live", got.SessionID)
	assert.Empty(t, got.TransactionID)
}

func TestResolve_Unresolved(t *testing.T) {
	_, r := setup(t)

	_, err := r.Resolve(t.Context(), "pane-3", Hints{})
	require.Error(t, err)
	assert.True(t, ir.IsResolutionError(err))
	assert.Equal(t, ir.CodeUnresolved, ir.ErrorType(err))
}

func TestResolve_OverrideToMissingSession(t *testing.T) {
	_, r := setup(t)

	_, err := r.Resolve(t.Context(), "pane-3", Hints{SessionOverride: "nope"})
	require.Error(t, err)
	assert.True(t, ir.IsSessionNotFoundError(err))
}

func TestBind_RequiresExistingSession(t *testing.T) {
	_, r := setup(t)

	err := r.Bind(t.Context(), ir.ActiveContext{ExecutionIdentity: "pane-4", SessionID: "ghost"})
	require.Error(t, err)
	assert.True(t, ir.IsSessionNotFoundError(err))
}

func TestClear(t *testing.T) {
	s, r := setup(t)
	ctx := t.Context()
	require.NoError(t, r.Bind(ctx, ir.ActiveContext{ExecutionIdentity: "pane-5", SessionID: "s-live"}))
	require.NoError(t, r.Clear(ctx, "pane-5"))

	ac, err := s.GetActiveContext(ctx, "pane-5")
	require.NoError(t, err)
	assert.Nil(t, ac)
}

func TestIdentityFromEnv(t *testing.T) {
	env := func(m map[string]string) func(string) string {
		return func(k string) string { return m[k] }
	}

	assert.Equal(t, "agent-7", IdentityFromEnv(env(map[string]string{
		"EPISTEMIC_INSTANCE_ID": "agent-7", "TMUX_PANE": "%3",
	})))
	assert.Equal(t, "tmux:%3", IdentityFromEnv(env(map[string]string{"TMUX_PANE": "%3"})))
	assert.Equal(t, "term:abc", IdentityFromEnv(env(map[string]string{"TERM_SESSION_ID": "abc"})))
	assert.Equal(t, "wt:xyz", IdentityFromEnv(env(map[string]string{"WT_SESSION": "xyz"})))
	assert.True(t, strings.HasPrefix(IdentityFromEnv(env(nil)), "ppid:"))
}
