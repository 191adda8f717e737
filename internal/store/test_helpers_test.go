package store

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/epistemic/internal/ir"
)

var testEpoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testTime(seconds int) time.Time {
	return testEpoch.Add(time.Duration(seconds) * time.Second)
}

// createTestStore creates a new file-backed store for testing.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, opts...)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func uniform(v float64) ir.VectorSet {
	var vals [ir.NumVectors]float64
	for i := range vals {
		vals[i] = v
	}
	return ir.VectorSetFromValues(vals)
}

func testAssessment(id, session, tx string, phase ir.Phase, round, at int) ir.Assessment {
	return ir.Assessment{
		ID:            id,
		SessionID:     session,
		TransactionID: tx,
		Phase:         phase,
		Round:         round,
		Vectors:       uniform(0.5),
		Reasoning:     "reasoning " + id,
		CreatedAt:     testTime(at),
	}
}

func seedSessionAndTx(t *testing.T, s *Store, session, tx, owner string) {
	t.Helper()
	ctx := t.Context()
	if err := s.InsertSession(ctx, ir.Session{ID: session, OwnerIdentity: owner, CreatedAt: testTime(0)}); err != nil {
		t.Fatalf("InsertSession: %v", err)
	}
	if err := s.InsertTransaction(ctx, ir.Transaction{
		ID: tx, SessionID: session, OwnerIdentity: owner,
		State: ir.StateOpenPreflight, PreflightAt: testTime(0),
	}); err != nil {
		t.Fatalf("InsertTransaction: %v", err)
	}
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?`, table)
	if err != nil {
		t.Fatalf("query indexes: %v", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("scan index: %v", err)
		}
		out = append(out, name)
	}
	return out
}
