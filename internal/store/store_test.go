package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/ir"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"sessions", "transactions", "assessments", "active_context", "calibration",
		"calibration_meta", "calibration_trajectory", "goals", "subtasks", "artifacts",
		"evidence_bundles", "pending_verifications", "audit_outbox", "schema_markers",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.InsertSession(ctx, ir.Session{ID: "s1", OwnerIdentity: "a", CreatedAt: testTime(0)}))
	_, err = s.GetSession(ctx, "s1")
	require.NoError(t, err)
}

func TestOpen_InvalidPath(t *testing.T) {
	if _, err := Open("/nonexistent/dir/test.db"); err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	for name, want := range map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1",
		"busy_timeout": "5000",
		"foreign_keys": "1",
		"user_version": "2",
	} {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

func TestUpdate_CommitsAllOrNothing(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	boom := &ir.ValidationError{Message: "late failure"}
	err := s.Update(ctx, "test", func(ctx context.Context, tx *Tx) error {
		if err := tx.InsertSession(ctx, ir.Session{ID: "s1", OwnerIdentity: "a", CreatedAt: testTime(0)}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = s.GetSession(ctx, "s1")
	assert.True(t, ir.IsSessionNotFoundError(err), "rolled back session must not exist")
}

func TestUpdate_RetriesOnceOnFreshTransaction(t *testing.T) {
	var retried []string
	s := createTestStore(t, WithRetryHook(func(op string) { retried = append(retried, op) }))
	ctx := context.Background()

	attempts := 0
	err := s.Update(ctx, "flaky", func(ctx context.Context, tx *Tx) error {
		attempts++
		if err := tx.InsertSession(ctx, ir.Session{ID: "s1", OwnerIdentity: "a", CreatedAt: testTime(0)}); err != nil {
			return err
		}
		if attempts == 1 {
			return errors.New("database is locked")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, []string{"flaky"}, retried)

	_, err = s.GetSession(ctx, "s1")
	assert.NoError(t, err)
}

func TestUpdate_SecondFailureIsStorageError(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	attempts := 0
	err := s.Update(ctx, "append", func(ctx context.Context, tx *Tx) error {
		attempts++
		if err := tx.InsertSession(ctx, ir.Session{ID: "s1", OwnerIdentity: "a", CreatedAt: testTime(0)}); err != nil {
			return err
		}
		return errors.New("disk I/O error")
	})

	var se *ir.StorageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "append", se.Op)
	assert.Equal(t, 2, attempts)

	_, err = s.GetSession(ctx, "s1")
	assert.True(t, ir.IsSessionNotFoundError(err), "nothing may be partially committed")
}

func TestUpdate_DomainErrorsNotRetried(t *testing.T) {
	s := createTestStore(t)

	attempts := 0
	err := s.Update(context.Background(), "check", func(ctx context.Context, tx *Tx) error {
		attempts++
		return &ir.TransactionClosedError{TransactionID: "t1"}
	})
	assert.True(t, ir.IsTransactionClosedError(err))
	assert.Equal(t, 1, attempts)
}

func TestMigrateToV2_AddsIndexToOldDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE assessments (
		id TEXT PRIMARY KEY, session_id TEXT NOT NULL, transaction_id TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL, round INTEGER NOT NULL DEFAULT 0, vectors TEXT NOT NULL,
		reasoning TEXT NOT NULL DEFAULT '', metadata TEXT NOT NULL DEFAULT '{}',
		created_at TEXT NOT NULL)`)
	require.NoError(t, err)
	_, err = db.Exec(`PRAGMA user_version = 1`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	assert.Contains(t, getTableIndexes(t, s.db, "assessments"), "idx_assessments_one_postflight")
}
