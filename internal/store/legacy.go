package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/epistemic/internal/ir"
)

// LegacyMarker guards MigrateLegacy against re-runs.
const LegacyMarker = "legacy_phase_tables_migrated"

// legacyTables maps each per-phase table of the old layout to its phase.
// Legacy rows carry (id, session_id, vectors, reasoning, created_at) and
// optionally transaction_id and round.
var legacyTables = []struct {
	table string
	phase ir.Phase
}{
	{"preflight_assessments", ir.PhasePreflight},
	{"check_assessments", ir.PhaseCheck},
	{"postflight_assessments", ir.PhasePostflight},
}

// LegacyTableReport describes one migrated table.
type LegacyTableReport struct {
	Table string   `json:"table"`
	Phase ir.Phase `json:"phase"`
	Rows  int      `json:"rows"`
}

// MigrationReport summarises a MigrateLegacy run.
type MigrationReport struct {
	AlreadyApplied bool                `json:"already_applied"`
	Tables         []LegacyTableReport `json:"tables"`
}

// MigrateLegacy copies rows from the per-phase legacy tables into
// assessments, verifies per-table row-count parity, drops the legacy tables
// and writes the marker row, all in one transaction. A second run finds the
// marker and returns AlreadyApplied without touching anything.
func (s *Store) MigrateLegacy(ctx context.Context, now time.Time) (MigrationReport, error) {
	var report MigrationReport
	err := s.Update(ctx, "migrate_legacy", func(ctx context.Context, tx *Tx) error {
		report = MigrationReport{Tables: []LegacyTableReport{}}

		if _, done, err := tx.GetMarker(ctx, LegacyMarker); err != nil {
			return err
		} else if done {
			report.AlreadyApplied = true
			return nil
		}

		for _, lt := range legacyTables {
			exists, err := tx.tableExists(ctx, lt.table)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			n, err := tx.migrateLegacyTable(ctx, lt.table, lt.phase)
			if err != nil {
				return err
			}
			report.Tables = append(report.Tables, LegacyTableReport{Table: lt.table, Phase: lt.phase, Rows: n})
		}

		detail, err := json.Marshal(report.Tables)
		if err != nil {
			return fmt.Errorf("marshal migration detail: %w", err)
		}
		_, err = tx.tx.ExecContext(ctx, `
			INSERT INTO schema_markers (name, applied_at, detail) VALUES (?, ?, ?)
		`, LegacyMarker, formatTime(now), string(detail))
		if err != nil {
			return fmt.Errorf("write marker: %w", err)
		}
		return nil
	})
	return report, err
}

func (tx *Tx) tableExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", name, err)
	}
	return n > 0, nil
}

func (tx *Tx) hasColumn(ctx context.Context, table, column string) (bool, error) {
	var n int
	err := tx.tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}

// migrateLegacyTable copies one table and drops it. Ids are prefixed with the
// table name so rows from different phase tables cannot collide.
func (tx *Tx) migrateLegacyTable(ctx context.Context, table string, phase ir.Phase) (int, error) {
	var want int
	if err := tx.tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&want); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}

	txExpr, roundExpr := "''", "0"
	if ok, err := tx.hasColumn(ctx, table, "transaction_id"); err != nil {
		return 0, err
	} else if ok {
		txExpr = "COALESCE(transaction_id, '')"
	}
	if ok, err := tx.hasColumn(ctx, table, "round"); err != nil {
		return 0, err
	} else if ok {
		roundExpr = "COALESCE(round, 0)"
	}

	prefix := table + ":"
	_, err := tx.tx.ExecContext(ctx, `
		INSERT INTO assessments
		(id, session_id, transaction_id, phase, round, vectors, reasoning, metadata, created_at)
		SELECT ? || id, session_id, `+txExpr+`, ?, `+roundExpr+`, vectors,
		       COALESCE(reasoning, ''), '{"migrated_from":"`+table+`"}', created_at
		FROM `+table+` WHERE true
		ON CONFLICT DO NOTHING
	`, prefix, string(phase))
	if err != nil {
		return 0, fmt.Errorf("copy %s: %w", table, err)
	}

	var got int
	err = tx.tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM assessments WHERE phase = ? AND substr(id, 1, ?) = ?
	`, string(phase), len(prefix), prefix).Scan(&got)
	if err != nil {
		return 0, fmt.Errorf("verify %s: %w", table, err)
	}
	if got != want {
		return 0, fmt.Errorf("row count parity failed for %s: %d legacy rows, %d migrated", table, want, got)
	}

	if _, err := tx.tx.ExecContext(ctx, `DROP TABLE `+table); err != nil {
		return 0, fmt.Errorf("drop %s: %w", table, err)
	}
	return want, nil
}
