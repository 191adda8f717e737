// Package store provides SQLite-backed relational storage for epistemic
// sessions, transactions and assessments.
//
// The relational store is authoritative. Everything else (audit log, JSON
// export) is derived from rows written here.
//
// # Tables
//
//   - sessions, transactions: one row per loop, session_id immutable
//   - assessments: unified PREFLIGHT/CHECK/POSTFLIGHT rows, at most one
//     POSTFLIGHT per transaction (partial unique index)
//   - active_context: pointer keyed by execution identity
//   - calibration, calibration_meta, calibration_trajectory
//   - goals, subtasks, artifacts, evidence_bundles
//   - pending_verifications: closed transactions awaiting evidence
//   - audit_outbox: accepted but not yet flushed audit log writes
//   - schema_markers: one-shot migration guards
//
// # Transactions
//
// Store.Update runs a TxFunc under BEGIN IMMEDIATE so the write lock is held
// for the whole function. A failed attempt is retried once; domain errors
// are not. Inside a TxFunc use only the *Tx methods: the pool has a single
// connection and a Store-level query would wait on the open transaction.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
