// Package engine implements the epistemic transaction state machine.
//
// A transaction is one PREFLIGHT→POSTFLIGHT loop owned by the execution
// identity that opened it:
//
//	OPEN_PREFLIGHT → OPEN_INVESTIGATING ⇄ OPEN_CHECKED → CLOSED
//
// PREFLIGHT records the baseline self-assessment. CHECK is optional and
// repeatable; it applies the current calibration correction to the submitted
// vectors and decides proceed or investigate against the calibrated
// thresholds. POSTFLIGHT closes the loop, persists the learning delta,
// updates Track 1 calibration in the same relational transaction and hands
// the transaction to the evidence verifier in the background.
//
// Every write goes through storage.Backend, so each phase is a single short
// SQLite transaction. Raw self-reports are stored unmodified; corrections and
// the anti-gaming verdict live in assessment metadata.
//
// CRITICAL PATTERNS:
//
// Wall-clock time comes from Clock only. The anti-gaming window compares
// the CHECK time with the PREFLIGHT time stored on the transaction row, so
// tests drive it with a fake clock.
//
// State checks run inside the write transaction. A transaction read outside
// it is only a hint for resolution.
package engine
