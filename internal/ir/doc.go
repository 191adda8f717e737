// Package ir holds the domain types shared by every other package: vector
// sets, assessments, transactions, calibration records, the typed error
// taxonomy, and canonical JSON for content-addressed audit refs.
//
// ir imports nothing internal. Constraints:
//   - Vector components lie in [0,1] and are rejected, never clamped
//   - A transaction's session id is written once
//   - Canonical JSON carries no floats; vectors are encoded as micros
//   - All JSON tags use snake_case
package ir
