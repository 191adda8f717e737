// Package harness replays epistemic loops from YAML scenarios.
//
// # Scenario Format
//
//	name: full_loop
//	description: "PREFLIGHT, CHECK, POSTFLIGHT with a gated edit"
//	identity: agent-a
//	defaults:
//	  uniform: 0.5
//	settings:
//	  min_window: 30s
//	evidence:
//	  - { source: goals, signal: goal_completion, value: 1.0, quality: OBJECTIVE }
//	steps:
//	  - op: preflight
//	    vectors: { know: 0.4, uncertainty: 0.6 }
//	  - op: advance
//	    by: 45s
//	  - op: check
//	    vectors: { know: 0.8, uncertainty: 0.2 }
//	    expect:
//	      ok: true
//	      fields: { decision: proceed }
//	  - op: authorize
//	    tool: Edit
//	assertions:
//	  - type: trace_order
//	    ops: [preflight, check]
//	  - type: final_state
//	    table: transactions
//	    where: { state: CLOSED }
//	    expect: { owner_identity: agent-a }
//
// Phase steps submit the default vectors overlaid with the step's own.
// Steps never abort the run: an engine error becomes a failed trace event
// carrying its error_type, and the step's expect clause decides whether
// that was wanted.
//
// # Determinism
//
// Every run uses a fresh in-memory database, a fake clock starting at
// testutil.Epoch that moves only on advance steps, and sequential ids. Trace
// events leave out ids and audit refs, so golden files stay stable.
package harness
