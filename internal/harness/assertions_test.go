package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/epistemic/internal/ir"
)

func sampleTrace() []TraceEvent {
	r := NewResult()
	r.AddTrace(TraceEvent{Op: OpPreflight, OK: true, Fields: map[string]any{"state": "OPEN_PREFLIGHT"}})
	r.AddTrace(TraceEvent{Op: OpCheck, OK: false, ErrorType: ir.CodeRushedAssessment,
		Fields: map[string]any{"decision": "investigate", "round": 1}})
	r.AddTrace(TraceEvent{Op: OpCheck, OK: true, Fields: map[string]any{"decision": "proceed", "round": 2}})
	r.AddTrace(TraceEvent{Op: OpPostflight, OK: true,
		Fields: map[string]any{"delta": map[string]any{"know": 0.35}}})
	return r.Trace
}

func TestAssertTraceContains(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpCheck, Fields: map[string]any{"round": 2}}))
	assert.NoError(t, assertTraceContains(trace, Assertion{Op: OpPostflight,
		Fields: map[string]any{"delta": map[string]any{"know": 0.35}}}))

	err := assertTraceContains(trace, Assertion{Op: OpCheck, Fields: map[string]any{"round": 3}})
	require.Error(t, err)
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertTraceContains, ae.Type)
	assert.Contains(t, err.Error(), "Full trace")
}

func TestAssertTraceOrder(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{OpPreflight, OpCheck, OpPostflight}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Ops: []string{OpCheck, OpCheck}}))
	assert.Error(t, assertTraceOrder(trace, Assertion{Ops: []string{OpPostflight, OpPreflight}}))
	assert.Error(t, assertTraceOrder(trace, Assertion{Ops: []string{OpCheck, OpCheck, OpCheck}}))
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpCheck, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Op: OpVerify, Count: 0}))
	assert.Error(t, assertTraceCount(trace, Assertion{Op: OpPreflight, Count: 2}))
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"int vs int64", int64(2), 2, true},
		{"float vs int", 1.0, 1, true},
		{"float mismatch", 0.35, 0.3, false},
		{"sqlite bool", int64(1), true, true},
		{"sqlite bool false", int64(0), true, false},
		{"bytes vs string", []byte("CLOSED"), "CLOSED", true},
		{"string mismatch", "OPEN_CHECKED", "CLOSED", false},
		{"nil both", nil, nil, true},
		{"nil one", nil, "x", false},
		{"number vs string", "1", 1, false},
		{"map equal", map[string]any{"know": 0.35}, map[string]any{"know": 0.35}, true},
		{"map extra key", map[string]any{"know": 0.35, "do": 0.1}, map[string]any{"know": 0.35}, false},
		{"slice", []any{"completion"}, []any{"completion"}, true},
		{"slice length", []any{"completion", "know"}, []any{"completion"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected))
		})
	}
}

func TestCheckExpect(t *testing.T) {
	ev := sampleTrace()[1]
	ok := false

	assert.Empty(t, checkExpect(ev, Expect{
		OK:        &ok,
		ErrorType: "rushed_assessment",
		Fields:    map[string]any{"decision": "investigate"},
	}))

	errs := checkExpect(ev, Expect{ErrorType: "unresolved", Fields: map[string]any{"state": "CLOSED"}})
	assert.Len(t, errs, 2)
}

func TestEvaluateAssertions_FinalStateNeedsStore(t *testing.T) {
	errs := EvaluateAssertions(&Result{}, []Assertion{{Type: AssertFinalState, Table: "goals"}}, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0], "requires database context")
}
