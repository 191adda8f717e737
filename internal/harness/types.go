package harness

import "github.com/roach88/epistemic/internal/ir"

// TraceEvent records one executed step. Fields holds the outcome summary
// that expectations and golden files compare against; identifiers and audit
// refs are left out so traces stay stable across id schemes.
type TraceEvent struct {
	Seq       int            `json:"seq"`
	Op        string         `json:"op"`
	OK        bool           `json:"ok"`
	ErrorType ir.ErrorCode   `json:"error_type,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every executed step in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages. Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddTrace appends an event and returns it.
func (r *Result) AddTrace(ev TraceEvent) TraceEvent {
	ev.Seq = len(r.Trace) + 1
	r.Trace = append(r.Trace, ev)
	return ev
}
