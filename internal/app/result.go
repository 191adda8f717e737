package app

import (
	"github.com/roach88/epistemic/internal/engine"
	"github.com/roach88/epistemic/internal/ir"
	"github.com/roach88/epistemic/internal/policy"
)

// Result is the collaborator-facing response shape shared by the CLI and
// the MCP tools.
type Result struct {
	OK        bool         `json:"ok"`
	Data      any          `json:"data,omitempty"`
	ErrorType ir.ErrorCode `json:"error_type,omitempty"`
	Message   string       `json:"message,omitempty"`
	NextStep  string       `json:"next_step,omitempty"`
}

// Success wraps data.
func Success(data any) Result {
	return Result{OK: true, Data: data}
}

// Failure maps err to its surface code and suggested next step.
func Failure(err error) Result {
	return Result{
		ErrorType: ir.ErrorType(err),
		Message:   err.Error(),
		NextStep:  engine.NextStep(err),
	}
}

// CheckOutcome reports a CHECK. A rushed CHECK is recorded but surfaces as
// rushed_assessment with the result still attached.
func CheckOutcome(res engine.CheckResult) Result {
	if err := res.Guidance(); err != nil {
		r := Failure(err)
		r.Data = res
		return r
	}
	return Success(res)
}

// Authorization reports a gate decision. OK is false only when the action
// must not proceed.
func Authorization(d policy.Decision) Result {
	return Result{OK: d.Allowed, Data: d, Message: d.Message, NextStep: d.NextStep}
}
